package scriptlet

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-scriptlets/api/schemas"
	"github.com/xkilldash9x/scalpel-scriptlets/internal/scriptlet/jsenv"
)

// ErrUnknownScriptlet is returned by Invoke for names missing from the
// registry.
var ErrUnknownScriptlet = errors.New("unknown scriptlet")

// Definition is a registry entry.
type Definition struct {
	Name        string
	Aliases     []string
	Description string
	Install     Func
}

// Registry is the static table of scriptlets and their aliases.
type Registry struct {
	defs   []*Definition
	byName map[string]*Definition
}

// NewRegistry returns the registry of every scriptlet this package ships.
func NewRegistry() *Registry {
	r := &Registry{byName: make(map[string]*Definition)}
	r.register("abort-current-inline-script", AbortCurrentInlineScript, "Throws when an inline script touches a property")
	r.register("abort-on-property-read", AbortOnPropertyRead, "Throws when a property is read", "aopr")
	r.register("abort-on-property-write", AbortOnPropertyWrite, "Throws when a property is assigned", "aopw")
	r.register("abort-on-stack-trace", AbortOnStackTrace, "Throws when a property is accessed from a matching call stack", "aost")
	r.register("json-prune", JSONPrune, "Removes properties from JSON.parse and Response.json results")
	r.register("json-prune-fetch-response", JSONPruneFetchResponse, "Removes properties from matching fetch response bodies")
	r.register("json-prune-xhr-response", JSONPruneXHRResponse, "Removes properties from matching XMLHttpRequest response bodies")
	r.register("nowebrtc", NoWebRTC, "Disables RTCPeerConnection")
	r.register("prevent-fetch", PreventFetch, "Answers matching fetch calls with a synthetic response", "no-fetch-if")
	r.register("prevent-set-interval", PreventSetInterval, "Drops matching setInterval callbacks", "prevent-setInterval")
	r.register("prevent-set-timeout", PreventSetTimeout, "Drops matching setTimeout callbacks", "prevent-setTimeout")
	r.register("prevent-window-open", PreventWindowOpen, "Replaces matching window.open calls with a decoy", "nowoif")
	r.register("prevent-xhr", PreventXHR, "Answers matching XMLHttpRequests with a synthetic response", "no-xhr-if")
	r.register("set-constant", SetConstant, "Pins a property to a constant value")
	r.register("set-local-storage-item", SetLocalStorageItem, "Sets or removes localStorage items")
	r.register("set-session-storage-item", SetSessionStorageItem, "Sets or removes sessionStorage items")
	return r
}

func (r *Registry) register(name string, fn Func, description string, aliases ...string) {
	def := &Definition{Name: name, Aliases: aliases, Description: description, Install: fn}
	r.defs = append(r.defs, def)
	r.byName[name] = def
	for _, alias := range aliases {
		r.byName[alias] = def
	}
}

// Lookup resolves a name or alias.
func (r *Registry) Lookup(name string) (*Definition, bool) {
	def, ok := r.byName[name]
	return def, ok
}

// Names lists the canonical names, sorted, with their aliases.
func (r *Registry) Names() []Definition {
	out := make([]Definition, 0, len(r.defs))
	for _, def := range r.defs {
		out = append(out, Definition{Name: def.Name, Aliases: append([]string(nil), def.Aliases...), Description: def.Description})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Describe returns the one-line description of a scriptlet name or alias.
func (r *Registry) Describe(name string) (string, bool) {
	def, ok := r.byName[name]
	if !ok {
		return "", false
	}
	return def.Description, true
}

// Dispatcher binds the registry to one realm.
func (r *Registry) Dispatcher(env *jsenv.Env) *Dispatcher {
	return &Dispatcher{registry: r, env: env}
}

// Inject invokes every call in order. Failures are logged and recorded; they
// never stop the remaining calls.
func (r *Registry) Inject(env *jsenv.Env, calls []schemas.ScriptletCall) {
	d := r.Dispatcher(env)
	for _, call := range calls {
		_ = d.Invoke(call.Name, call.Args...)
	}
}

// Dispatcher installs scriptlets by name into a single realm.
type Dispatcher struct {
	registry *Registry
	env      *jsenv.Env
}

// Invoke resolves name and installs the scriptlet with args. Unknown names
// are logged at debug level. Configuration and capability errors are logged
// as warnings and recorded as rejections; the realm is left untouched.
func (d *Dispatcher) Invoke(name string, args ...string) (err error) {
	def, ok := d.registry.Lookup(name)
	if !ok {
		d.env.Logger.Debug("Scriptlet does not exist or is not yet implemented", zap.String("name", name))
		return fmt.Errorf("%w: %s", ErrUnknownScriptlet, name)
	}

	scope := &Scope{Env: d.env, Name: def.Name, Logger: d.env.Logger.Named(def.Name)}
	detail := strings.Join(args, ", ")

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("scriptlet panicked during install: %v", r)
		}
		if err != nil {
			scope.Logger.Warn("Scriptlet not installed", zap.Strings("args", args), zap.Error(err))
			scope.Record(schemas.EventRejected, def.Name, err.Error())
			return
		}
		scope.Logger.Debug("Scriptlet installed", zap.Strings("args", args))
		scope.Record(schemas.EventInjected, def.Name, detail)
	}()

	return def.Install(scope, Args(args))
}
