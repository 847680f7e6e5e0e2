// Package cdpnet applies the network-level scriptlets to a real browser
// through the DevTools Fetch domain. Requests matched by prevent-fetch and
// prevent-xhr are fulfilled without reaching the network; responses matched
// by json-prune-fetch-response and json-prune-xhr-response are rewritten
// before the page sees them. Scriptlets that need the page's JavaScript
// realm have no effect in this mode.
package cdpnet

import (
	"fmt"
	"strings"

	"github.com/xkilldash9x/scalpel-scriptlets/api/schemas"
	"github.com/xkilldash9x/scalpel-scriptlets/internal/scriptlet/pattern"
	"github.com/xkilldash9x/scalpel-scriptlets/internal/scriptlet/prune"
	"github.com/xkilldash9x/scalpel-scriptlets/internal/scriptlet/request"
)

// Resource is the kind of script-initiated request a rule applies to.
type Resource string

const (
	ResourceFetch Resource = "fetch"
	ResourceXHR   Resource = "xhr"
)

// Request is what the policy sees of a paused request.
type Request struct {
	URL      string
	Method   string
	Resource Resource
}

func (r Request) attributes() request.Attributes {
	return request.Attributes{pattern.PropURL: r.URL, pattern.PropMethod: r.Method}
}

// Fulfillment is a synthetic response for a blocked request.
type Fulfillment struct {
	Scriptlet   string
	Status      int
	Body        []byte
	ContentType string
}

type blockRule struct {
	scriptlet string
	resource  Resource
	filter    pattern.RequestFilter
	body      func() string
	opaque    bool
}

type pruneRule struct {
	scriptlet string
	resource  Resource
	filter    pattern.RequestFilter
	spec      *prune.Spec
}

// Rejection is a call the policy could not compile.
type Rejection struct {
	Call schemas.ScriptletCall
	Err  error
}

// Policy is the compiled, network-level subset of a page's scriptlet calls.
// It is immutable and safe for concurrent use.
type Policy struct {
	blocks   []blockRule
	prunes   []pruneRule
	applied  []schemas.ScriptletCall
	pageOnly []schemas.ScriptletCall
}

// Compile builds a Policy from calls. Calls that only make sense inside the
// page realm are kept aside; malformed calls are returned as rejections.
func Compile(calls []schemas.ScriptletCall) (*Policy, []Rejection) {
	p := &Policy{}
	var rejected []Rejection
	for _, call := range calls {
		var err error
		switch call.Name {
		case "prevent-fetch", "no-fetch-if":
			err = p.addPreventFetch(call)
		case "prevent-xhr", "no-xhr-if":
			err = p.addPreventXHR(call)
		case "json-prune-fetch-response":
			err = p.addPrune(call, ResourceFetch)
		case "json-prune-xhr-response":
			err = p.addPrune(call, ResourceXHR)
		default:
			p.pageOnly = append(p.pageOnly, call)
			continue
		}
		if err != nil {
			rejected = append(rejected, Rejection{Call: call, Err: err})
			continue
		}
		p.applied = append(p.applied, call)
	}
	return p, rejected
}

func arg(call schemas.ScriptletCall, i int) string {
	if i < len(call.Args) {
		return call.Args[i]
	}
	return ""
}

func (p *Policy) addPreventFetch(call schemas.ScriptletCall) error {
	var body string
	switch arg(call, 1) {
	case "", "emptyObj":
		body = "{}"
	case "emptyArr":
		body = "[]"
	case "emptyStr":
	default:
		return fmt.Errorf("%w: responseBody %q", pattern.ErrInvalidValue, arg(call, 1))
	}
	responseType := arg(call, 2)
	switch responseType {
	case "", "basic", "cors", "opaque":
	default:
		return fmt.Errorf("%w: responseType %q", pattern.ErrInvalidValue, responseType)
	}
	filter, err := pattern.ParsePropsToMatch(arg(call, 0))
	if err != nil {
		return err
	}
	p.blocks = append(p.blocks, blockRule{
		scriptlet: "prevent-fetch",
		resource:  ResourceFetch,
		filter:    filter,
		body:      func() string { return body },
		opaque:    responseType == "opaque",
	})
	return nil
}

func (p *Policy) addPreventXHR(call schemas.ScriptletCall) error {
	filter, err := pattern.ParsePropsToMatch(arg(call, 0))
	if err != nil {
		return err
	}
	randomize := arg(call, 1)
	if randomize != "" {
		if _, err := request.GenRandomResponse(randomize); err != nil {
			return err
		}
	}
	p.blocks = append(p.blocks, blockRule{
		scriptlet: "prevent-xhr",
		resource:  ResourceXHR,
		filter:    filter,
		body: func() string {
			if randomize == "" {
				return ""
			}
			text, _ := request.GenRandomResponse(randomize)
			return text
		},
	})
	return nil
}

func (p *Policy) addPrune(call schemas.ScriptletCall, resource Resource) error {
	propsToRemove := strings.TrimSpace(arg(call, 0))
	if propsToRemove == "" {
		return fmt.Errorf("%w: propsToRemove should be a non-empty string", pattern.ErrInvalidValue)
	}
	filter, err := pattern.ParsePropsToMatch(arg(call, 2))
	if err != nil {
		return err
	}
	p.prunes = append(p.prunes, pruneRule{
		scriptlet: call.Name,
		resource:  resource,
		filter:    filter,
		spec:      prune.New(propsToRemove, arg(call, 1), arg(call, 3), arg(call, 3) != ""),
	})
	return nil
}

// Applied lists the calls the policy enforces.
func (p *Policy) Applied() []schemas.ScriptletCall { return p.applied }

// PageOnly lists the calls that have no network-level effect.
func (p *Policy) PageOnly() []schemas.ScriptletCall { return p.pageOnly }

// Empty reports whether nothing needs to be intercepted.
func (p *Policy) Empty() bool { return len(p.blocks) == 0 && len(p.prunes) == 0 }

// InterceptsResponses reports whether any rule needs the response stage.
func (p *Policy) InterceptsResponses() bool { return len(p.prunes) > 0 }

// OnRequest returns the synthetic response for req if a block rule matches.
// Opaque fulfillments carry status 0, which callers turn into a failed request.
func (p *Policy) OnRequest(req Request) (*Fulfillment, bool) {
	for _, rule := range p.blocks {
		if rule.resource != req.Resource || !request.Match(rule.filter, req.attributes()) {
			continue
		}
		if rule.opaque {
			return &Fulfillment{Scriptlet: rule.scriptlet}, true
		}
		f := &Fulfillment{Scriptlet: rule.scriptlet, Status: 200, Body: []byte(rule.body())}
		if rule.resource == ResourceFetch {
			f.ContentType = "application/json"
		}
		return f, true
	}
	return nil, false
}

// MatchesResponse reports whether some prune rule wants the body of req.
func (p *Policy) MatchesResponse(req Request) bool {
	for _, rule := range p.prunes {
		if rule.resource == req.Resource && request.Match(rule.filter, req.attributes()) {
			return true
		}
	}
	return false
}

// OnResponse runs every matching prune rule over body in order. It returns
// the rewritten body and the scriptlets that changed it.
func (p *Policy) OnResponse(req Request, body []byte) ([]byte, []string) {
	var pruned []string
	for _, rule := range p.prunes {
		if rule.resource != req.Resource || !request.Match(rule.filter, req.attributes()) {
			continue
		}
		if out, ok := rule.spec.PruneJSON(body); ok {
			body = out
			pruned = append(pruned, rule.scriptlet)
		}
	}
	return body, pruned
}
