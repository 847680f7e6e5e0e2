// Package abort implements the deliberate ReferenceError used to stop a
// target script, and the window error listener that keeps those aborts out
// of the page's own error reporting.
package abort

import (
	"fmt"
	"strings"

	"github.com/dop251/goja"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-scriptlets/api/schemas"
	"github.com/xkilldash9x/scalpel-scriptlets/internal/scriptlet/jsenv"
)

const messagePrefix = "Aborted script with ID: "

// Token correlates thrown aborts with the install that threw them.
type Token struct {
	ID        string
	Scriptlet string
}

// NewToken creates a token for one install of scriptlet.
func NewToken(scriptlet string) Token {
	return Token{ID: uuid.NewString(), Scriptlet: scriptlet}
}

// Message is the text carried by every abort this token throws.
func (t Token) Message() string {
	return messagePrefix + t.ID
}

// Throw records the abort and raises it into the calling script. It does
// not return.
func (t Token) Throw(env *jsenv.Env, target string) {
	env.Record(t.Scriptlet, schemas.EventAborted, target, t.ID)
	panic(env.NewReferenceError(t.Message()))
}

// Matches reports whether v is an abort thrown with this token. Errors built
// from a replaced ReferenceError constructor never match.
func (t Token) Matches(env *jsenv.Env, v goja.Value) bool {
	if !env.IsReferenceError(v) {
		return false
	}
	msg := v.(*goja.Object).Get("message")
	return msg != nil && strings.Contains(msg.String(), t.ID)
}

// InstallSuppressor adds an error listener on window that cancels the error
// events raised by this token's aborts.
func InstallSuppressor(env *jsenv.Env, t Token) error {
	add, ok := goja.AssertFunction(env.Window.Get("addEventListener"))
	if !ok {
		return fmt.Errorf("%w: missing addEventListener", jsenv.ErrUnsupported)
	}
	listener := env.NewFunction("", 1, func(call goja.FunctionCall) goja.Value {
		event, ok := call.Argument(0).(*goja.Object)
		if !ok || !t.Matches(env, event.Get("error")) {
			return goja.Undefined()
		}
		if prevent, ok := goja.AssertFunction(event.Get("preventDefault")); ok {
			if _, err := prevent(event); err != nil {
				env.Logger.Debug("preventDefault failed", zap.Error(err))
			}
		}
		return goja.Undefined()
	})
	_, err := add(env.Window, env.Runtime.ToValue("error"), listener)
	return err
}
