package scriptlet

import (
	"github.com/dop251/goja"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-scriptlets/api/schemas"
	"github.com/xkilldash9x/scalpel-scriptlets/internal/scriptlet/jsenv"
)

// NoWebRTC replaces RTCPeerConnection with a constructor that builds inert
// connections, and stubs createDataChannel on the original prototype for
// references captured earlier. It takes no arguments.
func NoWebRTC(s *Scope, _ Args) error {
	if err := s.Env.Require("RTCPeerConnection"); err != nil {
		return err
	}
	rt := s.Runtime()
	original := s.Env.Window.Get("RTCPeerConnection").ToObject(rt)

	proto := rt.NewObject()
	for _, name := range []string{"close", "createDataChannel", "createOffer", "setRemoteDescription"} {
		_ = proto.Set(name, s.noop(name))
	}
	_ = proto.Set("toString", s.constant(rt.ToValue("[object RTCPeerConnection]")))

	ctor := rt.ToValue(func(call goja.ConstructorCall) *goja.Object {
		config := call.Argument(0)
		s.Logger.Info("Document tried to create an RTCPeerConnection", zap.String("config", config.String()))
		s.Record(schemas.EventBlocked, "RTCPeerConnection", config.String())
		obj := rt.NewObject()
		_ = obj.SetPrototype(proto)
		return obj
	}).ToObject(rt)
	_ = ctor.DefineDataProperty("name", rt.ToValue("RTCPeerConnection"), goja.FLAG_FALSE, goja.FLAG_TRUE, goja.FLAG_FALSE)
	if err := ctor.Set("prototype", proto); err != nil {
		s.Logger.Debug("Could not set constructor prototype", zap.Error(err))
	}

	if err := s.Env.Window.Set("RTCPeerConnection", ctor); err != nil {
		return err
	}
	if jsenv.IsFunction(s.Env.Window.Get("webkitRTCPeerConnection")) {
		_ = s.Env.Window.Set("webkitRTCPeerConnection", ctor)
	}

	if oldProto, ok := original.Get("prototype").(*goja.Object); ok {
		channel := s.Env.NewFunction("createDataChannel", 1, func(goja.FunctionCall) goja.Value {
			ch := rt.NewObject()
			_ = ch.Set("close", s.noop("close"))
			_ = ch.Set("send", s.noop("send"))
			return ch
		})
		if err := oldProto.Set("createDataChannel", channel); err != nil {
			s.Logger.Debug("Could not stub createDataChannel", zap.Error(err))
		}
	}
	return nil
}
