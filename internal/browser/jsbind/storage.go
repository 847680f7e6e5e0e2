package jsbind

import (
	"sort"
	"strings"
	"sync"

	"github.com/dop251/goja"
	"go.uber.org/zap"
)

// Storage is an insertion-ordered string map backing localStorage or
// sessionStorage. It is safe for concurrent use so the host can seed and
// inspect it.
type Storage struct {
	mu    sync.RWMutex
	keys  []string
	items map[string]string
}

// NewStorage returns an empty storage area.
func NewStorage() *Storage {
	return &Storage{items: make(map[string]string)}
}

// Get returns the value stored under key.
func (s *Storage) Get(key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.items[key]
	return v, ok
}

// Set stores value under key.
func (s *Storage) Set(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[key]; !ok {
		s.keys = append(s.keys, key)
	}
	s.items[key] = value
}

// Remove deletes key.
func (s *Storage) Remove(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[key]; !ok {
		return
	}
	delete(s.items, key)
	for i, k := range s.keys {
		if k == key {
			s.keys = append(s.keys[:i], s.keys[i+1:]...)
			break
		}
	}
}

// Clear deletes every key.
func (s *Storage) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys = nil
	s.items = make(map[string]string)
}

// Keys lists the stored keys in insertion order.
func (s *Storage) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.keys...)
}

// Len reports the number of stored keys.
func (s *Storage) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.keys)
}

// initStorage exposes the storage areas through a shared Storage prototype.
func (b *DOMBridge) initStorage() {
	areas := map[*goja.Object]*Storage{}
	proto := b.vm.NewObject()
	self := func(call goja.FunctionCall) *Storage {
		obj, ok := call.This.(*goja.Object)
		if !ok || areas[obj] == nil {
			b.throwTypeError("Illegal invocation")
		}
		return areas[obj]
	}

	b.method(proto, "getItem", 1, func(call goja.FunctionCall) goja.Value {
		v, ok := self(call).Get(call.Argument(0).String())
		if !ok {
			return goja.Null()
		}
		return b.vm.ToValue(v)
	})
	b.method(proto, "setItem", 2, func(call goja.FunctionCall) goja.Value {
		self(call).Set(call.Argument(0).String(), call.Argument(1).String())
		return goja.Undefined()
	})
	b.method(proto, "removeItem", 1, func(call goja.FunctionCall) goja.Value {
		self(call).Remove(call.Argument(0).String())
		return goja.Undefined()
	})
	b.method(proto, "clear", 0, func(call goja.FunctionCall) goja.Value {
		self(call).Clear()
		return goja.Undefined()
	})
	b.method(proto, "key", 1, func(call goja.FunctionCall) goja.Value {
		keys := self(call).Keys()
		i := call.Argument(0).ToInteger()
		if i < 0 || i >= int64(len(keys)) {
			return goja.Null()
		}
		return b.vm.ToValue(keys[i])
	})
	getLength := b.newFunction("get length", 0, func(call goja.FunctionCall) goja.Value {
		return b.vm.ToValue(self(call).Len())
	})
	if err := proto.DefineAccessorProperty("length", getLength, goja.Undefined(), goja.FLAG_TRUE, goja.FLAG_TRUE); err != nil {
		b.logger.Error("Failed to define Storage.length", zap.Error(err))
	}

	ctor := b.newFunction("Storage", 0, func(goja.FunctionCall) goja.Value {
		b.throwTypeError("Illegal constructor")
		return nil
	})
	_ = ctor.DefineDataProperty("prototype", proto, goja.FLAG_FALSE, goja.FLAG_FALSE, goja.FLAG_FALSE)
	_ = proto.DefineDataProperty("constructor", ctor, goja.FLAG_TRUE, goja.FLAG_TRUE, goja.FLAG_FALSE)

	global := b.vm.GlobalObject()
	_ = global.DefineDataProperty("Storage", ctor, goja.FLAG_TRUE, goja.FLAG_TRUE, goja.FLAG_FALSE)
	for name, area := range map[string]*Storage{"localStorage": b.local, "sessionStorage": b.session} {
		obj := b.vm.NewObject()
		if err := obj.SetPrototype(proto); err != nil {
			b.logger.Error("Failed to set Storage prototype", zap.Error(err))
		}
		areas[obj] = area
		if err := global.DefineDataProperty(name, obj, goja.FLAG_FALSE, goja.FLAG_TRUE, goja.FLAG_TRUE); err != nil {
			b.logger.Error("Failed to set storage global", zap.String("name", name), zap.Error(err))
		}
	}
}

// -- Cookies --

// cookieJar backs document.cookie. Attributes such as path and expiry are
// accepted and dropped; the host's HTTP cookie jar is separate.
type cookieJar struct {
	mu     sync.Mutex
	values map[string]string
}

func newCookieJar() *cookieJar {
	return &cookieJar{values: make(map[string]string)}
}

func (j *cookieJar) Set(raw string) {
	pair := strings.SplitN(raw, ";", 2)[0]
	name, value, found := strings.Cut(pair, "=")
	if !found {
		name, value = "", pair
	}
	name = strings.TrimSpace(name)
	j.mu.Lock()
	defer j.mu.Unlock()
	lower := strings.ToLower(raw)
	if strings.Contains(lower, "max-age=0") || strings.Contains(lower, "expires=thu, 01 jan 1970") {
		delete(j.values, name)
		return
	}
	j.values[name] = strings.TrimSpace(value)
}

func (j *cookieJar) String() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	names := make([]string, 0, len(j.values))
	for name := range j.values {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, name := range names {
		if name == "" {
			parts = append(parts, j.values[name])
			continue
		}
		parts = append(parts, name+"="+j.values[name])
	}
	return strings.Join(parts, "; ")
}
