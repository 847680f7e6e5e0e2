package proxychain

import (
	"github.com/dop251/goja"
)

// backingState tags the value held behind a lazily intercepted segment.
type backingState int

const (
	// uninitialized: nothing has been assigned since the accessor was installed.
	uninitialized backingState = iota
	// realized: a value was assigned but has not been read through a proxy yet.
	realized
	// proxied: the value is an object and its proxy has been handed out.
	proxied
)

// backing is the storage behind a lazy accessor. It replaces the property
// that did not exist yet when the chain was defined.
type backing struct {
	state backingState
	value goja.Value
	proxy *goja.Object
}

func (b *backing) store(v goja.Value) {
	b.state = realized
	b.value = v
	b.proxy = nil
}

func (b *backing) load(c *chain, rest []string) goja.Value {
	switch b.state {
	case uninitialized:
		return goja.Undefined()
	case proxied:
		return b.proxy
	}
	target, ok := b.value.(*goja.Object)
	if !ok {
		return b.value
	}
	b.proxy = c.proxyFor(target, rest)
	b.state = proxied
	return b.proxy
}

type identityKey struct {
	target *goja.Object
	depth  int
}

// identityCache keeps one proxy per target object and remaining depth so that
// repeated reads compare equal.
type identityCache map[identityKey]*goja.Object
