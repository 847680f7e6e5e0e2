package scriptlet

import (
	"fmt"

	"github.com/dop251/goja"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-scriptlets/api/schemas"
	"github.com/xkilldash9x/scalpel-scriptlets/internal/scriptlet/pattern"
)

// SetLocalStorageItem stores a value from a fixed vocabulary under key in
// localStorage, or removes it for "$remove$". Arguments: key, value.
func SetLocalStorageItem(s *Scope, args Args) error {
	return setStorageItem(s, "localStorage", args)
}

// SetSessionStorageItem is SetLocalStorageItem for sessionStorage.
func SetSessionStorageItem(s *Scope, args Args) error {
	return setStorageItem(s, "sessionStorage", args)
}

func setStorageItem(s *Scope, area string, args Args) error {
	if !args.Has(0) || !args.Has(1) {
		return fmt.Errorf("%w: key and value are required", ErrInvalidArgument)
	}
	key := args.Get(0)
	value, err := pattern.CanonicalStorageValue(args.Get(1))
	if err != nil {
		return err
	}
	if err := s.Env.Require(area); err != nil {
		return err
	}
	storage := s.Env.Window.Get(area).ToObject(s.Runtime())
	rt := s.Runtime()

	if value != pattern.StorageRemove {
		if _, err := s.invoke(storage, "setItem", rt.ToValue(key), rt.ToValue(value)); err != nil {
			return err
		}
		s.Logger.Debug("Set storage item", zap.String("storage", area), zap.String("key", key))
		s.Record(schemas.EventSpoofed, area+"."+key, value)
		return nil
	}

	removed, err := removeFromStorage(s, storage, key)
	if err != nil {
		return err
	}
	for _, k := range removed {
		s.Record(schemas.EventSpoofed, area+"."+k, pattern.StorageRemove)
	}
	return nil
}

// removeFromStorage deletes key, or every key matching it when key is a
// regular expression literal.
func removeFromStorage(s *Scope, storage *goja.Object, key string) ([]string, error) {
	rt := s.Runtime()
	re, ok := pattern.ParseRegexpLiteral(key)
	if !ok {
		if _, err := s.invoke(storage, "removeItem", rt.ToValue(key)); err != nil {
			return nil, err
		}
		return []string{key}, nil
	}

	var keys []string
	n := storage.Get("length").ToInteger()
	for i := int64(0); i < n; i++ {
		k, err := s.invoke(storage, "key", rt.ToValue(i))
		if err != nil {
			return nil, err
		}
		if !goja.IsNull(k) && pattern.TestRegexp(re, k.String()) {
			keys = append(keys, k.String())
		}
	}
	for _, k := range keys {
		if _, err := s.invoke(storage, "removeItem", rt.ToValue(k)); err != nil {
			return nil, err
		}
	}
	return keys, nil
}
