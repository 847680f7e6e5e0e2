package pattern

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrInvalidValue is returned for values outside a scriptlet's vocabulary.
var ErrInvalidValue = errors.New("invalid value")

// StorageRemove is the value that asks the storage scriptlets to delete a key.
const StorageRemove = "$remove$"

var storageLiterals = map[string]struct{}{
	"undefined": {}, "false": {}, "true": {}, "null": {},
	"yes": {}, "no": {}, "on": {}, "off": {},
	"accept": {}, "accepted": {}, "reject": {}, "rejected": {},
	"allowed": {}, "denied": {}, "forbidden": {}, "forever": {},
	"": {},
}

// CanonicalStorageValue validates a value for set-local-storage-item and
// set-session-storage-item and returns the string to store.
func CanonicalStorageValue(value string) (string, error) {
	if _, ok := storageLiterals[strings.ToLower(value)]; ok {
		return value, nil
	}
	switch value {
	case "emptyArr":
		return "[]", nil
	case "emptyObj":
		return "{}", nil
	case StorageRemove:
		return StorageRemove, nil
	}
	if n, ok := parseIntPrefix(value); ok && n >= 0 && n <= 32767 {
		return value, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidValue, value)
}

// ConstantKind enumerates the symbolic values set-constant can produce.
type ConstantKind int

const (
	ConstUndefined ConstantKind = iota
	ConstNull
	ConstBool
	ConstNumber
	ConstString
	ConstEmptyObj
	ConstEmptyArr
	ConstNoopFunc
	ConstTrueFunc
	ConstFalseFunc
	ConstThrowFunc
	ConstNoopCallbackFunc
	ConstNoopPromiseResolve
	ConstNoopPromiseReject
)

// Constant is a parsed set-constant value. Only the field matching Kind is
// meaningful.
type Constant struct {
	Kind   ConstantKind
	Bool   bool
	Number float64
	String string
}

var namedConstants = map[string]Constant{
	"undefined":          {Kind: ConstUndefined},
	"null":               {Kind: ConstNull},
	"true":               {Kind: ConstBool, Bool: true},
	"false":              {Kind: ConstBool},
	"''":                 {Kind: ConstString},
	"emptyStr":           {Kind: ConstString},
	"yes":                {Kind: ConstString, String: "yes"},
	"no":                 {Kind: ConstString, String: "no"},
	"emptyObj":           {Kind: ConstEmptyObj},
	"emptyArr":           {Kind: ConstEmptyArr},
	"noopFunc":           {Kind: ConstNoopFunc},
	"trueFunc":           {Kind: ConstTrueFunc},
	"falseFunc":          {Kind: ConstFalseFunc},
	"throwFunc":          {Kind: ConstThrowFunc},
	"noopCallbackFunc":   {Kind: ConstNoopCallbackFunc},
	"noopPromiseResolve": {Kind: ConstNoopPromiseResolve},
	"noopPromiseReject":  {Kind: ConstNoopPromiseReject},
}

// ParseConstant resolves a set-constant value argument.
func ParseConstant(value string) (Constant, error) {
	if c, ok := namedConstants[value]; ok {
		return c, nil
	}
	if value == "-1" {
		return Constant{Kind: ConstNumber, Number: -1}, nil
	}
	if n, err := strconv.Atoi(value); err == nil && n >= 0 && n <= 32767 {
		return Constant{Kind: ConstNumber, Number: float64(n)}, nil
	}
	return Constant{}, fmt.Errorf("%w: %q", ErrInvalidValue, value)
}

// ValueWrapper describes how set-constant presents its value.
type ValueWrapper string

const (
	WrapNone     ValueWrapper = ""
	WrapFunction ValueWrapper = "asFunction"
	WrapCallback ValueWrapper = "asCallback"
	WrapResolved ValueWrapper = "asResolved"
	WrapRejected ValueWrapper = "asRejected"
)

// ParseValueWrapper validates the valueWrapper argument.
func ParseValueWrapper(s string) (ValueWrapper, error) {
	switch w := ValueWrapper(s); w {
	case WrapNone, WrapFunction, WrapCallback, WrapResolved, WrapRejected:
		return w, nil
	}
	return "", fmt.Errorf("%w: unknown value wrapper %q", ErrInvalidValue, s)
}
