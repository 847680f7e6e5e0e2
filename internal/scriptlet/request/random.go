package request

import (
	"errors"
	"math/rand/v2"
	"regexp"
	"strings"

	"github.com/xkilldash9x/scalpel-scriptlets/internal/scriptlet/pattern"
)

// MaxRandomResponseLength caps generated response bodies.
const MaxRandomResponseLength = 500000

const randomAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789!@#$%^&*()_+=~"

var randomLengthPattern = regexp.MustCompile(`length:(\d+)-(\d+)`)

var (
	ErrLengthLimit    = errors.New("maxLength exceeds limit")
	ErrLengthInverted = errors.New("minLength exceeds maxLength")
	ErrInvalidPattern = errors.New("invalid pattern")
)

// GenRandomResponse produces response text for the randomize argument of
// prevent-xhr: "false" gives an empty string, "true" ten characters and
// "length:MIN-MAX" a length drawn uniformly from [MIN, MAX].
func GenRandomResponse(p string) (string, error) {
	if p == "false" {
		return "", nil
	}

	var minLength, maxLength int
	switch m := randomLengthPattern.FindStringSubmatch(p); {
	case p == "true":
		minLength, maxLength = 10, 10
	case m != nil:
		var err error
		if minLength, err = pattern.ParseValidInt(m[1]); err != nil {
			return "", err
		}
		if maxLength, err = pattern.ParseValidInt(m[2]); err != nil {
			return "", ErrLengthLimit
		}
		if maxLength > MaxRandomResponseLength {
			return "", ErrLengthLimit
		}
		if minLength > maxLength {
			return "", ErrLengthInverted
		}
	default:
		return "", ErrInvalidPattern
	}

	n := minLength + rand.IntN(maxLength-minLength+1)
	var b strings.Builder
	b.Grow(n)
	for i := 0; i < n; i++ {
		b.WriteByte(randomAlphabet[rand.IntN(len(randomAlphabet))])
	}
	return b.String(), nil
}
