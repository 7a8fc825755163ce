// Package cachecontrol implements a tolerant, streaming-style parser for
// the HTTP Cache-Control header grammar used by the hash store to decide
// cache placement and expiry.
//
// The grammar: comma-separated token[=value] pairs, where value is either
// a double-quoted string (with backslash escapes) or an unsigned decimal
// integer; whitespace around commas and before "=" is tolerated; a bare
// directive is a boolean true. Unknown tokens are accepted and discarded.
// This is implemented directly rather than layered on a general-purpose
// deserializer, per the specification's design note.
package cachecontrol

import (
	"strings"

	"gitlab.com/tozd/go/errors"
)

// Directives holds the recognized Cache-Control directives. Unknown
// tokens are accepted by the parser but not recorded here.
type Directives struct {
	NoStore         bool
	NoCache         bool
	NoTransform     bool
	MustRevalidate  bool
	ProxyRevalidate bool
	Private         bool
	Public          bool
	MaxAge          *uint64
	SMaxAge         *uint64
}

// ErrUnclosedString is returned when a quoted directive value is never
// terminated.
var ErrUnclosedString = errors.Base("cachecontrol: unclosed quoted string")

// ErrMalformed covers every other grammar violation (a bare trailing
// comma, a directive with no value after "=", a non-decimal numeric
// value, an invalid token character).
var ErrMalformed = errors.Base("cachecontrol: malformed directive")

// tokenChar reports whether b may appear in a bare token, per the
// specification's excluded character class.
func tokenChar(b byte) bool {
	switch b {
	case '"', '(', ')', ',', '/', ':', ';', '<', '=', '>', '?', '@', '[', '\\', ']', '{', '}':
		return false
	}
	return b > ' ' && b < 0x7f
}

// Parse parses a Cache-Control header value. On any grammar violation it
// returns a non-nil error; callers in this codebase treat a parse error as
// "no cache hints" rather than propagating it.
func Parse(header string) (Directives, errors.E) {
	var d Directives
	s := header
	for {
		s = strings.TrimLeft(s, " \t")
		if s == "" {
			return d, nil
		}

		name, rest, errE := readToken(s)
		if errE != nil {
			return Directives{}, errE
		}
		s = rest

		s = strings.TrimLeft(s, " \t")

		var value string
		hasValue := false
		if strings.HasPrefix(s, "=") {
			s = s[1:]
			s = strings.TrimLeft(s, " \t")
			var errE errors.E
			value, s, errE = readValue(s)
			if errE != nil {
				return Directives{}, errE
			}
			hasValue = true
		}

		if errE := apply(&d, strings.ToLower(name), value, hasValue); errE != nil {
			return Directives{}, errE
		}

		s = strings.TrimLeft(s, " \t")
		if s == "" {
			return d, nil
		}
		if !strings.HasPrefix(s, ",") {
			return Directives{}, errors.WithStack(ErrMalformed)
		}
		s = s[1:]
		s = strings.TrimLeft(s, " \t")
		if s == "" {
			// Trailing comma with nothing after it.
			return Directives{}, errors.WithStack(ErrMalformed)
		}
	}
}

func readToken(s string) (token, rest string, errE errors.E) { //nolint:nonamedreturns
	i := 0
	for i < len(s) && tokenChar(s[i]) {
		i++
	}
	if i == 0 {
		return "", s, errors.WithStack(ErrMalformed)
	}
	return s[:i], s[i:], nil
}

func readValue(s string) (value, rest string, errE errors.E) { //nolint:nonamedreturns
	if strings.HasPrefix(s, `"`) {
		var b strings.Builder
		i := 1
		for {
			if i >= len(s) {
				return "", "", errors.WithStack(ErrUnclosedString)
			}
			c := s[i]
			if c == '\\' {
				if i+1 >= len(s) {
					return "", "", errors.WithStack(ErrUnclosedString)
				}
				b.WriteByte(s[i+1])
				i += 2
				continue
			}
			if c == '"' {
				i++
				return b.String(), s[i:], nil
			}
			b.WriteByte(c)
			i++
		}
	}
	// Unquoted: an unsigned decimal integer.
	i := 0
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	if i == 0 {
		return "", s, errors.WithStack(ErrMalformed)
	}
	return s[:i], s[i:], nil
}

func apply(d *Directives, name, value string, hasValue bool) errors.E {
	switch name {
	case "no-store":
		d.NoStore = true
	case "no-cache":
		d.NoCache = true
	case "no-transform":
		d.NoTransform = true
	case "must-revalidate":
		d.MustRevalidate = true
	case "proxy-revalidate":
		d.ProxyRevalidate = true
	case "private":
		d.Private = true
	case "public":
		d.Public = true
	case "max-age":
		n, errE := parseUint(value, hasValue)
		if errE != nil {
			return errE
		}
		d.MaxAge = &n
	case "s-maxage":
		n, errE := parseUint(value, hasValue)
		if errE != nil {
			return errE
		}
		d.SMaxAge = &n
	default:
		// Unknown tokens are accepted and discarded.
	}
	return nil
}

func parseUint(value string, hasValue bool) (uint64, errors.E) {
	if !hasValue {
		return 0, errors.WithStack(ErrMalformed)
	}
	var n uint64
	if value == "" {
		return 0, errors.WithStack(ErrMalformed)
	}
	for _, c := range []byte(value) {
		if c < '0' || c > '9' {
			return 0, errors.WithStack(ErrMalformed)
		}
		n = n*10 + uint64(c-'0')
	}
	return n, nil
}
