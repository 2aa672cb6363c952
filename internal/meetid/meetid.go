// Package meetid mints and validates the short shareable codes that name a
// meeting. Codes are fixed length, upper-case alphanumeric and matched
// case-insensitively, so they survive being read out loud or pasted from a
// chat message.
package meetid

import (
	"errors"
	"net/url"
	"strings"

	"github.com/pion/randutil"
)

// Length is the fixed length of a meeting code.
const Length = 8

// runes excludes 0/O/1/I/L to keep codes readable over voice.
const runes = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"

// QueryParam is the query parameter carrying the code in a share link.
const QueryParam = "id"

// ErrInvalidFormat reports a code that fails the local format check. It never
// involves the relay.
var ErrInvalidFormat = errors.New("meetid: code must be 8 alphanumeric characters")

var generator = randutil.NewMathRandomGenerator()

// ID is an opaque meeting code. Immutable once assigned to a session.
type ID string

// New mints a fresh meeting code. Uniqueness is best effort: collisions are
// detected at registration time and retried with another New.
func New() ID {
	return ID(generator.GenerateString(Length, runes))
}

// Parse normalizes s and validates the code format. Matching is
// case-insensitive, surrounding whitespace is ignored.
func Parse(s string) (ID, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if len(s) != Length {
		return "", ErrInvalidFormat
	}
	for _, r := range s {
		if (r < 'A' || r > 'Z') && (r < '0' || r > '9') {
			return "", ErrInvalidFormat
		}
	}
	return ID(s), nil
}

func (id ID) String() string {
	return string(id)
}

// ShareURL appends the code to base as a query parameter, producing the link
// a host advertises. Base is returned unchanged on parse failure.
func ShareURL(base string, id ID) string {
	u, err := url.Parse(base)
	if err != nil {
		return base
	}
	q := u.Query()
	q.Set(QueryParam, id.String())
	u.RawQuery = q.Encode()
	return u.String()
}

// FromShareURL reads a meeting code back from a share link, accepting either
// a full URL or a bare code.
func FromShareURL(raw string) (ID, error) {
	if u, err := url.Parse(raw); err == nil {
		if v := u.Query().Get(QueryParam); v != "" {
			return Parse(v)
		}
	}
	return Parse(raw)
}
