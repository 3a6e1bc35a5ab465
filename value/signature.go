// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package value

import (
	"errors"
	"fmt"
	"strings"
)

// ErrBadSignature indicates a signature string that does not conform to the
// signature grammar.
var ErrBadSignature = errors.New("value: bad signature")

// Signature grammar, one rune per shape, recursive:
//
//	v        void
//	b        bool
//	l        int64
//	f        float64
//	s        string
//	r        raw bytes
//	[e]      list of e
//	{kv}     map from k to v
//	(...)    tuple of zero or more shapes
//	o        object reference
//	m        dynamic (carries its own signature on the wire)
const (
	sigVoid    = 'v'
	sigBool    = 'b'
	sigInt     = 'l'
	sigFloat   = 'f'
	sigString  = 's'
	sigRaw     = 'r'
	sigObject  = 'o'
	sigDynamic = 'm'
)

// ParseSignature parses a canonical signature string into its type
// descriptor. The whole input must be consumed by exactly one shape.
func ParseSignature(sig string) (*Type, error) {
	t, rest, err := parseOne(sig)
	if err != nil {
		return nil, err
	}
	if rest != "" {
		return nil, fmt.Errorf("%w: trailing %q in %q", ErrBadSignature, rest, sig)
	}
	return t, nil
}

func parseOne(s string) (*Type, string, error) {
	if s == "" {
		return nil, "", fmt.Errorf("%w: empty signature", ErrBadSignature)
	}
	switch s[0] {
	case sigVoid:
		return TypeVoid, s[1:], nil
	case sigBool:
		return TypeBool, s[1:], nil
	case sigInt:
		return TypeInt, s[1:], nil
	case sigFloat:
		return TypeFloat, s[1:], nil
	case sigString:
		return TypeString, s[1:], nil
	case sigRaw:
		return TypeRaw, s[1:], nil
	case sigObject:
		return TypeObject, s[1:], nil
	case sigDynamic:
		return TypeDynamic, s[1:], nil
	case '[':
		elem, rest, err := parseOne(s[1:])
		if err != nil {
			return nil, "", err
		}
		if rest == "" || rest[0] != ']' {
			return nil, "", fmt.Errorf("%w: unterminated list in %q", ErrBadSignature, s)
		}
		return ListOf(elem), rest[1:], nil
	case '{':
		key, rest, err := parseOne(s[1:])
		if err != nil {
			return nil, "", err
		}
		val, rest, err := parseOne(rest)
		if err != nil {
			return nil, "", err
		}
		if rest == "" || rest[0] != '}' {
			return nil, "", fmt.Errorf("%w: unterminated map in %q", ErrBadSignature, s)
		}
		return MapOf(key, val), rest[1:], nil
	case '(':
		var fields []*Type
		rest := s[1:]
		for {
			if rest == "" {
				return nil, "", fmt.Errorf("%w: unterminated tuple in %q", ErrBadSignature, s)
			}
			if rest[0] == ')' {
				return TupleOf(fields...), rest[1:], nil
			}
			var f *Type
			var err error
			f, rest, err = parseOne(rest)
			if err != nil {
				return nil, "", err
			}
			fields = append(fields, f)
		}
	default:
		return nil, "", fmt.Errorf("%w: unknown shape %q", ErrBadSignature, s[0])
	}
}

func buildSignature(t *Type) string {
	var b strings.Builder
	writeSignature(&b, t)
	return b.String()
}

func writeSignature(b *strings.Builder, t *Type) {
	switch t.kind {
	case Void:
		b.WriteByte(sigVoid)
	case Bool:
		b.WriteByte(sigBool)
	case Int:
		b.WriteByte(sigInt)
	case Float:
		b.WriteByte(sigFloat)
	case String:
		b.WriteByte(sigString)
	case Raw:
		b.WriteByte(sigRaw)
	case Object:
		b.WriteByte(sigObject)
	case Dynamic:
		b.WriteByte(sigDynamic)
	case List:
		b.WriteByte('[')
		writeSignature(b, t.elem)
		b.WriteByte(']')
	case Map:
		b.WriteByte('{')
		writeSignature(b, t.key)
		writeSignature(b, t.elem)
		b.WriteByte('}')
	case Tuple:
		b.WriteByte('(')
		for _, f := range t.fields {
			writeSignature(b, f)
		}
		b.WriteByte(')')
	}
}
