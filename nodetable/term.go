// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package nodetable

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/jgraettinger/cockroach-encoding/encoding"
	"github.com/molecula/quadstore/errors"
)

// NodeID is the surrogate key of a Term.
type NodeID uint64

const (
	// Any is the wildcard id in a find pattern.
	Any NodeID = 0

	// NotExist is returned by lookups of terms that were never encoded.
	NotExist NodeID = math.MaxUint64
)

// Kind tags the three sorts of RDF term.
type Kind uint8

const (
	KindIRI     Kind = 1
	KindBlank   Kind = 2
	KindLiteral Kind = 3
)

func (k Kind) String() string {
	switch k {
	case KindIRI:
		return "iri"
	case KindBlank:
		return "blank"
	case KindLiteral:
		return "literal"
	default:
		return fmt.Sprintf("unknown<%d>", uint8(k))
	}
}

// Term is an IRI, a blank node or a literal. Datatype and Lang are only set
// on literals, and never both.
type Term struct {
	Kind     Kind
	Value    string
	Datatype string
	Lang     string
}

func IRI(iri string) Term     { return Term{Kind: KindIRI, Value: iri} }
func Blank(label string) Term { return Term{Kind: KindBlank, Value: label} }
func Literal(lex string) Term { return Term{Kind: KindLiteral, Value: lex} }

func LangLiteral(lex, lang string) Term {
	return Term{Kind: KindLiteral, Value: lex, Lang: lang}
}
func TypedLiteral(lex, datatype string) Term {
	return Term{Kind: KindLiteral, Value: lex, Datatype: datatype}
}

// IsZero reports whether t is the zero Term.
func (t Term) IsZero() bool { return t == Term{} }

// Validate returns an error if t cannot be stored.
func (t Term) Validate() error {
	switch t.Kind {
	case KindIRI, KindBlank:
		if t.Value == "" {
			return errors.Newf(errors.ErrInvalidRecord, "empty %s term", t.Kind)
		} else if t.Datatype != "" || t.Lang != "" {
			return errors.Newf(errors.ErrInvalidRecord, "%s term with literal fields", t.Kind)
		}
	case KindLiteral:
		if t.Datatype != "" && t.Lang != "" {
			return errors.New(errors.ErrInvalidRecord, "literal with both datatype and language")
		}
	default:
		return errors.Newf(errors.ErrInvalidRecord, "unknown term kind %d", t.Kind)
	}
	return nil
}

// String formats t the way N-Triples writes it.
func (t Term) String() string {
	switch t.Kind {
	case KindIRI:
		return "<" + t.Value + ">"
	case KindBlank:
		return "_:" + t.Value
	case KindLiteral:
		s := strconv.Quote(t.Value)
		if t.Lang != "" {
			return s + "@" + t.Lang
		} else if t.Datatype != "" {
			return s + "^^<" + t.Datatype + ">"
		}
		return s
	default:
		return "?"
	}
}

// ParseTerm parses the String form of a term.
func ParseTerm(s string) (Term, error) {
	switch {
	case strings.HasPrefix(s, "<") && strings.HasSuffix(s, ">") && len(s) > 2:
		return IRI(s[1 : len(s)-1]), nil
	case strings.HasPrefix(s, "_:") && len(s) > 2:
		return Blank(s[2:]), nil
	case strings.HasPrefix(s, `"`):
		end := strings.LastIndex(s, `"`)
		if end == 0 {
			break
		}
		lex, err := strconv.Unquote(s[:end+1])
		if err != nil {
			break
		}
		switch rest := s[end+1:]; {
		case rest == "":
			return Literal(lex), nil
		case strings.HasPrefix(rest, "@") && len(rest) > 1:
			return LangLiteral(lex, rest[1:]), nil
		case strings.HasPrefix(rest, "^^<") && strings.HasSuffix(rest, ">"):
			return TypedLiteral(lex, rest[3:len(rest)-1]), nil
		}
	}
	return Term{}, errors.Newf(errors.ErrInvalidRecord, "cannot parse term %q", s)
}

// Encode returns the canonical encoding of t: the kind byte followed by the
// order-preserving encodings of value, datatype and language. Encodings
// compare byte-wise in the same order as the terms' fields.
func (t Term) Encode() []byte {
	b := make([]byte, 0, 8+len(t.Value)+len(t.Datatype)+len(t.Lang))
	b = append(b, byte(t.Kind))
	b = encoding.EncodeStringAscending(b, t.Value)
	b = encoding.EncodeStringAscending(b, t.Datatype)
	return encoding.EncodeStringAscending(b, t.Lang)
}

// DecodeTerm parses the canonical encoding of a term.
func DecodeTerm(b []byte) (Term, error) {
	if len(b) == 0 {
		return Term{}, errors.New(errors.ErrCorrupt, "empty term encoding")
	}
	t := Term{Kind: Kind(b[0])}
	b = b[1:]

	var fields [3][]byte
	for i := range fields {
		var err error
		if b, fields[i], err = encoding.DecodeBytesAscending(b, nil); err != nil {
			return Term{}, errors.Newf(errors.ErrCorrupt, "decode term: %s", err)
		}
	}
	if len(b) != 0 {
		return Term{}, errors.Newf(errors.ErrCorrupt, "decode term: %d trailing bytes", len(b))
	}
	t.Value, t.Datatype, t.Lang = string(fields[0]), string(fields[1]), string(fields[2])
	if err := t.Validate(); err != nil {
		return Term{}, errors.Newf(errors.ErrCorrupt, "decode term: %s", err)
	}
	return t, nil
}
