// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package nodetable_test

import (
	"bytes"
	"testing"

	"github.com/molecula/quadstore/errors"
	"github.com/molecula/quadstore/nodetable"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func counterValue(tb testing.TB) float64 {
	return testutil.ToFloat64(nodetable.CounterDecodeCacheHits)
}

func TestTerm_Encode(t *testing.T) {
	for _, term := range []nodetable.Term{
		nodetable.IRI("http://example.org/\x00nul"),
		nodetable.Blank("b1"),
		nodetable.Literal("line\nbreak"),
		nodetable.LangLiteral("chat", "fr"),
		nodetable.TypedLiteral("2.5", "http://www.w3.org/2001/XMLSchema#decimal"),
	} {
		got, err := nodetable.DecodeTerm(term.Encode())
		require.NoError(t, err)
		assert.Equal(t, term, got)
	}

	// Encodings sort like their fields.
	a := nodetable.IRI("http://a").Encode()
	b := nodetable.IRI("http://b").Encode()
	assert.Equal(t, -1, bytes.Compare(a, b))
	assert.Equal(t, -1, bytes.Compare(nodetable.IRI("z").Encode(), nodetable.Blank("a").Encode()))
}

func TestDecodeTerm_Corrupt(t *testing.T) {
	for _, b := range [][]byte{
		nil,
		{byte(nodetable.KindIRI)},
		append(nodetable.IRI("x").Encode(), 0xff),
		nodetable.Term{Kind: 9, Value: "x"}.Encode(),
	} {
		_, err := nodetable.DecodeTerm(b)
		assert.True(t, errors.Is(err, errors.ErrCorrupt), "%x: %v", b, err)
	}
}

func TestTerm_String(t *testing.T) {
	for _, tc := range []struct {
		term nodetable.Term
		s    string
	}{
		{nodetable.IRI("http://example.org/s"), "<http://example.org/s>"},
		{nodetable.Blank("b0"), "_:b0"},
		{nodetable.Literal(`say "hi"`), `"say \"hi\""`},
		{nodetable.LangLiteral("hello", "en-GB"), `"hello"@en-GB`},
		{nodetable.TypedLiteral("1", "http://www.w3.org/2001/XMLSchema#integer"), `"1"^^<http://www.w3.org/2001/XMLSchema#integer>`},
	} {
		assert.Equal(t, tc.s, tc.term.String())
		parsed, err := nodetable.ParseTerm(tc.s)
		require.NoError(t, err)
		assert.Equal(t, tc.term, parsed)
	}

	for _, s := range []string{"", "<>", "_:", `"unterminated`, `"x"@`, "plain"} {
		_, err := nodetable.ParseTerm(s)
		assert.Error(t, err, s)
	}
}
