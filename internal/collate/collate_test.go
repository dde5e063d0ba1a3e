package collate

import (
	"bytes"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decode(t *testing.T, raw string) any {
	t.Helper()
	var v any
	require.NoError(t, json.Unmarshal([]byte(raw), &v))
	return v
}

// The canonical Unicode ordering, ascending. Every adjacent pair must
// compare strictly less.
var unicodeOrder = []string{
	`null`,
	`false`,
	`true`,
	`0`,
	`2.5`,
	`10`,
	`" "`,
	`"_"`,
	`"~"`,
	`"a"`,
	`"A"`,
	`"aa"`,
	`"b"`,
	`"B"`,
	`"ba"`,
	`"bb"`,
	`["a"]`,
	`["b"]`,
	`["b","c"]`,
	`["b","c","a"]`,
	`["b","d"]`,
	`["b","d","e"]`,
}

func TestUnicodeOrdering(t *testing.T) {
	for i := 0; i < len(unicodeOrder)-1; i++ {
		a := decode(t, unicodeOrder[i])
		b := decode(t, unicodeOrder[i+1])
		assert.Equalf(t, -1, Compare(Unicode, a, b), "%s < %s", unicodeOrder[i], unicodeOrder[i+1])
		assert.Equalf(t, 1, Compare(Unicode, b, a), "%s > %s", unicodeOrder[i+1], unicodeOrder[i])
	}
}

func TestEqualValues(t *testing.T) {
	for _, raw := range unicodeOrder {
		v := decode(t, raw)
		assert.Equalf(t, 0, Compare(Unicode, v, v), "%s == %s", raw, raw)
	}
}

func TestNumbersCompareNumerically(t *testing.T) {
	// Integer and float forms of the same number are equal.
	assert.Equal(t, 0, Compare(Unicode, float64(123), 123))
	assert.Equal(t, 0, Compare(Unicode, int64(7), 7.0))
	assert.Equal(t, -1, Compare(Unicode, 9, 10))
	assert.Equal(t, 1, Compare(Unicode, -1, -2))
	// The string "0123" stays a string; it never collates as a number.
	assert.Equal(t, 1, Compare(Unicode, "0123", 123))
}

func TestObjectOrdering(t *testing.T) {
	// Objects sort above arrays, and among themselves by sorted pairs.
	assert.Equal(t, -1, Compare(Unicode, decode(t, `["z"]`), decode(t, `{}`)))
	assert.Equal(t, -1, Compare(Unicode, decode(t, `{"a":1}`), decode(t, `{"a":2}`)))
	assert.Equal(t, -1, Compare(Unicode, decode(t, `{"a":1}`), decode(t, `{"b":1}`)))
	assert.Equal(t, -1, Compare(Unicode, decode(t, `{"a":1}`), decode(t, `{"a":1,"b":2}`)))
	assert.Equal(t, 0, Compare(Unicode, decode(t, `{"a":1,"b":2}`), decode(t, `{"b":2,"a":1}`)))
}

func TestASCIIOrdering(t *testing.T) {
	// ASCII mode compares strings bytewise: uppercase before lowercase.
	assert.Equal(t, -1, Compare(ASCII, "A", "a"))
	assert.Equal(t, -1, Compare(ASCII, "a", "aa"))
	assert.Equal(t, -1, Compare(ASCII, " ", "A"))
	// Type order is unchanged.
	assert.Equal(t, -1, Compare(ASCII, true, 0))
	assert.Equal(t, -1, Compare(ASCII, 10, "x"))
}

func TestRawOrdering(t *testing.T) {
	// Raw type order: number < false < null < true < object < array < string.
	assert.Equal(t, -1, Compare(Raw, 99, false))
	assert.Equal(t, -1, Compare(Raw, false, nil))
	assert.Equal(t, -1, Compare(Raw, nil, true))
	assert.Equal(t, -1, Compare(Raw, decode(t, `{"a":1}`), decode(t, `[1]`)))
	assert.Equal(t, -1, Compare(Raw, decode(t, `[1]`), "a"))
}

func TestArrayLimit(t *testing.T) {
	a := decode(t, `["x",1]`)
	b := decode(t, `["x",2]`)
	assert.Equal(t, -1, CompareLimited(Unicode, a, b, 0))
	assert.Equal(t, 0, CompareLimited(Unicode, a, b, 1))
	assert.Equal(t, -1, CompareLimited(Unicode, a, b, 2))
	// The limit only kicks in when both values are arrays.
	assert.Equal(t, -1, CompareLimited(Unicode, "x", a, 1))
}

// Revision ids compare by generation first, then suffix. This is plain
// string collation over "<gen>-<suffix>" once the generation is equal.
func TestRevIDStyleStrings(t *testing.T) {
	assert.Equal(t, -1, Compare(ASCII, "1-aaa", "1-bbb"))
	assert.Equal(t, -1, Compare(ASCII, "2-aaa", "2-bbb"))
}

func TestEncodePreservesOrder(t *testing.T) {
	for _, mode := range []Mode{Unicode, ASCII, Raw} {
		values := make([]any, len(unicodeOrder))
		for i, raw := range unicodeOrder {
			values[i] = decode(t, raw)
		}
		for i := 0; i < len(values); i++ {
			for j := 0; j < len(values); j++ {
				want := Compare(mode, values[i], values[j])
				got := bytes.Compare(Encode(mode, values[i]), Encode(mode, values[j]))
				assert.Equalf(t, want, got,
					"mode %v: encoded order of %s vs %s", mode, unicodeOrder[i], unicodeOrder[j])
			}
		}
	}
}

func TestEncodeNestedValues(t *testing.T) {
	pairs := [][2]string{
		{`["a"]`, `["a","b"]`},
		{`["a","b"]`, `["b"]`},
		{`{"a":1}`, `{"a":2}`},
		{`[-1]`, `[0]`},
		{`[0]`, `[0.5]`},
	}
	for _, p := range pairs {
		a, b := decode(t, p[0]), decode(t, p[1])
		assert.Equalf(t, -1, bytes.Compare(Encode(Unicode, a), Encode(Unicode, b)),
			"%s < %s encoded", p[0], p[1])
	}
}

func TestEncodeNegativeZero(t *testing.T) {
	neg := Encode(Unicode, -0.0)
	pos := Encode(Unicode, 0.0)
	assert.Equal(t, pos, neg)
}
