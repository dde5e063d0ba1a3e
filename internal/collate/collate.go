// Package collate imposes a single total order over JSON-typed view
// keys. The same order is used when persisting emitted index rows (via
// the byte encoding in encode.go, so that the KV store's bytewise key
// order equals collation order) and when evaluating range queries.
//
// In Unicode and ASCII modes the type ranks are
// null < false < true < number < string < array < object. Raw mode
// instead ranks number < false < null < true < object < array < string.
// ASCII mode compares strings bytewise; Unicode mode orders them the
// way a human dictionary does: non-letters first, then letters
// case-insensitively with lowercase winning ties.
package collate

import (
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	json "github.com/goccy/go-json"
)

type Mode int

const (
	Unicode Mode = iota
	ASCII
	Raw
)

// typeRank buckets a value for the given mode. The bucket numbers for
// Raw mode follow CouchDB's raw collation table.
func typeRank(v any, mode Mode) int {
	var kind int
	switch x := v.(type) {
	case nil:
		kind = 0
	case bool:
		if x {
			kind = 2
		} else {
			kind = 1
		}
	case []any:
		kind = 5
	case map[string]any:
		kind = 6
	case string:
		kind = 4
	default:
		if _, ok := asNumber(v); ok {
			kind = 3
		} else {
			kind = 6 // treat unknown types like objects
		}
	}
	if mode != Raw {
		return kind
	}
	rawRank := [...]int{2, 1, 3, 0, 6, 5, 4}
	return rawRank[kind]
}

func asNumber(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case uint64:
		return float64(x), true
	case json.Number:
		f, err := x.Float64()
		return f, err == nil
	}
	return 0, false
}

// Compare orders two JSON values under the given mode.
func Compare(mode Mode, a, b any) int {
	return CompareLimited(mode, a, b, 0)
}

// CompareLimited is Compare with an optional bound on how many leading
// array elements take part in the comparison. arrayLimit <= 0 means
// unlimited. Used for group-level truncated key comparisons.
func CompareLimited(mode Mode, a, b any, arrayLimit int) int {
	ra, rb := typeRank(a, mode), typeRank(b, mode)
	if ra != rb {
		return cmpInt(ra, rb)
	}
	switch x := a.(type) {
	case nil:
		return 0
	case bool:
		return 0 // same rank means same value
	case string:
		if mode == Unicode {
			return compareStringsUnicode(x, b.(string))
		}
		return strings.Compare(x, b.(string))
	case []any:
		return compareArrays(mode, x, b.([]any), arrayLimit)
	case map[string]any:
		return compareObjects(mode, x, b.(map[string]any))
	default:
		na, _ := asNumber(a)
		nb, _ := asNumber(b)
		return cmpFloat(na, nb)
	}
}

func cmpInt(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func cmpFloat(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func compareArrays(mode Mode, a, b []any, arrayLimit int) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	if arrayLimit > 0 && arrayLimit < n {
		n = arrayLimit
	}
	// The element limit applies to the outer array only.
	for i := 0; i < n; i++ {
		if c := CompareLimited(mode, a[i], b[i], 0); c != 0 {
			return c
		}
	}
	if arrayLimit > 0 && len(a) >= arrayLimit && len(b) >= arrayLimit {
		return 0
	}
	// All compared elements equal: the shorter array sorts first.
	return cmpInt(len(a), len(b))
}

// Objects rarely appear as keys; compare their sorted key/value pairs
// in sequence, shorter object first. Deterministic, which is all that
// is required.
func compareObjects(mode Mode, a, b map[string]any) int {
	ka, kb := sortedKeys(a), sortedKeys(b)
	n := len(ka)
	if len(kb) < n {
		n = len(kb)
	}
	for i := 0; i < n; i++ {
		if c := CompareLimited(mode, ka[i], kb[i], 0); c != 0 {
			return c
		}
		if c := CompareLimited(mode, a[ka[i]], b[kb[i]], 0); c != 0 {
			return c
		}
	}
	return cmpInt(len(ka), len(kb))
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// runeClass assigns the primary weight class of a rune: non-letters
// and non-digits sort first, then digits, then letters.
func runeClass(r rune) int {
	switch {
	case unicode.IsLetter(r):
		return 2
	case unicode.IsDigit(r):
		return 1
	}
	return 0
}

// compareStringsUnicode compares rune-wise with a case-insensitive
// primary pass; an otherwise-equal pair is decided by the first case
// difference, lowercase first. This reproduces dictionary ordering
// like " " < "_" < "~" < "a" < "A" < "aa" < "b" < "B".
func compareStringsUnicode(a, b string) int {
	tiebreak := 0
	for len(a) > 0 && len(b) > 0 {
		ra, na := utf8.DecodeRuneInString(a)
		rb, nb := utf8.DecodeRuneInString(b)
		if c := cmpInt(runeClass(ra), runeClass(rb)); c != 0 {
			return c
		}
		fa, fb := unicode.ToLower(ra), unicode.ToLower(rb)
		if fa != fb {
			return cmpInt(int(fa), int(fb))
		}
		if tiebreak == 0 && ra != rb {
			if unicode.IsUpper(rb) {
				tiebreak = -1
			} else {
				tiebreak = 1
			}
		}
		a, b = a[na:], b[nb:]
	}
	if c := cmpInt(len(a), len(b)); c != 0 {
		return c
	}
	return tiebreak
}
