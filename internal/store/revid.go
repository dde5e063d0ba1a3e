// Revision id parsing, comparison and generation.
//
// A revision id has the form "<generation>-<suffix>". The generation
// increments by one per edit along a branch; the suffix is an opaque
// random token, not a content hash. History comparison depends only on
// generation/suffix ordering, never on ids being reproducible.
package store

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
)

// ParseRevID splits a revision id into generation and suffix.
// Malformed ids (no dash, non-numeric or non-positive generation)
// return generation -1 and ok=false; they sort below all valid ids and
// never cause a panic.
func ParseRevID(revID string) (gen int, suffix string, ok bool) {
	dash := strings.IndexByte(revID, '-')
	if dash <= 0 {
		return -1, "", false
	}
	gen = 0
	for i := 0; i < dash; i++ {
		c := revID[i]
		if c < '0' || c > '9' {
			return -1, "", false
		}
		gen = gen*10 + int(c-'0')
	}
	if gen == 0 {
		return -1, "", false
	}
	return gen, revID[dash+1:], true
}

// RevIDGeneration returns the generation of a revision id, or 0 for a
// malformed one.
func RevIDGeneration(revID string) int {
	gen, _, ok := ParseRevID(revID)
	if !ok {
		return 0
	}
	return gen
}

// CompareRevIDs orders two revision ids: generation numerically first,
// then suffix by ordinal byte comparison. Malformed ids sort as
// smaller than any well-formed id.
func CompareRevIDs(a, b string) int {
	genA, suffixA, okA := ParseRevID(a)
	genB, suffixB, okB := ParseRevID(b)
	if !okA || !okB {
		switch {
		case okA:
			return 1
		case okB:
			return -1
		}
		return strings.Compare(a, b)
	}
	if genA != genB {
		if genA < genB {
			return -1
		}
		return 1
	}
	return strings.Compare(suffixA, suffixB)
}

// newRevID builds the id for a successor of prevRevID: the parent's
// generation plus one, with a fresh random token.
func newRevID(prevRevID string) string {
	gen := 0
	if prevRevID != "" {
		gen = RevIDGeneration(prevRevID)
	}
	return fmt.Sprintf("%d-%s", gen+1, randomToken())
}

func randomToken() string {
	var raw [16]byte
	if _, err := rand.Read(raw[:]); err != nil {
		panic(fmt.Sprintf("store: random token: %v", err))
	}
	return hex.EncodeToString(raw[:])
}
