// Key layout of the view index inside the KV keyspace. Emitted keys
// are stored in their collatable encoding so iteration order equals
// collation order.
//
//	V/<name>                              -> view metadata JSON
//	V#                                    -> next view id counter
//	v/<id><encKey><docID>0x00<seq><ord>   -> index row JSON
//	w/<id><docID>0x00<seq><ord><encKey>   -> nil (per-document reverse index)
package view

import "encoding/binary"

var (
	prefixMeta    = []byte("V/")
	viewIDCounter = []byte("V#")
	prefixForward = []byte("v/")
	prefixReverse = []byte("w/")
)

func metaKey(name string) []byte {
	return append(append([]byte{}, prefixMeta...), name...)
}

func viewIDBytes(id uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], id)
	return b[:]
}

func forwardPrefix(id uint32) []byte {
	return append(append([]byte{}, prefixForward...), viewIDBytes(id)...)
}

func reversePrefix(id uint32) []byte {
	return append(append([]byte{}, prefixReverse...), viewIDBytes(id)...)
}

// ordBytes disambiguates multiple emits of the same key by one
// revision.
func ordBytes(ord uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], ord)
	return b[:]
}

func seqBytes(seq uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], seq)
	return b[:]
}

// forwardKey orders rows by emitted key, then document id, then
// sequence and emit ordinal.
func forwardKey(id uint32, encKey []byte, docID string, seq uint64, ord uint32) []byte {
	key := append(forwardPrefix(id), encKey...)
	key = append(key, docID...)
	key = append(key, 0x00)
	key = append(key, seqBytes(seq)...)
	return append(key, ordBytes(ord)...)
}

// docReversePrefix covers every reverse entry of one document.
func docReversePrefix(id uint32, docID string) []byte {
	key := append(reversePrefix(id), docID...)
	return append(key, 0x00)
}

func reverseKey(id uint32, encKey []byte, docID string, seq uint64, ord uint32) []byte {
	key := append(docReversePrefix(id, docID), seqBytes(seq)...)
	key = append(key, ordBytes(ord)...)
	return append(key, encKey...)
}

// splitReverseSuffix takes the remainder of a reverse key after the
// document prefix and returns the sequence, ordinal and encoded key.
func splitReverseSuffix(suffix []byte) (seq uint64, ord uint32, encKey []byte, ok bool) {
	if len(suffix) < 12 {
		return 0, 0, nil, false
	}
	seq = binary.BigEndian.Uint64(suffix[:8])
	ord = binary.BigEndian.Uint32(suffix[8:12])
	return seq, ord, suffix[12:], true
}
