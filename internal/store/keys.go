// Key layout of the revision store's relations inside the KV
// keyspace. Sequences and document numbers are 8-byte big-endian so
// byte order equals numeric order.
//
//	d/<docID>          -> docNum          (external id -> internal id)
//	D/<docNum>         -> docID           (internal id -> external id)
//	r/<seq>            -> revRow JSON     (one row per revision)
//	s/<docNum><seq>    -> nil             (per-document sequence index)
//	a/<seq>/<name>     -> Attachment JSON
//	l/<docID>          -> localRow JSON   (local documents)
//	i/<name>           -> raw             (info: seq, ndocs, UUIDs)
package store

import "encoding/binary"

var (
	prefixDocByID  = []byte("d/")
	prefixDocByNum = []byte("D/")
	prefixRev      = []byte("r/")
	prefixDocSeq   = []byte("s/")
	prefixAttach   = []byte("a/")
	prefixLocal    = []byte("l/")
	prefixInfo     = []byte("i/")
)

func seqBytes(seq uint64) []byte {
	var raw [8]byte
	binary.BigEndian.PutUint64(raw[:], seq)
	return raw[:]
}

func docIDKey(docID string) []byte {
	return append(append([]byte{}, prefixDocByID...), docID...)
}

func docNumKey(docNum uint64) []byte {
	return append(append([]byte{}, prefixDocByNum...), seqBytes(docNum)...)
}

func revKey(seq uint64) []byte {
	return append(append([]byte{}, prefixRev...), seqBytes(seq)...)
}

func docSeqPrefix(docNum uint64) []byte {
	return append(append([]byte{}, prefixDocSeq...), seqBytes(docNum)...)
}

func docSeqKey(docNum, seq uint64) []byte {
	return append(docSeqPrefix(docNum), seqBytes(seq)...)
}

func attachPrefix(seq uint64) []byte {
	key := append(append([]byte{}, prefixAttach...), seqBytes(seq)...)
	return append(key, '/')
}

func attachKey(seq uint64, name string) []byte {
	return append(attachPrefix(seq), name...)
}

func localKey(docID string) []byte {
	return append(append([]byte{}, prefixLocal...), docID...)
}

func infoKey(name string) []byte {
	return append(append([]byte{}, prefixInfo...), name...)
}

// seqFromRevKey extracts the sequence from an r/ key.
func seqFromRevKey(key []byte) uint64 {
	return binary.BigEndian.Uint64(key[len(prefixRev):])
}

// seqFromDocSeqKey extracts the sequence from an s/ key.
func seqFromDocSeqKey(key []byte) uint64 {
	return binary.BigEndian.Uint64(key[len(prefixDocSeq)+8:])
}
