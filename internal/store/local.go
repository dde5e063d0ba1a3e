// Local documents: unversioned, unreplicated per-database state such
// as replication checkpoints.
package store

import (
	"strconv"
	"strings"

	"github.com/dgraph-io/badger/v4"
	json "github.com/goccy/go-json"

	"github.com/perchdb/perch/internal/kvstore"
	"github.com/perchdb/perch/pkg/status"
)

// GetLocal returns a local document's body with "_id" and "_rev"
// synthesized, or NotFound.
func (s *Store) GetLocal(docID string) (Body, error) {
	var body Body
	err := s.withReadTxn(func(txn *badger.Txn) error {
		row, err := getLocalRow(txn, docID)
		if err != nil {
			return err
		}
		if err := json.Unmarshal(row.Body, &body); err != nil {
			return err
		}
		body["_id"] = docID
		body["_rev"] = row.RevID
		return nil
	})
	if err != nil {
		return nil, err
	}
	return body, nil
}

// PutLocal stores or updates a local document. prevRevID must match the
// stored revision id exactly ("" for a first write) or the call fails
// with Conflict. Local revision ids are a bare generation counter; they
// carry no branch history.
func (s *Store) PutLocal(docID string, body Body, prevRevID string) (string, error) {
	if body == nil {
		return "", status.New(status.BadRequest, "local document body required")
	}
	var newRevID string
	err := s.inTxn(func(txn *badger.Txn) error {
		current, err := getLocalRow(txn, docID)
		switch {
		case err == nil:
			if current.RevID != prevRevID {
				return status.New(status.Conflict, "local document %q is at %q", docID, current.RevID)
			}
		case status.Is(err, status.NotFound):
			if prevRevID != "" {
				return status.New(status.NotFound, "no local document %q", docID)
			}
		default:
			return err
		}

		newRevID = nextLocalRevID(prevRevID)
		raw, err := json.Marshal(stripReserved(body))
		if err != nil {
			return status.New(status.BadRequest, "unencodable body: %v", err)
		}
		encoded, err := json.Marshal(&localRow{RevID: newRevID, Body: raw})
		if err != nil {
			return err
		}
		return txn.Set(localKey(docID), encoded)
	})
	if err != nil {
		return "", err
	}
	return newRevID, nil
}

// DeleteLocal removes a local document. The stored revision id must
// match prevRevID.
func (s *Store) DeleteLocal(docID, prevRevID string) error {
	return s.inTxn(func(txn *badger.Txn) error {
		current, err := getLocalRow(txn, docID)
		if err != nil {
			return err
		}
		if current.RevID != prevRevID {
			return status.New(status.Conflict, "local document %q is at %q", docID, current.RevID)
		}
		return txn.Delete(localKey(docID))
	})
}

func getLocalRow(txn *badger.Txn, docID string) (*localRow, error) {
	value, err := kvstore.GetTxn(txn, localKey(docID))
	if err != nil {
		if kvstore.IsNotFound(err) {
			return nil, status.New(status.NotFound, "no local document %q", docID)
		}
		return nil, err
	}
	var row localRow
	if err := json.Unmarshal(value, &row); err != nil {
		return nil, err
	}
	return &row, nil
}

// nextLocalRevID increments the generation of a "<n>-local" id.
func nextLocalRevID(prev string) string {
	gen := 0
	if idx := strings.IndexByte(prev, '-'); idx > 0 {
		if n, err := strconv.Atoi(prev[:idx]); err == nil {
			gen = n
		}
	}
	return strconv.Itoa(gen+1) + "-local"
}
