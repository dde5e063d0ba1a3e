package store

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perchdb/perch/pkg/status"
)

// A writer on another goroutine must serialize behind an open
// transaction, not join it. Here the transaction aborts after the
// concurrent write was issued; the concurrent write must still commit
// on its own.
func TestConcurrentWriterSerializesBehindTransaction(t *testing.T) {
	s := newTestStore(t)

	rollback := errors.New("rollback")
	opened := make(chan struct{})
	release := make(chan struct{})
	txnDone := make(chan error, 1)

	go func() {
		txnDone <- s.InTransaction(func() error {
			if _, err := s.PutRevision("doomed", Body{"n": float64(1)}, "", false); err != nil {
				return err
			}
			close(opened)
			<-release
			return rollback
		})
	}()

	<-opened
	writeDone := make(chan error, 1)
	go func() {
		_, err := s.PutRevision("victim", Body{"n": float64(2)}, "", false)
		writeDone <- err
	}()

	// The concurrent write must still be blocked while the transaction
	// is open.
	select {
	case err := <-writeDone:
		t.Fatalf("write completed inside another goroutine's transaction: %v", err)
	case <-time.After(100 * time.Millisecond):
	}

	close(release)
	assert.ErrorIs(t, <-txnDone, rollback)
	require.NoError(t, <-writeDone)

	// The aborted transaction left nothing behind; the serialized write
	// is durable.
	_, err := s.GetRevision("doomed", "", 0)
	assert.True(t, status.Is(err, status.NotFound))
	got, err := s.GetRevision("victim", "", 0)
	require.NoError(t, err)
	assert.Equal(t, float64(2), got.Body["n"])
}

// The same goroutine still nests.
func TestTransactionNestsOnOwningGoroutine(t *testing.T) {
	s := newTestStore(t)

	err := s.InTransaction(func() error {
		return s.InTransaction(func() error {
			_, err := s.PutRevision("nested", Body{"ok": true}, "", false)
			return err
		})
	})
	require.NoError(t, err)

	got, err := s.GetRevision("nested", "", 0)
	require.NoError(t, err)
	assert.Equal(t, true, got.Body["ok"])
}
