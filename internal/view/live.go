package view

import (
	"context"
	"reflect"
	"sync"

	"github.com/perchdb/perch/internal/store"
)

// liveState is where a LiveQuery is in its refresh cycle.
type liveState int

const (
	liveIdle liveState = iota
	// livePending means a refresh is queued on the executor.
	livePending
	// liveRunning means the refresh is executing; further changes
	// coalesce into one rerun.
	liveRunning
)

// A LiveQuery reruns a view query whenever the database changes and
// notifies its callback when the rows differ from the last delivery.
// Refreshes run on the database's serial executor, so overlapping
// change bursts coalesce into a single rerun.
type LiveQuery struct {
	view    *View
	options QueryOptions
	notify  func(rows []Row, err error)

	mu       sync.Mutex
	state    liveState
	rerun    bool
	stopped  bool
	lastRows []Row
	token    int
}

// NewLiveQuery prepares a live query. Nothing runs until Start.
func (v *View) NewLiveQuery(options QueryOptions, notify func(rows []Row, err error)) *LiveQuery {
	return &LiveQuery{view: v, options: options, notify: notify}
}

// Start subscribes to database changes and schedules the initial run.
func (q *LiveQuery) Start() {
	q.mu.Lock()
	q.token = q.view.engine.store.AddChangeListener(func(store.Change) {
		q.onChange()
	})
	q.mu.Unlock()
	q.onChange()
}

// Stop unsubscribes. A run already executing delivers nothing after
// Stop returns.
func (q *LiveQuery) Stop() {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	q.stopped = true
	token := q.token
	q.mu.Unlock()
	q.view.engine.store.RemoveChangeListener(token)
}

func (q *LiveQuery) onChange() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped {
		return
	}
	switch q.state {
	case liveIdle:
		q.state = livePending
		q.view.engine.exec.Submit(func(context.Context) (any, error) {
			q.run()
			return nil, nil
		})
	case livePending:
		// A queued run will pick the change up.
	case liveRunning:
		q.rerun = true
	}
}

func (q *LiveQuery) run() {
	q.mu.Lock()
	if q.stopped {
		q.state = liveIdle
		q.mu.Unlock()
		return
	}
	q.state = liveRunning
	q.mu.Unlock()

	rows, err := q.view.Query(q.options)

	q.mu.Lock()
	changed := err != nil || !reflect.DeepEqual(rows, q.lastRows)
	if err == nil {
		q.lastRows = rows
	}
	stopped := q.stopped
	rerun := q.rerun
	q.rerun = false
	if rerun && !stopped {
		q.state = livePending
		q.view.engine.exec.Submit(func(context.Context) (any, error) {
			q.run()
			return nil, nil
		})
	} else {
		q.state = liveIdle
	}
	q.mu.Unlock()

	if changed && !stopped && q.notify != nil {
		q.notify(rows, err)
	}
}
