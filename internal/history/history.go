// Package history is the buffered persistence path for transitions and
// per-tick snapshots. The control loop only ever enqueues; a single
// writer goroutine drains to the database so DB stalls never block
// control.
package history

import (
	"database/sql"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Phoenix5595/grow-controller/db"
	"github.com/Phoenix5595/grow-controller/internal/model"
)

const retryBackoff = time.Second

// HealthSink receives buffer pressure and recovery signals.
type HealthSink interface {
	BufferWatermark(frac float64)
	DBWriteOK()
}

type item struct {
	transition *model.Transition
	snapshot   *model.Snapshot
}

// Writer owns the bounded queue. Beyond capacity the oldest entries are
// dropped; transitions and snapshots share the queue so ordering is
// preserved.
type Writer struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []item
	cap    int
	closed bool

	conn   *sql.DB
	health HealthSink

	dropped int64
	done    chan struct{}
}

func NewWriter(conn *sql.DB, capacity int, health HealthSink) *Writer {
	w := &Writer{
		conn:   conn,
		cap:    capacity,
		health: health,
		done:   make(chan struct{}),
	}
	w.cond = sync.NewCond(&w.mu)
	go w.run()
	return w
}

// RecordTransition enqueues one control_history row. Implements the
// relay manager's transition sink.
func (w *Writer) RecordTransition(t model.Transition) {
	w.enqueue(item{transition: &t})
}

// RecordSnapshot enqueues one automation_state row, best effort.
func (w *Writer) RecordSnapshot(s model.Snapshot) {
	w.enqueue(item{snapshot: &s})
}

func (w *Writer) enqueue(it item) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	if len(w.queue) >= w.cap {
		w.queue = w.queue[1:]
		w.dropped++
		if w.dropped%100 == 1 {
			log.Warn().Int64("dropped", w.dropped).Msg("History buffer full, dropping oldest records")
		}
	}
	w.queue = append(w.queue, it)
	frac := float64(len(w.queue)) / float64(w.cap)
	w.mu.Unlock()

	if w.health != nil && frac > 0.8 {
		w.health.BufferWatermark(frac)
	}
	w.cond.Signal()
}

// Depth returns the current queue length.
func (w *Writer) Depth() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.queue)
}

// Dropped returns how many records were discarded due to back-pressure.
func (w *Writer) Dropped() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.dropped
}

func (w *Writer) run() {
	defer close(w.done)
	for {
		w.mu.Lock()
		for len(w.queue) == 0 && !w.closed {
			w.cond.Wait()
		}
		if len(w.queue) == 0 && w.closed {
			w.mu.Unlock()
			return
		}
		it := w.queue[0]
		w.queue = w.queue[1:]
		closed := w.closed
		w.mu.Unlock()

		if err := w.write(it); err != nil {
			log.Warn().Err(err).Msg("History write failed, will retry")
			w.requeueFront(it)
			if closed {
				// Shutting down with an unreachable DB; drop the rest.
				return
			}
			time.Sleep(retryBackoff)
			continue
		}
		if w.health != nil {
			w.health.DBWriteOK()
		}
	}
}

func (w *Writer) write(it item) error {
	if it.transition != nil {
		return db.InsertTransition(w.conn, *it.transition)
	}
	return db.InsertSnapshot(w.conn, *it.snapshot)
}

func (w *Writer) requeueFront(it item) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.queue) < w.cap {
		w.queue = append([]item{it}, w.queue...)
	} else {
		w.dropped++
	}
}

// Close stops intake and drains what the DB will accept.
func (w *Writer) Close() {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
	w.cond.Signal()
	<-w.done
}
