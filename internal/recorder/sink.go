package recorder

import (
	"context"
	"log"
	"time"

	"github.com/xiaot623/mcptap/internal/store"
)

// writeOp is one durable write dispatched to the sink goroutine.
type writeOp func(ctx context.Context)

// sinkWriter decouples the correlator from sink I/O: writes are queued to
// a single goroutine and their failures are logged, never propagated. A
// full queue drops the write rather than blocking the call path.
type sinkWriter struct {
	store store.Store
	queue chan writeOp
}

func newSinkWriter(s store.Store, queueSize int) *sinkWriter {
	if queueSize <= 0 {
		queueSize = 1024
	}
	return &sinkWriter{
		store: s,
		queue: make(chan writeOp, queueSize),
	}
}

// Run drains the write queue until ctx is cancelled. Remaining queued
// writes are flushed on shutdown.
func (w *sinkWriter) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			w.flush()
			return
		case op := <-w.queue:
			w.apply(op)
		}
	}
}

func (w *sinkWriter) flush() {
	for {
		select {
		case op := <-w.queue:
			w.apply(op)
		default:
			return
		}
	}
}

func (w *sinkWriter) apply(op writeOp) {
	opCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	op(opCtx)
}

// enqueue hands a write to the sink goroutine without ever blocking.
func (w *sinkWriter) enqueue(op writeOp) {
	select {
	case w.queue <- op:
	default:
		log.Printf("WARN: sink queue full, dropping write")
	}
}
