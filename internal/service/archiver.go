package service

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/mineclover/autobe/internal/domain"
	"github.com/mineclover/autobe/internal/observability"
)

var (
	errSnapshotQueueFull = errors.New("snapshot queue full")
	errWriterClosed      = errors.New("snapshot writer closed")
)

type writeRequest struct {
	snapshot *domain.EventSnapshot
	phase    string
	flushed  chan struct{}
}

// snapshotWriter appends one binding's snapshots in emission order, then
// mirrors usage and phase onto the aggregate. The agent never waits on it.
type snapshotWriter struct {
	s     *Service
	ctx   context.Context
	queue chan writeRequest
	done  chan struct{}

	mu     sync.Mutex
	closed bool
}

func (s *Service) newSnapshotWriter(ctx context.Context, size int) *snapshotWriter {
	if size <= 0 {
		size = 1
	}
	w := &snapshotWriter{
		s:     s,
		ctx:   ctx,
		queue: make(chan writeRequest, size),
		done:  make(chan struct{}),
	}
	observability.Go(observability.LoggerFromContext(ctx), "snapshot.writer", w.run)
	return w
}

func (w *snapshotWriter) enqueue(snapshot *domain.EventSnapshot, phase string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		w.s.drop(w.ctx, observability.StageSnapshot, errWriterClosed)
		return
	}
	select {
	case w.queue <- writeRequest{snapshot: snapshot, phase: phase}:
	default:
		w.s.drop(w.ctx, observability.StageSnapshot, errSnapshotQueueFull)
	}
}

// flush returns once everything enqueued before it has been written.
func (w *snapshotWriter) flush(ctx context.Context) error {
	flushed := make(chan struct{})
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return errWriterClosed
	}
	select {
	case w.queue <- writeRequest{flushed: flushed}:
		w.mu.Unlock()
	case <-ctx.Done():
		w.mu.Unlock()
		return ctx.Err()
	}

	select {
	case <-flushed:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *snapshotWriter) close() {
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		close(w.queue)
	}
	w.mu.Unlock()
	<-w.done
}

func (w *snapshotWriter) run() {
	defer close(w.done)
	for req := range w.queue {
		if req.flushed != nil {
			close(req.flushed)
			continue
		}
		w.write(req)
	}
}

func (w *snapshotWriter) write(req writeRequest) {
	snap := req.snapshot
	if err := w.s.store.AppendSnapshot(w.ctx, snap); err != nil {
		w.s.drop(w.ctx, observability.StageSnapshot, err)
		return
	}
	w.s.metrics.SnapshotsAppended.Inc()

	update := domain.AggregateUpdate{TokenUsage: &snap.TokenUsage}
	if req.phase != "" {
		update.Phase = &req.phase
	}
	if err := w.s.store.UpdateAggregate(w.ctx, snap.SessionID, update); err != nil {
		w.s.drop(w.ctx, observability.StageAggregate, err)
	}
}
