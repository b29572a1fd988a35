// Package statesync applies decoded pool events to the graph and publishes
// one immutable snapshot per batch.
package statesync

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"arbscout/internal/graph"
	"arbscout/internal/metrics"
	"arbscout/internal/pool"

	"github.com/rs/zerolog/log"
)

// ErrClosed is returned once the syncer has been closed.
var ErrClosed = errors.New("syncer closed")

// Rejection reasons.
const (
	ReasonUnknownPool = "unknown_pool"
	ReasonDesync      = "state_desync"
	ReasonOverflow    = "overflow"
	ReasonInvalid     = "invalid"
	ReasonOther       = "other"
)

// Rejection is an event that left its pool unchanged.
type Rejection struct {
	Event  pool.Event
	Reason string
	Err    error
}

// BatchResult summarizes one applied batch.
type BatchResult struct {
	Seq      uint64
	Applied  int
	Rejected []Rejection
	Snapshot *graph.Snapshot
	Duration time.Duration
}

// Syncer is the single writer of a graph. Events are applied per batch under
// the graph's write lock and every batch ends with a published snapshot.
type Syncer struct {
	mu sync.Mutex

	graph   *graph.Graph
	metrics *metrics.Metrics

	// Pending events for the current block. pendingBlock never decreases.
	pendingBlock uint64
	pending      []pool.Event
	late         []Rejection

	// Latest-wins snapshot channel for the detector
	snapshotCh chan *graph.Snapshot
	closed     bool
}

// New creates a syncer over g. m may be nil.
func New(g *graph.Graph, m *metrics.Metrics) *Syncer {
	return &Syncer{
		graph:      g,
		metrics:    m,
		snapshotCh: make(chan *graph.Snapshot, 1),
	}
}

// Graph returns the graph the syncer writes to.
func (s *Syncer) Graph() *graph.Graph {
	return s.graph
}

// Snapshots returns the channel snapshots are published on. An unread
// snapshot is replaced by the next one.
func (s *Syncer) Snapshots() <-chan *graph.Snapshot {
	return s.snapshotCh
}

// ApplyBatch applies events in order as one atomic batch tagged seq.
// Rejected events never stop the batch; the error return is reserved for
// graph corruption.
func (s *Syncer) ApplyBatch(seq uint64, events []pool.Event) (BatchResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applyLocked(seq, events)
}

// Process buffers ev until an event of a later block arrives, then applies
// the buffered block as one batch. An event from a block before the buffered
// one is not applied; it is reported with the next flushed batch.
func (s *Syncer) Process(ev pool.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	block := ev.Ordering().Block
	if block < s.pendingBlock {
		err := fmt.Errorf("%w: event %s arrived after block %d", pool.ErrStateDesync, ev.Ordering(), s.pendingBlock)
		s.late = append(s.late, s.reject(ev, err))
		return nil
	}
	if block > s.pendingBlock && len(s.pending) > 0 {
		if _, err := s.flushLocked(); err != nil {
			return err
		}
	}

	s.pendingBlock = block
	s.pending = append(s.pending, ev)
	return nil
}

// Flush applies any buffered events. It returns a zero result when nothing
// is pending.
func (s *Syncer) Flush() (BatchResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushLocked()
}

func (s *Syncer) flushLocked() (BatchResult, error) {
	if len(s.pending) == 0 {
		return BatchResult{}, nil
	}
	events := s.pending
	s.pending = nil
	res, err := s.applyLocked(s.pendingBlock, events)
	if len(s.late) > 0 {
		res.Rejected = append(s.late, res.Rejected...)
		s.late = nil
	}
	return res, err
}

// applyLocked must be called with s.mu held.
func (s *Syncer) applyLocked(seq uint64, events []pool.Event) (BatchResult, error) {
	if s.closed {
		return BatchResult{}, ErrClosed
	}

	startTime := time.Now()
	res := BatchResult{Seq: seq}

	err := s.graph.Write(func(w *graph.Writer) error {
		for _, ev := range events {
			p, edges, err := w.Pool(ev.PoolID())
			if err == nil {
				err = p.ApplyStateChange(ev)
			}
			if err != nil {
				res.Rejected = append(res.Rejected, s.reject(ev, err))
				continue
			}

			for _, id := range edges {
				if err := w.UpdateEdgeWeight(id); err != nil {
					return fmt.Errorf("%w: pool %s: %v", graph.ErrIndexCorrupted, ev.PoolID().Hex(), err)
				}
			}
			res.Applied++
			if s.metrics != nil {
				s.metrics.RecordEventApplied(p.Venue().String())
			}
		}
		return nil
	})
	if err != nil {
		log.Error().Err(err).Uint64("batch", seq).Msg("Graph corrupted while applying batch")
		return res, err
	}

	// Create snapshot
	snapshotStart := time.Now()
	snap := s.graph.Snapshot(seq)
	snapshotDuration := time.Since(snapshotStart)
	res.Snapshot = snap
	res.Duration = time.Since(startTime)

	if s.metrics != nil {
		s.metrics.RecordBatchLatency(res.Duration)
		s.metrics.RecordSnapshotLatency(snapshotDuration)
		s.metrics.RecordGraphStats(snap.NumNodes(), snap.NumEdges(), snap.NumPools())
		s.metrics.SetLastBatch(seq)
	}

	s.publish(snap)

	log.Debug().
		Uint64("batch", seq).
		Int("events", len(events)).
		Int("applied", res.Applied).
		Int("rejected", len(res.Rejected)).
		Dur("apply_time", res.Duration).
		Dur("snapshot_time", snapshotDuration).
		Msg("Applied batch and published snapshot")

	return res, nil
}

func (s *Syncer) reject(ev pool.Event, err error) Rejection {
	reason := rejectReason(err)
	if s.metrics != nil {
		s.metrics.RecordEventRejected(reason)
	}
	log.Debug().
		Err(err).
		Str("pool", ev.PoolID().Hex()).
		Str("key", ev.Ordering().String()).
		Str("reason", reason).
		Msg("Event rejected")
	return Rejection{Event: ev, Reason: reason, Err: err}
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, graph.ErrUnknownPool):
		return ReasonUnknownPool
	case errors.Is(err, pool.ErrStateDesync):
		return ReasonDesync
	case errors.Is(err, pool.ErrArithmeticOverflow):
		return ReasonOverflow
	case errors.Is(err, pool.ErrInvalidAmount), errors.Is(err, pool.ErrInvalidPool):
		return ReasonInvalid
	default:
		return ReasonOther
	}
}

// publish sends snap, replacing a snapshot the detector has not read yet.
// Only the syncer sends, so the loop settles within two passes.
func (s *Syncer) publish(snap *graph.Snapshot) {
	for {
		select {
		case s.snapshotCh <- snap:
			return
		default:
		}

		select {
		case stale := <-s.snapshotCh:
			if s.metrics != nil {
				s.metrics.RecordSnapshotReplaced()
			}
			log.Debug().
				Uint64("stale", stale.Seq).
				Uint64("batch", snap.Seq).
				Msg("Replaced unread snapshot")
		default:
		}
	}
}

// Snapshot applies pending events and returns a snapshot without publishing it.
func (s *Syncer) Snapshot(seq uint64) (*graph.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.flushLocked(); err != nil {
		return nil, err
	}
	return s.graph.Snapshot(seq), nil
}

// Close closes the snapshot channel. Pending events are discarded.
func (s *Syncer) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	close(s.snapshotCh)
}
