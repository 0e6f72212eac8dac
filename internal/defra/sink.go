package defra

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// OpType represents the type of write operation.
type OpType string

const (
	OpCreate OpType = "create"
	OpUpdate OpType = "update"
	OpDelete OpType = "delete"
)

// WriteOp is a single queued write.
type WriteOp struct {
	Collection string
	Document   map[string]any
	DocID      string // updates and deletes only
	Op         OpType
}

// SinkConfig configures the write sink.
type SinkConfig struct {
	Client        *Client
	BatchSize     int           // flush after N ops (default 100)
	FlushInterval time.Duration // or after this long (default 5s)
	QueueSize     int           // default 1000
	Logger        *slog.Logger
}

// SinkStats counts documents by outcome since the sink started.
type SinkStats struct {
	Written int64 `json:"written"`
	Failed  int64 `json:"failed"`
	Dropped int64 `json:"dropped"`
}

// Sink batches fire-and-forget writes: metric rows and other records
// that no caller waits on. Consecutive creates for one collection are
// sent as a single mutation.
type Sink struct {
	client        *Client
	logger        *slog.Logger
	batchSize     int
	flushInterval time.Duration

	queue   chan WriteOp
	flushCh chan chan struct{}
	done    chan struct{}

	mu     sync.RWMutex
	closed bool

	written, failed, dropped atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// NewSink creates a new write sink. Call Start before Send.
func NewSink(cfg SinkConfig) *Sink {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Second
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Sink{
		client:        cfg.Client,
		logger:        cfg.Logger,
		batchSize:     cfg.BatchSize,
		flushInterval: cfg.FlushInterval,
		queue:         make(chan WriteOp, cfg.QueueSize),
		flushCh:       make(chan chan struct{}),
		done:          make(chan struct{}),
	}
}

// Start begins processing write operations.
func (s *Sink) Start(ctx context.Context) {
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.run()
}

// Stop drains the queue, writes what is left, and shuts the sink down.
func (s *Sink) Stop() {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		close(s.queue)
		s.mu.Unlock()

		s.wg.Wait()
		s.cancel()
		s.logger.Info("sink stopped", "written", s.written.Load(), "failed", s.failed.Load(), "dropped", s.dropped.Load())
	})
}

// Send queues op without waiting for it to be written. It blocks while
// the queue is full and drops op once the sink is stopped.
func (s *Sink) Send(op WriteOp) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		s.drop(op)
		return
	}
	select {
	case s.queue <- op:
	case <-s.ctx.Done():
		s.drop(op)
	}
}

// Flush writes everything queued so far and waits for it to finish.
func (s *Sink) Flush(ctx context.Context) error {
	ack := make(chan struct{})
	select {
	case s.flushCh <- ack:
	case <-s.done:
		return ErrSinkClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-ack:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns the write counters.
func (s *Sink) Stats() SinkStats {
	return SinkStats{Written: s.written.Load(), Failed: s.failed.Load(), Dropped: s.dropped.Load()}
}

func (s *Sink) drop(op WriteOp) {
	s.dropped.Add(1)
	s.logger.Warn("sink closed, dropping write", "collection", op.Collection, "op", op.Op)
}

func (s *Sink) run() {
	defer s.wg.Done()
	defer close(s.done)

	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	batch := make([]WriteOp, 0, s.batchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		s.write(batch)
		batch = batch[:0]
	}

	for {
		select {
		case op, ok := <-s.queue:
			if !ok {
				flush()
				return
			}
			batch = append(batch, op)
			if len(batch) >= s.batchSize {
				flush()
			}
		case ack := <-s.flushCh:
			// Pick up anything queued before the flush request.
			for drained := false; !drained; {
				select {
				case op, ok := <-s.queue:
					if !ok {
						drained = true
						break
					}
					batch = append(batch, op)
				default:
					drained = true
				}
			}
			flush()
			close(ack)
		case <-ticker.C:
			flush()
		}
	}
}

// write applies ops in order, merging each run of creates on the same
// collection into one mutation.
func (s *Sink) write(ops []WriteOp) {
	s.logger.Debug("flushing batch", "count", len(ops))
	ctx := context.WithoutCancel(s.ctx)

	for i := 0; i < len(ops); {
		op := ops[i]
		if op.Op == OpCreate {
			j := i + 1
			for j < len(ops) && ops[j].Op == OpCreate && ops[j].Collection == op.Collection {
				j++
			}
			docs := make([]map[string]any, 0, j-i)
			for _, o := range ops[i:j] {
				docs = append(docs, o.Document)
			}
			ids, err := s.client.CreateMany(ctx, op.Collection, docs)
			s.written.Add(int64(len(ids)))
			if err != nil {
				s.failed.Add(int64(len(docs) - len(ids)))
				s.logger.Error("create failed", "collection", op.Collection, "count", len(docs), "error", err)
			}
			i = j
			continue
		}

		var err error
		switch op.Op {
		case OpUpdate:
			err = s.client.Update(ctx, op.Collection, op.DocID, op.Document)
		case OpDelete:
			err = s.client.Delete(ctx, op.Collection, op.DocID)
		default:
			err = fmt.Errorf("unknown write op %q", op.Op)
		}
		if err != nil {
			s.failed.Add(1)
			s.logger.Error("write failed", "op", op.Op, "collection", op.Collection, "docID", op.DocID, "error", err)
		} else {
			s.written.Add(1)
		}
		i++
	}
}
