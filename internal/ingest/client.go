package ingest

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/GriffinCanCode/runtrace/internal/caller"
	"github.com/GriffinCanCode/runtrace/internal/infrastructure/logging"
	"github.com/GriffinCanCode/runtrace/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/runtrace/internal/runtree"
	"github.com/GriffinCanCode/runtrace/internal/shared/errs"
	"github.com/GriffinCanCode/runtrace/internal/shared/id"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	// ErrQueueFull is returned by Submit when admitting the operation would
	// push outstanding bytes past MaxQueueBytes.
	ErrQueueFull = errors.New("ingest queue full")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("ingest client closed")
)

// Transport delivers encoded bodies to the backend. transport.Client
// implements it over HTTP.
type Transport interface {
	PostBatch(ctx context.Context, body []byte, contentEncoding string) error
	PostMultipart(ctx context.Context, body []byte, contentType, contentEncoding string) error
	UploadAttachments(ctx context.Context, runID string, body []byte, contentType string) error
}

// Stats describes the client's queue and store.
type Stats struct {
	Pending    int
	QueueBytes int64
	Traces     int
	Runs       int
}

type flushRequest struct {
	release bool
	done    chan struct{}
}

// Client batches run operations and delivers them through a Caller. It
// implements runtree.Sink.
type Client struct {
	cfg       Config
	transport Transport
	caller    *caller.Caller
	logger    *zap.Logger
	metrics   *monitoring.Metrics
	onError   ErrorHook
	store     *traceStore

	mu           sync.Mutex
	pending      []item
	pendingBytes int
	queueBytes   int64
	closed       bool
	// creates holds one channel per queued create, closed once the batch
	// carrying it has been delivered or given up on.
	creates      map[uuid.UUID]chan struct{}

	kick      chan struct{}
	flushes   chan flushRequest
	done      chan struct{}
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

var _ runtree.Sink = (*Client)(nil)

// New validates cfg and starts the flush loop.
func New(cfg Config, t Transport, opts ...Option) (*Client, error) {
	if cfg.Mode == "" {
		cfg.Mode = ModeBatch
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if t == nil {
		return nil, errs.Validationf("transport", "must not be nil")
	}

	c := &Client{
		cfg:       cfg,
		transport: t,
		store:     newTraceStore(),
		creates:   make(map[uuid.UUID]chan struct{}),
		kick:      make(chan struct{}, 1),
		flushes:   make(chan flushRequest),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = logging.OrNop(c.logger).Named("ingest")
	if c.caller == nil {
		def, err := caller.New(caller.DefaultOptions())
		if err != nil {
			return nil, err
		}
		c.caller = def
	}

	c.ctx, c.cancel = context.WithCancel(context.Background())
	go c.loop()
	return c, nil
}

// Track registers a run before its first operation.
func (c *Client) Track(r *runtree.Run) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}
	return c.store.track(r.TraceID(), r.ID(), r.ParentID())
}

// redact applies the configured redactors to a copy of op's payload.
func (c *Client) redact(op runtree.Operation) runtree.Operation {
	hideIn := c.cfg.HideInputs != nil && op.Payload.Inputs != nil
	hideOut := c.cfg.HideOutputs != nil && op.Payload.Outputs != nil
	if !hideIn && !hideOut {
		return op
	}
	p := *op.Payload
	if hideIn {
		p.Inputs = c.cfg.HideInputs(maps.Clone(p.Inputs))
	}
	if hideOut {
		p.Outputs = c.cfg.HideOutputs(maps.Clone(p.Outputs))
	}
	op.Payload = &p
	return op
}

// Untrack forgets a run whose create was rejected, so its id can be reused
// and its parent is not kept alive waiting for it.
func (c *Client) Untrack(r *runtree.Run) {
	c.store.untrack(r.TraceID(), r.ID())
}

// Submit queues op. It fails with ErrQueueFull instead of growing past
// MaxQueueBytes.
func (c *Client) Submit(op runtree.Operation) error {
	if op.Payload == nil {
		return errs.Validationf("payload", "operation has no payload")
	}
	op = c.redact(op)
	raw, err := op.Payload.Marshal()
	if err != nil {
		return fmt.Errorf("encode run %s: %w", op.RunID(), err)
	}
	size := len(raw)
	for _, a := range op.Attachments {
		size += len(a.Data)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.cfg.MaxQueueBytes > 0 && c.queueBytes+int64(size) > c.cfg.MaxQueueBytes {
		outstanding := c.queueBytes
		c.mu.Unlock()
		c.metrics.RecordRejected("queue_full")
		return fmt.Errorf("%w: %d bytes outstanding, operation needs %d", ErrQueueFull, outstanding, size)
	}
	c.pending = append(c.pending, item{op: op, size: size})
	if op.Kind == runtree.OpCreate {
		if _, ok := c.creates[op.Payload.ID]; !ok {
			c.creates[op.Payload.ID] = make(chan struct{})
		}
	}
	c.pendingBytes += size
	c.queueBytes += int64(size)
	queued := c.queueBytes
	trigger := len(c.pending) >= c.cfg.BatchSize || c.pendingBytes >= c.cfg.BatchBytes
	c.mu.Unlock()

	kind := "create"
	if op.Kind == runtree.OpUpdate {
		kind = "update"
	}
	c.metrics.RecordSubmitted(kind, queued)

	if trigger {
		select {
		case c.kick <- struct{}{}:
		default:
		}
	}
	return nil
}

// Flush delivers everything submitted before the call and waits for it.
// Creates whose tracked parent has not been created yet stay queued.
func (c *Client) Flush(ctx context.Context) error {
	return c.request(ctx, false)
}

// WaitCreated blocks until the create for runID has been delivered or
// dropped, nudging the flush loop instead of draining the whole queue. Runs
// with no queued create return at once.
func (c *Client) WaitCreated(ctx context.Context, runID uuid.UUID) error {
	c.mu.Lock()
	ch := c.creates[runID]
	c.mu.Unlock()
	if ch == nil {
		return nil
	}
	select {
	case c.kick <- struct{}{}:
	default:
	}
	select {
	case <-ch:
		return nil
	case <-c.done:
		return nil
	case <-ctx.Done():
		return &errs.AbortError{Err: ctx.Err()}
	}
}

// Close stops admission, delivers every queued operation and stops the
// flush loop. If ctx ends first, in-flight delivery is cancelled and the
// remaining operations are dropped.
func (c *Client) Close(ctx context.Context) error {
	err := ErrClosed
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()

		err = c.request(ctx, true)
		c.cancel()
		<-c.done

		c.mu.Lock()
		dropped := len(c.pending)
		c.pending = nil
		c.pendingBytes = 0
		c.queueBytes = 0
		for runID, ch := range c.creates {
			close(ch)
			delete(c.creates, runID)
		}
		c.mu.Unlock()
		if dropped > 0 {
			c.logger.Warn("dropping undelivered operations", zap.Int("operations", dropped))
		}
		c.metrics.SetQueueBytes(0)
		c.store.clear()
	})
	return err
}

// Stats returns a snapshot of queue and store sizes.
func (c *Client) Stats() Stats {
	c.mu.Lock()
	s := Stats{Pending: len(c.pending), QueueBytes: c.queueBytes}
	c.mu.Unlock()
	s.Traces, s.Runs = c.store.counts()
	return s
}

func (c *Client) request(ctx context.Context, release bool) error {
	req := flushRequest{release: release, done: make(chan struct{})}
	select {
	case c.flushes <- req:
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return &errs.AbortError{Err: ctx.Err()}
	}
	select {
	case <-req.done:
		return nil
	case <-ctx.Done():
		return &errs.AbortError{Err: ctx.Err()}
	}
}

func (c *Client) loop() {
	defer close(c.done)

	ticker := time.NewTicker(c.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-c.kick:
			c.cycle(c.ctx, false)
		case <-ticker.C:
			c.cycle(c.ctx, false)
		case req := <-c.flushes:
			c.cycle(c.ctx, req.release)
			close(req.done)
			if req.release {
				return
			}
		}
	}
}

// cycle takes every queued operation, coalesces and orders them, holds back
// creates whose parent has not gone out, and delivers the rest in chunks.
func (c *Client) cycle(ctx context.Context, release bool) {
	c.mu.Lock()
	queued := c.pending
	c.pending = nil
	c.pendingBytes = 0
	c.mu.Unlock()
	if len(queued) == 0 {
		return
	}

	items := coalesce(queued)
	order(items)

	var ready, held []item
	for _, it := range items {
		p := it.op.Payload
		if !release && it.op.Kind == runtree.OpCreate && c.store.holdBack(p.TraceID, p.ID) {
			held = append(held, it)
			continue
		}
		c.store.emitted(p.TraceID, p.ID, it.op.Kind == runtree.OpCreate, it.op.Final)
		ready = append(ready, it)
	}

	if len(held) > 0 {
		heldBytes := totalSize(held)
		c.mu.Lock()
		c.pending = append(held, c.pending...)
		c.pendingBytes += heldBytes
		c.mu.Unlock()
		c.logger.Debug("holding creates until parent is created", zap.Int("runs", len(held)))
	}

	for _, batch := range chunk(ready, c.cfg.BatchSize, c.cfg.BatchBytes) {
		c.deliver(ctx, batch)

		c.mu.Lock()
		c.queueBytes -= int64(totalSize(batch))
		queued := c.queueBytes
		for _, it := range batch {
			if ch := c.creates[it.op.Payload.ID]; ch != nil && it.op.Kind == runtree.OpCreate {
				close(ch)
				delete(c.creates, it.op.Payload.ID)
			}
		}
		c.mu.Unlock()
		c.metrics.SetQueueBytes(queued)
	}
}

func (c *Client) deliver(ctx context.Context, batch []item) {
	ops := operations(batch)
	batchID := id.NewBatchID()
	start := time.Now()

	var err error
	if c.cfg.Mode == ModeMultipart {
		err = c.deliverMultipart(ctx, ops)
	} else {
		err = c.deliverBatch(ctx, ops)
	}
	elapsed := time.Since(start)
	c.metrics.RecordBatch(string(c.cfg.Mode), len(ops), elapsed, err)

	if err != nil {
		c.logger.Error("batch delivery failed",
			zap.String("batch_id", batchID),
			zap.Int("operations", len(ops)),
			zap.Duration("duration", elapsed),
			zap.Error(err))
		if c.onError != nil {
			c.onError(err, ops)
		}
		return
	}
	c.logger.Debug("batch delivered",
		zap.String("batch_id", batchID),
		zap.Int("operations", len(ops)),
		zap.Duration("duration", elapsed))
}

func (c *Client) deliverBatch(ctx context.Context, ops []runtree.Operation) error {
	body, err := encodeBatch(ops)
	if err != nil {
		return fmt.Errorf("encode batch: %w", err)
	}
	body, encoding, err := c.maybeCompress(body)
	if err != nil {
		return err
	}
	if err := c.caller.Call(ctx, func(ctx context.Context) error {
		return c.transport.PostBatch(ctx, body, encoding)
	}); err != nil {
		return err
	}

	// attachment bytes follow once the runs they belong to exist
	var uploadErrs []error
	for _, op := range ops {
		if len(op.Attachments) == 0 {
			continue
		}
		data, contentType, err := encodeAttachments(op.Attachments)
		if err != nil {
			uploadErrs = append(uploadErrs, fmt.Errorf("encode attachments for %s: %w", op.RunID(), err))
			continue
		}
		runID := op.RunID().String()
		if err := c.caller.Call(ctx, func(ctx context.Context) error {
			return c.transport.UploadAttachments(ctx, runID, data, contentType)
		}); err != nil {
			uploadErrs = append(uploadErrs, err)
		}
	}
	return errors.Join(uploadErrs...)
}

func (c *Client) deliverMultipart(ctx context.Context, ops []runtree.Operation) error {
	body, contentType, err := encodeMultipart(ops)
	if err != nil {
		return fmt.Errorf("encode multipart: %w", err)
	}
	body, encoding, err := c.maybeCompress(body)
	if err != nil {
		return err
	}
	return c.caller.Call(ctx, func(ctx context.Context) error {
		return c.transport.PostMultipart(ctx, body, contentType, encoding)
	})
}

func (c *Client) maybeCompress(body []byte) ([]byte, string, error) {
	if !c.cfg.Compress {
		return body, "", nil
	}
	out, err := compress(body)
	if err != nil {
		return nil, "", fmt.Errorf("compress body: %w", err)
	}
	return out, EncodingZstd, nil
}
