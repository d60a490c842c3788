package webhooks

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/notipy/internal/ids"
	"go.uber.org/zap"
)

const (
	defaultWorkers   = 4
	defaultQueueSize = 256
)

var errMissingHandler = errors.New("webhooks: handler is required")

// Handler processes one delivery.
type Handler interface {
	Ingest(ctx context.Context, serverID string, body []byte) (Outcome, error)
}

// Delivery is one accepted webhook awaiting processing.
type Delivery struct {
	ID         string
	ServerID   string
	Body       []byte
	ReceivedAt time.Time
}

// QueueConfig describes the dependencies of a Queue.
type QueueConfig struct {
	Handler    Handler
	Workers    int
	Size       int
	IDProvider ids.Provider
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Queue decouples webhook acknowledgement from processing: deliveries are
// buffered and drained by a fixed pool of workers.
type Queue struct {
	handler    Handler
	workers    int
	idProvider ids.Provider
	clock      func() time.Time
	logger     *zap.Logger

	mu      sync.RWMutex
	closed  bool
	started bool
	pending chan Delivery
	wg      sync.WaitGroup
}

// NewQueue constructs a stopped queue.
func NewQueue(cfg QueueConfig) (*Queue, error) {
	if cfg.Handler == nil {
		return nil, errMissingHandler
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	size := cfg.Size
	if size <= 0 {
		size = defaultQueueSize
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = ids.NewUUIDProvider()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{
		handler:    cfg.Handler,
		workers:    workers,
		idProvider: idProvider,
		clock:      clock,
		logger:     logger,
		pending:    make(chan Delivery, size),
	}, nil
}

// Start launches the workers. Processing uses ctx; Stop drains what is already queued.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started || q.closed {
		return
	}
	q.started = true
	for worker := 0; worker < q.workers; worker++ {
		q.wg.Add(1)
		go q.work(ctx)
	}
}

// Enqueue accepts a delivery without blocking. It reports false when the queue
// is full or stopped and the delivery was dropped.
func (q *Queue) Enqueue(serverID string, body []byte) (string, bool) {
	delivery := Delivery{
		ID:         ids.MustNew(q.idProvider),
		ServerID:   serverID,
		Body:       body,
		ReceivedAt: q.clock().UTC(),
	}

	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		q.logger.Warn("webhook dropped after shutdown",
			zap.String("delivery_id", delivery.ID),
			zap.String("server_id", serverID))
		return delivery.ID, false
	}
	select {
	case q.pending <- delivery:
		return delivery.ID, true
	default:
		q.logger.Warn("webhook queue full, delivery dropped",
			zap.String("delivery_id", delivery.ID),
			zap.String("server_id", serverID))
		return delivery.ID, false
	}
}

// Stop refuses new deliveries and waits for the workers to drain the queue.
func (q *Queue) Stop() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.pending)
	q.mu.Unlock()
	q.wg.Wait()
}

// Pending reports the number of buffered deliveries.
func (q *Queue) Pending() int {
	return len(q.pending)
}

func (q *Queue) work(ctx context.Context) {
	defer q.wg.Done()
	for delivery := range q.pending {
		q.process(ctx, delivery)
	}
}

func (q *Queue) process(ctx context.Context, delivery Delivery) {
	defer func() {
		if recovered := recover(); recovered != nil {
			q.logger.Error("webhook handler panicked",
				zap.String("delivery_id", delivery.ID),
				zap.Any("panic", recovered))
		}
	}()
	outcome, err := q.handler.Ingest(ctx, delivery.ServerID, delivery.Body)
	if err != nil {
		q.logger.Error("webhook processing failed",
			zap.String("delivery_id", delivery.ID),
			zap.String("server_id", delivery.ServerID),
			zap.Error(err))
		return
	}
	q.logger.Debug("webhook processed",
		zap.String("delivery_id", delivery.ID),
		zap.String("server_id", delivery.ServerID),
		zap.String("outcome", string(outcome)),
		zap.Duration("queued_for", q.clock().Sub(delivery.ReceivedAt)))
}
