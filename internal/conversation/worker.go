package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/clinivia/agendabot/pkg/logging"
)

// StatusObserver receives delivery-status and connectivity events. They
// feed observability only and never touch conversation state.
type StatusObserver interface {
	MessageStatus(messageID, status string)
	ConnectionChanged(status string)
}

// Worker drains the event queue and feeds message events to the engine.
type Worker struct {
	engine   *Engine
	queue    queueClient
	observer StatusObserver
	logger   *logging.Logger

	workers          int
	receiveBatchSize int
	receiveWaitSecs  int

	wg sync.WaitGroup
}

// WorkerOption customizes the worker pool.
type WorkerOption func(*Worker)

// WithWorkers sets the number of consumer goroutines.
func WithWorkers(n int) WorkerOption {
	return func(w *Worker) {
		if n > 0 {
			w.workers = n
		}
	}
}

// WithStatusObserver wires a sink for status and connection events.
func WithStatusObserver(obs StatusObserver) WorkerOption {
	return func(w *Worker) { w.observer = obs }
}

// NewWorker constructs a queue consumer around the engine.
func NewWorker(engine *Engine, queue queueClient, logger *logging.Logger, opts ...WorkerOption) *Worker {
	if engine == nil {
		panic("conversation: engine cannot be nil")
	}
	if queue == nil {
		panic("conversation: queue cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}

	w := &Worker{
		engine:           engine,
		queue:            queue,
		logger:           logger,
		workers:          4,
		receiveBatchSize: 8,
		receiveWaitSecs:  5,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start launches the consumer goroutines. They exit when ctx is done.
func (w *Worker) Start(ctx context.Context) {
	for i := 0; i < w.workers; i++ {
		w.wg.Add(1)
		go w.run(ctx, i+1)
	}
}

// Wait blocks until all worker goroutines exit.
func (w *Worker) Wait() {
	w.wg.Wait()
}

func (w *Worker) run(ctx context.Context, workerID int) {
	defer w.wg.Done()
	w.logger.Debug("event worker started", "worker_id", workerID)

	backoff := time.Second

	for {
		select {
		case <-ctx.Done():
			w.logger.Debug("event worker stopping", "worker_id", workerID)
			return
		default:
		}

		messages, err := w.queue.Receive(ctx, w.receiveBatchSize, w.receiveWaitSecs)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			w.logger.Error("failed to receive events", "error", err, "worker_id", workerID)
			time.Sleep(backoff)
			if backoff < 5*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second

		for _, msg := range messages {
			w.handle(ctx, msg)
		}
	}
}

func (w *Worker) handle(ctx context.Context, msg queueMessage) {
	var payload queuePayload
	if err := json.Unmarshal([]byte(msg.Body), &payload); err != nil {
		w.logger.Error("failed to decode event payload", "error", err)
		w.deleteMessage(msg.ReceiptHandle)
		return
	}

	switch payload.Kind {
	case jobKindMessage:
		if payload.Message == nil {
			w.logger.Error("message event payload missing body", "event_id", payload.ID)
			break
		}
		if err := w.engine.HandleMessage(ctx, *payload.Message); err != nil {
			w.logger.Error("failed to process message event",
				"event_id", payload.ID, "error", err)
		}
	case jobKindStatus:
		if payload.Status != nil && w.observer != nil {
			w.observer.MessageStatus(payload.Status.MessageID, payload.Status.Status)
		}
	case jobKindConnection:
		if payload.Connection != nil && w.observer != nil {
			w.observer.ConnectionChanged(payload.Connection.Status)
		}
	default:
		w.logger.Warn("unknown event kind", "kind", payload.Kind, "event_id", payload.ID)
	}

	w.deleteMessage(msg.ReceiptHandle)
}

func (w *Worker) deleteMessage(receiptHandle string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := w.queue.Delete(ctx, receiptHandle); err != nil {
		w.logger.Error("failed to delete event", "error", err)
	}
}
