package core

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/breathsync/breathsync/internal/dhp"
	"github.com/breathsync/breathsync/internal/provider"
)

// Request states
const (
	RequestStatePending   = "pending"
	RequestStateRunning   = "running"
	RequestStateCompleted = "completed"
	RequestStateFailed    = "failed"
)

// TransportResolver hands out the transport requests are executed on.
type TransportResolver interface {
	Resolve() (provider.Transport, error)
}

type queuedRequest struct {
	id       string
	req      *dhp.Request
	callback dhp.Callback
}

// QueueStatus shows the current queue state.
type QueueStatus struct {
	Pending        int
	InFlight       bool
	CompletedToday int
	FailedToday    int
}

// RequestQueue serializes platform requests: FIFO, one in flight.
//
// A request is dispatched on its own goroutine. Its callback runs on that
// goroutine after the transport returned, before the next request starts,
// so callbacks never overlap and may enqueue further requests.
type RequestQueue struct {
	transports TransportResolver
	db         *sql.DB
	logger     *zap.Logger
	timeout    time.Duration

	mu       sync.Mutex
	queue    []*queuedRequest
	inFlight bool
	wg       sync.WaitGroup
}

// NewRequestQueue creates a queue. db may be nil, in which case no request
// log is kept.
func NewRequestQueue(transports TransportResolver, db *sql.DB, logger *zap.Logger) *RequestQueue {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RequestQueue{
		transports: transports,
		db:         db,
		logger:     logger,
		timeout:    2 * time.Minute,
	}
}

// EnsureSchema creates the request_log table if needed.
func (rq *RequestQueue) EnsureSchema(ctx context.Context) error {
	if rq.db == nil {
		return nil
	}
	_, err := rq.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS request_log (
			id              TEXT PRIMARY KEY,
			message_id      TEXT NOT NULL,
			uri             TEXT NOT NULL,
			state           TEXT NOT NULL DEFAULT 'pending'
			                CHECK(state IN ('pending', 'running', 'completed', 'failed')),
			created_at      TEXT NOT NULL DEFAULT (datetime('now')),
			completed_at    TEXT,
			error           TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_request_log_state ON request_log(state);
	`)
	if err != nil {
		return fmt.Errorf("failed to create request log: %w", err)
	}
	return nil
}

// Add queues req. It is sent immediately when nothing is in flight.
func (rq *RequestQueue) Add(req *dhp.Request, callback dhp.Callback) {
	item := &queuedRequest{id: uuid.New().String(), req: req, callback: callback}
	rq.logState(item, RequestStatePending, "")

	rq.mu.Lock()
	rq.queue = append(rq.queue, item)
	dispatch := !rq.inFlight
	rq.inFlight = true
	if dispatch {
		rq.wg.Add(1)
	}
	rq.mu.Unlock()

	if dispatch {
		go rq.execute(item)
	}
}

// Wait blocks until the queue drained.
func (rq *RequestQueue) Wait() {
	rq.wg.Wait()
}

// Pending returns the number of queued requests, including the one in flight.
func (rq *RequestQueue) Pending() int {
	rq.mu.Lock()
	defer rq.mu.Unlock()
	return len(rq.queue)
}

// InFlight reports whether a request is outstanding.
func (rq *RequestQueue) InFlight() bool {
	rq.mu.Lock()
	defer rq.mu.Unlock()
	return rq.inFlight
}

func (rq *RequestQueue) execute(item *queuedRequest) {
	defer rq.wg.Done()
	rq.logState(item, RequestStateRunning, "")

	ctx, cancel := context.WithTimeout(context.Background(), rq.timeout)
	defer cancel()

	var success bool
	var message string
	var body []byte

	transport, err := rq.transports.Resolve()
	if err == nil {
		var res *dhp.Result
		res, err = transport.Execute(ctx, item.req)
		if err == nil {
			success, message = dhp.Outcome(dhp.ParseStatus(res))
			body = res.Body
		}
	}
	if err != nil {
		message = err.Error()
		rq.logger.Error("request failed",
			zap.String("message_id", item.req.API.MessageID()),
			zap.Error(err))
	}

	rq.complete(success, message, body)
}

// complete pops the head and runs its callback. The queue stays in flight
// until the callback returns, then dispatches the next request.
func (rq *RequestQueue) complete(success bool, message string, body []byte) {
	rq.mu.Lock()
	if len(rq.queue) == 0 {
		rq.inFlight = false
		rq.mu.Unlock()
		rq.logger.Error("request completed with empty queue")
		return
	}
	head := rq.queue[0]
	rq.queue = rq.queue[1:]
	rq.mu.Unlock()

	if success {
		rq.logState(head, RequestStateCompleted, "")
	} else {
		rq.logState(head, RequestStateFailed, message)
	}
	if head.callback != nil {
		head.callback(success, message, body)
	}

	rq.mu.Lock()
	var next *queuedRequest
	if len(rq.queue) > 0 {
		next = rq.queue[0]
		rq.wg.Add(1)
	} else {
		rq.inFlight = false
	}
	rq.mu.Unlock()

	if next != nil {
		go rq.execute(next)
	}
}

func (rq *RequestQueue) logState(item *queuedRequest, state, errMsg string) {
	if rq.db == nil {
		return
	}
	ctx := context.Background()

	var err error
	switch state {
	case RequestStatePending:
		_, err = rq.db.ExecContext(ctx, `
			INSERT INTO request_log (id, message_id, uri, state) VALUES (?, ?, ?, 'pending')
		`, item.id, item.req.API.MessageID(), item.req.API.URI())
	case RequestStateRunning:
		_, err = rq.db.ExecContext(ctx, `UPDATE request_log SET state = 'running' WHERE id = ?`, item.id)
	default:
		_, err = rq.db.ExecContext(ctx, `
			UPDATE request_log SET state = ?, error = ?, completed_at = datetime('now') WHERE id = ?
		`, state, errMsg, item.id)
	}
	if err != nil {
		rq.logger.Warn("failed to log request state", zap.String("state", state), zap.Error(err))
	}
}

// GetStatus returns the queue state plus today's completed and failed counts.
func (rq *RequestQueue) GetStatus(ctx context.Context) (*QueueStatus, error) {
	rq.mu.Lock()
	status := &QueueStatus{Pending: len(rq.queue), InFlight: rq.inFlight}
	rq.mu.Unlock()

	if rq.db == nil {
		return status, nil
	}

	err := rq.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN state = 'completed' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN state = 'failed' THEN 1 ELSE 0 END), 0)
		FROM request_log WHERE date(completed_at) = date('now')
	`).Scan(&status.CompletedToday, &status.FailedToday)
	if err != nil {
		return nil, fmt.Errorf("failed to get queue status: %w", err)
	}
	return status, nil
}
