// Package search delivers fire-and-forget index notifications for
// reconciled workflows. Delivery is best-effort and fully decoupled from the
// reconciliation transaction: a failed or dropped notification never affects
// stored state.
package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// Indexer accepts workflow IDs for indexing.
type Indexer interface {
	Index(workflowID int64)
}

// Sink performs the actual index write for one workflow.
type Sink interface {
	IndexWorkflow(ctx context.Context, workflowID int64) error
}

// Queue feeds workflow IDs to a Sink from a single worker goroutine. When
// the buffer is full the notification is dropped and logged.
type Queue struct {
	ch     chan int64
	done   chan struct{}
	sink   Sink
	log    *slog.Logger
	mu     sync.Mutex
	closed bool
}

// NewQueue starts a queue with the given buffer size.
func NewQueue(sink Sink, size int, log *slog.Logger) *Queue {
	q := &Queue{
		ch:   make(chan int64, size),
		done: make(chan struct{}),
		sink: sink,
		log:  log,
	}
	go q.run()
	return q
}

func (q *Queue) run() {
	defer close(q.done)
	for id := range q.ch {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := q.sink.IndexWorkflow(ctx, id); err != nil {
			q.log.Warn("index notification failed", "workflow_id", id, "error", err)
		}
		cancel()
	}
}

// Index enqueues a workflow for indexing without blocking. Notifications
// after Close are dropped.
func (q *Queue) Index(workflowID int64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		q.log.Warn("index queue closed, dropping notification", "workflow_id", workflowID)
		return
	}
	select {
	case q.ch <- workflowID:
	default:
		q.log.Warn("index queue full, dropping notification", "workflow_id", workflowID)
	}
}

// Close stops accepting notifications and waits for the worker to drain.
// Safe to call more than once.
func (q *Queue) Close() {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.ch)
	}
	q.mu.Unlock()
	<-q.done
}

// HTTPSink posts workflow IDs to a search-index endpoint.
type HTTPSink struct {
	URL    string
	Client *http.Client
}

func (s *HTTPSink) IndexWorkflow(ctx context.Context, workflowID int64) error {
	payload, err := json.Marshal(map[string]int64{"workflow_id": workflowID})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("index endpoint returned %s", resp.Status)
	}
	return nil
}

// NopSink discards notifications. Used when no search index is configured.
type NopSink struct{}

func (NopSink) IndexWorkflow(context.Context, int64) error { return nil }
