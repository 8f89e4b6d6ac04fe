package inject

import (
	"context"
	"time"

	"github.com/google/uuid"

	cerrors "cockpit/internal/errors"
)

// QueueItem is one message waiting for delivery.
type QueueItem struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	Text           string    `json:"text"`
	QueuedAt       time.Time `json:"queuedAt"`
}

// Enqueue appends a message to the delivery queue and returns its id.
func (e *Engine) Enqueue(conversationID, text string) (*QueueItem, error) {
	if text == "" {
		return nil, cerrors.New(cerrors.Validation, "message text is empty")
	}
	item := &QueueItem{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Text:           text,
		QueuedAt:       time.Now(),
	}
	e.queueMu.Lock()
	e.queue = append(e.queue, item)
	depth := len(e.queue)
	e.queueMu.Unlock()
	e.logger.Debug("Queued message %s for %s (depth %d)", item.ID, conversationID, depth)
	return item, nil
}

// Queue returns a snapshot of pending items in arrival order.
func (e *Engine) Queue() []QueueItem {
	e.queueMu.Lock()
	defer e.queueMu.Unlock()
	out := make([]QueueItem, len(e.queue))
	for i, item := range e.queue {
		out[i] = *item
	}
	return out
}

// Dequeue removes a pending item by id.
func (e *Engine) Dequeue(id string) error {
	e.queueMu.Lock()
	defer e.queueMu.Unlock()
	for i, item := range e.queue {
		if item.ID == id {
			e.queue = append(e.queue[:i], e.queue[i+1:]...)
			return nil
		}
	}
	return cerrors.New(cerrors.NotFound, "queue item %s not found", id)
}

// Drain delivers all pending items in FIFO order, pausing between items.
// Delivery stops at the first failure; the failed item and everything behind
// it stay queued.
func (e *Engine) Drain(ctx context.Context) (delivered int, err error) {
	for {
		e.queueMu.Lock()
		if len(e.queue) == 0 {
			e.queueMu.Unlock()
			return delivered, nil
		}
		item := e.queue[0]
		e.queueMu.Unlock()

		if delivered > 0 {
			select {
			case <-ctx.Done():
				return delivered, cerrors.Wrap(cerrors.Timeout, ctx.Err(), "queue drain aborted")
			case <-time.After(e.cfg.QueueDelay):
			}
		}

		if _, err := e.Inject(ctx, item.ConversationID, item.Text); err != nil {
			return delivered, err
		}
		e.queueMu.Lock()
		if len(e.queue) > 0 && e.queue[0].ID == item.ID {
			e.queue = e.queue[1:]
		}
		e.queueMu.Unlock()
		delivered++
	}
}
