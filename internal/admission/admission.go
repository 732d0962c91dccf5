// Package admission bounds concurrent calls to the remote scanning API.
// Unlike the scan queue it owns no local resource; it only tracks tickets.
package admission

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/site-audit-scheduler/internal/audit"
	"github.com/JakeFAU/site-audit-scheduler/internal/clock"
)

// Concurrency bounds accepted by SetMaxConcurrent.
const (
	MinConcurrent = 1
	MaxConcurrent = 50
)

// Ticket is the bookkeeping record for one remote call.
type Ticket struct {
	ID          string           `json:"id"`
	Params      audit.ScanParams `json:"params"`
	Status      audit.Status     `json:"status"`
	CreatedAt   time.Time        `json:"created_at"`
	StartedAt   *time.Time       `json:"started_at,omitempty"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
	Error       string           `json:"error,omitempty"`
}

// Stats summarises the admission queue.
type Stats struct {
	Queued        int `json:"queued"`
	Processing    int `json:"processing"`
	MaxConcurrent int `json:"max_concurrent"`
}

// Queue is a FIFO admission controller.
type Queue struct {
	clock  clock.Clock
	logger *zap.Logger

	mu            sync.Mutex
	maxConcurrent int
	pending       []*Ticket
	processing    map[string]*Ticket
	// changed is closed and replaced whenever capacity or the queue head moves.
	changed chan struct{}
}

// New returns a Queue admitting up to maxConcurrent tickets at once.
func New(maxConcurrent int, clk clock.Clock, logger *zap.Logger) (*Queue, error) {
	if err := validate(maxConcurrent); err != nil {
		return nil, err
	}
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{
		clock:         clk,
		logger:        logger,
		maxConcurrent: maxConcurrent,
		processing:    make(map[string]*Ticket),
		changed:       make(chan struct{}),
	}, nil
}

func validate(n int) error {
	if n < MinConcurrent || n > MaxConcurrent {
		return &audit.ValidationError{
			Field:  "max_concurrent",
			Reason: fmt.Sprintf("must be between %d and %d", MinConcurrent, MaxConcurrent),
		}
	}
	return nil
}

// Enqueue appends a ticket and returns its id.
func (q *Queue) Enqueue(params audit.ScanParams) string {
	q.mu.Lock()
	defer q.mu.Unlock()
	t := &Ticket{
		ID:        uuid.NewString(),
		Params:    params,
		Status:    audit.StatusQueued,
		CreatedAt: q.clock.Now(),
	}
	q.pending = append(q.pending, t)
	q.logger.Debug("ticket queued", zap.String("ticket_id", t.ID))
	return t.ID
}

// CanAdmit reports whether another ticket may start processing.
func (q *Queue) CanAdmit() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.canAdmitLocked()
}

func (q *Queue) canAdmitLocked() bool {
	return len(q.processing) < q.maxConcurrent
}

// Dequeue starts the oldest pending ticket if capacity allows.
func (q *Queue) Dequeue() (Ticket, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.canAdmitLocked() || len(q.pending) == 0 {
		return Ticket{}, false
	}
	return q.startLocked(0), true
}

// Admit blocks until ticket id reaches the head of the queue and capacity is free,
// then starts it. If ctx ends first the ticket is withdrawn and ErrResourceExhausted returned.
func (q *Queue) Admit(ctx context.Context, id string) (Ticket, error) {
	for {
		q.mu.Lock()
		idx := q.indexLocked(id)
		if idx < 0 {
			t, running := q.processing[id]
			q.mu.Unlock()
			if running {
				return *t, nil
			}
			return Ticket{}, fmt.Errorf("ticket %s: %w", id, audit.ErrNotFound)
		}
		if idx == 0 && q.canAdmitLocked() {
			t := q.startLocked(0)
			q.mu.Unlock()
			return t, nil
		}
		changed := q.changed
		q.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			q.Cancel(id)
			return Ticket{}, fmt.Errorf("%w: waiting for remote admission: %w", audit.ErrResourceExhausted, ctx.Err())
		}
	}
}

// Cancel withdraws a pending ticket. It reports whether anything was removed.
func (q *Queue) Cancel(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	idx := q.indexLocked(id)
	if idx < 0 {
		return false
	}
	q.pending = slices.Delete(q.pending, idx, idx+1)
	q.notifyLocked()
	return true
}

// Complete moves a processing ticket to completed. Unknown ids are ignored.
func (q *Queue) Complete(id string) (Ticket, bool) {
	return q.finish(id, audit.StatusCompleted, nil)
}

// Fail moves a processing ticket to failed. Unknown ids are ignored.
func (q *Queue) Fail(id string, err error) (Ticket, bool) {
	return q.finish(id, audit.StatusFailed, err)
}

func (q *Queue) finish(id string, status audit.Status, err error) (Ticket, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.processing[id]
	if !ok {
		return Ticket{}, false
	}
	delete(q.processing, id)
	now := q.clock.Now()
	t.Status = status
	t.CompletedAt = &now
	if err != nil {
		t.Error = err.Error()
	}
	q.notifyLocked()
	q.logger.Debug("ticket settled", zap.String("ticket_id", id), zap.String("status", string(status)))
	return *t, true
}

// SetMaxConcurrent changes the cap. It starts nothing itself; blocked Admit calls re-check.
func (q *Queue) SetMaxConcurrent(n int) error {
	if err := validate(n); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.maxConcurrent = n
	q.notifyLocked()
	q.logger.Info("remote concurrency updated", zap.Int("max_concurrent", n))
	return nil
}

// Stats reports current admission state.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Queued:        len(q.pending),
		Processing:    len(q.processing),
		MaxConcurrent: q.maxConcurrent,
	}
}

func (q *Queue) startLocked(idx int) Ticket {
	t := q.pending[idx]
	q.pending = slices.Delete(q.pending, idx, idx+1)
	now := q.clock.Now()
	t.Status = audit.StatusProcessing
	t.StartedAt = &now
	q.processing[t.ID] = t
	q.notifyLocked()
	return *t
}

func (q *Queue) indexLocked(id string) int {
	return slices.IndexFunc(q.pending, func(t *Ticket) bool { return t.ID == id })
}

func (q *Queue) notifyLocked() {
	close(q.changed)
	q.changed = make(chan struct{})
}
