// ABOUTME: Plan entity with its review state machine and ordered task items.
// ABOUTME: Items are parsed from the markdown content when the plan is created.

package plan

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
)

// Status is a plan's review state.
type Status string

// Plan statuses.
const (
	StatusPendingReview Status = "PENDING_REVIEW"
	StatusApproved      Status = "APPROVED"
	StatusRejected      Status = "REJECTED"
	StatusCompleted     Status = "COMPLETED"
)

// ErrInvalidTransition is returned for a state change the current status
// does not allow.
var ErrInvalidTransition = errors.New("plan: invalid status transition")

// ErrItemNotFound is returned by MarkItemDone for an unknown order index.
var ErrItemNotFound = errors.New("plan: item not found")

// TaskItem is one checklist entry.
type TaskItem struct {
	Description string `json:"description"`
	Completed   bool   `json:"completed"`
	Order       int    `json:"order"`
}

// Plan is the reviewed proposal for one task run.
type Plan struct {
	ID          string     `json:"id"`
	ProjectID   string     `json:"projectId"`
	TaskID      string     `json:"taskId,omitempty"`
	Title       string     `json:"title"`
	UserRequest string     `json:"userRequest"`
	Content     string     `json:"content"`
	Status      Status     `json:"status"`
	Items       []TaskItem `json:"items"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// New creates a pending plan and parses its items from content.
func New(projectID, taskID, title, userRequest, content string) *Plan {
	now := time.Now().UTC()
	return &Plan{
		ID:          uuid.New().String(),
		ProjectID:   projectID,
		TaskID:      taskID,
		Title:       title,
		UserRequest: userRequest,
		Content:     content,
		Status:      StatusPendingReview,
		Items:       ParseItems(content),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Pending reports whether the plan still awaits a decision.
func (p *Plan) Pending() bool {
	return p.Status == StatusPendingReview
}

// Approve moves a pending plan to APPROVED.
func (p *Plan) Approve() error {
	return p.decide(StatusApproved)
}

// Reject moves a pending plan to REJECTED.
func (p *Plan) Reject() error {
	return p.decide(StatusRejected)
}

// Decide applies an approval decision.
func (p *Plan) Decide(approved bool) error {
	if approved {
		return p.Approve()
	}
	return p.Reject()
}

func (p *Plan) decide(to Status) error {
	if p.Status != StatusPendingReview {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, p.Status, to)
	}
	p.Status = to
	p.touch()
	return nil
}

// MarkItemDone completes the item with the given order. The plan moves to
// COMPLETED once every item is done.
func (p *Plan) MarkItemDone(order int) error {
	if p.Status != StatusApproved {
		return fmt.Errorf("%w: cannot complete items while %s", ErrInvalidTransition, p.Status)
	}
	idx := slices.IndexFunc(p.Items, func(it TaskItem) bool { return it.Order == order })
	if idx < 0 {
		return fmt.Errorf("%w: order %d", ErrItemNotFound, order)
	}
	p.Items[idx].Completed = true
	p.touch()
	if p.AllDone() {
		p.Status = StatusCompleted
	}
	return nil
}

// MarkAllDone completes every item of an approved plan, leaving it COMPLETED.
func (p *Plan) MarkAllDone() error {
	if p.Status != StatusApproved {
		return fmt.Errorf("%w: cannot complete items while %s", ErrInvalidTransition, p.Status)
	}
	for i := range p.Items {
		p.Items[i].Completed = true
	}
	p.Status = StatusCompleted
	p.touch()
	return nil
}

// AllDone reports whether every item is completed. A plan without items is
// trivially done.
func (p *Plan) AllDone() bool {
	for _, it := range p.Items {
		if !it.Completed {
			return false
		}
	}
	return true
}

// Checklist renders the items with their current completion state.
func (p *Plan) Checklist() string {
	return RenderItems(p.Items)
}

// Clone returns a deep copy.
func (p *Plan) Clone() *Plan {
	c := *p
	c.Items = slices.Clone(p.Items)
	return &c
}

func (p *Plan) touch() {
	p.UpdatedAt = time.Now().UTC()
}
