// Package notify publishes engine events to external channels.
//
// Delivery is best effort: engine state is committed before a message is
// published, and a failed publish never rolls anything back.
package notify

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Topic names the kind of event carried by a Message.
type Topic string

const (
	TopicEscrowCreated      Topic = "escrow.created"
	TopicEscrowActivated    Topic = "escrow.activated"
	TopicEscrowFrozen       Topic = "escrow.frozen"
	TopicEscrowUnfrozen     Topic = "escrow.unfrozen"
	TopicEscrowCompleted    Topic = "escrow.completed"
	TopicEscrowCancelled    Topic = "escrow.cancelled"
	TopicEscrowOverridden   Topic = "escrow.overridden"
	TopicMilestoneSubmitted Topic = "milestone.submitted"
	TopicMilestoneApproved  Topic = "milestone.approved"
	TopicMilestoneRejected  Topic = "milestone.rejected"
	TopicMilestoneCompleted Topic = "milestone.completed"
	TopicPaymentReleased    Topic = "payment.released"
	TopicPaymentRefunded    Topic = "payment.refunded"
	TopicSettlementFailed   Topic = "settlement.failed"
	TopicDisputeRaised      Topic = "dispute.raised"
	TopicDisputeAssigned    Topic = "dispute.assigned"
	TopicDisputeResolved    Topic = "dispute.resolved"
	TopicDisputeEscalated   Topic = "dispute.escalated"
	TopicDisputeClosed      Topic = "dispute.closed"
	TopicAutomationNotice   Topic = "automation.notification"
	TopicAutomationEscalate Topic = "automation.escalated"
)

// Message is one published event.
type Message struct {
	ID         string         `json:"id"`
	Topic      Topic          `json:"topic"`
	EscrowID   string         `json:"escrowId,omitempty"`
	Recipients []string       `json:"recipients,omitempty"`
	Text       string         `json:"text,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
	CreatedAt  time.Time      `json:"createdAt"`
}

// Publisher delivers messages.
type Publisher interface {
	Publish(ctx context.Context, msg *Message) error
}

// Noop discards every message.
type Noop struct{}

func (Noop) Publish(context.Context, *Message) error { return nil }

// Multi fans a message out to every publisher and joins their errors.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, msg *Message) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Recorder keeps published messages in memory.
type Recorder struct {
	mu   sync.Mutex
	msgs []*Message
	Err  error // returned from Publish when set
}

func (r *Recorder) Publish(_ context.Context, msg *Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
	return r.Err
}

// Messages returns a copy of everything published so far.
func (r *Recorder) Messages() []*Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Message(nil), r.msgs...)
}

// Topics lists the topics published so far, in order.
func (r *Recorder) Topics() []Topic {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Topic, len(r.msgs))
	for i, m := range r.msgs {
		out[i] = m.Topic
	}
	return out
}
