package domain

import (
	"fmt"
	"time"
)

// Status is the lifecycle state of a request.
type Status string

const (
	StatusPending     Status = "pending"
	StatusSent        Status = "sent"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusRetrying    Status = "retrying"
	StatusRateLimited Status = "rate_limited"
)

// MaxAttempts is the ceiling on physical send attempts for one logical
// request. ScheduleRetry rejects once the ceiling is reached.
const MaxAttempts = 3

// State is the fold of a request's event log. Every field is derived
// from events and nothing else, so replaying the log reproduces it
// exactly.
type State struct {
	ID                RequestID          `json:"id"`
	UserID            string             `json:"user_id"`
	PersonalityID     string             `json:"personality_id"`
	ConversationID    string             `json:"conversation_id,omitempty"`
	Content           Content            `json:"content"`
	ReferencedContent *Content           `json:"referenced_content,omitempty"`
	Model             Model              `json:"model"`
	Response          *Content           `json:"response,omitempty"`
	Status            Status             `json:"status"`
	Attempts          int                `json:"attempts"`
	LastError         *FailureDescriptor `json:"last_error,omitempty"`
	CreatedAt         time.Time          `json:"created_at"`
	SentAt            time.Time          `json:"sent_at,omitempty"`
	CompletedAt       time.Time          `json:"completed_at,omitempty"`
}

// applyEvent is the pure transition function: it returns the state that
// follows from folding one event, never mutating its input.
func applyEvent(s State, e Event) State {
	switch e.Type {
	case EventCreated:
		s.ID = e.RequestID
		s.UserID = e.UserID
		s.PersonalityID = e.PersonalityID
		s.ConversationID = e.ConversationID
		if e.Content != nil {
			s.Content = *e.Content
		}
		s.ReferencedContent = e.ReferencedContent
		if e.Model != nil {
			s.Model = *e.Model
		}
		s.Status = StatusPending
		s.CreatedAt = e.Timestamp
	case EventSent:
		s.Status = StatusSent
		s.Attempts = e.Attempt
		s.SentAt = e.Timestamp
	case EventResponseReceived:
		s.Response = e.Response
		s.Status = StatusCompleted
		s.CompletedAt = e.Timestamp
	case EventFailed:
		s.LastError = e.Failure
		s.Status = StatusFailed
	case EventRetried:
		s.Status = StatusRetrying
	case EventRateLimited:
		s.Status = StatusRateLimited
	}
	return s
}

// Request is the aggregate root for one logical outbound AI request. Its
// state changes only by appending events through its own methods; the
// event log is the aggregate's history and the only path to its fields.
type Request struct {
	state  State
	events []Event
}

// NewRequestParams are the inputs to the aggregate factory. The
// conversation identifier is optional; like the user and personality it
// is referenced by identifier only, scoping the deduplication
// fingerprint to one conversation.
type NewRequestParams struct {
	UserID            string
	PersonalityID     string
	ConversationID    string
	Content           Content
	ReferencedContent *Content
	Model             Model
}

// NewRequest validates the inputs and creates the aggregate. A zero
// Model falls back to DefaultModel. Validation failures surface before
// any event is recorded, so a rejected request leaves no history.
func NewRequest(p NewRequestParams) (*Request, error) {
	if p.UserID == "" {
		return nil, ErrInvalidRequest("request requires a user id")
	}
	if p.PersonalityID == "" {
		return nil, ErrInvalidRequest("request requires a personality id")
	}
	if p.Content.IsEmpty() {
		return nil, ErrInvalidRequest("request requires content")
	}
	model := p.Model
	if model.IsZero() {
		model = DefaultModel()
	}
	if !model.IsCompatibleWith(p.Content) {
		return nil, ErrInvalidRequest("Content not compatible with model capabilities")
	}

	r := &Request{}
	r.apply(newCreatedEvent(NewRequestID(), p.UserID, p.PersonalityID, p.ConversationID, p.Content, p.ReferencedContent, model))
	return r, nil
}

// Replay rebuilds an aggregate from its persisted event log.
func Replay(events []Event) (*Request, error) {
	if len(events) == 0 {
		return nil, ErrInvalidRequest("cannot replay an empty event log")
	}
	if events[0].Type != EventCreated {
		return nil, ErrInvalidRequest(fmt.Sprintf("event log must begin with %s, got %s", EventCreated, events[0].Type))
	}
	r := &Request{}
	for _, e := range events {
		r.apply(e)
	}
	return r, nil
}

func (r *Request) apply(e Event) {
	r.state = applyEvent(r.state, e)
	r.events = append(r.events, e)
}

// ID returns the aggregate identity.
func (r *Request) ID() RequestID {
	return r.state.ID
}

// State returns a snapshot of the folded state.
func (r *Request) State() State {
	return r.state
}

// Events returns a copy of the event log.
func (r *Request) Events() []Event {
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Status returns the current lifecycle state.
func (r *Request) Status() Status {
	return r.state.Status
}

// Attempts returns the number of physical send attempts so far.
func (r *Request) Attempts() int {
	return r.state.Attempts
}

// UserID returns the requesting user identifier.
func (r *Request) UserID() string {
	return r.state.UserID
}

// PersonalityID returns the target personality identifier.
func (r *Request) PersonalityID() string {
	return r.state.PersonalityID
}

// ConversationID returns the conversation identifier, when the caller
// supplied one.
func (r *Request) ConversationID() string {
	return r.state.ConversationID
}

// Content returns the prompt content.
func (r *Request) Content() Content {
	return r.state.Content
}

// ReferencedContent returns quoted content attached to the request, when
// any.
func (r *Request) ReferencedContent() (Content, bool) {
	if r.state.ReferencedContent == nil {
		return Content{}, false
	}
	return *r.state.ReferencedContent, true
}

// Model returns the target model descriptor.
func (r *Request) Model() Model {
	return r.state.Model
}

// Response returns the completed response content, when the request has
// completed.
func (r *Request) Response() (Content, bool) {
	if r.state.Response == nil {
		return Content{}, false
	}
	return *r.state.Response, true
}

// LastError returns the most recent failure descriptor, when any.
func (r *Request) LastError() (FailureDescriptor, bool) {
	if r.state.LastError == nil {
		return FailureDescriptor{}, false
	}
	return *r.state.LastError, true
}

// MarkSent records one physical send attempt. Legal only from pending or
// retrying; anywhere else is a programming error, rejected rather than
// retried.
func (r *Request) MarkSent() error {
	if r.state.Status != StatusPending && r.state.Status != StatusRetrying {
		return r.transitionError("mark sent")
	}
	r.apply(newSentEvent(r.state.ID, r.state.Attempts+1))
	return nil
}

// RecordResponse stores the provider's response and completes the
// request. Legal only from sent; empty content is rejected.
func (r *Request) RecordResponse(response Content) error {
	if r.state.Status != StatusSent {
		return r.transitionError("record response")
	}
	if response.IsEmpty() {
		return ErrInvalidRequest("response content must not be empty")
	}
	r.apply(newResponseReceivedEvent(r.state.ID, response))
	return nil
}

// RecordFailure stores the failure descriptor and moves the request to
// failed. Illegal once the request has completed or already failed.
func (r *Request) RecordFailure(cause error, canRetry bool) error {
	if r.state.Status == StatusCompleted || r.state.Status == StatusFailed {
		return r.transitionError("record failure")
	}
	if cause == nil {
		return ErrInvalidRequest("failure requires a cause")
	}
	failure := FailureDescriptor{Message: cause.Error(), CanRetry: canRetry}
	if re, ok := AsRelayError(cause); ok {
		failure.Code = re.Code
	}
	r.apply(newFailedEvent(r.state.ID, failure))
	return nil
}

// ScheduleRetry moves a failed request into retrying so it may be sent
// again after the given delay. Rejected once the attempt ceiling is
// reached.
func (r *Request) ScheduleRetry(delay time.Duration) error {
	if r.state.Status != StatusFailed {
		return r.transitionError("schedule retry")
	}
	if r.state.Attempts >= MaxAttempts {
		return ErrInvalidRequest("maximum retry attempts exceeded")
	}
	r.apply(newRetriedEvent(r.state.ID, delay))
	return nil
}

// RecordRateLimit marks that the provider rate-limited the request. The
// marker is informational: it does not change the attempt count.
func (r *Request) RecordRateLimit(retryAfter time.Duration) error {
	if r.state.Status != StatusSent {
		return r.transitionError("record rate limit")
	}
	r.apply(newRateLimitedEvent(r.state.ID, retryAfter))
	return nil
}

// CanRetry reports whether another attempt is permitted: the request
// must have failed, be under the attempt ceiling, and carry a failure
// marked retryable.
func (r *Request) CanRetry() bool {
	return r.state.Status == StatusFailed &&
		r.state.Attempts < MaxAttempts &&
		r.state.LastError != nil &&
		r.state.LastError.CanRetry
}

// ResponseTime returns the duration between the last send and the
// completion. The second return is false until both timestamps exist.
func (r *Request) ResponseTime() (time.Duration, bool) {
	if r.state.SentAt.IsZero() || r.state.CompletedAt.IsZero() {
		return 0, false
	}
	return r.state.CompletedAt.Sub(r.state.SentAt), true
}

func (r *Request) transitionError(op string) error {
	return ErrInternal(fmt.Sprintf("cannot %s in status %s", op, r.state.Status))
}
