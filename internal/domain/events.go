package domain

import "time"

// EventType identifies a request lifecycle event.
type EventType string

const (
	EventCreated          EventType = "request.created"
	EventSent             EventType = "request.sent"
	EventResponseReceived EventType = "request.response_received"
	EventFailed           EventType = "request.failed"
	EventRetried          EventType = "request.retried"
	EventRateLimited      EventType = "request.rate_limited"
)

// FailureDescriptor is the recorded shape of a failed attempt.
type FailureDescriptor struct {
	Message  string    `json:"message"`
	Code     ErrorCode `json:"code,omitempty"`
	CanRetry bool      `json:"can_retry"`
}

// Event is one entry in a request's append-only event log. The log is
// the aggregate's durable history: replaying it reproduces the aggregate
// exactly. A single flat shape keeps the log serializable without a type
// registry; Type says which payload fields are meaningful.
type Event struct {
	Type      EventType `json:"type"`
	RequestID RequestID `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`

	// request.created
	UserID            string   `json:"user_id,omitempty"`
	PersonalityID     string   `json:"personality_id,omitempty"`
	ConversationID    string   `json:"conversation_id,omitempty"`
	Content           *Content `json:"content,omitempty"`
	ReferencedContent *Content `json:"referenced_content,omitempty"`
	Model             *Model   `json:"model,omitempty"`

	// request.sent: the attempt count after this send
	Attempt int `json:"attempt,omitempty"`

	// request.response_received
	Response *Content `json:"response,omitempty"`

	// request.failed
	Failure *FailureDescriptor `json:"failure,omitempty"`

	// request.retried
	Delay time.Duration `json:"delay,omitempty"`

	// request.rate_limited
	RetryAfter time.Duration `json:"retry_after,omitempty"`
}

func newCreatedEvent(id RequestID, userID, personalityID, conversationID string, content Content, referenced *Content, model Model) Event {
	return Event{
		Type:              EventCreated,
		RequestID:         id,
		Timestamp:         time.Now(),
		UserID:            userID,
		PersonalityID:     personalityID,
		ConversationID:    conversationID,
		Content:           &content,
		ReferencedContent: referenced,
		Model:             &model,
	}
}

func newSentEvent(id RequestID, attempt int) Event {
	return Event{
		Type:      EventSent,
		RequestID: id,
		Timestamp: time.Now(),
		Attempt:   attempt,
	}
}

func newResponseReceivedEvent(id RequestID, response Content) Event {
	return Event{
		Type:      EventResponseReceived,
		RequestID: id,
		Timestamp: time.Now(),
		Response:  &response,
	}
}

func newFailedEvent(id RequestID, failure FailureDescriptor) Event {
	return Event{
		Type:      EventFailed,
		RequestID: id,
		Timestamp: time.Now(),
		Failure:   &failure,
	}
}

func newRetriedEvent(id RequestID, delay time.Duration) Event {
	return Event{
		Type:      EventRetried,
		RequestID: id,
		Timestamp: time.Now(),
		Delay:     delay,
	}
}

func newRateLimitedEvent(id RequestID, retryAfter time.Duration) Event {
	return Event{
		Type:       EventRateLimited,
		RequestID:  id,
		Timestamp:  time.Now(),
		RetryAfter: retryAfter,
	}
}
