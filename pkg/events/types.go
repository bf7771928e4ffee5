package events

import "time"

// Kind is a closed enumeration of event types. Publishing is only
// possible through these constants, so a typo cannot silently create an
// unsubscribed event class.
type Kind string

const (
	KindOrderPlaced      Kind = "order.placed"
	KindOrderCancelled   Kind = "order.cancelled"
	KindPositionClosed   Kind = "position.closed"
	KindRiskAlert        Kind = "risk.alert"
	KindSnapshotCreated  Kind = "snapshot.created"
	KindComplianceFailed Kind = "compliance.failed"
	KindWebhookTest      Kind = "webhook.test"
)

// Kinds lists every publishable event type.
func Kinds() []Kind {
	return []Kind{
		KindOrderPlaced,
		KindOrderCancelled,
		KindPositionClosed,
		KindRiskAlert,
		KindSnapshotCreated,
		KindComplianceFailed,
		KindWebhookTest,
	}
}

// Valid reports whether k is a known event kind.
func (k Kind) Valid() bool {
	for _, known := range Kinds() {
		if k == known {
			return true
		}
	}
	return false
}

// DeliveryAttempt records one try against one subscriber. Failed
// attempts are data, not errors: the business event already happened.
type DeliveryAttempt struct {
	WebhookID  string        `json:"webhookId"`
	Attempt    int           `json:"attempt"` // 1-based
	Success    bool          `json:"success"`
	StatusCode int           `json:"statusCode,omitempty"`
	Error      string        `json:"error,omitempty"`
	Duration   time.Duration `json:"duration"`
}

// Event is one published state change plus the delivery attempts made
// against the webhooks subscribed at publish time.
type Event struct {
	ID         string            `json:"id"`
	Kind       Kind              `json:"kind"`
	Data       any               `json:"data"`
	Timestamp  time.Time         `json:"timestamp"`
	Deliveries []DeliveryAttempt `json:"deliveries"`
}

// payload is the JSON body POSTed to a subscriber.
type payload struct {
	Event     Kind      `json:"event"`
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
	WebhookID string    `json:"webhookId"`
}
