package ingress

import (
	"time"
)

// Webhook is a channel provider's delivery report before status
// normalization.
type Webhook struct {
	TenantID   string         `json:"tenant_id"`
	Channel    string         `json:"channel"`
	Status     string         `json:"status"`
	DistinctID string         `json:"distinct_id,omitempty"`
	Email      string         `json:"email,omitempty"`
	Phone      string         `json:"phone,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
	Payload    map[string]any `json:"payload,omitempty"`
}

// providerStatuses maps (channel, provider status) to the domain event
// type set. Providers disagree on naming, so common aliases are folded.
var providerStatuses = map[string]map[string]string{
	"email": {
		"delivered": "email-sent",
		"sent":      "email-sent",
		"open":      "email-opened",
		"opened":    "email-opened",
		"click":     "email-clicked",
		"clicked":   "email-clicked",
		"reply":     "email-replied",
		"replied":   "email-replied",
	},
	"whatsapp": {
		"delivered": "whatsapp-sent",
		"sent":      "whatsapp-sent",
		"received":  "whatsapp-received",
		"inbound":   "whatsapp-received",
	},
	"sms": {
		"delivered": "sms-sent",
		"sent":      "sms-sent",
	},
	"booking": {
		"created":   "booking-created",
		"confirmed": "booking-created",
	},
	"payment": {
		"succeeded": "payment-success",
		"success":   "payment-success",
		"paid":      "payment-success",
	},
}

// MapProviderStatus normalizes a provider's status code to a domain
// event type. The empty string means the report carries no signal the
// runtime tracks.
func MapProviderStatus(channel, status string) string {
	statuses, ok := providerStatuses[channel]
	if !ok {
		return ""
	}
	return statuses[status]
}

// IntakeFromWebhook converts a provider report to an Intake. It returns
// a ValidationError when the status does not map to a domain event.
func IntakeFromWebhook(w Webhook) (Intake, error) {
	eventType := MapProviderStatus(w.Channel, w.Status)
	if eventType == "" {
		return Intake{}, &ValidationError{
			Field:  "status",
			Reason: "has no domain mapping for channel " + w.Channel,
		}
	}
	return Intake{
		TenantID:   w.TenantID,
		DistinctID: w.DistinctID,
		Email:      w.Email,
		Phone:      w.Phone,
		EventType:  eventType,
		Source:     "webhook:" + w.Channel,
		Payload:    w.Payload,
		OccurredAt: w.OccurredAt,
	}, nil
}
