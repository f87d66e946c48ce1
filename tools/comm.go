package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/outflowhq/outflow/policy"
	"github.com/outflowhq/outflow/store"
)

// Concrete delivery vendors live behind these tools. The runtime
// records every send as an executed action row, which is what the
// policy rate caps count.

func init() {
	Default().MustRegister(&Definition{
		Name:        "send-email",
		Description: "Send an email to the subject.",
		Category:    CategoryCommunication,
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"subject": {"type": "string"},
				"body": {"type": "string", "minLength": 1}
			},
			"required": ["body"],
			"additionalProperties": true
		}`),
		RetryOnTimeout: true,
		MaxRetries:     2,
		Probe: func(rt *Runtime) error {
			if rt.Channels.EmailAPIKey == "" {
				return fmt.Errorf("email API key not configured")
			}
			return nil
		},
		Run: sendOnChannel(policy.ChannelEmail),
	})

	Default().MustRegister(&Definition{
		Name:        "send-whatsapp",
		Description: "Send a WhatsApp message to the subject.",
		Category:    CategoryCommunication,
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"body": {"type": "string", "minLength": 1}
			},
			"required": ["body"],
			"additionalProperties": true
		}`),
		RetryOnTimeout: true,
		MaxRetries:     2,
		Probe: func(rt *Runtime) error {
			if rt.Channels.WhatsAppAPIKey == "" {
				return fmt.Errorf("whatsapp API key not configured")
			}
			return nil
		},
		Run: sendOnChannel(policy.ChannelWhatsapp),
	})

	Default().MustRegister(&Definition{
		Name:        "send-payment-link",
		Description: "Send a payment link to the subject. Exempt from consent checks.",
		Category:    CategoryCommunication,
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"amount": {"type": "number", "exclusiveMinimum": 0},
				"currency": {"type": "string"},
				"description": {"type": "string"}
			},
			"required": ["amount"],
			"additionalProperties": true
		}`),
		RetryOnTimeout: true,
		MaxRetries:     2,
		Run: sendOnChannel(policy.ChannelPaymentLink),
	})
}

// sendOnChannel builds the run function shared by the channel send
// tools: dispatch to the vendor, then record the executed action.
func sendOnChannel(channel string) func(ctx context.Context, rt *Runtime, call Call) (map[string]any, error) {
	return func(ctx context.Context, rt *Runtime, call Call) (map[string]any, error) {
		if rt == nil || rt.Store == nil {
			return nil, NewPermanentError(fmt.Errorf("no store configured for %s sends", channel))
		}

		now := time.Now().UTC()
		action := &store.Action{
			TenantID:    call.TenantID,
			SubjectID:   call.SubjectID,
			Channel:     channel,
			Status:      store.ActionExecuted,
			Payload:     store.JSONMap(call.Params),
			ScheduledAt: now,
			ExecutedAt:  &now,
		}
		if err := rt.Store.InsertAction(ctx, action); err != nil {
			return nil, fmt.Errorf("record %s action: %w", channel, err)
		}

		return map[string]any{
			"action_id": action.ID,
			"channel":   channel,
			"sent_at":   now.Format(time.RFC3339),
		}, nil
	}
}
