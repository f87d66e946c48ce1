package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/outflowhq/outflow/subjectctx"
)

func init() {
	Default().MustRegister(&Definition{
		Name:        "get-subject-context",
		Description: "Fetch the subject's engagement context and funnel stage.",
		Category:    CategoryData,
		Timeout:     10 * time.Second,
		Run: func(ctx context.Context, rt *Runtime, call Call) (map[string]any, error) {
			sc, err := rt.Store.GetSubjectContext(ctx, call.TenantID, call.SubjectID)
			if err != nil {
				return nil, fmt.Errorf("load subject context: %w", err)
			}
			return map[string]any{
				"stage":             sc.Stage,
				"engagement_score":  sc.EngagementScore(),
				"page_views":        sc.PageViews,
				"emails_sent":       sc.EmailsSent,
				"emails_opened":     sc.EmailsOpened,
				"emails_replied":    sc.EmailsReplied,
				"whatsapp_sent":     sc.WhatsappSent,
				"whatsapp_received": sc.WhatsappReceived,
				"revenue":           sc.Revenue,
			}, nil
		},
	})

	Default().MustRegister(&Definition{
		Name:        "update-subject-stage",
		Description: "Set the subject's funnel stage.",
		Category:    CategoryData,
		Timeout:     10 * time.Second,
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"stage": {
					"type": "string",
					"enum": ["new", "interested", "engaged", "converted", "churned"]
				}
			},
			"required": ["stage"],
			"additionalProperties": false
		}`),
		Run: func(ctx context.Context, rt *Runtime, call Call) (map[string]any, error) {
			stage, _ := call.Params["stage"].(string)

			sc, err := rt.Store.GetSubjectContext(ctx, call.TenantID, call.SubjectID)
			if err != nil {
				return nil, fmt.Errorf("load subject context: %w", err)
			}
			previous := sc.Stage

			// Stage moves obey the funnel lattice: a requested downgrade
			// leaves the stored stage untouched.
			applied := subjectctx.RaiseStage(previous, stage)
			if applied != previous {
				sc.Stage = applied
				if err := rt.Store.UpsertSubjectContext(ctx, sc); err != nil {
					return nil, fmt.Errorf("update subject stage: %w", err)
				}
			}
			return map[string]any{
				"previous_stage": previous,
				"stage":          applied,
			}, nil
		},
	})
}
