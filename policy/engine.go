// Package policy vetoes proposed communications against per-tenant
// rules: consent, rate caps on executed actions, and quiet hours in the
// subject's timezone.
package policy

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/outflowhq/outflow/config"
	"github.com/outflowhq/outflow/store"
)

var policyDenials = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "outflow_policy_denials_total",
	Help: "Denied actions by channel.",
}, []string{"channel"})

// Channels the engine knows rate limits for.
const (
	ChannelEmail       = "email"
	ChannelWhatsapp    = "whatsapp"
	ChannelSMS         = "sms"
	ChannelCall        = "call"
	ChannelPaymentLink = "payment-link"
)

// Limits is a per-channel daily and weekly cap. Zero means the channel
// is not allowed in that window; a negative value means unlimited.
type Limits struct {
	Daily  int `yaml:"daily"`
	Weekly int `yaml:"weekly"`
}

// defaultLimits per channel. Calls carry only a weekly cap, so the
// daily window is unlimited.
var defaultLimits = map[string]Limits{
	ChannelEmail:    {Daily: 1, Weekly: 3},
	ChannelWhatsapp: {Daily: 2, Weekly: 5},
	ChannelCall:     {Daily: -1, Weekly: 1},
	ChannelSMS:      {Daily: 1, Weekly: 3},
}

// Decision is the engine's verdict on a proposed action.
type Decision struct {
	Approved   bool     `json:"approved"`
	Violations []string `json:"violations"`
}

// Request describes a proposed communication.
type Request struct {
	TenantID  string
	SubjectID string
	Channel   string
	SendAt    time.Time
	Payload   map[string]any
}

// Engine evaluates requests. Rules resolve in order: built-in defaults,
// then the hot-reloaded override file, then per-tenant policy rows.
type Engine struct {
	store     *store.Store
	cfg       config.PolicyConfig
	overrides *Overrides
	logger    *slog.Logger
}

// NewEngine wires the engine. The overrides watcher may be nil.
func NewEngine(s *store.Store, cfg config.PolicyConfig, overrides *Overrides, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{store: s, cfg: cfg, overrides: overrides, logger: logger}
}

// Evaluate checks a proposed communication. Quiet hours apply because
// the send is scheduled; tool-call mode (EvaluateToolCall) skips them.
func (e *Engine) Evaluate(ctx context.Context, req Request) (*Decision, error) {
	return e.evaluate(ctx, req, true)
}

// toolChannels maps communication tool names to their channel.
var toolChannels = map[string]string{
	"send-email":        ChannelEmail,
	"send-whatsapp":     ChannelWhatsapp,
	"send-sms":          ChannelSMS,
	"send-payment-link": ChannelPaymentLink,
}

// ChannelForTool resolves a tool name to a channel, empty when the tool
// is not a communication channel.
func ChannelForTool(toolName string) string {
	return toolChannels[toolName]
}

// EvaluateToolCall gates an immediate tool invocation: consent and rate
// limits apply, quiet hours do not.
func (e *Engine) EvaluateToolCall(ctx context.Context, tenantID, subjectID, toolName string) (*Decision, error) {
	channel := ChannelForTool(toolName)
	if channel == "" {
		return &Decision{Approved: true}, nil
	}
	return e.evaluate(ctx, Request{
		TenantID:  tenantID,
		SubjectID: subjectID,
		Channel:   channel,
		SendAt:    time.Now().UTC(),
	}, false)
}

func (e *Engine) evaluate(ctx context.Context, req Request, checkQuietHours bool) (*Decision, error) {
	rules, err := e.store.GetPolicyRules(ctx, req.TenantID)
	if err != nil {
		return nil, err
	}

	subject, err := e.store.GetSubject(ctx, req.SubjectID)
	if err != nil {
		return nil, err
	}

	var violations []string

	if v := e.checkConsent(subject, req.Channel, rules); v != "" {
		violations = append(violations, v)
	}

	rateViolations, err := e.checkRateLimits(ctx, req, rules)
	if err != nil {
		return nil, err
	}
	violations = append(violations, rateViolations...)

	if checkQuietHours {
		if v := e.checkQuietHours(subject, req.SendAt, rules); v != "" {
			violations = append(violations, v)
		}
	}

	decision := &Decision{Approved: len(violations) == 0, Violations: violations}
	if !decision.Approved {
		policyDenials.WithLabelValues(req.Channel).Inc()
		e.logger.Info("Action denied",
			"tenant_id", req.TenantID,
			"subject_id", req.SubjectID,
			"channel", req.Channel,
			"violations", violations)
	}
	return decision, nil
}

// EvaluateAndRecord runs Evaluate and persists the action row with
// status denied or planned.
func (e *Engine) EvaluateAndRecord(ctx context.Context, req Request) (*Decision, *store.Action, error) {
	decision, err := e.Evaluate(ctx, req)
	if err != nil {
		return nil, nil, err
	}

	action := &store.Action{
		TenantID:    req.TenantID,
		SubjectID:   req.SubjectID,
		Channel:     req.Channel,
		Status:      store.ActionPlanned,
		Payload:     req.Payload,
		ScheduledAt: req.SendAt,
	}
	if !decision.Approved {
		action.Status = store.ActionDenied
		action.Violations = decision.Violations
	}
	if err := e.store.InsertAction(ctx, action); err != nil {
		return nil, nil, err
	}
	return decision, action, nil
}

func (e *Engine) checkConsent(subject *store.Subject, channel string, rules map[string]string) string {
	if channel == ChannelPaymentLink {
		return ""
	}
	if !e.boolRule(rules, "require_consent", e.cfg.RequireConsent) {
		return ""
	}

	key := channel + "_consent"
	if granted, ok := subject.Consent[key].(bool); ok && granted {
		return ""
	}
	return fmt.Sprintf("No %s consent from subject", channel)
}

func (e *Engine) checkRateLimits(ctx context.Context, req Request, rules map[string]string) ([]string, error) {
	limits, known := e.limitsFor(req.Channel, rules)
	if !known {
		return nil, nil
	}

	var violations []string

	if limits.Daily >= 0 {
		count, err := e.store.CountExecutedActions(ctx, req.TenantID, req.SubjectID, req.Channel,
			time.Now().UTC().Add(-24*time.Hour))
		if err != nil {
			return nil, err
		}
		if count >= limits.Daily {
			violations = append(violations,
				fmt.Sprintf("%s daily limit (%d) exceeded", channelTitle(req.Channel), limits.Daily))
		}
	}

	if limits.Weekly >= 0 {
		count, err := e.store.CountExecutedActions(ctx, req.TenantID, req.SubjectID, req.Channel,
			time.Now().UTC().Add(-7*24*time.Hour))
		if err != nil {
			return nil, err
		}
		if count >= limits.Weekly {
			violations = append(violations,
				fmt.Sprintf("%s weekly limit (%d) exceeded", channelTitle(req.Channel), limits.Weekly))
		}
	}

	return violations, nil
}

func (e *Engine) checkQuietHours(subject *store.Subject, sendAt time.Time, rules map[string]string) string {
	if subject.Timezone == "" {
		return ""
	}
	loc, err := time.LoadLocation(subject.Timezone)
	if err != nil {
		e.logger.Warn("Unknown subject timezone, skipping quiet hours",
			"subject_id", subject.ID, "timezone", subject.Timezone)
		return ""
	}

	start := e.intRule(rules, "quiet_start_hour", e.quietStart())
	end := e.intRule(rules, "quiet_end_hour", e.quietEnd())

	hour := sendAt.In(loc).Hour()
	inQuiet := false
	if start > end {
		// Window spans midnight, e.g. 21 to 9.
		inQuiet = hour >= start || hour < end
	} else {
		inQuiet = hour >= start && hour < end
	}
	if inQuiet {
		return fmt.Sprintf("Scheduled time falls in quiet hours (%02d:00-%02d:00 %s)", start, end, subject.Timezone)
	}
	return ""
}

func (e *Engine) quietStart() int {
	if o := e.currentOverrides(); o != nil && o.QuietStartHour != nil {
		return *o.QuietStartHour
	}
	return e.cfg.QuietStartHour
}

func (e *Engine) quietEnd() int {
	if o := e.currentOverrides(); o != nil && o.QuietEndHour != nil {
		return *o.QuietEndHour
	}
	return e.cfg.QuietEndHour
}

func (e *Engine) currentOverrides() *OverrideSet {
	if e.overrides == nil {
		return nil
	}
	return e.overrides.Current()
}

// limitsFor resolves the channel caps, lowest precedence first.
func (e *Engine) limitsFor(channel string, rules map[string]string) (Limits, bool) {
	limits, known := defaultLimits[channel]
	if !known {
		return Limits{}, false
	}

	if o := e.currentOverrides(); o != nil {
		if l, ok := o.RateLimits[channel]; ok {
			limits = l
		}
	}

	limits.Daily = e.intRule(rules, "rate_limit_"+channel+"_daily", limits.Daily)
	limits.Weekly = e.intRule(rules, "rate_limit_"+channel+"_weekly", limits.Weekly)
	return limits, true
}

func (e *Engine) boolRule(rules map[string]string, key string, fallback bool) bool {
	if v, ok := rules[key]; ok {
		if parsed, err := strconv.ParseBool(v); err == nil {
			return parsed
		}
	}
	return fallback
}

func (e *Engine) intRule(rules map[string]string, key string, fallback int) int {
	if v, ok := rules[key]; ok {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
	}
	return fallback
}

func channelTitle(channel string) string {
	switch channel {
	case ChannelSMS:
		return "SMS"
	default:
		return strings.ToUpper(channel[:1]) + channel[1:]
	}
}
