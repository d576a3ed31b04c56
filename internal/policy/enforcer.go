// Package policy admits or denies agent actions against the owner's
// active governance rules.
package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"dracanus/internal/domain"
	"dracanus/internal/logging"
	"dracanus/internal/telemetry"
)

// Store is the persistence the enforcer reads counters from and records
// violations to. repo.Repo implements it.
type Store interface {
	ActivePolicies(ctx context.Context, ownerID, projectID string, now time.Time) ([]domain.Policy, error)
	CountExecutionsSince(ctx context.Context, ownerID, agentID string, since time.Time) (int, error)
	SumCostSince(ctx context.Context, ownerID string, since time.Time) (float64, error)
	RecordViolation(ctx context.Context, v domain.Violation) error
}

// Notifier fans a committed notification out to live subscribers.
type Notifier interface {
	PublishNotification(ctx context.Context, n domain.Notification) error
}

// Input is the action being admitted.
type Input struct {
	OwnerID     string
	AgentID     string
	Action      map[string]any
	ProjectID   string
	Environment string
}

type Verdict struct {
	Allowed          bool
	Action           string
	Policy           *domain.Policy
	Reason           string
	RequiresApproval bool
}

// Outcome names the verdict for metrics and logs.
func (v Verdict) Outcome() string {
	switch {
	case v.Policy == nil:
		return "allowed"
	case v.Action == domain.ActionWarn:
		return "warned"
	case v.RequiresApproval:
		return "approval_required"
	default:
		return "blocked"
	}
}

type Options struct {
	Notifier Notifier
	Logger   *zap.Logger
	Metrics  *telemetry.Metrics
	// NotificationLink is attached to blocked-action notifications.
	NotificationLink string
	Now              func() time.Time
}

type Enforcer struct {
	store    Store
	cel      *CELEvaluator
	notifier Notifier
	logger   *zap.Logger
	metrics  *telemetry.Metrics
	link     string
	now      func() time.Time
}

func NewEnforcer(store Store, opts Options) (*Enforcer, error) {
	evaluator, err := NewCELEvaluator()
	if err != nil {
		return nil, err
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Enforcer{
		store:    store,
		cel:      evaluator,
		notifier: opts.Notifier,
		logger:   logging.OrNop(opts.Logger),
		metrics:  opts.Metrics,
		link:     opts.NotificationLink,
		now:      now,
	}, nil
}

// Validate checks a policy definition before it is stored. CUSTOM
// expressions are compiled so syntax errors surface at creation.
func (e *Enforcer) Validate(p domain.Policy) error {
	if err := ValidateConditions(p.Type, p.Conditions); err != nil {
		return err
	}
	if p.Type == domain.PolicyCustom {
		var c customConditions
		if err := decodeConditions(p.Conditions, &c); err != nil {
			return &ConditionError{Type: p.Type, Err: err}
		}
		if err := e.cel.Compile(c.Expression); err != nil {
			return &ConditionError{Type: p.Type, Err: err}
		}
	}
	return nil
}

// Enforce evaluates the applicable policies in severity order and stops at
// the first violation. Side effects of the violation are committed before
// the verdict is returned. Errors are store failures only; a denial is a
// Verdict with Allowed=false.
func (e *Enforcer) Enforce(ctx context.Context, in Input) (Verdict, error) {
	now := e.now().UTC()
	policies, err := e.store.ActivePolicies(ctx, in.OwnerID, in.ProjectID, now)
	if err != nil {
		return Verdict{}, fmt.Errorf("load policies: %w", err)
	}

	for i := range policies {
		p := policies[i]
		reason, violated, err := e.check(ctx, p, in, now)
		if err != nil {
			return Verdict{}, fmt.Errorf("policy %s: %w", p.ID, err)
		}
		if !violated {
			continue
		}
		if err := e.record(ctx, p, in, reason, now); err != nil {
			return Verdict{}, fmt.Errorf("record violation of %s: %w", p.ID, err)
		}
		p.TriggeredCount++
		v := Verdict{
			Allowed:          p.Action == domain.ActionWarn,
			Action:           p.Action,
			Policy:           &p,
			Reason:           reason,
			RequiresApproval: p.Action == domain.ActionRequireApproval,
		}
		e.logger.Info("policy violated", logging.With(ctx,
			zap.String("policy", p.ID),
			zap.String("type", p.Type),
			zap.String("action", p.Action),
			zap.String("agent", in.AgentID),
			zap.String("reason", reason))...)
		e.metrics.RecordVerdict(ctx, v.Outcome(), p.Type)
		return v, nil
	}

	v := Verdict{Allowed: true}
	e.metrics.RecordVerdict(ctx, v.Outcome(), "")
	return v, nil
}

// check dispatches on policy type. Malformed conditions are logged and
// count as no violation.
func (e *Enforcer) check(ctx context.Context, p domain.Policy, in Input, now time.Time) (string, bool, error) {
	switch p.Type {
	case domain.PolicyRateLimit:
		var c rateLimitConditions
		if !e.decode(ctx, p, &c) {
			return "", false, nil
		}
		return e.checkRateLimit(ctx, c, in, now)
	case domain.PolicyBudgetLimit:
		var c budgetConditions
		if !e.decode(ctx, p, &c) {
			return "", false, nil
		}
		return e.checkBudget(ctx, c, in, now)
	case domain.PolicyContentFilter:
		var c contentConditions
		if !e.decode(ctx, p, &c) {
			return "", false, nil
		}
		reason, violated := checkContent(c, in.Action)
		return reason, violated, nil
	case domain.PolicyApprovalRequired:
		var c approvalConditions
		if !e.decode(ctx, p, &c) {
			return "", false, nil
		}
		reason, violated := checkApproval(c, in.Action)
		return reason, violated, nil
	case domain.PolicyTimeWindow:
		var c timeWindowConditions
		if !e.decode(ctx, p, &c) {
			return "", false, nil
		}
		return e.checkTimeWindow(ctx, p, c, now)
	case domain.PolicyCustom:
		var c customConditions
		if !e.decode(ctx, p, &c) {
			return "", false, nil
		}
		return e.checkCustom(ctx, p, c, in, now)
	default:
		e.logger.Warn("unknown policy type", logging.With(ctx, zap.String("policy", p.ID), zap.String("type", p.Type))...)
		return "", false, nil
	}
}

func (e *Enforcer) decode(ctx context.Context, p domain.Policy, out any) bool {
	if err := decodeConditions(p.Conditions, out); err != nil {
		e.logger.Warn("malformed policy conditions", logging.With(ctx, zap.String("policy", p.ID), zap.Error(err))...)
		return false
	}
	return true
}

func (e *Enforcer) checkRateLimit(ctx context.Context, c rateLimitConditions, in Input, now time.Time) (string, bool, error) {
	count, err := e.store.CountExecutionsSince(ctx, in.OwnerID, in.AgentID, WindowStart(c.Window, now))
	if err != nil {
		return "", false, err
	}
	if count < c.Limit {
		return "", false, nil
	}
	return fmt.Sprintf("Rate limit exceeded: %d/%d executions in the last %s", count, c.Limit, windowLabel(c.Window)), true, nil
}

func (e *Enforcer) checkBudget(ctx context.Context, c budgetConditions, in Input, now time.Time) (string, bool, error) {
	spent, err := e.store.SumCostSince(ctx, in.OwnerID, WindowStart(c.Window, now))
	if err != nil {
		return "", false, err
	}
	if spent < c.Limit {
		return "", false, nil
	}
	return fmt.Sprintf("Budget limit exceeded: $%.2f/$%.2f spent in the last %s", spent, c.Limit, windowLabel(c.Window)), true, nil
}

func checkContent(c contentConditions, action map[string]any) (string, bool) {
	text := actionText(action)
	for _, term := range c.Blacklist {
		if strings.Contains(text, strings.ToLower(term)) {
			return fmt.Sprintf("Content contains blacklisted term: %q", term), true
		}
	}
	if len(c.Whitelist) == 0 {
		return "", false
	}
	for _, term := range c.Whitelist {
		if strings.Contains(text, strings.ToLower(term)) {
			return "", false
		}
	}
	return "Content does not contain any whitelisted terms", true
}

func checkApproval(c approvalConditions, action map[string]any) (string, bool) {
	text := actionText(action)
	for _, t := range c.Triggers {
		if t.Pattern == "" || !strings.Contains(text, strings.ToLower(t.Pattern)) {
			continue
		}
		desc := t.Description
		if desc == "" {
			desc = "Action matches approval criteria"
		}
		return "Approval required: " + desc, true
	}
	return "", false
}

func (e *Enforcer) checkTimeWindow(ctx context.Context, p domain.Policy, c timeWindowConditions, now time.Time) (string, bool, error) {
	if len(c.AllowedHours) == 0 {
		return "", false, nil
	}
	loc, err := loadLocation(c.Timezone)
	if err != nil {
		e.logger.Warn("unknown policy timezone", logging.With(ctx, zap.String("policy", p.ID), zap.Error(err))...)
		loc = time.UTC
	}
	hour := now.In(loc).Hour()
	hours := make([]string, len(c.AllowedHours))
	for i, h := range c.AllowedHours {
		if h == hour {
			return "", false, nil
		}
		hours[i] = strconv.Itoa(h)
	}
	return fmt.Sprintf("Action not allowed at this time (hour %d). Allowed hours: %s", hour, strings.Join(hours, ", ")), true, nil
}

func (e *Enforcer) checkCustom(ctx context.Context, p domain.Policy, c customConditions, in Input, now time.Time) (string, bool, error) {
	action := in.Action
	if action == nil {
		action = map[string]any{}
	}
	matched, err := e.cel.Eval(c.Expression, map[string]any{
		"owner":       in.OwnerID,
		"agent":       in.AgentID,
		"project":     in.ProjectID,
		"environment": in.Environment,
		"action":      action,
		"hour":        int64(now.Hour()),
	})
	if err != nil {
		e.logger.Warn("custom policy evaluation failed", logging.With(ctx, zap.String("policy", p.ID), zap.Error(err))...)
		return "", false, nil
	}
	if !matched {
		return "", false, nil
	}
	return "Custom policy condition matched", true, nil
}

// actionText is the lowercased JSON form that substring rules match on.
func actionText(action map[string]any) string {
	data, err := json.Marshal(action)
	if err != nil {
		return ""
	}
	return strings.ToLower(string(data))
}

func (e *Enforcer) record(ctx context.Context, p domain.Policy, in Input, reason string, now time.Time) error {
	v := domain.Violation{
		PolicyID:  p.ID,
		OwnerID:   in.OwnerID,
		ProjectID: in.ProjectID,
		Reason:    reason,
	}
	ts := domain.FormatTime(now)
	if p.Action == domain.ActionBlock || p.Action == domain.ActionRequireApproval {
		v.BlockedAction = &domain.BlockedAction{
			ID:          uuid.NewString(),
			OwnerID:     in.OwnerID,
			PolicyID:    p.ID,
			AgentID:     in.AgentID,
			Action:      in.Action,
			Reason:      reason,
			Environment: in.Environment,
			Status:      domain.BlockedPending,
			CreatedAt:   ts,
		}
		if in.Environment == domain.EnvProduction {
			v.Notification = &domain.Notification{
				ID:        uuid.NewString(),
				OwnerID:   in.OwnerID,
				Type:      "blocked_action",
				Title:     "Action Blocked by Policy",
				Message:   fmt.Sprintf("Policy %q blocked an action: %s", p.Name, reason),
				Link:      e.link,
				CreatedAt: ts,
			}
		}
	}
	if err := e.store.RecordViolation(ctx, v); err != nil {
		return err
	}
	if v.Notification != nil && e.notifier != nil {
		if err := e.notifier.PublishNotification(ctx, *v.Notification); err != nil {
			e.logger.Warn("publish notification failed", logging.With(ctx, zap.String("notification", v.Notification.ID), zap.Error(err))...)
		}
	}
	return nil
}
