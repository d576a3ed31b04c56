package policy_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dracanus/internal/domain"
	"dracanus/internal/policy"
)

func TestValidateConditions(t *testing.T) {
	cases := []struct {
		name       string
		policyType string
		conditions map[string]any
		ok         bool
	}{
		{"rate limit", domain.PolicyRateLimit, map[string]any{"limit": 3, "window": "hour"}, true},
		{"rate limit zero", domain.PolicyRateLimit, map[string]any{"limit": 0, "window": "hour"}, false},
		{"rate limit bad window", domain.PolicyRateLimit, map[string]any{"limit": 3, "window": "year"}, false},
		{"budget", domain.PolicyBudgetLimit, map[string]any{"limit": 10.5, "window": "month"}, true},
		{"content needs a list", domain.PolicyContentFilter, map[string]any{}, false},
		{"content whitelist", domain.PolicyContentFilter, map[string]any{"whitelist": []string{"ok"}}, true},
		{"approval empty", domain.PolicyApprovalRequired, map[string]any{"triggers": []any{}}, false},
		{"approval", domain.PolicyApprovalRequired, map[string]any{"triggers": []any{map[string]any{"pattern": "wire"}}}, true},
		{"hours out of range", domain.PolicyTimeWindow, map[string]any{"allowed_hours": []int{24}}, false},
		{"bad timezone", domain.PolicyTimeWindow, map[string]any{"allowed_hours": []int{9}, "timezone": "Mars/Olympus"}, false},
		{"time window", domain.PolicyTimeWindow, map[string]any{"allowed_hours": []int{9, 17}, "timezone": "Europe/Paris"}, true},
		{"custom", domain.PolicyCustom, map[string]any{"expression": "hour > 3"}, true},
		{"unknown type", "MAGIC", map[string]any{}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := policy.ValidateConditions(tc.policyType, tc.conditions)
			if tc.ok {
				assert.NoError(t, err)
				return
			}
			var ce *policy.ConditionError
			require.True(t, errors.As(err, &ce), "got %v", err)
			assert.Equal(t, tc.policyType, ce.Type)
		})
	}
}

func TestValidateCompilesCustomExpressions(t *testing.T) {
	enf, err := policy.NewEnforcer(nil, policy.Options{})
	require.NoError(t, err)
	bad := domain.Policy{Type: domain.PolicyCustom, Conditions: map[string]any{"expression": "action.task +"}}
	assert.Error(t, enf.Validate(bad))
	notBool := domain.Policy{Type: domain.PolicyCustom, Conditions: map[string]any{"expression": "hour + 1"}}
	assert.Error(t, enf.Validate(notBool))
}

func TestWindowStart(t *testing.T) {
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, now.Add(-time.Hour), policy.WindowStart("hour", now))
	assert.Equal(t, now.AddDate(0, 0, -7), policy.WindowStart("week", now))
	assert.Equal(t, now.AddDate(0, 0, -30), policy.WindowStart("month", now))
	assert.Equal(t, now.AddDate(0, 0, -1), policy.WindowStart("fortnight", now), "unknown windows default to a day")
}

func TestCELEvaluatorCachesPrograms(t *testing.T) {
	c, err := policy.NewCELEvaluator()
	require.NoError(t, err)
	vars := map[string]any{
		"owner": "u", "agent": "a", "project": "", "environment": "sandbox",
		"action": map[string]any{"task": "hello"}, "hour": int64(9),
	}
	for i := 0; i < 2; i++ {
		ok, err := c.Eval(`action.task.startsWith("he") && hour < 10`, vars)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	_, err = c.Eval(`action.missing == 1`, vars)
	assert.Error(t, err, "missing keys are evaluation errors")
}
