package learning

import (
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"

	"dracanus/internal/domain"
)

func TestConfidenceProperties(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("confidence is within [0,1]", prop.ForAll(
		func(n, saturation int) bool {
			c := Confidence(n, saturation)
			return c >= 0 && c <= 1
		},
		gen.IntRange(-5, 500), gen.IntRange(1, 20),
	))

	properties.Property("confidence is monotonic in the sample size", prop.ForAll(
		func(n, extra, saturation int) bool {
			return Confidence(n, saturation) <= Confidence(n+extra, saturation)
		},
		gen.IntRange(0, 100), gen.IntRange(0, 100), gen.IntRange(1, 20),
	))

	properties.Property("confidence saturates at the threshold", prop.ForAll(
		func(extra, saturation int) bool {
			return Confidence(saturation+extra, saturation) == 1
		},
		gen.IntRange(0, 100), gen.IntRange(1, 20),
	))

	properties.Property("every detected pattern cites its sources", prop.ForAll(
		func(statuses []int) bool {
			execs := make([]domain.Execution, len(statuses))
			for i, s := range statuses {
				d := int64(100 + s*1000)
				execs[i] = domain.Execution{
					ID:         fmt.Sprint(i),
					AgentID:    fmt.Sprintf("agent-%d", s%3),
					Status:     []string{domain.ExecCompleted, domain.ExecFailed, domain.ExecBlocked}[s%3],
					Error:      "boom: x",
					BlockedBy:  "policy-1",
					DurationMs: &d,
				}
			}
			for _, p := range Detect(execs) {
				if len(p.SourceExecutionIDs) == 0 || p.Confidence <= 0 || p.Confidence > 1 {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, 8)),
	))

	properties.TestingRun(t)
}

func TestNormalizeError(t *testing.T) {
	cases := map[string]string{
		"Timeout: upstream":       "timeout",
		"  Rate Limited  : retry": "rate limited",
		"no colon":                "no colon",
		"":                        "",
		"a:b:c":                   "a",
	}
	for in, want := range cases {
		assert.Equal(t, want, normalizeError(in), in)
	}
}

func TestPluralityAgentTiesGoToFirstSeen(t *testing.T) {
	execs := []domain.Execution{
		{ID: "1", AgentID: "b"},
		{ID: "2", AgentID: "a"},
		{ID: "3", AgentID: "a"},
		{ID: "4", AgentID: "b"},
		{ID: "5", AgentID: "c"},
	}
	assert.Equal(t, "b", pluralityAgent([]string{"1", "2", "3", "4"}, execs))
	assert.Equal(t, "a", pluralityAgent([]string{"2", "3", "5"}, execs))
	assert.Equal(t, "", pluralityAgent([]string{"missing"}, execs))
}
