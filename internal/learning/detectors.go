package learning

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"dracanus/internal/domain"
)

const fastThresholdMs = 5000

// Pattern is one detector finding before it is persisted.
type Pattern struct {
	Type               string
	Pattern            map[string]any
	Insight            string
	Confidence         float64
	SourceExecutionIDs []string
}

// Confidence grows linearly with the sample size and saturates at 1 once n
// reaches saturation.
func Confidence(n, saturation int) float64 {
	if n <= 0 || saturation <= 0 {
		return 0
	}
	return math.Min(float64(n)/float64(saturation), 1)
}

// Detect runs every detector over execs in a fixed order.
func Detect(execs []domain.Execution) []Pattern {
	var out []Pattern
	out = append(out, successPatterns(execs)...)
	out = append(out, failurePatterns(execs)...)
	out = append(out, performanceTips(execs)...)
	out = append(out, routingPreferences(execs)...)
	out = append(out, policyTriggers(execs)...)
	return out
}

// group buckets execs by key, keeping keys in first-seen order.
type group struct {
	keys    []string
	buckets map[string][]domain.Execution
}

func groupBy(execs []domain.Execution, key func(domain.Execution) string) group {
	g := group{buckets: map[string][]domain.Execution{}}
	for _, e := range execs {
		k := key(e)
		if _, ok := g.buckets[k]; !ok {
			g.keys = append(g.keys, k)
		}
		g.buckets[k] = append(g.buckets[k], e)
	}
	return g
}

func filter(execs []domain.Execution, keep func(domain.Execution) bool) []domain.Execution {
	var out []domain.Execution
	for _, e := range execs {
		if keep(e) {
			out = append(out, e)
		}
	}
	return out
}

func byAgent(e domain.Execution) string { return e.AgentID }

func ids(execs []domain.Execution) []string {
	out := make([]string, len(execs))
	for i, e := range execs {
		out[i] = e.ID
	}
	return out
}

func duration(e domain.Execution) int64 {
	if e.DurationMs == nil {
		return 0
	}
	return *e.DurationMs
}

func meanDuration(execs []domain.Execution) float64 {
	if len(execs) == 0 {
		return 0
	}
	var sum int64
	for _, e := range execs {
		sum += duration(e)
	}
	return float64(sum) / float64(len(execs))
}

func percentOf(n, total int) float64 {
	return float64(n) / float64(total) * 100
}

func successPatterns(all []domain.Execution) []Pattern {
	fast := filter(all, func(e domain.Execution) bool {
		d := duration(e)
		return e.Status == domain.ExecCompleted && d > 0 && d < fastThresholdMs
	})
	if len(fast) < 3 {
		return nil
	}
	var out []Pattern
	g := groupBy(fast, byAgent)
	for _, agentID := range g.keys {
		execs := g.buckets[agentID]
		if len(execs) < 3 {
			continue
		}
		avg := meanDuration(execs)
		rate := percentOf(len(execs), len(all))
		out = append(out, Pattern{
			Type: domain.LearningSuccessPattern,
			Pattern: map[string]any{
				"agent_id":        agentID,
				"avg_duration_ms": avg,
				"success_rate":    rate,
				"sample_size":     len(execs),
			},
			Insight:            fmt.Sprintf("Agent performs well with %.0f%% success rate and avg %dms execution time", rate, int64(math.Round(avg))),
			Confidence:         Confidence(len(execs), 10),
			SourceExecutionIDs: ids(execs),
		})
	}
	return out
}

// normalizeError keeps the text before the first colon, lower-cased.
func normalizeError(msg string) string {
	head, _, _ := strings.Cut(msg, ":")
	return strings.ToLower(strings.TrimSpace(head))
}

func failurePatterns(all []domain.Execution) []Pattern {
	failed := filter(all, func(e domain.Execution) bool { return e.Status == domain.ExecFailed })
	if len(failed) < 2 {
		return nil
	}
	withError := filter(failed, func(e domain.Execution) bool { return e.Error != "" })
	var out []Pattern
	g := groupBy(withError, func(e domain.Execution) string { return normalizeError(e.Error) })
	for _, errorType := range g.keys {
		execs := g.buckets[errorType]
		if len(execs) < 2 {
			continue
		}
		rate := percentOf(len(execs), len(all))
		out = append(out, Pattern{
			Type: domain.LearningFailurePattern,
			Pattern: map[string]any{
				"error_type":      errorType,
				"failure_rate":    rate,
				"occurrences":     len(execs),
				"affected_agents": groupBy(execs, byAgent).keys,
			},
			Insight:            fmt.Sprintf("Recurring failure: %q (%d times, %.0f%% of executions)", errorType, len(execs), rate),
			Confidence:         Confidence(len(execs), 5),
			SourceExecutionIDs: ids(execs),
		})
	}
	return out
}

func performanceTips(all []domain.Execution) []Pattern {
	completed := filter(all, func(e domain.Execution) bool {
		return e.Status == domain.ExecCompleted && duration(e) > 0
	})
	if len(completed) < 5 {
		return nil
	}
	mean := meanDuration(completed)
	slow := filter(completed, func(e domain.Execution) bool { return float64(duration(e)) > mean*2 })
	if len(slow) < 2 {
		return nil
	}
	var out []Pattern
	g := groupBy(slow, byAgent)
	for _, agentID := range g.keys {
		execs := g.buckets[agentID]
		if len(execs) < 2 {
			continue
		}
		avgSlow := meanDuration(execs)
		out = append(out, Pattern{
			Type: domain.LearningPerformanceTip,
			Pattern: map[string]any{
				"agent_id":        agentID,
				"avg_duration_ms": avgSlow,
				"occurrences":     len(execs),
			},
			Insight: fmt.Sprintf("Agent is slower than average (%dms vs %dms). Consider optimizing or using a different agent.",
				int64(math.Round(avgSlow)), int64(math.Round(mean))),
			Confidence:         Confidence(len(execs), 5),
			SourceExecutionIDs: ids(execs),
		})
	}
	return out
}

func routingPreferences(all []domain.Execution) []Pattern {
	completed := filter(all, func(e domain.Execution) bool { return e.Status == domain.ExecCompleted })
	if len(completed) < 5 {
		return nil
	}
	g := groupBy(completed, byAgent)
	ranked := append([]string(nil), g.keys...)
	sort.SliceStable(ranked, func(i, j int) bool {
		return len(g.buckets[ranked[i]]) > len(g.buckets[ranked[j]])
	})
	if len(ranked) > 3 {
		ranked = ranked[:3]
	}
	var out []Pattern
	for _, agentID := range ranked {
		execs := g.buckets[agentID]
		rate := percentOf(len(execs), len(all))
		if rate <= 20 {
			continue
		}
		out = append(out, Pattern{
			Type: domain.LearningRoutingPreference,
			Pattern: map[string]any{
				"agent_id":   agentID,
				"usage_rate": rate,
				"executions": len(execs),
			},
			Insight:            fmt.Sprintf("Agent is your most-used agent (%.0f%% of executions). Consider optimizing workflows around it.", rate),
			Confidence:         Confidence(len(execs), 10),
			SourceExecutionIDs: ids(execs),
		})
	}
	return out
}

func policyTriggers(all []domain.Execution) []Pattern {
	blocked := filter(all, func(e domain.Execution) bool { return e.Status == domain.ExecBlocked })
	if len(blocked) < 2 {
		return nil
	}
	var out []Pattern
	g := groupBy(blocked, func(e domain.Execution) string { return e.BlockedBy })
	for _, policyID := range g.keys {
		execs := g.buckets[policyID]
		if policyID == "" || len(execs) < 2 {
			continue
		}
		rate := percentOf(len(execs), len(all))
		out = append(out, Pattern{
			Type: domain.LearningPolicyTrigger,
			Pattern: map[string]any{
				"policy_id":   policyID,
				"block_rate":  rate,
				"occurrences": len(execs),
			},
			Insight: fmt.Sprintf("Policy frequently blocks actions (%d times, %.0f%% of executions). Consider adjusting policy rules.",
				len(execs), rate),
			Confidence:         Confidence(len(execs), 5),
			SourceExecutionIDs: ids(execs),
		})
	}
	return out
}

// pluralityAgent returns the agent most frequent among the source
// executions; ties go to the agent seen first.
func pluralityAgent(sourceIDs []string, all []domain.Execution) string {
	wanted := make(map[string]bool, len(sourceIDs))
	for _, id := range sourceIDs {
		wanted[id] = true
	}
	g := groupBy(filter(all, func(e domain.Execution) bool { return wanted[e.ID] }), byAgent)
	best := ""
	for _, agentID := range g.keys {
		if best == "" || len(g.buckets[agentID]) > len(g.buckets[best]) {
			best = agentID
		}
	}
	return best
}
