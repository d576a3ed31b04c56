package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"dracanus/internal/completion"
	"dracanus/internal/domain"
	"dracanus/internal/logging"
)

const defaultPriority = 5

var categoryDescriptions = map[string]string{
	domain.CategoryEmail:    "Send emails, draft email content, manage inbox",
	domain.CategoryCalendar: "Schedule meetings, check availability, manage events",
	domain.CategoryResearch: "Web research, data gathering, competitor analysis",
	domain.CategoryDocument: "Create/edit documents, generate reports, format content",
	domain.CategoryData:     "Analyze data, create visualizations, extract insights",
	domain.CategoryCode:     "Review code, generate code, debug issues",
	domain.CategorySupport:  "Customer support, ticket handling, FAQ responses",
	domain.CategoryWorkflow: "Automate workflows, integrate systems, trigger actions",
}

const decompositionSystem = "You split goals into tasks for specialized agents. Respond with JSON only."

// DecompositionPrompt renders the planning prompt for goal.
func DecompositionPrompt(goal string, goalContext map[string]any) string {
	var sb strings.Builder
	sb.WriteString("Break down this goal into specific, actionable tasks that can be handled by specialized AI agents.\n\n")
	fmt.Fprintf(&sb, "Goal: %s\n", goal)
	if len(goalContext) > 0 {
		data, _ := json.Marshal(goalContext)
		fmt.Fprintf(&sb, "Context: %s\n", data)
	}
	sb.WriteString("\nAvailable agent types:\n")
	for _, c := range domain.Categories {
		fmt.Fprintf(&sb, "- %s: %s\n", c, categoryDescriptions[c])
	}
	sb.WriteString(`
Return a JSON array of tasks, each with:
- agentType: which agent category should handle this
- task: specific task description
- priority: 1-10 (10 = highest)
- dependencies: array of task indices that must complete first (if any)

Example format:
[
  {"agentType": "RESEARCH", "task": "Research competitor pricing", "priority": 10, "dependencies": []},
  {"agentType": "DOCUMENT", "task": "Create pricing comparison report", "priority": 8, "dependencies": [0]}
]`)
	return sb.String()
}

// PlannedTask is one task as proposed by the decomposition backend.
type PlannedTask struct {
	AgentType    string   `json:"agentType"`
	Task         string   `json:"task"`
	Priority     *float64 `json:"priority"`
	Dependencies []int    `json:"dependencies"`
}

var errEmptyPlan = errors.New("decomposition returned no tasks")

// ParsePlan accepts a bare JSON array or an object wrapping it under
// "tasks" or "jobs".
func ParsePlan(content string) ([]PlannedTask, error) {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")
	content = strings.TrimSpace(content)

	var tasks []PlannedTask
	if strings.HasPrefix(content, "[") {
		if err := json.Unmarshal([]byte(content), &tasks); err != nil {
			return nil, fmt.Errorf("parse plan: %w", err)
		}
	} else {
		var wrapped struct {
			Tasks []PlannedTask `json:"tasks"`
			Jobs  []PlannedTask `json:"jobs"`
		}
		if err := json.Unmarshal([]byte(content), &wrapped); err != nil {
			return nil, fmt.Errorf("parse plan: %w", err)
		}
		tasks = wrapped.Tasks
		if len(tasks) == 0 {
			tasks = wrapped.Jobs
		}
	}
	if len(tasks) == 0 {
		return nil, errEmptyPlan
	}
	return tasks, nil
}

func clampPriority(p *float64) int {
	if p == nil {
		return defaultPriority
	}
	v := int(*p)
	if v < 1 {
		return 1
	}
	if v > 10 {
		return 10
	}
	return v
}

// decompose asks the decomposition backend for a plan. Any failure,
// including a plan that resolves to no agents, falls back to keyword
// routing. Only store errors are returned.
func (o *Orchestrator) decompose(ctx context.Context, req Request, agents []domain.Agent) ([]domain.Job, error) {
	jobs, err := o.plan(ctx, req, agents)
	if err == nil {
		return jobs, nil
	}
	o.logger.Info("decomposition failed, using keyword routing", logging.With(ctx, zap.Error(err))...)
	return o.keywordJobs(req.Goal, agents), nil
}

func (o *Orchestrator) plan(ctx context.Context, req Request, agents []domain.Agent) ([]domain.Job, error) {
	backend, ok := o.registry.Get(o.decompositionBackend)
	if !ok {
		return nil, fmt.Errorf("decomposition backend %s not available", o.decompositionBackend)
	}
	if !backend.Configured() {
		return nil, fmt.Errorf("decomposition backend %s: %w", o.decompositionBackend, completion.ErrNotConfigured)
	}
	resp, err := backend.Complete(ctx, completion.Request{
		System:      decompositionSystem,
		Prompt:      DecompositionPrompt(req.Goal, req.Context),
		Temperature: o.temperature,
		MaxTokens:   o.maxTokens,
		JSON:        true,
	})
	if err != nil {
		return nil, err
	}
	tasks, err := ParsePlan(resp.Content)
	if err != nil {
		return nil, err
	}

	jobs := make([]domain.Job, 0, len(tasks))
	keep := make([]bool, len(tasks))
	for i, t := range tasks {
		category := strings.ToUpper(strings.TrimSpace(t.AgentType))
		agent, ok := mostDeployed(agents, category)
		if !ok || strings.TrimSpace(t.Task) == "" {
			continue
		}
		keep[i] = true
		jobs = append(jobs, domain.Job{
			AgentID:      agent.ID,
			Category:     category,
			Task:         t.Task,
			Priority:     clampPriority(t.Priority),
			Dependencies: t.Dependencies,
		})
	}
	if len(jobs) == 0 {
		return nil, fmt.Errorf("no task in the plan resolved to an active agent")
	}
	return remapDependencies(jobs, keep), nil
}

// mostDeployed returns the first agent of category. agents is ordered by
// deployment count descending.
func mostDeployed(agents []domain.Agent, category string) (domain.Agent, bool) {
	for _, a := range agents {
		if a.Category == category {
			return a, true
		}
	}
	return domain.Agent{}, false
}

// keywordJobs emits one job per matched keyword rule, or a single job on
// the first active agent when nothing matches.
func (o *Orchestrator) keywordJobs(goal string, agents []domain.Agent) []domain.Job {
	lower := strings.ToLower(goal)
	jobs := []domain.Job{}
	for _, rule := range o.keywords {
		matched := false
		for _, term := range rule.Terms {
			if strings.Contains(lower, strings.ToLower(term)) {
				matched = true
				break
			}
		}
		if !matched {
			continue
		}
		if agent, ok := mostDeployed(agents, rule.Category); ok {
			jobs = append(jobs, domain.Job{AgentID: agent.ID, Category: agent.Category, Task: goal, Priority: defaultPriority, Dependencies: []int{}})
		}
	}
	if len(jobs) == 0 && len(agents) > 0 {
		jobs = append(jobs, domain.Job{AgentID: agents[0].ID, Category: agents[0].Category, Task: goal, Priority: defaultPriority, Dependencies: []int{}})
	}
	return jobs
}

// remapDependencies rewrites dependency indices of the kept entries of an
// original list onto their positions in jobs. References to dropped,
// out-of-range or self entries are removed.
func remapDependencies(jobs []domain.Job, keep []bool) []domain.Job {
	pos := make([]int, len(keep))
	next := 0
	for i, k := range keep {
		pos[i] = -1
		if k {
			pos[i] = next
			next++
		}
	}
	for i := range jobs {
		deps := []int{}
		for _, d := range jobs[i].Dependencies {
			if d < 0 || d >= len(pos) || pos[d] < 0 || pos[d] == i {
				continue
			}
			deps = append(deps, pos[d])
		}
		jobs[i].Dependencies = deps
	}
	return jobs
}
