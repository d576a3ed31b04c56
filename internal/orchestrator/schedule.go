package orchestrator

import (
	"sort"

	"dracanus/internal/config"
	"dracanus/internal/domain"
)

// Schedule returns the execution order of jobs as indices.
//
// In dependency mode jobs run after the jobs they depend on; among ready
// jobs the higher priority goes first and ties keep list order. Jobs left
// in a cycle run last in priority order. Priority mode ignores
// dependencies.
func Schedule(jobs []domain.Job, mode string) []int {
	byPriority := make([]int, len(jobs))
	for i := range byPriority {
		byPriority[i] = i
	}
	sort.SliceStable(byPriority, func(a, b int) bool {
		return jobs[byPriority[a]].Priority > jobs[byPriority[b]].Priority
	})
	if mode == config.SchedulePriority {
		return byPriority
	}

	pending := make([]int, len(jobs))
	dependents := make([][]int, len(jobs))
	for i, j := range jobs {
		seen := map[int]bool{}
		for _, d := range j.Dependencies {
			if d < 0 || d >= len(jobs) || d == i || seen[d] {
				continue
			}
			seen[d] = true
			pending[i]++
			dependents[d] = append(dependents[d], i)
		}
	}

	order := make([]int, 0, len(jobs))
	done := make([]bool, len(jobs))
	for len(order) < len(jobs) {
		next := -1
		for _, i := range byPriority {
			if !done[i] && pending[i] == 0 {
				next = i
				break
			}
		}
		if next < 0 {
			// cycle
			for _, i := range byPriority {
				if !done[i] {
					order = append(order, i)
				}
			}
			return order
		}
		done[next] = true
		order = append(order, next)
		for _, d := range dependents[next] {
			pending[d]--
		}
	}
	return order
}
