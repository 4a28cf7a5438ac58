// SPDX-License-Identifier: Apache-2.0

// Package metrics aggregates execution outcomes per playbook: usage
// counts, success rate, duration, daily trend, and common failure points.
package metrics

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kusari-oss/runbook/internal/core/models"
)

// Stats summarizes one playbook's execution history.
type Stats struct {
	PlaybookID      string        `json:"playbook_id"`
	PlaybookName    string        `json:"playbook_name,omitempty"`
	ExecutionCount  int           `json:"execution_count"`
	SuccessRate     float64       `json:"success_rate"`
	AverageDuration time.Duration `json:"average_duration"`
}

// TrendPoint is one day's execution count.
type TrendPoint struct {
	Date  string `json:"date"` // YYYY-MM-DD
	Count int    `json:"count"`
}

// FailurePoint identifies a step and error pattern that keeps failing.
type FailurePoint struct {
	PlaybookID   string `json:"playbook_id"`
	StepID       string `json:"step_id"`
	ErrorPattern string `json:"error_pattern"`
	Count        int    `json:"count"`
}

type failureKey struct {
	playbookID string
	stepID     string
	pattern    string
}

type playbookStats struct {
	name          string
	count         int
	successes     int
	totalDuration time.Duration
	byDay         map[string]int
}

// Tracker accumulates metrics in memory. Record is called once per
// terminal execution.
type Tracker struct {
	mu        sync.Mutex
	playbooks map[string]*playbookStats
	failures  map[failureKey]int
}

// NewTracker creates a metrics tracker.
func NewTracker() *Tracker {
	return &Tracker{
		playbooks: make(map[string]*playbookStats),
		failures:  make(map[failureKey]int),
	}
}

// Record folds a terminal execution into the aggregates. Completed
// executions count as successes; failed, cancelled, and rolled-back do
// not. Failed step results feed the failure-point table.
func (t *Tracker) Record(exec *models.Execution) {
	if !exec.Status.Terminal() {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	stats, ok := t.playbooks[exec.PlaybookID]
	if !ok {
		stats = &playbookStats{
			name:  exec.PlaybookName,
			byDay: make(map[string]int),
		}
		t.playbooks[exec.PlaybookID] = stats
	}

	stats.count++
	if exec.Status == models.ExecutionStatusCompleted {
		stats.successes++
	}
	stats.totalDuration += exec.Duration()
	stats.byDay[exec.CreatedAt.Format("2006-01-02")]++

	for stepID, result := range exec.StepResults {
		if result.Status != models.StepStatusFailed {
			continue
		}
		key := failureKey{
			playbookID: exec.PlaybookID,
			stepID:     stepID,
			pattern:    errorPattern(result.Error),
		}
		t.failures[key]++
	}
}

// Snapshot returns the aggregate stats for one playbook.
func (t *Tracker) Snapshot(playbookID string) (Stats, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	stats, ok := t.playbooks[playbookID]
	if !ok {
		return Stats{}, false
	}
	return t.statsLocked(playbookID, stats), true
}

// MostUsed returns the n playbooks with the most executions, descending.
func (t *Tracker) MostUsed(n int) []Stats {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Stats, 0, len(t.playbooks))
	for id, stats := range t.playbooks {
		out = append(out, t.statsLocked(id, stats))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ExecutionCount != out[j].ExecutionCount {
			return out[i].ExecutionCount > out[j].ExecutionCount
		}
		return out[i].PlaybookID < out[j].PlaybookID
	})
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

// TrendByDay returns daily execution counts for a playbook, oldest first.
// An empty playbook id aggregates across all playbooks.
func (t *Tracker) TrendByDay(playbookID string) []TrendPoint {
	t.mu.Lock()
	defer t.mu.Unlock()

	totals := make(map[string]int)
	for id, stats := range t.playbooks {
		if playbookID != "" && id != playbookID {
			continue
		}
		for day, count := range stats.byDay {
			totals[day] += count
		}
	}

	out := make([]TrendPoint, 0, len(totals))
	for day, count := range totals {
		out = append(out, TrendPoint{Date: day, Count: count})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date < out[j].Date })
	return out
}

// CommonFailures returns the n most frequent step failure points.
func (t *Tracker) CommonFailures(n int) []FailurePoint {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]FailurePoint, 0, len(t.failures))
	for key, count := range t.failures {
		out = append(out, FailurePoint{
			PlaybookID:   key.playbookID,
			StepID:       key.stepID,
			ErrorPattern: key.pattern,
			Count:        count,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		if out[i].StepID != out[j].StepID {
			return out[i].StepID < out[j].StepID
		}
		return out[i].PlaybookID < out[j].PlaybookID
	})
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

func (t *Tracker) statsLocked(id string, stats *playbookStats) Stats {
	s := Stats{
		PlaybookID:     id,
		PlaybookName:   stats.name,
		ExecutionCount: stats.count,
	}
	if stats.count > 0 {
		s.SuccessRate = float64(stats.successes) / float64(stats.count)
		s.AverageDuration = stats.totalDuration / time.Duration(stats.count)
	}
	return s
}

// errorPattern normalizes an error string so transient details do not
// create one bucket per occurrence: first line only, capped length.
func errorPattern(msg string) string {
	if i := strings.IndexByte(msg, '\n'); i >= 0 {
		msg = msg[:i]
	}
	const maxLen = 120
	if len(msg) > maxLen {
		msg = msg[:maxLen]
	}
	return msg
}
