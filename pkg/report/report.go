// Copyright (c) Ken Bannister
// SPDX-License-Identifier: MPL-2.0

// Package report collects per-case results and renders the run
// summary as colorized text or JSON.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
)

var (
	// passStyle renders passing outcomes.
	passStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("2"))

	// failStyle renders failing outcomes.
	failStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("1"))

	// errorStyle renders cases that could not complete.
	errorStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("3"))

	// dimStyle renders durations and other secondary detail.
	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))
)

// Outcome classifies a case result.
type Outcome int

const (
	// Pass means the response satisfied the expectation.
	Pass Outcome = iota
	// Fail means a response arrived but did not match.
	Fail
	// Error means the case could not complete: timeout, socket
	// failure, or run abort.
	Error
)

var outcomeNames = [...]string{"PASS", "FAIL", "ERROR"}

func (o Outcome) String() string {
	if int(o) < len(outcomeNames) {
		return outcomeNames[o]
	}
	return fmt.Sprintf("Outcome(%d)", int(o))
}

// MarshalJSON renders the outcome as a lowercase string.
func (o Outcome) MarshalJSON() ([]byte, error) {
	switch o {
	case Pass:
		return []byte(`"pass"`), nil
	case Fail:
		return []byte(`"fail"`), nil
	default:
		return []byte(`"error"`), nil
	}
}

// Result is the outcome of one case.
type Result struct {
	Case     string        `json:"name"`
	Outcome  Outcome       `json:"outcome"`
	Detail   string        `json:"detail,omitempty"`
	Code     string        `json:"code,omitempty"`
	Retries  int           `json:"retries,omitempty"`
	Duration time.Duration `json:"-"`
}

// Report accumulates results for one run.
type Report struct {
	Scenario string
	RunID    string
	Target   string
	Started  time.Time

	mu      sync.Mutex
	results []Result
}

// New creates an empty report.
func New(scenario, runID, target string) *Report {
	return &Report{
		Scenario: scenario,
		RunID:    runID,
		Target:   target,
		Started:  time.Now(),
	}
}

// Add appends a case result. Safe for concurrent use.
func (r *Report) Add(res Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, res)
}

// Results returns a copy of the collected results.
func (r *Report) Results() []Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Result, len(r.results))
	copy(out, r.results)
	return out
}

// Counts tallies results by outcome.
func (r *Report) Counts() (pass, fail, errs int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, res := range r.results {
		switch res.Outcome {
		case Pass:
			pass++
		case Fail:
			fail++
		default:
			errs++
		}
	}
	return pass, fail, errs
}

// ExitCode maps the run outcome to a process exit code: 0 when every
// case passed, 1 otherwise. Configuration failures exit 2 before a
// report exists.
func (r *Report) ExitCode() int {
	_, fail, errs := r.Counts()
	if fail == 0 && errs == 0 {
		return 0
	}
	return 1
}

// WriteText renders one line per case and a closing summary. With
// color enabled, outcomes are styled for terminals.
func (r *Report) WriteText(w io.Writer, color bool) {
	results := r.Results()

	render := func(style lipgloss.Style, s string) string {
		if !color {
			return s
		}
		return style.Render(s)
	}

	for _, res := range results {
		var label string
		switch res.Outcome {
		case Pass:
			label = render(passStyle, "PASS ")
		case Fail:
			label = render(failStyle, "FAIL ")
		default:
			label = render(errorStyle, "ERROR")
		}

		line := fmt.Sprintf("%s %s", label, res.Case)
		if res.Detail != "" {
			line += ": " + res.Detail
		}

		var extra string
		if res.Code != "" {
			extra = res.Code + ", "
		}
		extra += formatDuration(res.Duration)
		if res.Retries > 0 {
			extra += fmt.Sprintf(", %d retries", res.Retries)
		}
		line += " " + render(dimStyle, "("+extra+")")

		fmt.Fprintln(w, line)
	}

	pass, fail, errs := r.Counts()
	summary := fmt.Sprintf("%s: %d passed, %d failed, %d errors in %s",
		r.Scenario, pass, fail, errs, formatDuration(time.Since(r.Started)))
	fmt.Fprintf(w, "\n%s\n", summary)
}

type jsonReport struct {
	Scenario   string       `json:"scenario"`
	RunID      string       `json:"run_id"`
	Target     string       `json:"target"`
	Started    time.Time    `json:"started"`
	DurationMS float64      `json:"duration_ms"`
	Cases      []jsonResult `json:"cases"`
	Summary    jsonSummary  `json:"summary"`
}

type jsonResult struct {
	Result
	DurationMS float64 `json:"duration_ms"`
}

type jsonSummary struct {
	Pass  int `json:"pass"`
	Fail  int `json:"fail"`
	Error int `json:"error"`
	Total int `json:"total"`
}

// WriteJSON renders the full report as a single JSON document.
func (r *Report) WriteJSON(w io.Writer) error {
	results := r.Results()
	pass, fail, errs := r.Counts()

	cases := make([]jsonResult, len(results))
	for i, res := range results {
		cases[i] = jsonResult{
			Result:     res,
			DurationMS: float64(res.Duration) / float64(time.Millisecond),
		}
	}

	doc := jsonReport{
		Scenario:   r.Scenario,
		RunID:      r.RunID,
		Target:     r.Target,
		Started:    r.Started,
		DurationMS: float64(time.Since(r.Started)) / float64(time.Millisecond),
		Cases:      cases,
		Summary:    jsonSummary{Pass: pass, Fail: fail, Error: errs, Total: len(results)},
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(doc)
}

func formatDuration(d time.Duration) string {
	if d < time.Millisecond {
		return "<1ms"
	}
	return d.Round(time.Millisecond).String()
}
