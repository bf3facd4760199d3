package model

import (
	"slices"
	"time"
)

type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transition is possible from s.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// CanTransition reports whether the job state machine permits from -> to.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusQueued:
		return to == StatusRunning || to == StatusCancelled
	case StatusRunning:
		return to == StatusCompleted || to == StatusFailed || to == StatusCancelled
	}
	return false
}

// Sources returns every state from which a transition to s is allowed.
func Sources(to Status) []Status {
	var ret []Status
	for _, from := range []Status{StatusQueued, StatusRunning} {
		if CanTransition(from, to) {
			ret = append(ret, from)
		}
	}
	return ret
}

type ExitStatus string

const (
	ExitOK      ExitStatus = "ok"
	ExitError   ExitStatus = "error"
	ExitTimeout ExitStatus = "timeout"
	ExitKilled  ExitStatus = "killed"
)

// ToolRequest asks for one registry tool with operator supplied parameters.
// Parameter values are strings or integers.
type ToolRequest struct {
	ToolID     string         `json:"toolId" yaml:"tool"`
	Parameters map[string]any `json:"parameters,omitempty" yaml:"parameters,omitempty"`
}

type Job struct {
	ID             string        `json:"id"`
	Target         Target        `json:"target"`
	ProfileName    string        `json:"profileName,omitempty"`
	Requester      string        `json:"requester,omitempty"`
	IdempotencyKey string        `json:"idempotencyKey,omitempty"`
	ToolRequests   []ToolRequest `json:"toolRequests"`
	Status         Status        `json:"status"`
	CreatedAt      time.Time     `json:"createdAt"`
	StartedAt      *time.Time    `json:"startedAt,omitempty"`
	EndedAt        *time.Time    `json:"endedAt,omitempty"`
	Results        []ToolResult  `json:"results"`
	Error          string        `json:"error,omitempty"`
}

// Pending returns the tool ids of requests that have no result yet.
func (j Job) Pending() []string {
	if len(j.Results) >= len(j.ToolRequests) {
		return nil
	}
	ret := make([]string, 0, len(j.ToolRequests)-len(j.Results))
	for _, r := range j.ToolRequests[len(j.Results):] {
		ret = append(ret, r.ToolID)
	}
	return ret
}

type ToolResult struct {
	ToolID     string     `json:"toolId"`
	RawOutput  string     `json:"rawOutput"`
	Findings   []Finding  `json:"findings"`
	StartedAt  time.Time  `json:"startedAt"`
	EndedAt    time.Time  `json:"endedAt"`
	ExitStatus ExitStatus `json:"exitStatus"`
	ExitCode   int        `json:"exitCode"`
	Error      string     `json:"error,omitempty"`
}

// JobStatus is the lightweight view returned by status queries.
type JobStatus struct {
	ID            string     `json:"id"`
	Status        Status     `json:"status"`
	StartedAt     *time.Time `json:"startedAt,omitempty"`
	EndedAt       *time.Time `json:"endedAt,omitempty"`
	Error         string     `json:"error,omitempty"`
	ResultsCount  int        `json:"resultsCount"`
	ToolCount     int        `json:"toolCount"`
	CurrentTool   string     `json:"currentTool,omitempty"`
	PartialOutput string     `json:"partialOutput,omitempty"`
}

type JobSummary struct {
	ID           string     `json:"id"`
	Target       string     `json:"target"`
	ProfileName  string     `json:"profileName,omitempty"`
	Requester    string     `json:"requester,omitempty"`
	Status       Status     `json:"status"`
	CreatedAt    time.Time  `json:"createdAt"`
	StartedAt    *time.Time `json:"startedAt,omitempty"`
	EndedAt      *time.Time `json:"endedAt,omitempty"`
	Error        string     `json:"error,omitempty"`
	ToolCount    int        `json:"toolCount"`
	ResultsCount int        `json:"resultsCount"`
}

type Profile struct {
	Name         string        `json:"name" yaml:"name"`
	ToolRequests []ToolRequest `json:"toolRequests" yaml:"tools"`
}

// Clone returns a deep enough copy of the profile requests to be attached
// to a job without sharing parameter maps.
func (p Profile) Clone() []ToolRequest {
	ret := slices.Clone(p.ToolRequests)
	for i, r := range ret {
		if r.Parameters == nil {
			continue
		}
		params := make(map[string]any, len(r.Parameters))
		for k, v := range r.Parameters {
			params[k] = v
		}
		ret[i].Parameters = params
	}
	return ret
}

// SubmitRequest asks for a new job. ToolRequests take precedence over the
// tools of the named profile; ProfileName is kept as a label either way.
type SubmitRequest struct {
	Target         string        `json:"target"`
	ProfileName    string        `json:"profileName,omitempty"`
	ToolRequests   []ToolRequest `json:"toolRequests,omitempty"`
	Requester      string        `json:"-"`
	IdempotencyKey string        `json:"-"`
	// Client keys the rate limit, the remote address for HTTP submissions.
	// Requester is used when empty.
	Client string `json:"-"`
}
