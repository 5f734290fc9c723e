// Package store implements the hybrid persistence layer: a human-editable
// YAML config file holding job definitions, and an embedded SQLite database
// holding runtime state and run history. See config_store.go, state_store.go
// and store.go for the three pieces; this file holds the shared data model.
package store

import (
	"github.com/google/uuid"
	"github.com/nextlevelbuilder/jobkeep/internal/schedule"
)

// NewRunID mints a time-ordered id for a JobRun, matching the UUIDv7 ids
// jobs themselves get. Falls back to a random v4 in the extremely rare
// case the v7 generator errors, since a run record still needs an id.
func NewRunID() string {
	if id, err := uuid.NewV7(); err == nil {
		return id.String()
	}
	return uuid.NewString()
}

// JobStatus is the lifecycle status of a job.
type JobStatus string

const (
	StatusPending   JobStatus = "pending"
	StatusActive    JobStatus = "active"
	StatusPaused    JobStatus = "paused"
	StatusCompleted JobStatus = "completed"
	StatusFailed    JobStatus = "failed"
)

// RunStatus is the outcome of a single job run.
type RunStatus string

const (
	RunOK      RunStatus = "ok"
	RunFailed  RunStatus = "failed"
	RunSkipped RunStatus = "skipped"
	RunTimeout RunStatus = "timeout"
)

// SessionTargetKind selects how a due job is dispatched.
type SessionTargetKind string

const (
	TargetMain     SessionTargetKind = "main"
	TargetIsolated SessionTargetKind = "isolated"
)

// SessionTarget controls where and how a job's payload is delivered.
type SessionTarget struct {
	Kind SessionTargetKind `json:"kind" yaml:"kind"`

	// TriggerHeartbeat, for Kind=main, asks the host to wake the live
	// session's agent loop after the system-event envelope is injected.
	TriggerHeartbeat bool `json:"triggerHeartbeat,omitempty" yaml:"triggerHeartbeat,omitempty"`

	// ReportToMain, for Kind=isolated, asks the host to relay the isolated
	// run's result back into the user's main session.
	ReportToMain bool `json:"reportToMain,omitempty" yaml:"reportToMain,omitempty"`
}

// DefaultSessionTarget is used when a job definition omits target.
func DefaultSessionTarget() SessionTarget {
	return SessionTarget{Kind: TargetIsolated, TriggerHeartbeat: true, ReportToMain: true}
}

// PayloadKind discriminates the Payload variant.
type PayloadKind string

const (
	PayloadSystemEvent PayloadKind = "system_event"
	PayloadAgentTurn   PayloadKind = "agent_turn"
	PayloadWebhook     PayloadKind = "webhook"
	PayloadTaskChain   PayloadKind = "task_chain"
)

// Payload describes what a job does when triggered. It is a tagged struct
// discriminated by Kind rather than an interface hierarchy — the
// representation round-trips through YAML/JSON as one flat object.
type Payload struct {
	Kind PayloadKind `json:"kind" yaml:"kind"`

	// SystemEvent: fire-and-forget notification.
	Message string `json:"message,omitempty" yaml:"message,omitempty"`
	Channel string `json:"channel,omitempty" yaml:"channel,omitempty"`
	ChatID  string `json:"chatId,omitempty" yaml:"chatId,omitempty"`

	// AgentTurn: run the agent, optionally notify the result.
	Prompt         string         `json:"prompt,omitempty" yaml:"prompt,omitempty"`
	AgentID        string         `json:"agentId,omitempty" yaml:"agentId,omitempty"`
	Context        map[string]any `json:"context,omitempty" yaml:"context,omitempty"`
	NotifyChannel  string         `json:"notifyChannel,omitempty" yaml:"notifyChannel,omitempty"`
	NotifyChatID   string         `json:"notifyChatId,omitempty" yaml:"notifyChatId,omitempty"`
	TimeoutSeconds int            `json:"timeoutSeconds,omitempty" yaml:"timeoutSeconds,omitempty"`

	// Webhook: HTTP call. TimeoutSeconds above is shared with AgentTurn.
	URL     string            `json:"url,omitempty" yaml:"url,omitempty"`
	Method  string            `json:"method,omitempty" yaml:"method,omitempty"`
	Headers map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
	Body    map[string]any    `json:"body,omitempty" yaml:"body,omitempty"`

	// TaskChain: valid only inside a job's OnComplete list.
	NextJobID string      `json:"nextJobId,omitempty" yaml:"nextJobId,omitempty"`
	OnStatus  []RunStatus `json:"onStatus,omitempty" yaml:"onStatus,omitempty"`
}

// JobDefinition is the config-file schema: everything a human may edit.
// Runtime state (status, next_run_at_ms, run counts, ...) never lives here.
type JobDefinition struct {
	ID          string `json:"id" yaml:"id"`
	UserID      string `json:"userId,omitempty" yaml:"userId,omitempty"`
	AgentID     string `json:"agentId,omitempty" yaml:"agentId,omitempty"`
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	Enabled     bool   `json:"enabled" yaml:"enabled"`

	Schedule schedule.Schedule `json:"schedule" yaml:"schedule"`
	Payload  Payload           `json:"payload" yaml:"payload"`
	Target   SessionTarget     `json:"target" yaml:"target"`

	MaxRetries   int   `json:"maxRetries,omitempty" yaml:"maxRetries,omitempty"`
	RetryDelayMS int64 `json:"retryDelayMs,omitempty" yaml:"retryDelayMs,omitempty"`

	OnComplete []Payload `json:"onComplete,omitempty" yaml:"onComplete,omitempty"`

	// Extra preserves config-file keys this schema doesn't recognize, so a
	// human hand-editing scheduler.yaml doesn't lose a field the next time
	// Save rewrites the file.
	Extra map[string]any `json:"-" yaml:",inline"`
}

// EffectiveAgentID returns AgentID, defaulting to "main".
func (d JobDefinition) EffectiveAgentID() string {
	if d.AgentID == "" {
		return "main"
	}
	return d.AgentID
}

// EffectiveMaxRetries returns MaxRetries, defaulting to 3.
func (d JobDefinition) EffectiveMaxRetries() int {
	if d.MaxRetries <= 0 {
		return 3
	}
	return d.MaxRetries
}

// EffectiveRetryDelayMS returns RetryDelayMS, defaulting to 60000.
func (d JobDefinition) EffectiveRetryDelayMS() int64 {
	if d.RetryDelayMS <= 0 {
		return 60_000
	}
	return d.RetryDelayMS
}

// JobState is the runtime-state-DB schema: everything the scheduler itself
// owns and mutates. Never hand-edited.
type JobState struct {
	JobID               string    `db:"job_id"`
	Status              JobStatus `db:"status"`
	NextRunAtMS         *int64    `db:"next_run_at_ms"`
	LastRunAtMS         *int64    `db:"last_run_at_ms"`
	LastStatus          string    `db:"last_status"`
	RunCount            int       `db:"run_count"`
	FailureCount        int       `db:"failure_count"`
	ConsecutiveFailures int       `db:"consecutive_failures"`
	LastError           string    `db:"last_error"`
	CreatedAtMS         int64     `db:"created_at_ms"`
	UpdatedAtMS         int64     `db:"updated_at_ms"`
}

// Job is the combined view returned to callers: a definition plus its
// current runtime state.
type Job struct {
	JobDefinition
	State JobState `json:"state" yaml:"-"`
}

// Status is a convenience accessor for the job's current lifecycle status.
func (j Job) Status() JobStatus { return j.State.Status }

// Armed reports whether the timer may select this job.
func (j Job) Armed() bool {
	return j.Enabled && j.State.Status == StatusActive && j.State.NextRunAtMS != nil
}

// JobPatch holds optional fields for Patch; every non-nil field is
// applied, including one that points at a zero value.
type JobPatch struct {
	Name         *string
	Description  *string
	Enabled      *bool
	AgentID      *string
	Schedule     *schedule.Schedule
	Payload      *Payload
	Target       *SessionTarget
	MaxRetries   *int
	RetryDelayMS *int64
	OnComplete   *[]Payload
}

// JobRun is an append-only history record for one execution.
type JobRun struct {
	ID           string    `db:"id" json:"id"`
	JobID        string    `db:"job_id" json:"jobId"`
	StartedAtMS  int64     `db:"started_at_ms" json:"startedAtMs"`
	FinishedAtMS int64     `db:"finished_at_ms" json:"finishedAtMs"`
	Status       RunStatus `db:"status" json:"status"`
	Result       string    `db:"result" json:"result,omitempty"`
	Error        string    `db:"error" json:"error,omitempty"`
	DurationMS   int64     `db:"duration_ms" json:"durationMs"`
}

// MaxResultLength bounds JobRun.Result so run history queries stay cheap.
const MaxResultLength = 500

// TruncateResult clips s to MaxResultLength bytes, ending a clipped string
// with a truncation marker that counts toward that length.
func TruncateResult(s string) string {
	if len(s) <= MaxResultLength {
		return s
	}
	const marker = "...[truncated]"
	return s[:MaxResultLength-len(marker)] + marker
}

// ListFilter narrows List results.
type ListFilter struct {
	UserID          string
	Status          JobStatus
	IncludeDisabled bool
}

// RunFilter narrows Runs results.
type RunFilter struct {
	JobID  string
	Status RunStatus
	Limit  int
	Offset int
}

// JobStats summarizes a single job's run history.
type JobStats struct {
	JobID         string `json:"jobId"`
	TotalRuns     int    `json:"totalRuns"`
	OKRuns        int    `json:"okRuns"`
	FailedRuns    int    `json:"failedRuns"`
	SkippedRuns   int    `json:"skippedRuns"`
	TimeoutRuns   int    `json:"timeoutRuns"`
	LastRunAtMS   *int64 `json:"lastRunAtMs,omitempty"`
	AvgDurationMS int64  `json:"avgDurationMs"`
}
