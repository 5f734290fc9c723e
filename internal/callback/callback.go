// Package callback defines the external collaborator interfaces the
// scheduler calls out to. All of them are optional — a job that needs one
// that was never configured fails at run time with a clear error, never
// at construction.
package callback

import "context"

// AgentRunner runs a single agent turn and returns its textual result.
// ctx carries the payload's timeout_seconds as a deadline.
type AgentRunner interface {
	Run(ctx context.Context, prompt string, context map[string]any) (string, error)
}

// AgentRunnerFunc adapts a plain function to AgentRunner.
type AgentRunnerFunc func(ctx context.Context, prompt string, context map[string]any) (string, error)

func (f AgentRunnerFunc) Run(ctx context.Context, prompt string, context map[string]any) (string, error) {
	return f(ctx, prompt, context)
}

// NotificationSender delivers a single text message to a chat channel.
type NotificationSender interface {
	Send(ctx context.Context, channel, chatID, message string) error
}

// NotificationSenderFunc adapts a plain function to NotificationSender.
type NotificationSenderFunc func(ctx context.Context, channel, chatID, message string) error

func (f NotificationSenderFunc) Send(ctx context.Context, channel, chatID, message string) error {
	return f(ctx, channel, chatID, message)
}

// SystemEventEnvelope is injected into a user's main session by
// OnSystemEvent when a job targets SessionTarget{Kind: main}.
type SystemEventEnvelope struct {
	Type        string `json:"type"`
	JobID       string `json:"jobId"`
	JobName     string `json:"jobName"`
	Payload     string `json:"payload"`
	TimestampMS int64  `json:"timestampMs"`
}

// OnSystemEvent delivers a system-event envelope into the user's live
// main session. It does not itself run the agent.
type OnSystemEvent func(ctx context.Context, userID string, envelope SystemEventEnvelope) error

// RunHeartbeat wakes a live session's agent loop after a main-session
// injection, when the job's target requests it.
type RunHeartbeat func(ctx context.Context, userID string) error

// ReportToMain relays an isolated run's result back into the user's main
// session, when the job's target requests it.
type ReportToMain func(ctx context.Context, userID, jobID, result string) error

// Callbacks bundles every external collaborator the executor may need.
// All fields are optional; a nil field used by a configured job surfaces
// as a failed run (error taxonomy class 2), never a startup error.
type Callbacks struct {
	AgentRunner   AgentRunner
	Notifier      NotificationSender
	OnSystemEvent OnSystemEvent
	RunHeartbeat  RunHeartbeat
	ReportToMain  ReportToMain
}
