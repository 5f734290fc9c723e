package store

import (
	"fmt"

	"github.com/nextlevelbuilder/jobkeep/internal/schedule"
)

// MaxUserIDLength bounds user_id/agent_id correlation keys.
const MaxUserIDLength = 255

// MaxNameLength bounds a job's human-facing name.
const MaxNameLength = 200

// ValidateDefinition checks a job definition's static fields: the ones
// that must be rejected synchronously by the registry rather than
// surfacing as a failed run.
func ValidateDefinition(d JobDefinition) error {
	if d.Name == "" {
		return fmt.Errorf("job name is required")
	}
	if len(d.Name) > MaxNameLength {
		return fmt.Errorf("job name too long: %d chars (max %d)", len(d.Name), MaxNameLength)
	}
	if len(d.UserID) > MaxUserIDLength {
		return fmt.Errorf("user_id too long: %d chars (max %d)", len(d.UserID), MaxUserIDLength)
	}
	if len(d.AgentID) > MaxUserIDLength {
		return fmt.Errorf("agent_id too long: %d chars (max %d)", len(d.AgentID), MaxUserIDLength)
	}
	if err := validateSchedule(d.Schedule); err != nil {
		return fmt.Errorf("invalid schedule: %w", err)
	}
	if err := validatePayload(d.Payload); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	for i, entry := range d.OnComplete {
		if entry.Kind != PayloadTaskChain {
			return fmt.Errorf("onComplete[%d]: kind must be %q, got %q", i, PayloadTaskChain, entry.Kind)
		}
		if entry.NextJobID == "" {
			return fmt.Errorf("onComplete[%d]: nextJobId is required", i)
		}
		if len(entry.OnStatus) == 0 {
			return fmt.Errorf("onComplete[%d]: onStatus must list at least one run status", i)
		}
	}
	return nil
}

func validateSchedule(s schedule.Schedule) error {
	switch s.Kind {
	case schedule.KindAt:
		if s.AtMS == nil {
			return fmt.Errorf("at schedule requires atMs")
		}
	case schedule.KindEvery:
		if s.EveryMS == nil || *s.EveryMS <= 0 {
			return fmt.Errorf("every schedule requires a positive everyMs")
		}
	case schedule.KindCron:
		if s.Expression == "" {
			return fmt.Errorf("cron schedule requires an expression")
		}
		if !schedule.Validate(s.Expression) {
			return fmt.Errorf("malformed cron expression: %q", s.Expression)
		}
	default:
		return fmt.Errorf("unknown schedule kind: %q", s.Kind)
	}
	return nil
}

func validatePayload(p Payload) error {
	switch p.Kind {
	case PayloadSystemEvent:
		if p.Message == "" {
			return fmt.Errorf("system_event payload requires a message")
		}
	case PayloadAgentTurn:
		if p.Prompt == "" {
			return fmt.Errorf("agent_turn payload requires a prompt")
		}
	case PayloadWebhook:
		if p.URL == "" {
			return fmt.Errorf("webhook payload requires a url")
		}
		switch p.Method {
		case "", "GET", "POST", "PUT":
		default:
			return fmt.Errorf("webhook payload method must be GET, POST or PUT, got %q", p.Method)
		}
	case PayloadTaskChain:
		return fmt.Errorf("task_chain payload is only valid inside onComplete")
	default:
		return fmt.Errorf("unknown payload kind: %q", p.Kind)
	}
	return nil
}
