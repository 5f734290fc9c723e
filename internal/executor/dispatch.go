package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/nextlevelbuilder/jobkeep/internal/callback"
	"github.com/nextlevelbuilder/jobkeep/internal/store"
)

// dispatch delivers job's payload according to target. main targets never
// run the payload themselves — they inject a system-event envelope into
// the user's live session and let that session's own agent loop decide
// what to do with it.
func (e *Executor) dispatch(ctx context.Context, job store.Job, target store.SessionTarget) outcome {
	switch target.Kind {
	case store.TargetMain:
		return e.dispatchMain(ctx, job, target)
	default:
		out := e.dispatchIsolated(ctx, job.Payload, job)
		if target.ReportToMain && e.callbacks.ReportToMain != nil {
			report := out.output
			if out.status != store.RunOK {
				report = out.err
			}
			if err := e.callbacks.ReportToMain(ctx, job.UserID, job.ID, report); err != nil {
				// Reporting back to main is best-effort: it never re-fails
				// the run it's reporting about.
				return out
			}
		}
		return out
	}
}

func (e *Executor) dispatchMain(ctx context.Context, job store.Job, target store.SessionTarget) outcome {
	if e.callbacks.OnSystemEvent == nil {
		return outcome{status: store.RunFailed, err: "no on_system_event callback configured for main target"}
	}

	payloadJSON, err := json.Marshal(job.Payload)
	if err != nil {
		return outcome{status: store.RunFailed, err: fmt.Sprintf("marshal payload: %v", err)}
	}

	envelope := callback.SystemEventEnvelope{
		Type:        "scheduled_task",
		JobID:       job.ID,
		JobName:     job.Name,
		Payload:     string(payloadJSON),
		TimestampMS: store.NowMS(),
	}
	if err := e.callbacks.OnSystemEvent(ctx, job.UserID, envelope); err != nil {
		return outcome{status: store.RunFailed, err: fmt.Sprintf("on_system_event: %v", err)}
	}

	if target.TriggerHeartbeat && e.callbacks.RunHeartbeat != nil {
		if err := e.callbacks.RunHeartbeat(ctx, job.UserID); err != nil {
			// Injection itself succeeded; failing to nudge the agent loop
			// is noted in this run's result text rather than failing it.
			return outcome{status: store.RunOK, output: "Injected to main session (heartbeat failed: " + err.Error() + ")"}
		}
	}
	return outcome{status: store.RunOK, output: "Injected to main session"}
}

// dispatchIsolated runs p out-of-band, independent of any live session.
func (e *Executor) dispatchIsolated(ctx context.Context, p store.Payload, job store.Job) outcome {
	switch p.Kind {
	case store.PayloadAgentTurn:
		return e.runAgentTurn(ctx, p, job)
	case store.PayloadSystemEvent:
		return e.runSystemEvent(ctx, p)
	case store.PayloadWebhook:
		return e.runWebhook(ctx, p, job)
	case store.PayloadTaskChain:
		return outcome{status: store.RunFailed, err: "task_chain payload cannot be dispatched directly; it is only valid inside on_complete"}
	default:
		return outcome{status: store.RunFailed, err: fmt.Sprintf("unknown payload kind %q", p.Kind)}
	}
}

func (e *Executor) runAgentTurn(ctx context.Context, p store.Payload, job store.Job) outcome {
	if e.callbacks.AgentRunner == nil {
		return outcome{status: store.RunFailed, err: "no agent runner configured"}
	}

	runCtx, cancel := context.WithTimeout(ctx, payloadTimeout(p.TimeoutSeconds))
	defer cancel()

	turnContext := map[string]any{
		"job_id":          job.ID,
		"scheduled":       true,
		"original_prompt": job.Description,
	}
	for k, v := range p.Context {
		turnContext[k] = v
	}

	result, err := e.callbacks.AgentRunner.Run(runCtx, p.Prompt, turnContext)
	status := store.RunOK
	errMsg := ""
	if err != nil {
		if runCtx.Err() != nil {
			status = store.RunTimeout
		} else {
			status = store.RunFailed
		}
		errMsg = err.Error()
	}

	if p.NotifyChatID != "" && e.callbacks.Notifier != nil {
		e.notifyAgentTurnResult(ctx, p, job, status, result, errMsg)
	}

	return outcome{status: status, output: result, err: errMsg}
}

func (e *Executor) notifyAgentTurnResult(ctx context.Context, p store.Payload, job store.Job, status store.RunStatus, result, errMsg string) {
	message := store.TruncateResult(result)
	if status != store.RunOK {
		message = fmt.Sprintf("Scheduled job %q failed: %s", job.Name, errMsg)
	}
	channel := p.NotifyChannel
	if err := e.callbacks.Notifier.Send(ctx, channel, p.NotifyChatID, message); err != nil {
		// A failed notification never re-fails the run it's reporting on.
		return
	}
}

func (e *Executor) runSystemEvent(ctx context.Context, p store.Payload) outcome {
	if e.callbacks.Notifier == nil {
		return outcome{status: store.RunFailed, err: "no notification sender configured"}
	}
	message := "⏰ 提醒：" + p.Message
	if err := e.callbacks.Notifier.Send(ctx, p.Channel, p.ChatID, message); err != nil {
		return outcome{status: store.RunFailed, err: err.Error()}
	}
	return outcome{status: store.RunOK, output: message}
}

func (e *Executor) runWebhook(ctx context.Context, p store.Payload, job store.Job) outcome {
	switch p.Method {
	case "", "GET", "POST", "PUT":
	default:
		return outcome{status: store.RunFailed, err: fmt.Sprintf("unsupported webhook method %q", p.Method)}
	}
	method := p.Method
	if method == "" {
		method = "GET"
	}

	reqCtx, cancel := context.WithTimeout(ctx, payloadTimeout(p.TimeoutSeconds))
	defer cancel()

	var bodyReader io.Reader
	if method != "GET" {
		body := map[string]any{
			"job_id":    job.ID,
			"name":      job.Name,
			"timestamp": time.UnixMilli(store.NowMS()).UTC().Format(time.RFC3339),
		}
		for k, v := range p.Body {
			body[k] = v
		}
		encoded, err := json.Marshal(body)
		if err != nil {
			return outcome{status: store.RunFailed, err: fmt.Sprintf("marshal webhook body: %v", err)}
		}
		bodyReader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(reqCtx, method, p.URL, bodyReader)
	if err != nil {
		return outcome{status: store.RunFailed, err: fmt.Sprintf("build webhook request: %v", err)}
	}
	if method != "GET" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range p.Headers {
		req.Header.Set(k, v)
	}

	resp, err := e.http.Do(req)
	if err != nil {
		status := store.RunFailed
		if reqCtx.Err() != nil {
			status = store.RunTimeout
		}
		return outcome{status: status, err: err.Error()}
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, store.MaxResultLength*4))
	if resp.StatusCode >= 400 {
		return outcome{status: store.RunFailed, err: fmt.Sprintf("webhook returned status %d: %s", resp.StatusCode, string(respBody))}
	}
	return outcome{status: store.RunOK, output: string(respBody)}
}
