package workflows

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"reflect"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/fireflydesk/flydesk/internal/models"
)

var cronParser = cron.NewParser(
	cron.SecondOptional |
		cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

// advance drives the step executor from wf.CurrentStep until a wait step
// parks the workflow, a step fails, or the last step completes. The
// caller holds the per-workflow lock.
func (e *Engine) advance(ctx context.Context, wf *models.Workflow, trigger models.Trigger) error {
	steps, err := e.store.GetSteps(ctx, wf.ID)
	if err != nil {
		return fmt.Errorf("get steps: %w", err)
	}

	for wf.CurrentStep < len(steps) {
		step := steps[wf.CurrentStep]

		switch step.Status {
		case models.StepCompleted:
			wf.CurrentStep++
			continue

		case models.StepWaiting:
			done, err := e.completeWait(ctx, wf, step, trigger)
			if err != nil {
				return err
			}
			if !done {
				return nil
			}

		default:
			output, parked, err := e.runStep(ctx, wf, step)
			if err != nil {
				return e.failStep(ctx, wf, step, err)
			}
			if parked {
				return nil
			}
			if err := e.completeStep(ctx, step, output); err != nil {
				return err
			}
		}

		wf.CurrentStep++
		wf.UpdatedAt = e.now().UTC()
		if err := e.store.Update(ctx, wf); err != nil {
			return fmt.Errorf("checkpoint workflow: %w", err)
		}
		trigger = models.Trigger{Type: models.TriggerStepCompleted, StepIndex: wf.CurrentStep}
	}

	return e.completeWorkflow(ctx, wf, steps)
}

// runStep enters a pending step. Wait steps persist their parked state
// and report parked=true; other types return their output.
func (e *Engine) runStep(ctx context.Context, wf *models.Workflow, step *models.WorkflowStep) (out map[string]any, parked bool, err error) {
	e.logger.Info("step started", "workflow_id", wf.ID,
		"step_index", step.StepIndex, "step_type", string(step.Type))

	ctx, span := e.tracer.TraceWorkflowStep(ctx, wf.ID, string(step.Type))
	defer func() {
		e.tracer.RecordError(span, err)
		span.End()
	}()

	switch step.Type {
	case models.StepToolCall:
		out, err := e.runToolCall(ctx, step)
		return out, false, err
	case models.StepAgentRun:
		out, err := e.runAgentTurn(ctx, wf, step)
		return out, false, err
	case models.StepNotify:
		out, err := e.runNotify(ctx, wf, step)
		return out, false, err
	case models.StepWaitWebhook:
		return nil, true, e.parkForWebhook(ctx, wf, step)
	case models.StepWaitPoll:
		return nil, true, e.parkForPoll(ctx, wf, step)
	case models.StepWaitHuman:
		return nil, true, e.parkForHuman(ctx, wf, step)
	default:
		return nil, false, fmt.Errorf("unknown step type %q", step.Type)
	}
}

func (e *Engine) runToolCall(ctx context.Context, step *models.WorkflowStep) (map[string]any, error) {
	if e.toolExec == nil {
		return nil, fmt.Errorf("no tool executor configured")
	}
	name, _ := step.Input["tool"].(string)
	if name == "" {
		return nil, fmt.Errorf("tool_call step requires input.tool")
	}
	args, _ := step.Input["args"].(map[string]any)
	return e.toolExec.ExecuteStep(ctx, name, args)
}

func (e *Engine) runAgentTurn(ctx context.Context, wf *models.Workflow, step *models.WorkflowStep) (map[string]any, error) {
	if e.completer == nil {
		return nil, fmt.Errorf("no completer configured")
	}
	prompt, _ := step.Input["prompt"].(string)
	if prompt == "" {
		return nil, fmt.Errorf("agent_run step requires input.prompt")
	}
	model, _ := step.Input["model"].(string)

	text, err := e.completer.Complete(ctx, model, prompt)
	if err != nil {
		return nil, fmt.Errorf("model completion: %w", err)
	}
	return map[string]any{"text": text}, nil
}

func (e *Engine) runNotify(ctx context.Context, wf *models.Workflow, step *models.WorkflowStep) (map[string]any, error) {
	if e.notifier == nil {
		return nil, fmt.Errorf("no callback dispatcher configured")
	}
	url, _ := step.Input["url"].(string)
	event, _ := step.Input["event"].(string)
	if url == "" || event == "" {
		return nil, fmt.Errorf("notify step requires input.url and input.event")
	}

	data := map[string]any{
		"workflow_id":   wf.ID,
		"workflow_type": wf.Type,
		"step_index":    step.StepIndex,
	}
	if extra, ok := step.Input["data"].(map[string]any); ok {
		for k, v := range extra {
			data[k] = v
		}
	}

	// Fire-and-forget: the step completes as soon as the delivery is
	// queued; retries happen in the dispatcher.
	e.notifier.DispatchAsync(ctx, step.ID, event, url, e.callbackSecret, data)
	return map[string]any{"dispatched": true, "event": event}, nil
}

func (e *Engine) parkForWebhook(ctx context.Context, wf *models.Workflow, step *models.WorkflowStep) error {
	token, err := newWebhookToken()
	if err != nil {
		return fmt.Errorf("generate webhook token: %w", err)
	}
	now := e.now().UTC()
	expires := now.Add(e.webhookTTL)
	reg := &models.WebhookRegistration{
		ID:         uuid.NewString(),
		WorkflowID: wf.ID,
		StepIndex:  step.StepIndex,
		Token:      token,
		Status:     models.WebhookActive,
		ExpiresAt:  &expires,
		CreatedAt:  now,
	}
	if err := e.store.CreateWebhook(ctx, reg); err != nil {
		return fmt.Errorf("register webhook: %w", err)
	}

	step.Output = map[string]any{
		"webhook_token": token,
		"webhook_url":   e.baseURL + WebhookPathPrefix + token,
	}
	return e.park(ctx, wf, step, nil)
}

func (e *Engine) parkForPoll(ctx context.Context, wf *models.Workflow, step *models.WorkflowStep) error {
	next, err := e.nextPollTime(step.Input)
	if err != nil {
		return err
	}
	return e.park(ctx, wf, step, &next)
}

func (e *Engine) parkForHuman(ctx context.Context, wf *models.Workflow, step *models.WorkflowStep) error {
	prompt, _ := step.Input["prompt"].(string)
	e.recorder.RecordWorkflowEvent(wf.UserID, wf.ID, "human_input_requested", map[string]any{
		"step_index": step.StepIndex,
		"prompt":     prompt,
	})
	return e.park(ctx, wf, step, nil)
}

// park persists a waiting step and moves the workflow to waiting.
func (e *Engine) park(ctx context.Context, wf *models.Workflow, step *models.WorkflowStep, nextCheck *time.Time) error {
	now := e.now().UTC()
	step.Status = models.StepWaiting
	step.UpdatedAt = now
	if err := e.store.UpdateStep(ctx, step); err != nil {
		return fmt.Errorf("park step: %w", err)
	}

	wf.Status = models.WorkflowWaiting
	wf.NextCheckAt = nextCheck
	wf.UpdatedAt = now
	if err := e.store.Update(ctx, wf); err != nil {
		return fmt.Errorf("park workflow: %w", err)
	}

	if e.metrics != nil {
		e.metrics.RecordWorkflowStep(string(step.Type), "waiting")
	}
	e.logger.Info("workflow waiting", "workflow_id", wf.ID,
		"step_index", step.StepIndex, "step_type", string(step.Type))
	return nil
}

// completeWait resolves a waiting step against the incoming trigger.
// Triggers of the wrong kind re-park the workflow and report done=false;
// wait_poll probes that do not match yet do the same.
func (e *Engine) completeWait(ctx context.Context, wf *models.Workflow, step *models.WorkflowStep, trigger models.Trigger) (bool, error) {
	if !triggerSatisfies(step.Type, trigger.Type) {
		e.logger.Debug("trigger does not match wait step", "workflow_id", wf.ID,
			"step_type", string(step.Type), "trigger", string(trigger.Type))
		return false, e.repark(ctx, wf, step)
	}

	output := trigger.Payload
	if step.Type == models.StepWaitPoll {
		if toolName, _ := step.Input["tool"].(string); toolName != "" {
			probed, matched, err := e.probe(ctx, step, toolName)
			if err != nil {
				e.logger.Warn("poll probe failed, will retry", "workflow_id", wf.ID,
					"step_index", step.StepIndex, "error", err)
				return false, e.repark(ctx, wf, step)
			}
			if !matched {
				return false, e.repark(ctx, wf, step)
			}
			output = probed
		}
	}

	if output == nil {
		output = map[string]any{"resumed_by": string(trigger.Type)}
	}
	if err := e.completeStep(ctx, step, output); err != nil {
		return false, err
	}
	return true, nil
}

// probe runs the wait_poll check tool. matched is false when the output
// does not yet satisfy the step's expect clause.
func (e *Engine) probe(ctx context.Context, step *models.WorkflowStep, toolName string) (map[string]any, bool, error) {
	if e.toolExec == nil {
		return nil, false, fmt.Errorf("no tool executor configured")
	}
	args, _ := step.Input["args"].(map[string]any)
	output, err := e.toolExec.ExecuteStep(ctx, toolName, args)
	if err != nil {
		return nil, false, err
	}
	expect, ok := step.Input["expect"].(map[string]any)
	if !ok || len(expect) == 0 {
		return output, true, nil
	}
	return output, matchesExpect(output, expect), nil
}

// repark restores the waiting state after a trigger that did not resolve
// the step. wait_poll recomputes its next check from now.
func (e *Engine) repark(ctx context.Context, wf *models.Workflow, step *models.WorkflowStep) error {
	var nextCheck *time.Time
	if step.Type == models.StepWaitPoll {
		next, err := e.nextPollTime(step.Input)
		if err != nil {
			return err
		}
		nextCheck = &next
	}

	wf.Status = models.WorkflowWaiting
	wf.NextCheckAt = nextCheck
	wf.UpdatedAt = e.now().UTC()
	if err := e.store.Update(ctx, wf); err != nil {
		return fmt.Errorf("repark workflow: %w", err)
	}
	return nil
}

func (e *Engine) completeStep(ctx context.Context, step *models.WorkflowStep, output map[string]any) error {
	step.Status = models.StepCompleted
	step.Output = output
	step.UpdatedAt = e.now().UTC()
	if err := e.store.UpdateStep(ctx, step); err != nil {
		return fmt.Errorf("complete step: %w", err)
	}
	if e.metrics != nil {
		e.metrics.RecordWorkflowStep(string(step.Type), "completed")
	}
	return nil
}

// failStep records a step failure and fails the workflow. Remaining steps
// are left untouched so the failure point is visible.
func (e *Engine) failStep(ctx context.Context, wf *models.Workflow, step *models.WorkflowStep, cause error) error {
	now := e.now().UTC()
	step.Status = models.StepFailed
	step.Error = cause.Error()
	step.UpdatedAt = now
	if err := e.store.UpdateStep(ctx, step); err != nil {
		return fmt.Errorf("record step failure: %w", err)
	}

	wf.Status = models.WorkflowFailed
	wf.Error = fmt.Sprintf("step %d (%s): %s", step.StepIndex, step.Type, cause.Error())
	wf.CompletedAt = &now
	wf.UpdatedAt = now
	if err := e.store.Update(ctx, wf); err != nil {
		return fmt.Errorf("record workflow failure: %w", err)
	}

	if e.metrics != nil {
		e.metrics.RecordWorkflowStep(string(step.Type), "failed")
	}
	e.recorder.RecordWorkflowEvent(wf.UserID, wf.ID, "workflow_failed", map[string]any{
		"step_index": step.StepIndex,
		"error":      cause.Error(),
	})
	e.logger.Warn("workflow failed", "workflow_id", wf.ID,
		"step_index", step.StepIndex, "error", cause)
	return nil
}

func (e *Engine) completeWorkflow(ctx context.Context, wf *models.Workflow, steps []*models.WorkflowStep) error {
	now := e.now().UTC()
	wf.Status = models.WorkflowCompleted
	wf.CompletedAt = &now
	wf.UpdatedAt = now
	if last := steps[len(steps)-1]; last.Output != nil {
		wf.Result = last.Output
	} else {
		wf.Result = map[string]any{"completed_steps": len(steps)}
	}
	if err := e.store.Update(ctx, wf); err != nil {
		return fmt.Errorf("complete workflow: %w", err)
	}

	e.recorder.RecordWorkflowEvent(wf.UserID, wf.ID, "workflow_completed", map[string]any{
		"total_steps": len(steps),
	})
	e.logger.Info("workflow completed", "workflow_id", wf.ID, "steps", len(steps))
	return nil
}

// nextPollTime reads a wait_poll step's schedule: either interval seconds
// or a cron expression.
func (e *Engine) nextPollTime(input map[string]any) (time.Time, error) {
	now := e.now().UTC()
	if secs, ok := asInt(input["interval"]); ok && secs > 0 {
		return now.Add(time.Duration(secs) * time.Second), nil
	}
	if expr, _ := input["schedule"].(string); expr != "" {
		sched, err := cronParser.Parse(expr)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid cron expression %q: %w", expr, err)
		}
		return sched.Next(now), nil
	}
	return time.Time{}, fmt.Errorf("wait_poll step requires input.interval or input.schedule")
}

func triggerSatisfies(stepType models.StepType, trigger models.TriggerType) bool {
	switch stepType {
	case models.StepWaitWebhook:
		return trigger == models.TriggerWebhook
	case models.StepWaitPoll:
		return trigger == models.TriggerPoll || trigger == models.TriggerTimer
	case models.StepWaitHuman:
		return trigger == models.TriggerHuman
	}
	return false
}

// matchesExpect reports whether every expected key is present in output
// with a loosely equal value. JSON decoding yields float64 for every
// number, so numeric comparison goes through float64.
func matchesExpect(output, expect map[string]any) bool {
	for k, want := range expect {
		got, ok := output[k]
		if !ok || !looseEqual(got, want) {
			return false
		}
	}
	return true
}

func looseEqual(a, b any) bool {
	if af, ok := asFloat(a); ok {
		bf, ok := asFloat(b)
		return ok && af == bf
	}
	return reflect.DeepEqual(a, b)
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	case json.Number:
		i, err := n.Int64()
		return int(i), err == nil
	}
	return 0, false
}

// newWebhookToken returns 32 bytes of entropy as hex.
func newWebhookToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
