// Package kernel drives a session from a task through planning and execution
// to a terminal state.
//
// Within one session the plan/execute loop is cooperative single-threaded:
// it yields at tool invocation, approval prompts, and abort checks, and every
// state transition is journaled. Sessions run in parallel with each other.
package kernel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/oldeucryptoboi/karnevil9/pkg/errkit"
	"github.com/oldeucryptoboi/karnevil9/pkg/futility"
	"github.com/oldeucryptoboi/karnevil9/pkg/permission"
	"github.com/oldeucryptoboi/karnevil9/pkg/plan"
	"github.com/oldeucryptoboi/karnevil9/pkg/session"
	"github.com/oldeucryptoboi/karnevil9/pkg/tools"
)

// Journal event types emitted by the kernel.
const (
	EventSessionCreated   = "session.created"
	EventSessionStarted   = "session.started"
	EventSessionCompleted = "session.completed"
	EventSessionFailed    = "session.failed"
	EventSessionAborted   = "session.aborted"
	EventPlannerRequested = "planner.requested"
	EventPlanReceived     = "planner.plan_received"
	EventPlanAccepted     = "plan.accepted"
	EventPlanRejected     = "plan.rejected"
	EventStepStarted      = "step.started"
	EventStepSucceeded    = "step.succeeded"
	EventStepFailed       = "step.failed"
	EventLimitExceeded    = "limit.exceeded"
	EventFutilityDetected = "futility.detected"
)

// EventSink receives kernel journal events.
type EventSink interface {
	Emit(sessionID, eventType string, payload map[string]any) error
}

// Config tunes the kernel.
type Config struct {
	// MaxPlanAttempts bounds planner retries on critic rejection.
	MaxPlanAttempts int `yaml:"max_plan_attempts"`

	// StepTokenEstimate is the per-step budget estimate checked before each
	// step.
	StepTokenEstimate int64 `yaml:"step_token_estimate"`

	// Futility configures the halting monitor.
	Futility futility.Config `yaml:"futility"`
}

// DefaultConfig is used where a caller supplies none.
var DefaultConfig = Config{
	MaxPlanAttempts:   3,
	StepTokenEstimate: 1000,
	Futility:          futility.DefaultConfig,
}

// Kernel executes sessions.
type Kernel struct {
	sink     EventSink
	planner  Planner
	runtime  *tools.Runtime
	registry *tools.Registry
	perm     *permission.Engine
	critics  []plan.Critic
	cfg      Config
}

// New creates a kernel. critics defaults to the mandatory suite; perm may be
// nil when the host pre-grants everything.
func New(sink EventSink, planner Planner, runtime *tools.Runtime, registry *tools.Registry, perm *permission.Engine, critics []plan.Critic, cfg Config) *Kernel {
	if cfg.MaxPlanAttempts == 0 {
		cfg = DefaultConfig
	}
	if critics == nil {
		critics = plan.DefaultCritics()
	}
	return &Kernel{
		sink:     sink,
		planner:  planner,
		runtime:  runtime,
		registry: registry,
		perm:     perm,
		critics:  critics,
		cfg:      cfg,
	}
}

// taskState accumulates step outputs and lessons across plan cycles.
// Guarded by its mutex: parallel DAG levels write concurrently.
type taskState struct {
	mu      sync.Mutex
	outputs map[string]any
	results map[string]*plan.StepResult
	lessons []string
}

func (s *taskState) setResult(stepID string, result *plan.StepResult, output any, lesson string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[stepID] = result
	if result.Status == plan.StepSucceeded {
		s.outputs[stepID] = output
	}
	if lesson != "" {
		s.lessons = append(s.lessons, lesson)
	}
}

func (s *taskState) output(stepID string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out, ok := s.outputs[stepID]
	return out, ok
}

func (s *taskState) addLessons(lessons []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lessons = append(s.lessons, lessons...)
}

func newTaskState() *taskState {
	return &taskState{outputs: make(map[string]any), results: make(map[string]*plan.StepResult)}
}

func (s *taskState) snapshot(task string, usage session.UsageSummary) StateSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	outputs := make(map[string]any, len(s.outputs))
	for k, v := range s.outputs {
		outputs[k] = v
	}
	results := make(map[string]*plan.StepResult, len(s.results))
	for k, v := range s.results {
		results[k] = v
	}
	return StateSnapshot{
		Task:        task,
		StepOutputs: outputs,
		StepResults: results,
		Lessons:     append([]string(nil), s.lessons...),
		Usage:       usage,
	}
}

// Run drives the session to a terminal state. The error reflects
// infrastructure failure only; domain failure lands in the session status.
func (k *Kernel) Run(ctx context.Context, sess *session.Session) error {
	if err := k.emit(sess, EventSessionCreated, map[string]any{"task": sess.Task, "mode": string(sess.Mode)}); err != nil {
		return err
	}
	if sess.Limits.MaxDuration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, sess.Limits.MaxDuration)
		defer cancel()
	}

	if err := sess.SetStatus(session.StatusPlanning, ""); err != nil {
		return err
	}
	if err := k.emit(sess, EventSessionStarted, nil); err != nil {
		return err
	}

	monitor := futility.NewMonitor(k.cfg.Futility)
	state := newTaskState()
	iteration := 0

	for {
		iteration++
		if aborted := k.checkAbort(ctx, sess); aborted {
			return nil
		}

		p, err := k.planOnce(ctx, sess, state)
		if err != nil {
			return k.failSession(sess, fmt.Sprintf("planning failed: %v", err))
		}
		if p == nil {
			// Plan rejected beyond retry budget.
			return k.failSession(sess, "no plan passed the critics")
		}

		if err := sess.SetStatus(session.StatusRunning, p.ID); err != nil {
			return err
		}

		usageBefore := sess.Usage()
		outcome, results := k.executePlan(ctx, sess, p, state)

		decision := monitor.RecordIteration(futility.Iteration{
			Iteration:       iteration,
			PlanGoal:        p.Goal,
			StepResults:     results,
			IterationUsage:  usagePtr(usageDelta(usageBefore, sess.Usage())),
			CumulativeUsage: usagePtr(sess.Usage()),
			MaxCostUSD:      sess.Limits.MaxCostUSD,
		})
		if decision.Action == futility.ActionHalt {
			if err := k.emit(sess, EventFutilityDetected, map[string]any{"reason": decision.Reason}); err != nil {
				return err
			}
			return k.failSession(sess, "futility: "+decision.Reason)
		}

		switch outcome {
		case outcomeCompleted:
			if err := sess.SetStatus(session.StatusCompleted, ""); err != nil {
				return err
			}
			return k.emit(sess, EventSessionCompleted, map[string]any{"steps": len(p.Steps)})
		case outcomeReplan:
			if err := sess.SetStatus(session.StatusPlanning, ""); err != nil {
				return err
			}
			continue
		case outcomeAborted:
			return k.abortSession(sess, "aborted")
		default: // outcomeFailed
			return k.failSession(sess, failReasonFrom(results))
		}
	}
}

type planOutcome int

const (
	outcomeCompleted planOutcome = iota
	outcomeFailed
	outcomeReplan
	outcomeAborted
)

// planOnce asks the planner for a plan and runs the critic suite, retrying up
// to MaxPlanAttempts. Returns nil when no candidate passed.
func (k *Kernel) planOnce(ctx context.Context, sess *session.Session, state *taskState) (*plan.Plan, error) {
	schemas := k.registry.Schemas()
	criticCtx := plan.CriticContext{MaxSteps: sess.Limits.MaxSteps, Tools: schemas}

	for attempt := 1; attempt <= k.cfg.MaxPlanAttempts; attempt++ {
		if err := k.emit(sess, EventPlannerRequested, map[string]any{"attempt": attempt}); err != nil {
			return nil, err
		}

		result, err := k.planner.GeneratePlan(ctx, sess.Task, schemas, state.snapshot(sess.Task, sess.Usage()))
		if err != nil {
			return nil, err
		}
		if result.Usage != nil {
			sess.AddUsage(*result.Usage)
		}
		p := result.Plan
		if p == nil {
			return nil, errors.New("planner returned no plan")
		}
		if err := k.emit(sess, EventPlanReceived, map[string]any{"plan_id": p.ID, "steps": len(p.Steps)}); err != nil {
			return nil, err
		}

		reports, passed := plan.RunCritics(k.critics, p, criticCtx)
		if passed {
			if err := k.emit(sess, EventPlanAccepted, map[string]any{"plan_id": p.ID}); err != nil {
				return nil, err
			}
			return p, nil
		}

		failures := criticFailures(reports)
		if err := k.emit(sess, EventPlanRejected, map[string]any{"plan_id": p.ID, "failures": failures}); err != nil {
			return nil, err
		}
		state.addLessons(failures)
		slog.Debug("plan rejected by critics", "session", sess.ID, "attempt", attempt, "failures", failures)
	}
	return nil, nil
}

// executePlan runs every step. Sequential declared order is the baseline;
// when the session permits it and the DAG allows, independent steps run in
// parallel level by level.
func (k *Kernel) executePlan(ctx context.Context, sess *session.Session, p *plan.Plan, state *taskState) (planOutcome, []*plan.StepResult) {
	if sess.Limits.Parallel {
		return k.executeParallel(ctx, sess, p, state)
	}

	results := make([]*plan.StepResult, 0, len(p.Steps))
	for i := range p.Steps {
		step := &p.Steps[i]
		if aborted := ctx.Err() != nil; aborted {
			return outcomeAborted, results
		}

		result, outcome := k.executeStep(ctx, sess, p, step, state)
		results = append(results, result)
		if outcome != outcomeCompleted {
			return outcome, results
		}
		if step.Tool.Name == "respond" && result.Succeeded() {
			// A respond step delivers the final answer; remaining steps are
			// moot.
			return outcomeCompleted, results
		}
	}
	return outcomeCompleted, results
}

// executeParallel runs DAG levels with an errgroup; steps inside one level
// are independent by construction.
func (k *Kernel) executeParallel(ctx context.Context, sess *session.Session, p *plan.Plan, state *taskState) (planOutcome, []*plan.StepResult) {
	levels := dagLevels(p)
	var all []*plan.StepResult
	for _, level := range levels {
		g, gctx := errgroup.WithContext(ctx)
		results := make([]*plan.StepResult, len(level))
		outcomes := make([]planOutcome, len(level))
		for i, step := range level {
			i, step := i, step
			g.Go(func() error {
				results[i], outcomes[i] = k.executeStep(gctx, sess, p, step, state)
				return nil
			})
		}
		_ = g.Wait()
		all = append(all, results...)
		for _, outcome := range outcomes {
			if outcome != outcomeCompleted {
				return outcome, all
			}
		}
	}
	return outcomeCompleted, all
}

// dagLevels orders steps into dependency levels, preserving declared order
// inside each level.
func dagLevels(p *plan.Plan) [][]*plan.Step {
	placed := make(map[string]int)
	var levels [][]*plan.Step
	remaining := make([]*plan.Step, 0, len(p.Steps))
	for i := range p.Steps {
		remaining = append(remaining, &p.Steps[i])
	}

	for len(remaining) > 0 {
		var level []*plan.Step
		var next []*plan.Step
		for _, step := range remaining {
			ready := true
			for _, dep := range step.DependsOn {
				if _, ok := placed[dep]; !ok {
					ready = false
					break
				}
			}
			if ready {
				level = append(level, step)
			} else {
				next = append(next, step)
			}
		}
		if len(level) == 0 {
			// Unsatisfiable deps; critics normally reject this. Flatten the
			// rest into one sequential level to preserve termination.
			level = next
			next = nil
		}
		for _, step := range level {
			placed[step.ID] = len(levels)
		}
		levels = append(levels, level)
		remaining = next
	}
	return levels
}

// executeStep runs one step with budget check, input binding, permission
// gate, retries with exponential backoff, and failure policy.
func (k *Kernel) executeStep(ctx context.Context, sess *session.Session, p *plan.Plan, step *plan.Step, state *taskState) (*plan.StepResult, planOutcome) {
	result := &plan.StepResult{StepID: step.ID, Status: plan.StepRunning, StartedAt: time.Now()}

	// Budget gate.
	usage := sess.Usage()
	if sess.Limits.MaxTokens > 0 && usage.Tokens+k.cfg.StepTokenEstimate > sess.Limits.MaxTokens {
		_ = k.emit(sess, EventLimitExceeded, map[string]any{"limit": "max_tokens", "used": usage.Tokens})
		return k.finishStep(sess, step, result, &plan.StepError{Code: string(errkit.CodeSessionLimitReached), Message: "token budget exhausted"}, state), outcomeFailed
	}
	if sess.Limits.MaxCostUSD > 0 && usage.TotalCostUSD >= sess.Limits.MaxCostUSD {
		_ = k.emit(sess, EventLimitExceeded, map[string]any{"limit": "max_cost_usd", "used": usage.TotalCostUSD})
		return k.finishStep(sess, step, result, &plan.StepError{Code: string(errkit.CodeSessionLimitReached), Message: "cost budget exhausted"}, state), outcomeFailed
	}

	input := k.resolveInput(step, state)

	if err := k.emit(sess, EventStepStarted, map[string]any{"step": step.ID, "tool": step.Tool.Name}); err != nil {
		result.Status = plan.StepFailed
		result.Error = &plan.StepError{Code: string(errkit.CodeIOError), Message: err.Error()}
		return result, outcomeFailed
	}

	// Permission gate, with the session surfacing awaiting_approval while the
	// prompt is outstanding.
	if k.perm != nil {
		outcome, denied := k.checkPermissions(ctx, sess, p, step, input)
		if denied != nil {
			return k.finishStep(sess, step, result, denied, state), outcome
		}
	}

	execResult := k.executeWithRetries(ctx, sess, step, input)
	result.Attempts = execResult.attempts
	result.Duration = execResult.result.Duration
	sess.AddUsage(execResult.result.Usage)

	if k.perm != nil {
		k.perm.EndStep(sess.ID, step.ID)
	}

	if execResult.result.OK {
		result.Status = plan.StepSucceeded
		result.Output = execResult.result.Output
		state.setResult(step.ID, result, execResult.result.Output, "")
		_ = k.emit(sess, EventStepSucceeded, map[string]any{"step": step.ID, "attempts": result.Attempts})
		return result, outcomeCompleted
	}

	if ctx.Err() != nil && errors.Is(ctx.Err(), context.Canceled) {
		result.Status = plan.StepFailed
		result.Error = &plan.StepError{Code: string(errkit.CodeExecutionError), Message: "aborted"}
		state.setResult(step.ID, result, nil, "")
		_ = k.emit(sess, EventStepFailed, map[string]any{"step": step.ID, "reason": "aborted"})
		return result, outcomeAborted
	}

	return k.finishStep(sess, step, result, execResult.result.Error, state), k.applyFailurePolicy(step)
}

// checkPermissions runs the permission gate for one step. A non-nil StepError
// means denial.
func (k *Kernel) checkPermissions(ctx context.Context, sess *session.Session, p *plan.Plan, step *plan.Step, input map[string]any) (planOutcome, *plan.StepError) {
	tool, ok := k.registry.Get(step.Tool.Name)
	if !ok {
		return outcomeFailed, &plan.StepError{Code: string(errkit.CodeToolNotFound), Message: "tool not found: " + step.Tool.Name}
	}
	perms := tool.Info().Permissions
	if len(perms) == 0 {
		return outcomeCompleted, nil
	}

	req := permission.Request{SessionID: sess.ID, ToolName: step.Tool.Name, StepID: step.ID, Input: input}
	for _, scope := range perms {
		req.Permissions = append(req.Permissions, permission.RequestedPermission{Scope: scope})
	}

	// The approval prompt is a suspension point; the session surfaces as
	// awaiting_approval while a grant is actually missing.
	needsPrompt := false
	for _, rp := range req.Permissions {
		if !k.perm.IsGranted(rp.Scope, sess.ID) {
			needsPrompt = true
			break
		}
	}
	if needsPrompt {
		_ = sess.SetStatus(session.StatusAwaitingApproval, p.ID)
	}
	res, err := k.perm.Check(ctx, req)
	if needsPrompt {
		_ = sess.SetStatus(session.StatusRunning, p.ID)
	}
	if err != nil {
		return outcomeFailed, &plan.StepError{Code: string(errkit.CodeIOError), Message: err.Error()}
	}
	if !res.Allowed {
		return k.applyFailurePolicy(step), &plan.StepError{Code: string(errkit.CodePermissionDenied), Message: res.Reason}
	}
	return outcomeCompleted, nil
}

type retriedResult struct {
	result   tools.ExecutionResult
	attempts int
}

// executeWithRetries applies the step's retry budget with exponential backoff
// between attempts.
func (k *Kernel) executeWithRetries(ctx context.Context, sess *session.Session, step *plan.Step, input map[string]any) retriedResult {
	var constraints *permission.Constraints
	attempts := 0

	policy := backoff.WithContext(backoff.WithMaxRetries(newStepBackoff(), uint64(step.MaxRetries)), ctx)

	var last tools.ExecutionResult
	operation := func() error {
		attempts++
		last = k.runtime.Execute(ctx, tools.Request{
			RequestID:   uuid.NewString(),
			ToolName:    step.Tool.Name,
			ToolVersion: step.Tool.Version,
			Input:       input,
			Mode:        sess.Mode,
			SessionID:   sess.ID,
			StepID:      step.ID,
			Timeout:     step.Timeout,
		}, constraints)
		if last.OK {
			return nil
		}
		if last.Error != nil && !retryable(errkit.Code(last.Error.Code)) {
			return backoff.Permanent(errors.New(last.Error.Message))
		}
		return errors.New(errMessage(last))
	}
	_ = backoff.Retry(operation, policy)

	return retriedResult{result: last, attempts: attempts}
}

func newStepBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = 0 // retry count is the only bound
	return b
}

// retryable reports whether a failure class is worth another attempt.
func retryable(code errkit.Code) bool {
	switch code {
	case errkit.CodeInvalidInput, errkit.CodePolicyViolation, errkit.CodePermissionDenied,
		errkit.CodeToolNotFound, errkit.CodeCircuitBreakerOpen, errkit.CodeSessionLimitReached:
		return false
	}
	return true
}

func errMessage(res tools.ExecutionResult) string {
	if res.Error == nil {
		return "tool failed"
	}
	return res.Error.Message
}

// resolveInput merges static input with input_from bindings read from prior
// step outputs.
func (k *Kernel) resolveInput(step *plan.Step, state *taskState) map[string]any {
	if len(step.InputFrom) == 0 {
		return step.Input
	}
	input := make(map[string]any, len(step.Input)+len(step.InputFrom))
	for key, value := range step.Input {
		input[key] = value
	}
	for param, sourceStep := range step.InputFrom {
		output, ok := state.output(sourceStep)
		if !ok {
			continue
		}
		// When the source output is an object carrying the parameter name,
		// bind that field; otherwise bind the whole output.
		if m, isMap := output.(map[string]any); isMap {
			if v, has := m[param]; has {
				input[param] = v
				continue
			}
		}
		input[param] = output
	}
	return input
}

func (k *Kernel) finishStep(sess *session.Session, step *plan.Step, result *plan.StepResult, stepErr *plan.StepError, state *taskState) *plan.StepResult {
	result.Status = plan.StepFailed
	result.Error = stepErr
	result.Duration = time.Since(result.StartedAt)
	if result.Attempts == 0 {
		result.Attempts = 1
	}
	lesson := ""
	if stepErr != nil {
		lesson = fmt.Sprintf("step %s (%s): %s", step.ID, step.Tool.Name, stepErr.Message)
	}
	state.setResult(step.ID, result, nil, lesson)
	_ = k.emit(sess, EventStepFailed, map[string]any{
		"step":    step.ID,
		"code":    errCode(stepErr),
		"message": errText(stepErr),
	})
	return result
}

func errCode(e *plan.StepError) string {
	if e == nil {
		return ""
	}
	return e.Code
}

func errText(e *plan.StepError) string {
	if e == nil {
		return ""
	}
	return e.Message
}

func (k *Kernel) applyFailurePolicy(step *plan.Step) planOutcome {
	switch step.FailurePolicy {
	case plan.FailReplan:
		return outcomeReplan
	case plan.FailContinue:
		return outcomeCompleted
	default:
		return outcomeFailed
	}
}

func (k *Kernel) checkAbort(ctx context.Context, sess *session.Session) bool {
	if ctx.Err() == nil {
		return false
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		_ = k.failSession(sess, "session duration limit reached")
		return true
	}
	_ = k.abortSession(sess, "aborted")
	return true
}

func (k *Kernel) failSession(sess *session.Session, reason string) error {
	if err := sess.Fail(reason); err != nil {
		slog.Warn("session fail transition", "session", sess.ID, "error", err)
	}
	return k.emit(sess, EventSessionFailed, map[string]any{"reason": reason})
}

func (k *Kernel) abortSession(sess *session.Session, reason string) error {
	if err := sess.Abort(reason); err != nil {
		slog.Warn("session abort transition", "session", sess.ID, "error", err)
	}
	return k.emit(sess, EventSessionAborted, map[string]any{"reason": reason})
}

func (k *Kernel) emit(sess *session.Session, eventType string, payload map[string]any) error {
	return k.sink.Emit(sess.ID, eventType, payload)
}

func usageDelta(before, after session.UsageSummary) session.UsageSummary {
	return session.UsageSummary{
		Tokens:       after.Tokens - before.Tokens,
		TotalCostUSD: after.TotalCostUSD - before.TotalCostUSD,
		Calls:        after.Calls - before.Calls,
	}
}

func usagePtr(u session.UsageSummary) *session.UsageSummary {
	return &u
}

func failReasonFrom(results []*plan.StepResult) string {
	for i := len(results) - 1; i >= 0; i-- {
		if r := results[i]; r != nil && r.Status == plan.StepFailed && r.Error != nil {
			return r.Error.Message
		}
	}
	return "step failed"
}

func criticFailures(reports []plan.CriticReport) []string {
	var failures []string
	for _, r := range reports {
		if !r.Passed {
			failures = append(failures, r.Name+": "+r.Message)
		}
	}
	return failures
}
