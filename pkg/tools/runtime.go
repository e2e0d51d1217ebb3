package tools

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sony/gobreaker"

	"github.com/oldeucryptoboi/karnevil9/pkg/errkit"
	"github.com/oldeucryptoboi/karnevil9/pkg/permission"
	"github.com/oldeucryptoboi/karnevil9/pkg/plan"
	"github.com/oldeucryptoboi/karnevil9/pkg/policy"
	"github.com/oldeucryptoboi/karnevil9/pkg/session"
)

// Journal event types emitted per call.
const (
	EventRequested      = "tool.requested"
	EventStarted        = "tool.started"
	EventSucceeded      = "tool.succeeded"
	EventFailed         = "tool.failed"
	EventPolicyViolated = "policy.violated"
)

// EventSink receives the tool lifecycle events.
type EventSink interface {
	Emit(sessionID, eventType string, payload map[string]any) error
}

// BreakerConfig tunes the per-tool circuit breaker.
type BreakerConfig struct {
	ConsecutiveFailures uint32        `yaml:"consecutive_failures"`
	Cooldown            time.Duration `yaml:"cooldown"`
	Window              time.Duration `yaml:"window"`
}

// DefaultBreakerConfig trips after 5 consecutive failures, cooling down 30s.
var DefaultBreakerConfig = BreakerConfig{
	ConsecutiveFailures: 5,
	Cooldown:            30 * time.Second,
	Window:              time.Minute,
}

// Metrics are the runtime's prometheus instruments. Zero value disables.
type Metrics struct {
	Calls    *prometheus.CounterVec
	Failures *prometheus.CounterVec
	Duration *prometheus.HistogramVec
}

// NewMetrics registers the runtime instruments on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tool_calls_total",
			Help: "Tool invocations by tool and mode.",
		}, []string{"tool", "mode"}),
		Failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tool_failures_total",
			Help: "Failed tool invocations by tool and error code.",
		}, []string{"tool", "code"}),
		Duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tool_duration_seconds",
			Help:    "Tool execution wall time.",
			Buckets: prometheus.DefBuckets,
		}, []string{"tool"}),
	}
	reg.MustRegister(m.Calls, m.Failures, m.Duration)
	return m
}

// Runtime dispatches requests to registered tools.
type Runtime struct {
	registry *Registry
	sink     EventSink
	policy   *policy.Profile
	breakers *breakerSet
	metrics  *Metrics
}

// NewRuntime creates a runtime. metrics may be nil.
func NewRuntime(registry *Registry, sink EventSink, profile *policy.Profile, breakerCfg BreakerConfig, metrics *Metrics) *Runtime {
	if breakerCfg.ConsecutiveFailures == 0 {
		breakerCfg = DefaultBreakerConfig
	}
	return &Runtime{
		registry: registry,
		sink:     sink,
		policy:   profile,
		breakers: newBreakerSet(breakerCfg),
		metrics:  metrics,
	}
}

// Execute dispatches one request, enforcing mode semantics and the circuit
// breaker, and emitting the tool lifecycle events.
func (r *Runtime) Execute(ctx context.Context, req Request, constraints *permission.Constraints) ExecutionResult {
	if err := r.sink.Emit(req.SessionID, EventRequested, map[string]any{
		"request_id": req.RequestID,
		"tool":       req.ToolName,
		"step":       req.StepID,
		"mode":       string(req.Mode),
	}); err != nil {
		return failure(errkit.CodeIOError, err.Error(), 0)
	}

	tool, ok := r.registry.Get(req.ToolName)
	if !ok {
		res := failure(errkit.CodeToolNotFound, "tool not found: "+req.ToolName, 0)
		r.finish(req, res)
		return res
	}

	info := tool.Info()
	switch req.Mode {
	case session.ModeMock:
		if !info.Supports.Mock {
			res := failure(errkit.CodeInvalidInput, "tool does not support mock mode: "+req.ToolName, 0)
			r.finish(req, res)
			return res
		}
	case session.ModeDryRun:
		if !info.Supports.DryRun {
			res := failure(errkit.CodeInvalidInput, "tool does not support dry_run mode: "+req.ToolName, 0)
			r.finish(req, res)
			return res
		}
	}

	_ = r.sink.Emit(req.SessionID, EventStarted, map[string]any{
		"request_id": req.RequestID,
		"tool":       req.ToolName,
	})
	if r.metrics != nil {
		r.metrics.Calls.WithLabelValues(req.ToolName, string(req.Mode)).Inc()
	}

	execCtx := ctx
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	start := time.Now() // monotonic
	out, err := r.breakers.forTool(req.ToolName).Execute(func() (any, error) {
		result, execErr := tool.Execute(execCtx, Invocation{
			Input:       req.Input,
			Mode:        req.Mode,
			Policy:      r.policy,
			Constraints: constraints,
		})
		if execErr != nil {
			return result, execErr
		}
		if !result.OK {
			return result, resultError(result)
		}
		return result, nil
	})
	duration := time.Since(start)

	if r.metrics != nil {
		r.metrics.Duration.WithLabelValues(req.ToolName).Observe(duration.Seconds())
	}

	var res ExecutionResult
	switch {
	case errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests):
		res = failure(errkit.CodeCircuitBreakerOpen, "circuit breaker open for tool "+req.ToolName, duration)
	case execCtx.Err() != nil && errors.Is(execCtx.Err(), context.DeadlineExceeded):
		res = failure(errkit.CodeTimeout, "tool call timed out", duration)
	case errors.Is(err, context.Canceled):
		// Abort rolls back in-flight work where the tool offers a cancel
		// hook; otherwise the step just fails as aborted.
		if canceler, ok := tool.(Canceler); ok {
			if cancelErr := canceler.Cancel(context.Background()); cancelErr != nil {
				slog.Warn("tool cancel hook failed", "tool", req.ToolName, "error", cancelErr)
			}
		}
		res = failure(errkit.CodeExecutionError, "aborted", duration)
	case err != nil:
		result, _ := out.(Result)
		res = failureFromResult(result, err, duration)
	default:
		result := out.(Result)
		res = ExecutionResult{OK: true, Output: result.Output, Usage: result.Usage, Duration: duration}
	}

	r.finish(req, res)
	return res
}

// finish emits the terminal event and failure metrics.
func (r *Runtime) finish(req Request, res ExecutionResult) {
	if res.OK {
		_ = r.sink.Emit(req.SessionID, EventSucceeded, map[string]any{
			"request_id":  req.RequestID,
			"tool":        req.ToolName,
			"duration_ms": res.Duration.Milliseconds(),
			"tokens":      res.Usage.Tokens,
			"cost_usd":    res.Usage.TotalCostUSD,
		})
		return
	}
	code := ""
	if res.Error != nil {
		code = res.Error.Code
	}
	if r.metrics != nil {
		r.metrics.Failures.WithLabelValues(req.ToolName, code).Inc()
	}
	if code == string(errkit.CodePolicyViolation) {
		_ = r.sink.Emit(req.SessionID, EventPolicyViolated, map[string]any{
			"tool": req.ToolName,
			"step": req.StepID,
			"rule": errMessage(res),
		})
	}
	_ = r.sink.Emit(req.SessionID, EventFailed, map[string]any{
		"request_id": req.RequestID,
		"tool":       req.ToolName,
		"code":       code,
		"message":    errMessage(res),
	})
}

func errMessage(res ExecutionResult) string {
	if res.Error == nil {
		return ""
	}
	return res.Error.Message
}

func failure(code errkit.Code, message string, duration time.Duration) ExecutionResult {
	return ExecutionResult{
		OK:       false,
		Error:    &plan.StepError{Code: string(code), Message: message},
		Duration: duration,
	}
}

func failureFromResult(result Result, err error, duration time.Duration) ExecutionResult {
	res := ExecutionResult{OK: false, Usage: result.Usage, Duration: duration}
	if result.Error != nil {
		res.Error = result.Error
		return res
	}
	code := errkit.CodeOf(err)
	if code == "" {
		code = errkit.CodeExecutionError
	}
	res.Error = &plan.StepError{Code: string(code), Message: err.Error()}
	return res
}

// resultError adapts a failed Result into an error for the breaker.
func resultError(result Result) error {
	if result.Error != nil {
		return errkit.New(errkit.Code(result.Error.Code), result.Error.Message)
	}
	return errkit.New(errkit.CodeExecutionError, "tool reported failure")
}

// breakerSet lazily creates one circuit breaker per tool.
type breakerSet struct {
	cfg      BreakerConfig
	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

func newBreakerSet(cfg BreakerConfig) *breakerSet {
	return &breakerSet{cfg: cfg, breakers: make(map[string]*gobreaker.CircuitBreaker)}
}

func (b *breakerSet) forTool(name string) *gobreaker.CircuitBreaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	if cb, ok := b.breakers[name]; ok {
		return cb
	}
	cfg := b.cfg
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1, // half-open admits one probe
		Interval:    cfg.Window,
		Timeout:     cfg.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.ConsecutiveFailures
		},
	})
	b.breakers[name] = cb
	return cb
}
