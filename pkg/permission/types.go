// Package permission decides, per tool invocation, whether a session holds
// the required scopes, serializing approval prompts through the UI channel
// and persisting every decision to the journal.
package permission

import (
	"fmt"
	"time"

	"github.com/mitchellh/mapstructure"
)

// TTL classifies how long a grant lives.
type TTL string

const (
	// TTLStep grants are removed at end-of-step.
	TTLStep TTL = "step"

	// TTLSession grants die with the session.
	TTLSession TTL = "session"

	// TTLGlobal grants survive step boundaries but are still removed on
	// session clear; the runtime is process-isolated for safety.
	TTLGlobal TTL = "global"
)

// Grant is one installed permission.
type Grant struct {
	Scope     string    `json:"scope"`
	Decision  string    `json:"decision"`
	GrantedBy string    `json:"granted_by"`
	GrantedAt time.Time `json:"granted_at"`
	TTL       TTL       `json:"ttl"`
}

// Constraints restrict how an allowed tool may run.
type Constraints struct {
	ReadonlyPaths      []string       `json:"readonly_paths,omitempty" mapstructure:"readonly_paths"`
	WritablePaths      []string       `json:"writable_paths,omitempty" mapstructure:"writable_paths"`
	MaxDurationMS      int64          `json:"max_duration_ms,omitempty" mapstructure:"max_duration_ms"`
	InputOverrides     map[string]any `json:"input_overrides,omitempty" mapstructure:"input_overrides"`
	OutputRedactFields []string       `json:"output_redact_fields,omitempty" mapstructure:"output_redact_fields"`
}

// Alternative is the substitute suggested by a deny_with_alternative decision.
type Alternative struct {
	ToolName       string         `json:"tool_name" mapstructure:"tool_name"`
	SuggestedInput map[string]any `json:"suggested_input,omitempty" mapstructure:"suggested_input"`
}

// DecisionType discriminates the approval decision union.
type DecisionType string

const (
	DecisionAllowOnce           DecisionType = "allow_once"
	DecisionAllowSession        DecisionType = "allow_session"
	DecisionAllowAlways         DecisionType = "allow_always"
	DecisionDeny                DecisionType = "deny"
	DecisionAllowConstrained    DecisionType = "allow_constrained"
	DecisionAllowObserved       DecisionType = "allow_observed"
	DecisionAllowRateLimited    DecisionType = "allow_rate_limited"
	DecisionAllowTimeBounded    DecisionType = "allow_time_bounded"
	DecisionDenyWithAlternative DecisionType = "deny_with_alternative"
)

// Decision is the approval callback's answer.
type Decision struct {
	Type  DecisionType `mapstructure:"type"`
	Scope string       `mapstructure:"scope"`

	// allow_constrained
	Constraints *Constraints `mapstructure:"constraints"`

	// allow_observed
	TelemetryLevel string `mapstructure:"telemetry_level"`

	// allow_rate_limited
	MaxCallsPerWindow int   `mapstructure:"max_calls_per_window"`
	WindowMS          int64 `mapstructure:"window_ms"`

	// allow_time_bounded
	CronExpression   string `mapstructure:"cron_expression"`
	WindowDurationMS int64  `mapstructure:"window_duration_ms"`
	Timezone         string `mapstructure:"timezone"`

	// deny_with_alternative
	Reason      string       `mapstructure:"reason"`
	Alternative *Alternative `mapstructure:"alternative"`
}

// Allows reports whether the decision admits execution.
func (d Decision) Allows() bool {
	switch d.Type {
	case DecisionDeny, DecisionDenyWithAlternative:
		return false
	}
	return true
}

// GrantTTL maps decision type to grant lifetime: once → step, session →
// session, always → global.
func (d Decision) GrantTTL() TTL {
	switch d.Type {
	case DecisionAllowOnce:
		return TTLStep
	case DecisionAllowAlways:
		return TTLGlobal
	default:
		return TTLSession
	}
}

// DecodeDecision converts the dynamic decision shape — a legacy string literal
// or a structured map — into the tagged variant.
func DecodeDecision(raw any) (Decision, error) {
	switch v := raw.(type) {
	case Decision:
		return v, nil
	case string:
		switch DecisionType(v) {
		case DecisionAllowOnce, DecisionAllowSession, DecisionAllowAlways, DecisionDeny:
			return Decision{Type: DecisionType(v)}, nil
		}
		return Decision{}, fmt.Errorf("unknown legacy decision %q", v)
	case map[string]any:
		var d Decision
		dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
			Result:           &d,
			WeaklyTypedInput: true,
		})
		if err != nil {
			return Decision{}, err
		}
		if err := dec.Decode(v); err != nil {
			return Decision{}, fmt.Errorf("decode decision: %w", err)
		}
		if d.Type == "" {
			return Decision{}, fmt.Errorf("decision map missing type")
		}
		return d, nil
	default:
		return Decision{}, fmt.Errorf("unsupported decision value %T", raw)
	}
}

// RequestedPermission is one scope a tool call needs.
type RequestedPermission struct {
	Scope  string `json:"scope"`
	Reason string `json:"reason,omitempty"`
}

// Request asks the engine whether a tool call may proceed.
type Request struct {
	SessionID   string                `json:"session_id"`
	ToolName    string                `json:"tool_name"`
	StepID      string                `json:"step_id,omitempty"`
	Input       map[string]any        `json:"input,omitempty"`
	Permissions []RequestedPermission `json:"permissions"`
}

// Result is the engine's answer.
type Result struct {
	Allowed     bool         `json:"allowed"`
	Reason      string       `json:"reason,omitempty"`
	Constraints *Constraints `json:"constraints,omitempty"`
	Observed    bool         `json:"observed,omitempty"`
	Alternative *Alternative `json:"alternative,omitempty"`
}
