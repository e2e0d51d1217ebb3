package permission

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oldeucryptoboi/karnevil9/pkg/dct"
	"github.com/oldeucryptoboi/karnevil9/pkg/errkit"
	"github.com/oldeucryptoboi/karnevil9/pkg/scope"
)

// Hard caps on growable caches. On overflow the oldest inserted entry is
// evicted (FIFO) together with its secondary-index reference.
const (
	MaxSessionCaches   = 1024
	MaxConstraintCache = 4096
	MaxObservedCache   = 4096
)

// Journal event types emitted by the engine.
const (
	EventRequested = "permission.requested"
	EventGranted   = "permission.granted"
	EventDenied    = "permission.denied"
	EventChecked   = "permission.checked"
)

// EventSink receives journal events. Emit failure is fatal for the
// triggering check.
type EventSink interface {
	Emit(sessionID, eventType string, payload map[string]any) error
}

// PromptFunc is the approval channel. The returned value may be a legacy
// string or a structured decision map; the engine decodes it.
// The engine guarantees at most one outstanding prompt per session.
type PromptFunc func(ctx context.Context, req Request) (any, error)

// AuditRecord is handed to the external audit hook for observed grants.
type AuditRecord struct {
	SessionID string
	ToolName  string
	Input     map[string]any
	Timestamp time.Time
}

// AuditHook is invoked for allow_observed scopes. Failures are swallowed.
type AuditHook func(AuditRecord)

// History is a verified view of past permission events. When configured,
// conditional grants evaluate against it instead of mutable in-process
// counters.
type History interface {
	// CountChecked returns how many permission.checked events exist for the
	// session and scope since the given time.
	CountChecked(sessionID, scopeStr string, since time.Time) (int, error)
}

// Engine is the permission engine.
type Engine struct {
	sink    EventSink
	prompt  PromptFunc
	audit   AuditHook
	history History
	clock   func() time.Time

	mu sync.Mutex

	// grants: session → scope string → grant. Insertion order tracked for
	// FIFO eviction of whole sessions.
	grants       map[string]map[string]Grant
	sessionOrder []string

	// constraint cache: (session, tool, step?) → constraints
	constraints     map[constraintKey]*Constraints
	constraintOrder []constraintKey

	// observed cache: (session, tool) → telemetry level
	observed      map[constraintKey]string
	observedOrder []constraintKey

	conditions *conditionTable

	// per-session prompt serialization
	promptLocks map[string]*sync.Mutex

	// dctTokens: session → active capability token
	dctSigner *dct.Signer
	dctTokens map[string]*dct.Token
}

type constraintKey struct {
	sessionID string
	toolName  string
	stepID    string
}

// Option configures the engine.
type Option func(*Engine)

// WithAuditHook installs the external audit hook.
func WithAuditHook(h AuditHook) Option { return func(e *Engine) { e.audit = h } }

// WithHistory installs the verified journal view for conditional grants.
func WithHistory(h History) Option { return func(e *Engine) { e.history = h } }

// WithDCT installs the capability-token enforcer.
func WithDCT(signer *dct.Signer) Option { return func(e *Engine) { e.dctSigner = signer } }

// WithClock overrides time.Now, for tests.
func WithClock(clock func() time.Time) Option { return func(e *Engine) { e.clock = clock } }

// NewEngine creates a permission engine.
func NewEngine(sink EventSink, prompt PromptFunc, opts ...Option) *Engine {
	e := &Engine{
		sink:        sink,
		prompt:      prompt,
		clock:       time.Now,
		grants:      make(map[string]map[string]Grant),
		constraints: make(map[constraintKey]*Constraints),
		observed:    make(map[constraintKey]string),
		conditions:  newConditionTable(),
		promptLocks: make(map[string]*sync.Mutex),
		dctTokens:   make(map[string]*dct.Token),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ApplyDCT installs a capability token as the session's outer boundary.
// The token is validated first.
func (e *Engine) ApplyDCT(sessionID string, token *dct.Token) error {
	if e.dctSigner == nil {
		return fmt.Errorf("no DCT signer configured")
	}
	if err := e.dctSigner.Verify(token, e.clock()); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.dctTokens[sessionID] = token

	// The token's scopes are pre-granted at session TTL; everything outside
	// them is denied outright by the boundary check.
	e.preGrantLocked(sessionID, token.AllowedScopes, "dct:"+token.DCTID)
	return nil
}

// PreGrant installs session-TTL grants, used by DCT application and
// plugin-driven bootstrapping.
func (e *Engine) PreGrant(sessionID string, scopes []string, grantedBy string) error {
	for _, sc := range scopes {
		if _, err := scope.Parse(sc); err != nil {
			return err
		}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.preGrantLocked(sessionID, scopes, grantedBy)
	return nil
}

func (e *Engine) preGrantLocked(sessionID string, scopes []string, grantedBy string) {
	grants := e.sessionGrantsLocked(sessionID)
	now := e.clock()
	for _, sc := range scopes {
		grants[sc] = Grant{Scope: sc, Decision: string(DecisionAllowSession), GrantedBy: grantedBy, GrantedAt: now, TTL: TTLSession}
	}
}

// sessionGrantsLocked returns (creating if needed) the session's grant map,
// evicting the oldest session at the cap.
func (e *Engine) sessionGrantsLocked(sessionID string) map[string]Grant {
	if g, ok := e.grants[sessionID]; ok {
		return g
	}
	if len(e.sessionOrder) >= MaxSessionCaches {
		oldest := e.sessionOrder[0]
		e.sessionOrder = e.sessionOrder[1:]
		e.clearSessionLocked(oldest)
	}
	g := make(map[string]Grant)
	e.grants[sessionID] = g
	e.sessionOrder = append(e.sessionOrder, sessionID)
	return g
}

// IsGranted checks scope coverage, then consumes a rate token (if any), then
// evaluates the time bound (if any). All three must succeed.
func (e *Engine) IsGranted(scopeStr, sessionID string) bool {
	req, err := scope.Parse(scopeStr)
	if err != nil {
		return false
	}

	e.mu.Lock()
	grants := e.grants[sessionID]
	var matched string
	for grantScope := range grants {
		g, err := scope.Parse(grantScope)
		if err != nil {
			continue
		}
		if g.Matches(req) {
			matched = grantScope
			break
		}
	}
	e.mu.Unlock()

	if matched == "" {
		return false
	}
	return e.checkConditions(sessionID, matched)
}

// checkConditions enforces rate buckets and time bounds for a matched grant.
func (e *Engine) checkConditions(sessionID, grantScope string) bool {
	now := e.clock()

	if e.history != nil {
		if ok, decided := e.checkRateAgainstHistory(sessionID, grantScope, now); decided {
			if !ok {
				return false
			}
			if !e.conditions.checkBoundOnly(sessionID, grantScope, now) {
				return false
			}
			e.recordChecked(sessionID, grantScope)
			return true
		}
	}

	if !e.conditions.check(sessionID, grantScope, now) {
		return false
	}
	e.recordChecked(sessionID, grantScope)
	return true
}

// checkRateAgainstHistory evaluates the rate bucket from the verified journal
// rather than the in-memory counter. decided is false when the scope has no
// rate bucket.
func (e *Engine) checkRateAgainstHistory(sessionID, grantScope string, now time.Time) (ok, decided bool) {
	cfg, exists := e.conditions.bucketConfig(sessionID, grantScope)
	if !exists {
		return false, false
	}
	count, err := e.history.CountChecked(sessionID, grantScope, now.Add(-cfg.window))
	if err != nil {
		slog.Warn("permission: history read failed, denying conditional grant", "error", err)
		return false, true
	}
	return count < cfg.maxCalls, true
}

func (e *Engine) recordChecked(sessionID, grantScope string) {
	if e.conditions.isConditional(sessionID, grantScope) {
		_ = e.sink.Emit(sessionID, EventChecked, map[string]any{"scope": grantScope})
	}
}

// Check is the public permission gate for a tool invocation.
func (e *Engine) Check(ctx context.Context, req Request) (Result, error) {
	// DCT boundary first: any scope outside the capability token is an
	// immediate denial, no prompt.
	if boundary := e.dctBoundary(req.SessionID); boundary != nil {
		for _, p := range req.Permissions {
			if !dct.Covered(boundary.AllowedScopes, p.Scope) {
				if err := e.sink.Emit(req.SessionID, EventDenied, map[string]any{
					"tool":   req.ToolName,
					"scope":  p.Scope,
					"reason": "outside DCT boundary",
				}); err != nil {
					return Result{}, err
				}
				return Result{Allowed: false, Reason: "outside DCT boundary"}, nil
			}
		}
	}

	if missing := e.missingScopes(req); len(missing) == 0 {
		return e.allowedResult(req), nil
	}

	// Serialize the approval prompt per session and re-check under the lock:
	// an earlier prompt may have installed a grant that satisfies us.
	lock := e.promptLock(req.SessionID)
	lock.Lock()
	defer lock.Unlock()

	missing := e.missingScopes(req)
	if len(missing) == 0 {
		return e.allowedResult(req), nil
	}

	if err := e.sink.Emit(req.SessionID, EventRequested, map[string]any{
		"tool":   req.ToolName,
		"step":   req.StepID,
		"scopes": missing,
	}); err != nil {
		return Result{}, err
	}

	if e.prompt == nil {
		return e.deny(req, missing, "no approval channel configured")
	}

	rawDecision, err := e.prompt(ctx, req)
	if err != nil {
		return e.deny(req, missing, fmt.Sprintf("approval prompt failed: %v", err))
	}
	decision, err := DecodeDecision(rawDecision)
	if err != nil {
		return e.deny(req, missing, fmt.Sprintf("invalid approval decision: %v", err))
	}

	return e.applyDecision(req, missing, decision)
}

func (e *Engine) dctBoundary(sessionID string) *dct.Token {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dctTokens[sessionID]
}

func (e *Engine) missingScopes(req Request) []string {
	var missing []string
	for _, p := range req.Permissions {
		if !e.IsGranted(p.Scope, req.SessionID) {
			missing = append(missing, p.Scope)
		}
	}
	return missing
}

func (e *Engine) allowedResult(req Request) Result {
	res := Result{Allowed: true}
	res.Constraints = e.cachedConstraints(req.SessionID, req.ToolName, req.StepID)
	if level := e.observedLevel(req.SessionID, req.ToolName); level != "" {
		res.Observed = true
		e.fireAudit(req)
	}
	return res
}

func (e *Engine) deny(req Request, scopes []string, reason string) (Result, error) {
	if err := e.sink.Emit(req.SessionID, EventDenied, map[string]any{
		"tool":   req.ToolName,
		"scopes": scopes,
		"reason": reason,
	}); err != nil {
		return Result{}, err
	}
	return Result{Allowed: false, Reason: reason}, nil
}

// applyDecision installs grants, caches, and conditions for an approval
// decision and returns the final result.
func (e *Engine) applyDecision(req Request, missing []string, d Decision) (Result, error) {
	if !d.Allows() {
		reason := d.Reason
		if reason == "" {
			reason = "denied by approver"
		}
		res, err := e.deny(req, missing, reason)
		if err != nil {
			return Result{}, err
		}
		res.Alternative = d.Alternative
		return res, nil
	}

	// Scope-bearing structured decisions may name a wider grant scope than
	// requested; default to the missing scopes.
	grantScopes := missing
	if d.Scope != "" {
		grantScopes = []string{d.Scope}
	}
	for _, sc := range grantScopes {
		if _, err := scope.Parse(sc); err != nil {
			return e.deny(req, missing, fmt.Sprintf("invalid scope in decision: %v", err))
		}
	}

	ttl := d.GrantTTL()
	now := e.clock()

	e.mu.Lock()
	grants := e.sessionGrantsLocked(req.SessionID)
	for _, sc := range grantScopes {
		grants[sc] = Grant{Scope: sc, Decision: string(d.Type), GrantedBy: "approval", GrantedAt: now, TTL: ttl}
	}
	e.mu.Unlock()

	result := Result{Allowed: true}

	switch d.Type {
	case DecisionAllowConstrained:
		e.cacheConstraints(req.SessionID, req.ToolName, req.StepID, d.Constraints)
		result.Constraints = d.Constraints
	case DecisionAllowObserved:
		level := d.TelemetryLevel
		if level == "" {
			level = "basic"
		}
		e.cacheObserved(req.SessionID, req.ToolName, level)
		result.Observed = true
		e.fireAudit(req)
	case DecisionAllowRateLimited:
		window := time.Duration(d.WindowMS) * time.Millisecond
		for _, sc := range grantScopes {
			e.conditions.setBucket(req.SessionID, sc, d.MaxCallsPerWindow, window, now)
		}
	case DecisionAllowTimeBounded:
		bound, err := newTimeBound(d.CronExpression, time.Duration(d.WindowDurationMS)*time.Millisecond, d.Timezone)
		if err != nil {
			return e.deny(req, missing, fmt.Sprintf("invalid time bound: %v", err))
		}
		for _, sc := range grantScopes {
			e.conditions.setBound(req.SessionID, sc, bound)
		}
		// The bound applies immediately; the grant is useless outside the
		// window, so verify now.
		if !bound.satisfied(now) {
			return e.deny(req, missing, "time-bounded grant outside its window")
		}
	}

	if err := e.sink.Emit(req.SessionID, EventGranted, map[string]any{
		"tool":     req.ToolName,
		"scopes":   grantScopes,
		"decision": string(d.Type),
		"ttl":      string(ttl),
	}); err != nil {
		return Result{}, err
	}

	// Rate-limited grants consume their first token for this call.
	if d.Type == DecisionAllowRateLimited || d.Type == DecisionAllowTimeBounded {
		for _, p := range req.Permissions {
			if !e.IsGranted(p.Scope, req.SessionID) {
				return Result{Allowed: false, Reason: "conditional grant not satisfied"}, nil
			}
		}
	}

	return result, nil
}

func (e *Engine) fireAudit(req Request) {
	if e.audit == nil {
		return
	}
	rec := AuditRecord{SessionID: req.SessionID, ToolName: req.ToolName, Input: req.Input, Timestamp: e.clock()}
	func() {
		defer func() {
			if r := recover(); r != nil {
				slog.Warn("permission: audit hook panicked", "panic", r)
			}
		}()
		e.audit(rec)
	}()
}

// EndStep removes step-TTL grants and step-keyed constraint cache entries.
func (e *Engine) EndStep(sessionID, stepID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for sc, g := range e.grants[sessionID] {
		if g.TTL == TTLStep {
			delete(e.grants[sessionID], sc)
		}
	}
	key := constraintKey{sessionID: sessionID, stepID: stepID}
	for k := range e.constraints {
		if k.sessionID == key.sessionID && k.stepID == stepID && stepID != "" {
			delete(e.constraints, k)
		}
	}
}

// ClearSession removes all session-local state: grants of every TTL
// (including global, which is process-isolated), cached constraints,
// observation flags, rate buckets, time bounds, and the prompt lock.
func (e *Engine) ClearSession(sessionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.clearSessionLocked(sessionID)
	for i, id := range e.sessionOrder {
		if id == sessionID {
			e.sessionOrder = append(e.sessionOrder[:i], e.sessionOrder[i+1:]...)
			break
		}
	}
}

func (e *Engine) clearSessionLocked(sessionID string) {
	delete(e.grants, sessionID)
	delete(e.dctTokens, sessionID)
	delete(e.promptLocks, sessionID)

	filtered := e.constraintOrder[:0]
	for _, k := range e.constraintOrder {
		if k.sessionID == sessionID {
			delete(e.constraints, k)
		} else {
			filtered = append(filtered, k)
		}
	}
	e.constraintOrder = filtered

	filteredObs := e.observedOrder[:0]
	for _, k := range e.observedOrder {
		if k.sessionID == sessionID {
			delete(e.observed, k)
		} else {
			filteredObs = append(filteredObs, k)
		}
	}
	e.observedOrder = filteredObs

	e.conditions.clearSession(sessionID)
}

func (e *Engine) promptLock(sessionID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	lock, ok := e.promptLocks[sessionID]
	if !ok {
		lock = &sync.Mutex{}
		e.promptLocks[sessionID] = lock
	}
	return lock
}

func (e *Engine) cacheConstraints(sessionID, toolName, stepID string, c *Constraints) {
	if c == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	key := constraintKey{sessionID, toolName, stepID}
	if _, exists := e.constraints[key]; !exists {
		if len(e.constraintOrder) >= MaxConstraintCache {
			oldest := e.constraintOrder[0]
			e.constraintOrder = e.constraintOrder[1:]
			delete(e.constraints, oldest)
		}
		e.constraintOrder = append(e.constraintOrder, key)
	}
	e.constraints[key] = c
}

func (e *Engine) cachedConstraints(sessionID, toolName, stepID string) *Constraints {
	e.mu.Lock()
	defer e.mu.Unlock()
	if c, ok := e.constraints[constraintKey{sessionID, toolName, stepID}]; ok {
		return c
	}
	return e.constraints[constraintKey{sessionID, toolName, ""}]
}

func (e *Engine) cacheObserved(sessionID, toolName, level string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	key := constraintKey{sessionID: sessionID, toolName: toolName}
	if _, exists := e.observed[key]; !exists {
		if len(e.observedOrder) >= MaxObservedCache {
			oldest := e.observedOrder[0]
			e.observedOrder = e.observedOrder[1:]
			delete(e.observed, oldest)
		}
		e.observedOrder = append(e.observedOrder, key)
	}
	e.observed[key] = level
}

func (e *Engine) observedLevel(sessionID, toolName string) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.observed[constraintKey{sessionID: sessionID, toolName: toolName}]
}

// DeniedError converts a denial result into the typed error surfaced to tool
// callers.
func DeniedError(res Result) error {
	return errkit.Newf(errkit.CodePermissionDenied, "%s", res.Reason)
}
