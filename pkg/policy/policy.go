// Package policy evaluates signing policy rules expressed in CEL.
//
// Rules are compiled once and cached; evaluation is a cheap map lookup plus
// a program run. Evaluation failures fail closed (deny).
package policy

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/decls"
	"github.com/google/cel-go/common/types"

	"github.com/Archline-Labs/sigil/pkg/envelope"
)

// Decision is the outcome of evaluating a rule against a signing request.
type Decision struct {
	RuleID    string    `json:"rule_id"`
	Allowed   bool      `json:"allowed"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

// Engine compiles and evaluates CEL rules over envelope and signer state.
type Engine struct {
	mu          sync.RWMutex
	env         *cel.Env
	programs    map[string]cel.Program
	definitions map[string]string // ID -> CEL source
}

// NewEngine initializes the CEL environment with the signing vocabulary.
func NewEngine() (*Engine, error) {
	env, err := cel.NewEnv(
		cel.VariableDecls(
			decls.NewVariable("action", types.StringType),
			decls.NewVariable("envelope", types.NewMapType(types.StringType, types.DynType)),
			decls.NewVariable("signer", types.NewMapType(types.StringType, types.DynType)),
			decls.NewVariable("now", types.TimestampType),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("policy: create CEL env: %w", err)
	}

	return &Engine{
		env:         env,
		programs:    make(map[string]cel.Program),
		definitions: make(map[string]string),
	}, nil
}

// LoadRule compiles and registers a rule. Replaces any rule with the same ID.
func (e *Engine) LoadRule(ruleID, source string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	ast, issues := e.env.Compile(source)
	if issues != nil && issues.Err() != nil {
		return fmt.Errorf("policy: compile %s: %w", ruleID, issues.Err())
	}
	if ast.OutputType() != types.BoolType {
		return fmt.Errorf("policy: rule %s must evaluate to bool, got %s", ruleID, ast.OutputType())
	}

	prg, err := e.env.Program(ast)
	if err != nil {
		return fmt.Errorf("policy: build program %s: %w", ruleID, err)
	}

	e.programs[ruleID] = prg
	e.definitions[ruleID] = source
	return nil
}

// RuleIDs returns the IDs of all loaded rules.
func (e *Engine) RuleIDs() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]string, 0, len(e.programs))
	for id := range e.programs {
		out = append(out, id)
	}
	return out
}

// Evaluate runs a single rule against a signing request. A missing rule or an
// evaluation error denies the request.
func (e *Engine) Evaluate(ctx context.Context, ruleID, action string, env *envelope.Envelope, signer *envelope.Signer, now time.Time) Decision {
	e.mu.RLock()
	prg, exists := e.programs[ruleID]
	e.mu.RUnlock()

	decision := Decision{RuleID: ruleID, Timestamp: now}
	if !exists {
		decision.Reason = fmt.Sprintf("rule %s not found", ruleID)
		return decision
	}

	out, _, err := prg.Eval(map[string]any{
		"action":   action,
		"envelope": envelopeAttrs(env),
		"signer":   signerAttrs(signer),
		"now":      now,
	})
	if err != nil {
		decision.Reason = fmt.Sprintf("evaluation error: %v", err)
		return decision
	}

	if allowed, ok := out.Value().(bool); ok && allowed {
		decision.Allowed = true
		decision.Reason = fmt.Sprintf("allowed by rule %s", ruleID)
	} else {
		decision.Reason = fmt.Sprintf("denied by rule %s", ruleID)
	}
	return decision
}

// EvaluateAll runs every loaded rule; the request is allowed only if all rules
// allow it. The first denial is returned.
func (e *Engine) EvaluateAll(ctx context.Context, action string, env *envelope.Envelope, signer *envelope.Signer, now time.Time) Decision {
	e.mu.RLock()
	ids := make([]string, 0, len(e.programs))
	for id := range e.programs {
		ids = append(ids, id)
	}
	e.mu.RUnlock()

	for _, id := range ids {
		if d := e.Evaluate(ctx, id, action, env, signer, now); !d.Allowed {
			return d
		}
	}
	return Decision{RuleID: "*", Allowed: true, Reason: "allowed by all rules", Timestamp: now}
}

func envelopeAttrs(env *envelope.Envelope) map[string]any {
	if env == nil {
		return map[string]any{}
	}
	attrs := map[string]any{
		"id":            env.ID,
		"status":        string(env.Status),
		"owner_id":      env.OwnerID,
		"signer_count":  len(env.SignerIDs),
		"signing_order": string(env.SigningOrder),
	}
	if env.ExpiresAt != nil {
		attrs["expires_at"] = *env.ExpiresAt
	}
	return attrs
}

func signerAttrs(s *envelope.Signer) map[string]any {
	if s == nil {
		return map[string]any{}
	}
	return map[string]any{
		"id":       s.ID,
		"role":     string(s.Role),
		"status":   string(s.Status),
		"sequence": s.Sequence,
		"has_otp":  s.Challenge != nil,
	}
}
