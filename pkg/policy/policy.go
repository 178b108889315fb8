package policy

import (
	"context"
	"fmt"

	"github.com/polisai/nbrun/pkg/domain"
)

// Decision captures the result of a parameter policy evaluation.
type Decision struct {
	Allow  bool
	Reason string
}

// Input provides context for policy evaluation.
type Input struct {
	Notebook   string
	Kernel     string
	Parameters map[string]any
}

// Evaluator evaluates a policy decision for a given input.
type Evaluator interface {
	Evaluate(ctx context.Context, input Input) (Decision, error)
}

// AllowAll is used when no policy is configured.
type AllowAll struct{}

// Evaluate always allows.
func (AllowAll) Evaluate(context.Context, Input) (Decision, error) {
	return Decision{Allow: true}, nil
}

// DeniedError reports a policy denial.
type DeniedError struct {
	Notebook string
	Reason   string
}

func (e *DeniedError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("parameters for %s denied by policy", e.Notebook)
	}
	return fmt.Sprintf("parameters for %s denied by policy: %s", e.Notebook, e.Reason)
}

func (e *DeniedError) Is(target error) bool {
	return target == domain.ErrPolicyDenied
}

// Enforce evaluates input and converts a denial into a *DeniedError.
func Enforce(ctx context.Context, evaluator Evaluator, input Input) (Decision, error) {
	if evaluator == nil {
		evaluator = AllowAll{}
	}

	decision, err := evaluator.Evaluate(ctx, input)
	if err != nil {
		return Decision{}, fmt.Errorf("evaluate parameter policy: %w", err)
	}
	if !decision.Allow {
		return decision, &DeniedError{Notebook: input.Notebook, Reason: decision.Reason}
	}
	return decision, nil
}
