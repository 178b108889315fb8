package policy

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
)

const defaultEntrypoint = "nbrun/parameters/decision"

// EngineOptions control OPA engine construction.
type EngineOptions struct {
	// Entrypoint is the policy decision path (e.g. "nbrun/parameters/decision").
	Entrypoint string
	// Modules contains the Rego modules that should be loaded into the engine.
	Modules map[string]string
}

// Engine evaluates parameter decisions using an embedded OPA instance.
type Engine struct {
	entrypoint string
	query      rego.PreparedEvalQuery
}

var _ Evaluator = (*Engine)(nil)

// NewEngine parses and compiles the modules and prepares the entrypoint query.
func NewEngine(ctx context.Context, opts EngineOptions) (*Engine, error) {
	entry := strings.Trim(strings.TrimSpace(opts.Entrypoint), "/")
	if entry == "" {
		entry = defaultEntrypoint
	}

	if len(opts.Modules) == 0 {
		return nil, errors.New("policy engine requires at least one rego module")
	}

	names := make([]string, 0, len(opts.Modules))
	for name := range opts.Modules {
		names = append(names, name)
	}
	sort.Strings(names)

	regoOpts := []func(*rego.Rego){
		rego.Query("data." + strings.ReplaceAll(entry, "/", ".")),
	}
	for _, name := range names {
		module, err := ast.ParseModuleWithOpts(name, opts.Modules[name], ast.ParserOptions{RegoVersion: ast.RegoV1})
		if err != nil {
			return nil, fmt.Errorf("parse rego module %q: %w", name, err)
		}
		regoOpts = append(regoOpts, rego.ParsedModule(module))
	}

	prepared, err := rego.New(regoOpts...).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("compile rego modules: %w", err)
	}

	return &Engine{entrypoint: entry, query: prepared}, nil
}

// LoadFile builds an engine from a single Rego file.
func LoadFile(ctx context.Context, path, entrypoint string) (*Engine, error) {
	//nolint:gosec // Policy path is supplied by the operator
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy %s: %w", path, err)
	}
	return NewEngine(ctx, EngineOptions{
		Entrypoint: entrypoint,
		Modules:    map[string]string{filepath.Base(path): string(src)},
	})
}

// Entrypoint returns the decision path the engine evaluates.
func (e *Engine) Entrypoint() string {
	return e.entrypoint
}

// Evaluate runs the policy. An undefined decision allows; a decision object
// without "allow" also allows.
func (e *Engine) Evaluate(ctx context.Context, input Input) (Decision, error) {
	payload := map[string]any{
		"notebook":   input.Notebook,
		"kernel":     input.Kernel,
		"parameters": cloneParameters(input.Parameters),
	}

	results, err := e.query.Eval(ctx, rego.EvalInput(payload))
	if err != nil {
		return Decision{}, fmt.Errorf("opa decision: %w", err)
	}

	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return Decision{Allow: true}, nil
	}

	decisionPayload, ok := results[0].Expressions[0].Value.(map[string]any)
	if !ok {
		return Decision{}, fmt.Errorf("opa decision: unexpected result type %T", results[0].Expressions[0].Value)
	}

	decision := Decision{Allow: true}
	if raw, present := decisionPayload["allow"]; present {
		allow, isBool := raw.(bool)
		if !isBool {
			return Decision{}, fmt.Errorf("opa decision: allow must be boolean, got %T", raw)
		}
		decision.Allow = allow
	}
	decision.Reason, _ = decisionPayload["reason"].(string)

	return decision, nil
}

func cloneParameters(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
