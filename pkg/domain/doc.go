// Package domain defines the shared types and sentinel errors of the notebook runner.
//
// This package has ZERO external dependencies outside the Go standard library. Other
// packages (config, notebook, policy, tracking, reporter, runner) depend on it; it never
// depends on them:
//
//	Infrastructure → Domain (CORRECT)
//	Domain → Infrastructure (FORBIDDEN)
package domain
