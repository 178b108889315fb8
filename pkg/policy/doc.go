// Package policy evaluates Rego parameter policies with the Open Policy Agent
// (OPA) engine before a notebook is executed.
//
// A policy receives the notebook path, kernel and parameters as input and
// returns an allow/deny decision. It is intentionally decoupled from the
// execution engine so policies can be tested against parameter sets alone.
package policy
