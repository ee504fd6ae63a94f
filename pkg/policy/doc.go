// Package policy integrates the Open Policy Agent (OPA) engine with the roots
// validator, evaluating Rego rules for every directory that passes the
// built-in policy checks.
//
// Rules receive the raw and normalized directory, the policy kind and the
// whitelist in effect, and answer with an allow decision and an optional
// reason. The package is decoupled from transport concerns so rule bundles can
// be simulated, tested and hot-reloaded independently of the validator.
package policy
