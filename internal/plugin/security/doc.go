// Package security holds the host's security policy for plugins.
//
// # Risk
//
// Assess turns a trust verdict into a RiskLevel and a one-line summary that
// the privilege broker shows when it asks the operator for consent:
//
//   - signed by a known authority: low
//   - signed, but the authority is unknown or publishes another key: medium
//   - unsigned: high
//   - claims an authority but the signature is missing or broken: critical
//
// # Defaults
//
// DefaultDenyReferences feeds the bytecode gate, DefaultDenyPackages the
// loader's strict entry point check, and DefaultHostModules the loader's
// allow-list of host-provided modules.
//
// # Limits
//
// Limits bound how long a single call into plugin code may run. Elevated
// plugins get RelaxedLimits, everyone else StrictLimits.
package security
