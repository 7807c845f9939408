// Package billing implements the recurring-billing reconciliation engine:
// the date policy for grace periods and billing-date rollover, the pure
// per-entry state transitions, and the tick orchestrator that drives the
// payment gateway and persistence layers.
package billing
