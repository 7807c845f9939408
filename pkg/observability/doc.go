// Package observability provides structured logging, Prometheus metrics and
// health probes for the reconciliation job.
package observability
