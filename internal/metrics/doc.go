// Package metrics provides the Prometheus collector and HTTP endpoint
// for the export pipeline: transfer counters and histograms, analytics
// API request counters, skipped-artifact counters, and the
// pending-transfer queue gauge.
package metrics
