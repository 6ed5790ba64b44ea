// Package cellengine is the client for the remote flow-cytometry
// analytics API: experiment lookup by name, raw-data-file and population
// enumeration, gating-definition downloads, and the bulk-statistics
// endpoint with its format-specific response decoding.
package cellengine
