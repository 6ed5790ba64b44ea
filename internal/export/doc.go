// Package export drives one export run: it resolves experiments by name,
// mirrors their gating definitions, raw data files, and per-file
// event-count statistics into the object store, and consolidates per-file
// annotations into a single spreadsheet.
//
// Re-running the pipeline is safe: artifacts whose mirrored destination
// already exists are skipped. Per-file statistics are the exception and
// are recomputed and reuploaded every run unless skip_mirrored_statistics
// is set.
package export
