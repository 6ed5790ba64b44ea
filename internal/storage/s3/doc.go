// Package s3 implements the object-store gateway for the export pipeline.
//
// The gateway wraps the AWS SDK transfer manager with single-file and
// directory-scoped operations against one bucket: blocking upload and
// download, a pending-transfer queue for directory trees, server-side
// copy and move with existence and same-path guards, prefix listing, and
// an existence check built on a single-key listing.
//
// Directory moves and deletes are guarded by configurable object-count
// caps and fail closed before touching any object. Deleting at the store
// root is refused unconditionally. In dry run every mutating operation is
// logged and skipped while reads and listings execute for real.
//
// The pending queue has no internal lock and resolves in
// last-in-first-out order; a gateway instance is meant to be driven from
// a single goroutine.
package s3
