// Package intake implements the drawing intake orchestration engine: a
// debounced file-pair detector, a durable job pipeline, a retry policy, and
// the stage executor that drives each detected CAD/document pair through
// metadata extraction, opportunity creation, remote folder provisioning,
// file relocation, notification, and optional portal submission.
//
// The package owns the pipeline semantics only. Every external system is an
// injected collaborator behind a narrow interface, and the JobStore is the
// single source of truth for what has already been handled.
package intake
