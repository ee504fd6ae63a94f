// Package audit records the outcome of every directory security check.
//
// Records are append-only and never read back by the validation engine. A
// Sink receives each domain.SecurityAuditLog; sinks are provided for slog,
// JSON lines files, SQLite, in-memory capture, asynchronous buffering and
// fan-out to several sinks at once.
package audit
