// Package logging holds the context key shared by every package that
// attaches per-request fields to logrus log lines.
package logging

type contextKey int

// ContextIDKey is the context.Context key under which the per-request
// correlation id (a gofrs/uuid.UUID) is stored. Every log line touching a
// single uplink, downlink or job includes this value as the "ctx_id"
// field so that related lines can be grepped together.
const ContextIDKey contextKey = 0
