// Package httpapi exposes workflows and executions over HTTP.
//
// Routes are mounted on a chi router with request IDs, real-IP
// detection and panic recovery. Every /v1 route is tenant scoped by the
// X-Tenant-ID header. Errors share one JSON envelope:
//
//	{"error": {"code": "NOT_FOUND", "message": "...", "requestId": "..."}}
//
// Execution progress is streamed as Server-Sent Events from
// /v1/executions/{id}/events: stored node events are replayed first,
// then live events follow until the execution reaches a terminal status.
package httpapi
