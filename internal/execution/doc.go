// Package execution defines the records produced while a workflow runs:
// the execution itself and the ordered stream of per-node status events.
//
// These types are shared by the engine (producer), the store (durable
// log), the realtime broker (live fan-out) and the HTTP API (readers).
package execution
