// Package domain contains the core types and interfaces of the orchestrator:
// sessions, sync operations, canonical transactions, aggregate stats, and the
// driver/repository contracts implemented by the outer layers.
package domain
