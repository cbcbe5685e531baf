// Package task defines the canonical task record shared by the scheduler,
// lifecycle service, store, and orchestration layer.
//
// Conventions:
//   - A task is the only unit of schedulable work; queues are a small fixed
//     ordered set of pipeline stages (sync -> market -> analysis -> report).
//   - Status transitions are owned by the lifecycle service; everything else
//     treats tasks as read-only snapshots.
//   - Payloads are opaque maps at rest but are schema-checked per task type
//     at the handler boundary (see ValidatePayload).
package task
