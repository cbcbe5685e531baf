// Package store persists the task table.
//
// It currently supports:
//   - sqlite: durable single-file database (primary driver)
//   - memory: process-local map (tests and storage-disabled runs)
//
// The scheduler treats the in-memory task table as the working source of
// truth between persists; the store owns write-transaction integrity.
// Saves are incremental upserts keyed by task id.
package store
