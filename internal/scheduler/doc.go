// Package scheduler expands campaigns and sequences into PendingSends.
//
// The scheduler is responsible for:
//   - campaign and sequence activation (lead selection, templates, account assignment)
//   - the periodic tick that feeds deferred sends back to dispatch
//   - the daily counter reset
//   - answering dispatch's Proceed check (pause, cancel, windows, hourly caps)
//
// Execution is delegated to internal/dispatch.
package scheduler
