// Package manager loads and unloads models in the worker process. It is
// structured into small files by concern:
//
//   - manager.go: core Manager type, constructor, model lookup and refresh.
//   - config.go: ManagerConfig and package defaults; NewWithConfig applies defaults.
//   - errors.go: error types and helpers (IsModelNotFound, IsModelNotLoaded).
//   - load.go: Load, settings resolution and worker startup.
//   - evict.go: EvictionPolicy and the built-in policies.
//   - generate.go: token streaming through the worker.
//   - unload.go: Unload, PrepareForDeletion, worker exit handling, Close.
//   - status_report.go: status helpers for the admin surface.
//   - events.go, eventpub_memory.go: lifecycle events.
//
// Residency itself (who is loaded, which threads use what, in-flight loads)
// lives in package registry; this package decides what to load and when.
package manager
