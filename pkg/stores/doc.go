// Package stores provides the runner's local record of reconciled resources.
// It includes a SQLite store (WAL mode, embedded migrations, a sequential
// table keyed by resource ID), a Badger store, and TrackingExecutor, which
// puts either in front of an executor so every resource ever handed to it
// stays visible to the sweep until a delete succeeds, across restarts.
package stores
