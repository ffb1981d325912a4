// Package store defines the read-side contract for the research job tracker.
// Implementations live in other packages; this package must not import
// database drivers or concrete clients.
package store
