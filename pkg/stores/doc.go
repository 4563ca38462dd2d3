// Package stores persists the session journal: a local SQLite record
// of every reconciliation run, its arguments, and the actions it
// applied to the target.
package stores
