// Package engine implements the release lifecycle transitions.
//
// Every transition is one store transaction: the release is read, its
// preconditions are checked, and the new state plus an audit entry are
// written atomically. A racing transition on the same release re-reads the
// committed state and fails its status precondition instead of overwriting.
// Audit export and notifications run after commit and never undo it.
package engine
