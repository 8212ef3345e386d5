// Package ledger holds the canonical account state for the banking core.
//
// Accounts are value types owned exclusively by the Store, an in-memory
// concurrent map with per-account locking: operations on different owners
// never contend, and the read-modify-write of a single account is atomic
// even if callers violate the one-writer-per-account discipline enforced
// upstream by the sequencers.
package ledger
