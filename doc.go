// Package exbanking is an in-memory banking core: concurrent deposits,
// withdrawals, balance reads, and transfers for independent users, with
// every user's operations applied strictly one at a time in arrival order
// and a hard cap on how much work one user may queue.
//
// The Bank facade is the whole public surface:
//
//	bank := exbanking.New()
//	_ = bank.CreateUser(ctx, "alice")
//	balance, err := bank.Deposit(ctx, "alice", decimal.NewFromInt(100), "USD")
//
// Internally each user is served by a per-owner sequencer actor (package
// sequencer) that dispatches one-shot workers against the account store
// (package ledger); transfers compose a withdrawal and a deposit with
// compensation on partial failure. There is no wire protocol and no
// persistence; this is an in-process API consumed by an external
// request-handling layer.
package exbanking
