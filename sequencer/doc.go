// Package sequencer serializes all operations for a single account.
//
// One Sequencer runs per owner, each a goroutine message loop holding a
// bounded FIFO of pending entries, at most one in-flight worker, and the
// set of balance readers parked behind the queue (barrier reads). The
// Registry guarantees at most one live Sequencer per owner, creating them
// lazily and dropping entries when a Sequencer terminates after its idle
// timeout. Full parallelism across owners, strict ordering within one.
package sequencer
