package sequencer

import (
	"github.com/google/uuid"

	"github.com/okariFrankline/ex-banking/ledger"
)

// message is the closed set of mailbox messages a sequencer loop handles.
type message interface {
	sequencerMessage()
}

// submit asks the loop to admit one entry. The reply channel is buffered so
// the loop never blocks on a caller that stopped waiting.
type submit struct {
	entry ledger.Entry
	reply chan outcome
}

func (submit) sequencerMessage() {}

// balanceRead asks for the account balance behind the queue barrier.
type balanceRead struct {
	reply chan outcome
}

func (balanceRead) sequencerMessage() {}

// completion is the asynchronous report a worker posts after applying its
// single entry.
type completion struct {
	workerID uuid.UUID
	entry    ledger.Entry
	account  ledger.Account
	err      error
}

func (completion) sequencerMessage() {}

// outcome resolves one Submit or Balance call.
type outcome struct {
	account ledger.Account
	err     error
}
