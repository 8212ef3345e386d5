package sequencer

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/google/uuid"

	"github.com/okariFrankline/ex-banking/ledger"
	"github.com/okariFrankline/ex-banking/log"
)

// worker is a one-shot unit of execution: it applies exactly one entry to
// the ledger, posts a completion report to its owning sequencer, and dies.
// It never retries and holds no state beyond the single unit of work; new
// work always means a new worker.
type worker struct {
	id    uuid.UUID
	owner string
	store Ledger
	entry ledger.Entry
}

// start runs the worker on its own goroutine. A completion report is always
// posted, even when the mutation panics, so the owning sequencer can never
// be left with a worker permanently in flight. The report send is guarded
// by done so a worker outliving its sequencer (panic path on the loop side)
// cannot block forever; a sequencer never reaches its idle exit with a
// worker in flight.
func (w *worker) start(report chan<- message, done <-chan struct{}, logger log.Logger) {
	go func() {
		result := completion{workerID: w.id, entry: w.entry}

		func() {
			defer func() {
				if recovered := recover(); recovered != nil {
					logger.Log(context.Background(), log.LevelError, "worker panic recovered",
						log.String("worker_id", w.id.String()),
						log.Any("panic", recovered),
						log.String("stack", string(debug.Stack())),
					)

					result.account = ledger.Account{}
					result.err = fmt.Errorf("worker panic: %v", recovered)
				}
			}()

			result.account, result.err = w.store.Apply(w.owner, w.entry)
		}()

		select {
		case report <- result:
		case <-done:
		}
	}()
}
