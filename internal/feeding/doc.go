// Package feeding holds the feeding event model and the contracts between the
// scheduler and its collaborators (event store, stock ledger, outcome emitter).
//
// Lifecycle:
//
//	scheduled -> processing -> completed
//	                        -> scheduled (retry, attempts left)
//	                        -> failed    (retries exhausted, no stock, stuck, missed)
//	scheduled -> failed (missed its window)
package feeding
