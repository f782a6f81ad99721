// Package orchestrator runs package operations as a pipeline of stages.
//
// A QueueItem carries an ordered list of Commands, each bound to a Stage. The
// Orchestrator owns one StageQueue per stage; every queue is a FIFO served by
// at most N worker goroutines. A worker runs consecutive commands of its
// stage, then hands the item to the next stage's queue before releasing its
// slot. When no commands remain, or the item's ItemContext has been
// terminated, the item is finalized and its Completed event fires exactly
// once.
//
// Cancellation has two tiers. Queued items are cancelled eagerly by
// CancelQueuedItems or CancelItem and never run another command. Running
// items are cancelled cooperatively: Cancel records the status and cancels
// the context.Context handed to Execute. Disable stops intake and cancels
// every active item; there is no way back to accepting short of building a
// new Orchestrator.
package orchestrator
