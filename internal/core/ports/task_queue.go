package ports

// TaskQueue serializes the ledger writes triggered by chain events. Enqueue
// never blocks: tasks accumulate in an unbounded queue drained by a single
// goroutine, so two tasks never run concurrently and enqueueing from within a
// task cannot deadlock.
type TaskQueue interface {
	Enqueue(task func())
	// Stop prevents further tasks from running. Queued tasks are dropped.
	Stop()
}
