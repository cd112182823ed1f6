package internal

// WorkerPool runs queued work on a fixed set of goroutines. The queue buffer
// equals the worker count, so a producer that outpaces the workers blocks
// instead of growing memory without bound. Size N from whatever shared
// resource the work contends on (for the audit writer, the DB connection
// pool), not from an arbitrary constant.
type WorkerPool struct {
	N  int
	ch chan func()
}

func NewWorkerPool(n int) *WorkerPool {
	return &WorkerPool{
		N:  n,
		ch: make(chan func(), n),
	}
}

// Start the workers. Only call this once.
func (wp *WorkerPool) Start() {
	for i := 0; i < wp.N; i++ {
		go wp.worker()
	}
}

// Stop the worker pool. Only call this once; pools normally live for the
// lifetime of the process.
func (wp *WorkerPool) Stop() {
	close(wp.ch)
}

// Queue some work on the pool. Blocks when the pool is saturated.
func (wp *WorkerPool) Queue(fn func()) {
	wp.ch <- fn
}

func (wp *WorkerPool) worker() {
	for fn := range wp.ch {
		fn()
	}
}
