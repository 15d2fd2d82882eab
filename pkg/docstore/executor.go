package docstore

import "sync"

// task is one unit of work submitted to the executor's FIFO queue.
type task struct {
	run  func()
	done chan struct{}
}

// executor guarantees that at most one core operation (find, insert,
// update, remove, ensureIndex, compaction) runs at a time, per §4.8. It
// starts in buffered mode: submissions are accepted but held until
// drainBuffer is called once loadDatabase completes, so that operations
// submitted during startup observe the loaded state instead of racing it.
type executor struct {
	mu        sync.Mutex
	buffering bool
	buffered  []task

	queue chan task
	wg    sync.WaitGroup
}

func newExecutor() *executor {
	e := &executor{
		buffering: true,
		queue:     make(chan task, 256),
	}

	e.wg.Add(1)

	go e.loop()

	return e
}

func (e *executor) loop() {
	defer e.wg.Done()

	for t := range e.queue {
		t.run()
		close(t.done)
	}
}

// Submit enqueues fn and blocks until it has run, returning its error.
// While the executor is buffering, Submit still blocks the caller but the
// task itself waits behind the buffer until drainBuffer runs.
func (e *executor) Submit(fn func() error) error {
	var err error

	t := task{
		run:  func() { err = fn() },
		done: make(chan struct{}),
	}

	e.mu.Lock()

	if e.buffering {
		e.buffered = append(e.buffered, t)
		e.mu.Unlock()
	} else {
		e.mu.Unlock()
		e.queue <- t
	}

	<-t.done

	return err
}

// submitLoad runs fn immediately, bypassing the buffer; this is the path
// loadDatabase itself uses so it is never stuck behind its own buffer.
func (e *executor) submitLoad(fn func() error) error {
	var err error

	t := task{
		run:  func() { err = fn() },
		done: make(chan struct{}),
	}

	e.queue <- t
	<-t.done

	return err
}

// drainBuffer flips the executor out of buffering mode and releases every
// task accumulated while buffering, in submission order.
func (e *executor) drainBuffer() {
	e.mu.Lock()
	buffered := e.buffered
	e.buffered = nil
	e.buffering = false
	e.mu.Unlock()

	for _, t := range buffered {
		e.queue <- t
	}
}

// Close stops accepting new work and waits for the worker to exit once the
// queue drains.
func (e *executor) Close() {
	close(e.queue)
	e.wg.Wait()
}
