package chat

import "context"

// Task tracks a background submission started by Engine.Send.
type Task struct {
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

func newTask(parent context.Context) *Task {
	ctx, cancel := context.WithCancel(parent)
	return &Task{ctx: ctx, cancel: cancel, done: make(chan struct{})}
}

func (t *Task) finish(err error) {
	t.err = err
	t.cancel()
	close(t.done)
}

// Done is closed once the submission has finished.
func (t *Task) Done() <-chan struct{} { return t.done }

// Cancel aborts the reply. The user message stays committed.
func (t *Task) Cancel() { t.cancel() }

// Err returns the outcome. It is only meaningful after Done is closed.
func (t *Task) Err() error {
	select {
	case <-t.done:
		return t.err
	default:
		return nil
	}
}

// Wait blocks until the submission finishes or ctx is done.
func (t *Task) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.err
	case <-ctx.Done():
		return ctx.Err()
	}
}
