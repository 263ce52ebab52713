package worker

import (
	"context"
	"sync"
	"time"
)

// PollTask re-checks a condition on a fixed interval until it holds, the
// attempt budget runs out or the task is cancelled.
type PollTask struct {
	cancel context.CancelFunc
	done   chan struct{}

	mu       sync.Mutex
	attempts int
	outcome  PollOutcome
}

type PollOutcome int

const (
	PollRunning PollOutcome = iota
	PollReady
	PollExhausted
	PollCancelled
)

func (o PollOutcome) String() string {
	switch o {
	case PollRunning:
		return "running"
	case PollReady:
		return "ready"
	case PollExhausted:
		return "exhausted"
	case PollCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// StartPoll checks cond immediately and then once per interval, at most
// attempts times. onReady runs when cond holds, onExhausted when the budget is
// spent. A cancelled poll runs neither.
func StartPoll(ctx context.Context, interval time.Duration, attempts int, cond func() bool, onReady, onExhausted func()) *PollTask {
	ctx, cancel := context.WithCancel(ctx)
	t := &PollTask{cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(t.done)
		defer cancel()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for i := 0; i < attempts; i++ {
			if ctx.Err() != nil {
				t.finish(PollCancelled, i)
				return
			}
			if cond() {
				t.finish(PollReady, i+1)
				if onReady != nil {
					onReady()
				}
				return
			}
			if i == attempts-1 {
				break
			}
			select {
			case <-ctx.Done():
				t.finish(PollCancelled, i+1)
				return
			case <-ticker.C:
			}
		}

		t.finish(PollExhausted, attempts)
		if onExhausted != nil {
			onExhausted()
		}
	}()

	return t
}

func (t *PollTask) finish(o PollOutcome, attempts int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.outcome = o
	t.attempts = attempts
}

func (t *PollTask) Cancel() {
	t.cancel()
}

// Wait blocks until the task has finished, including its callback.
func (t *PollTask) Wait() PollOutcome {
	<-t.done
	return t.Outcome()
}

func (t *PollTask) Done() <-chan struct{} {
	return t.done
}

func (t *PollTask) Outcome() PollOutcome {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.outcome
}

func (t *PollTask) Attempts() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.attempts
}
