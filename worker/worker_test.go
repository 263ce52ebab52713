package worker_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/zlnvch/marginalia/mq"
	mqmocks "github.com/zlnvch/marginalia/mq/mocks"
	"github.com/zlnvch/marginalia/worker"
)

func TestPoll_ReadyAfterFewAttempts(t *testing.T) {
	var checks atomic.Int32
	var ready, exhausted atomic.Bool

	task := worker.StartPoll(context.Background(), time.Millisecond, 100,
		func() bool { return checks.Add(1) == 3 },
		func() { ready.Store(true) },
		func() { exhausted.Store(true) },
	)

	assert.Equal(t, worker.PollReady, task.Wait())
	assert.Equal(t, 3, task.Attempts())
	assert.True(t, ready.Load())
	assert.False(t, exhausted.Load())
}

func TestPoll_Exhausts(t *testing.T) {
	var checks atomic.Int32
	var exhausted atomic.Bool

	task := worker.StartPoll(context.Background(), time.Millisecond, 5,
		func() bool { checks.Add(1); return false },
		nil,
		func() { exhausted.Store(true) },
	)

	assert.Equal(t, worker.PollExhausted, task.Wait())
	assert.Equal(t, int32(5), checks.Load())
	assert.True(t, exhausted.Load())
}

func TestPoll_Cancel(t *testing.T) {
	var called atomic.Bool
	task := worker.StartPoll(context.Background(), time.Hour, 100,
		func() bool { return false },
		func() { called.Store(true) },
		func() { called.Store(true) },
	)

	task.Cancel()
	assert.Equal(t, worker.PollCancelled, task.Wait())
	assert.False(t, called.Load())
	assert.Equal(t, "cancelled", task.Outcome().String())
}

type recordingTarget struct {
	mu   sync.Mutex
	msgs []mq.ReconcileMessage
	err  error
}

func (r *recordingTarget) Reconcile(ctx context.Context, msg mq.ReconcileMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
	return r.err
}

func body(t *testing.T, scope string) string {
	b, err := mq.ReconcileMessage{ScopeKey: scope, LocalKey: "k"}.Encode()
	assert.NoError(t, err)
	return b
}

func TestReconciler_DispatchesAndDeletes(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mockMQ := new(mqmocks.MockMQ)
	owned := &mq.Message{Id: "r1", Body: body(t, "mine")}
	foreign := &mq.Message{Id: "r2", Body: body(t, "theirs")}
	bad := &mq.Message{Id: "r3", Body: "garbage"}

	mockMQ.On("Receive", ctx, int32(60)).Return(owned, nil).Once()
	mockMQ.On("Receive", ctx, int32(60)).Return(foreign, nil).Once()
	mockMQ.On("Receive", ctx, int32(60)).Return(bad, nil).Once()
	mockMQ.On("Receive", ctx, int32(60)).Return(nil, nil).Once()
	mockMQ.On("Receive", ctx, int32(60)).Return(nil, errors.New("throttled")).Once()
	mockMQ.On("Receive", ctx, int32(60)).Run(func(mock.Arguments) { cancel() }).Return(nil, context.Canceled)
	mockMQ.On("Delete", mock.Anything, owned).Return(nil).Once()
	mockMQ.On("Delete", mock.Anything, bad).Return(nil).Once()

	target := &recordingTarget{}
	r := worker.NewReconciler(mockMQ, zerolog.Nop())
	r.Register("mine", target)

	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("reconciler did not stop")
	}

	assert.Len(t, target.msgs, 1)
	assert.Equal(t, "mine", target.msgs[0].ScopeKey)
	mockMQ.AssertExpectations(t)
	mockMQ.AssertNotCalled(t, "Delete", mock.Anything, foreign)
}

func TestReconciler_KeepsMessageOnFailure(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mockMQ := new(mqmocks.MockMQ)
	msg := &mq.Message{Id: "r1", Body: body(t, "mine")}
	mockMQ.On("Receive", ctx, int32(60)).Return(msg, nil).Once()
	mockMQ.On("Receive", ctx, int32(60)).Run(func(mock.Arguments) { cancel() }).Return(nil, context.Canceled)

	r := worker.NewReconciler(mockMQ, zerolog.Nop())
	r.Register("mine", &recordingTarget{err: errors.New("store down")})
	r.Run(ctx)

	mockMQ.AssertNotCalled(t, "Delete", mock.Anything, mock.Anything)
}
