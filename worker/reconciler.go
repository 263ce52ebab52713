package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/zlnvch/marginalia/mq"
)

// ReconcileTarget re-synchronizes one scope after a lost create.
type ReconcileTarget interface {
	Reconcile(ctx context.Context, msg mq.ReconcileMessage) error
}

// Reconciler consumes reconciliation requests and hands them to the dashboard
// that owns the scope. Messages for scopes this process does not own are left
// on the queue for another instance.
type Reconciler struct {
	queue  mq.MessageQueue
	logger zerolog.Logger

	mu      sync.RWMutex
	targets map[string]ReconcileTarget
}

func NewReconciler(queue mq.MessageQueue, logger zerolog.Logger) *Reconciler {
	return &Reconciler{
		queue:   queue,
		logger:  logger.With().Str("component", "reconciler").Logger(),
		targets: make(map[string]ReconcileTarget),
	}
}

func (r *Reconciler) Register(scopeKey string, target ReconcileTarget) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.targets[scopeKey] = target
}

func (r *Reconciler) target(scopeKey string) (ReconcileTarget, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.targets[scopeKey]
	return t, ok
}

// A reconcile is a single search; one minute is plenty.
const visibilityTimeout = 60

func (r *Reconciler) Run(shutdownCtx context.Context) {
	for {
		msg, err := r.queue.Receive(shutdownCtx, visibilityTimeout)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return
			}
			r.logger.Warn().Err(err).Msg("receive failed")
			continue
		}
		if msg == nil {
			continue
		}

		r.handle(shutdownCtx, msg)
	}
}

func (r *Reconciler) handle(shutdownCtx context.Context, msg *mq.Message) {
	req, err := mq.DecodeReconcileMessage(msg.Body)
	if err != nil {
		// Unreadable messages would come back forever
		r.logger.Warn().Err(err).Msg("dropping malformed reconcile message")
		if err := r.queue.Delete(context.Background(), msg); err != nil {
			r.logger.Warn().Err(err).Msg("delete failed")
		}
		return
	}

	target, ok := r.target(req.ScopeKey)
	if !ok {
		r.logger.Debug().Str("scope", req.ScopeKey).Msg("scope not owned here")
		return
	}

	// timeout should be a little less than queue visibility timeout
	ctx, cancel := context.WithTimeout(shutdownCtx, (visibilityTimeout-1)*time.Second)
	defer cancel()

	if err := target.Reconcile(ctx, req); err != nil {
		r.logger.Warn().Err(err).Str("scope", req.ScopeKey).Str("localKey", req.LocalKey).Msg("reconcile failed")
		return
	}

	if err := r.queue.Delete(context.Background(), msg); err != nil {
		r.logger.Warn().Err(err).Msg("delete failed")
	}
}
