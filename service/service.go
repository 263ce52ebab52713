package service

import (
	"context"
	"errors"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/rs/zerolog"
	"github.com/zlnvch/marginalia/cache"
	"github.com/zlnvch/marginalia/colorize"
	"github.com/zlnvch/marginalia/masterlist"
	"github.com/zlnvch/marginalia/models"
	"github.com/zlnvch/marginalia/mq"
	"github.com/zlnvch/marginalia/session"
)

// Service is the shared context of one annotated object: who is looking at it,
// the master list and reply index owned by its dashboard and the optional
// fan-out and reconciliation backends. Cache and MQ may be nil.
type Service struct {
	Session *session.Session
	Scope   models.Scope
	List    *masterlist.List
	Replies *masterlist.ReplyIndex
	Colors  colorize.Rules
	Cache   cache.AnnotationCache
	MQ      mq.MessageQueue
	Logger  zerolog.Logger
}

func NewService(
	sess *session.Session,
	scope models.Scope,
	colors colorize.Rules,
	annotationCache cache.AnnotationCache,
	reconcileQueue mq.MessageQueue,
	logger zerolog.Logger,
) (*Service, error) {
	if sess == nil {
		return nil, errors.New("session required")
	}
	if err := ValidateScope(scope); err != nil {
		return nil, err
	}
	if colors == nil {
		colors = colorize.Rules{}
	}

	return &Service{
		Session: sess,
		Scope:   scope,
		List:    masterlist.NewList(),
		Replies: masterlist.NewReplyIndex(),
		Colors:  colors,
		Cache:   annotationCache,
		MQ:      reconcileQueue,
		Logger:  logger,
	}, nil
}

var ErrNoQueue = errors.New("no reconciliation queue configured")

// EnqueueReconcile asks any dashboard on this scope to re-query because r never
// received its id. It returns the local key the message was sent under.
func (s *Service) EnqueueReconcile(ctx context.Context, r *models.AnnotationRecord) (string, error) {
	if s.MQ == nil {
		return "", ErrNoQueue
	}

	key, err := uuid.NewV4()
	if err != nil {
		return "", err
	}

	msg := mq.ReconcileMessage{
		ScopeKey:     s.Scope.Key(),
		ObjectId:     s.Scope.ObjectId,
		ContextId:    s.Scope.ContextId,
		CollectionId: s.Scope.CollectionId,
		Media:        string(s.Scope.Media),
		LocalKey:     key.String(),
		ParentId:     string(r.ParentId),
		Text:         r.Text,
		Created:      r.Created,
	}
	if msg.Created == "" {
		msg.Created = time.Now().UTC().Format(time.RFC3339)
	}

	body, err := msg.Encode()
	if err != nil {
		return "", err
	}
	if err := s.MQ.Send(ctx, body); err != nil {
		return "", err
	}
	return msg.LocalKey, nil
}
