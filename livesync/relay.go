// Package livesync mirrors annotation changes between dashboard instances
// showing the same scope, over the cache's pub/sub channel.
package livesync

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/rs/zerolog"

	"github.com/zlnvch/marginalia/cache"
	"github.com/zlnvch/marginalia/cache/redis"
	"github.com/zlnvch/marginalia/events"
	"github.com/zlnvch/marginalia/models"
)

// Applier receives changes made by other instances.
type Applier interface {
	ApplyRemote(e events.Event, r *models.AnnotationRecord)
}

type envelope struct {
	Origin string                   `json:"origin"`
	Event  string                   `json:"event"`
	Record *models.AnnotationRecord `json:"record"`
}

type Relay struct {
	cache   cache.AnnotationCache
	channel string
	origin  string
	timeout time.Duration
	logger  zerolog.Logger
}

func NewRelay(c cache.AnnotationCache, scopeKey string, logger zerolog.Logger) (*Relay, error) {
	origin, err := uuid.NewV4()
	if err != nil {
		return nil, err
	}
	return &Relay{
		cache:   c,
		channel: redis.ChannelName(scopeKey),
		origin:  origin.String(),
		timeout: 5 * time.Second,
		logger:  logger.With().Str("component", "livesync").Logger(),
	}, nil
}

func (r *Relay) Channel() string {
	return r.channel
}

func (r *Relay) Origin() string {
	return r.origin
}

// Start delivers changes from other instances to target until ctx is done.
func (r *Relay) Start(ctx context.Context, target Applier) error {
	return r.cache.Subscribe(ctx, r.channel, func(message []byte) {
		var env envelope
		if err := json.Unmarshal(message, &env); err != nil {
			r.logger.Warn().Err(err).Msg("malformed relay message")
			return
		}
		if env.Origin == r.origin || env.Record == nil {
			return
		}
		e, ok := events.ParseEvent(env.Event)
		if !ok {
			r.logger.Warn().Str("event", env.Event).Msg("unknown relay event")
			return
		}
		target.ApplyRemote(e, env.Record)
	})
}

// Broadcast publishes a change applied locally. Only created, updated and
// deleted are relayed.
func (r *Relay) Broadcast(e events.Event, rec *models.AnnotationRecord) {
	switch e {
	case events.EventCreated, events.EventUpdated, events.EventDeleted:
	default:
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	if err := r.publish(ctx, e, rec); err != nil {
		r.logger.Warn().Err(err).Str("event", e.String()).Msg("relay publish failed")
	}
}

func (r *Relay) publish(ctx context.Context, e events.Event, rec *models.AnnotationRecord) error {
	if rec == nil || rec.IsPending() {
		return fmt.Errorf("cannot relay %s without id", e)
	}
	b, err := json.Marshal(envelope{Origin: r.origin, Event: e.String(), Record: rec})
	if err != nil {
		return err
	}
	return r.cache.Publish(ctx, r.channel, b)
}
