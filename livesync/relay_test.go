package livesync_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	cachemocks "github.com/zlnvch/marginalia/cache/mocks"
	"github.com/zlnvch/marginalia/events"
	"github.com/zlnvch/marginalia/livesync"
	"github.com/zlnvch/marginalia/models"
)

type applied struct {
	event  events.Event
	record *models.AnnotationRecord
}

type recorder struct {
	got []applied
}

func (r *recorder) ApplyRemote(e events.Event, rec *models.AnnotationRecord) {
	r.got = append(r.got, applied{e, rec})
}

func TestRelay_BroadcastPublishesToScopeChannel(t *testing.T) {
	mockCache := new(cachemocks.MockCache)
	relay, err := livesync.NewRelay(mockCache, "c--a--o--text", zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, "annotations:{c--a--o--text}", relay.Channel())

	var sent []byte
	mockCache.On("Publish", mock.Anything, relay.Channel(), mock.Anything).Run(func(args mock.Arguments) {
		sent = args.Get(2).([]byte)
	}).Return(nil).Once()

	relay.Broadcast(events.EventCreated, &models.AnnotationRecord{Id: "7", Media: models.MediaText})
	relay.Broadcast(events.EventLoaded, &models.AnnotationRecord{Id: "8"})
	relay.Broadcast(events.EventUpdated, &models.AnnotationRecord{})

	mockCache.AssertExpectations(t)
	var env map[string]any
	require.NoError(t, json.Unmarshal(sent, &env))
	assert.Equal(t, relay.Origin(), env["origin"])
	assert.Equal(t, "created", env["event"])
}

func TestRelay_StartSkipsOwnMessages(t *testing.T) {
	mockCache := new(cachemocks.MockCache)
	relay, err := livesync.NewRelay(mockCache, "scope", zerolog.Nop())
	require.NoError(t, err)

	var handler func([]byte)
	mockCache.On("Subscribe", mock.Anything, relay.Channel(), mock.Anything).Run(func(args mock.Arguments) {
		handler = args.Get(2).(func([]byte))
	}).Return(nil)

	target := &recorder{}
	require.NoError(t, relay.Start(context.Background(), target))
	require.NotNil(t, handler)

	handler([]byte(`{"origin":"` + relay.Origin() + `","event":"created","record":{"id":1}}`))
	handler([]byte(`{"origin":"other","event":"deleted","record":{"id":2,"media":"text"}}`))
	handler([]byte(`{"origin":"other","event":"bogus","record":{"id":3}}`))
	handler([]byte(`{"origin":"other","event":"updated"}`))
	handler([]byte(`not json`))

	require.Len(t, target.got, 1)
	assert.Equal(t, events.EventDeleted, target.got[0].event)
	assert.Equal(t, models.ID("2"), target.got[0].record.Id)
}
