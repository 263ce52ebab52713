package viewer_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zlnvch/marginalia/events"
	"github.com/zlnvch/marginalia/models"
	"github.com/zlnvch/marginalia/service"
	"github.com/zlnvch/marginalia/session"
	"github.com/zlnvch/marginalia/store"
	"github.com/zlnvch/marginalia/store/restclient"
	"github.com/zlnvch/marginalia/store/viewer"
)

var scope = models.Scope{ObjectId: "canvas-1", ContextId: "course-1", CollectionId: "hw-1", Media: models.MediaImage}

// imageStore answers searches with rows and holds creates until release is closed.
type imageStore struct {
	mu      sync.Mutex
	rows    []*models.AnnotationRecord
	release chan struct{}
	fail    bool
}

func (s *imageStore) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.fail {
			http.Error(w, "down", http.StatusInternalServerError)
			return
		}
		out := []*models.AnnotationRecord{}
		for _, row := range s.rows {
			if string(row.Media) == r.URL.Query().Get("media") {
				out = append(out, row)
			}
		}
		json.NewEncoder(w).Encode(map[string]any{"rows": out})
	case http.MethodPost:
		if s.release != nil {
			<-s.release
		}
		s.mu.Lock()
		fail := s.fail
		s.mu.Unlock()
		if fail {
			http.Error(w, "down", http.StatusInternalServerError)
			return
		}
		var in models.AnnotationRecord
		json.NewDecoder(r.Body).Decode(&in)
		in.Id = "7"
		json.NewEncoder(w).Encode(in)
	case http.MethodDelete:
		w.WriteHeader(http.StatusNoContent)
	}
}

func setup(t *testing.T, is *imageStore) (*viewer.Adapter, *viewer.Catch, *service.Service) {
	srv := httptest.NewServer(is)
	t.Cleanup(srv.Close)

	sess := session.New("42", "ada", true, "consumer", []byte("secret"), time.Hour)
	svc, err := service.NewService(sess, scope, nil, nil, nil, zerolog.Nop())
	require.NoError(t, err)

	catch := viewer.NewCatch(restclient.New(srv.URL, srv.Client(), nil), viewer.CatchOptions{
		User:        &models.User{Id: "42", Name: "ada"},
		Permissions: map[string][]string{"delete": {"42"}},
	})
	return viewer.New(svc, catch, 50), catch, svc
}

func image(id string) *models.AnnotationRecord {
	return &models.AnnotationRecord{
		Id: models.ID(id), ObjectId: scope.ObjectId, ContextId: scope.ContextId, CollectionId: scope.CollectionId,
		Media: models.MediaImage, Text: "region " + id, Bounds: json.RawMessage(`{"x":1,"y":2,"w":3,"h":4}`),
	}
}

func TestTranslation(t *testing.T) {
	r := image("3")
	r.Tags = []string{"red", "flagged-spam"}
	r.User = &models.User{Id: "42", Name: "ada"}
	r.Permissions = models.Permissions{models.ActionRead: {}}

	n := viewer.FromRecord(r)
	assert.Equal(t, "3", n.Id)
	assert.Equal(t, "oa:Annotation", n.Type)
	assert.Equal(t, []string{"oa:commenting", "oa:tagging"}, n.Motivation)
	require.Len(t, n.Resource, 3)
	assert.Equal(t, "region 3", n.Resource[0].Chars)
	assert.Equal(t, "canvas-1", n.On.Full)
	assert.JSONEq(t, `{"x":1,"y":2,"w":3,"h":4}`, string(n.On.Selector))
	assert.Equal(t, "42", n.AnnotatedBy.Id)

	back := viewer.ToRecord(n)
	assert.Equal(t, r, back)
}

func TestToRecord_DefaultsToImage(t *testing.T) {
	r := viewer.ToRecord(&viewer.NativeAnnotation{Id: "1"})
	assert.Equal(t, models.MediaImage, r.Media)
	assert.Empty(t, r.Tags)
	assert.Nil(t, r.Permissions)
	assert.Nil(t, viewer.ToRecord(nil))
}

func TestAuthorize_NoInstructorOverride(t *testing.T) {
	a, _, _ := setup(t, &imageStore{})

	other := &models.AnnotationRecord{User: &models.User{Id: "7"}}
	assert.False(t, a.Authorize(models.ActionUpdate, other))

	only7 := &models.AnnotationRecord{Permissions: models.Permissions{models.ActionDelete: {"7"}}}
	assert.False(t, a.Authorize(models.ActionDelete, only7))

	anyone := &models.AnnotationRecord{Permissions: models.Permissions{models.ActionDelete: {}}}
	assert.True(t, a.Authorize(models.ActionDelete, anyone))
	assert.True(t, a.Authorize(models.ActionRead, &models.AnnotationRecord{User: &models.User{Id: "42"}}))
	assert.True(t, a.Authorize(models.ActionRead, &models.AnnotationRecord{}))
}

func TestQuery_ReplacesListAndCatch(t *testing.T) {
	is := &imageStore{rows: []*models.AnnotationRecord{image("1"), image("2")}}
	a, catch, svc := setup(t, is)
	a.InsertLocal(image("old"))
	catch.CreateCatchAnnotation(viewer.FromRecord(image("old")))

	rows := a.Query(context.Background(), models.SearchFilter{}, 50, models.MediaImage)
	require.Len(t, rows, 2)
	assert.Equal(t, 2, svc.List.Len())
	assert.Equal(t, 2, a.VisibleCount())
	assert.Nil(t, svc.List.Get("old"))

	a.TruncateRendered(1)
	assert.Equal(t, 1, a.VisibleCount())
	assert.Equal(t, 2, svc.List.Len())

	is.mu.Lock()
	is.fail = true
	is.mu.Unlock()
	assert.Empty(t, a.Query(context.Background(), models.SearchFilter{}, 50, models.MediaImage))
	assert.Equal(t, 0, svc.List.Len())
}

func TestLoad_PublishesLoaded(t *testing.T) {
	is := &imageStore{rows: []*models.AnnotationRecord{image("1")}}
	a, _, _ := setup(t, is)

	var loaded []*models.AnnotationRecord
	a.Subscribe(events.EventLoaded, func(p events.Payload) { loaded = p.Records })
	a.Load(context.Background())

	require.Len(t, loaded, 1)
	assert.Equal(t, models.ID("1"), loaded[0].Id)
	assert.NotNil(t, a.LookupById("1"))
}

func TestSave_PendingCreateResolves(t *testing.T) {
	is := &imageStore{release: make(chan struct{})}
	a, _, _ := setup(t, is)

	created := make(chan *models.AnnotationRecord, 1)
	a.Subscribe(events.EventCreated, func(p events.Payload) { created <- p.Record })

	done := make(chan *models.AnnotationRecord, 1)
	go func() {
		saved, err := a.Save(context.Background(), &models.AnnotationRecord{Media: models.MediaImage, Text: "hi"})
		assert.NoError(t, err)
		done <- saved
	}()

	var pending *models.AnnotationRecord
	select {
	case pending = <-created:
	case <-time.After(time.Second):
		t.Fatal("created not published")
	}
	assert.True(t, pending.IsPending())
	assert.Equal(t, []string{"42"}, pending.Permissions[models.ActionDelete])
	_, ok := a.ResolveID(pending)
	assert.False(t, ok)

	close(is.release)
	saved := <-done
	require.NotNil(t, saved)
	assert.Equal(t, models.ID("7"), saved.Id)

	id, ok := a.ResolveID(pending)
	assert.True(t, ok)
	assert.Equal(t, models.ID("7"), id)
}

func TestDeleteReply_PublishesReply(t *testing.T) {
	a, _, svc := setup(t, &imageStore{})
	reply := &models.AnnotationRecord{Id: "9", Media: models.MediaComment, ParentId: "1"}
	svc.Replies.Load("1", []*models.AnnotationRecord{reply})

	var deleted *models.AnnotationRecord
	a.Subscribe(events.EventDeleted, func(p events.Payload) { deleted = p.Record })

	require.NoError(t, a.DeleteReply(context.Background(), reply))
	assert.Same(t, reply, deleted)
	assert.True(t, a.RemoveLocal(deleted))
	assert.Equal(t, 0, svc.Replies.Len())
}

func TestDeleteReply_ClosedThreadKeepsMedia(t *testing.T) {
	a, _, _ := setup(t, &imageStore{})
	reply := &models.AnnotationRecord{Id: "9", Media: models.MediaComment, ParentId: "1"}

	var deleted *models.AnnotationRecord
	a.Subscribe(events.EventDeleted, func(p events.Payload) { deleted = p.Record })

	require.NoError(t, a.DeleteReply(context.Background(), reply))
	require.NotNil(t, deleted)
	assert.Equal(t, models.MediaComment, deleted.Media)
	assert.Equal(t, models.ID("1"), deleted.ParentId)
	assert.True(t, deleted.IsReply())
}

func TestSave_RejectedCreateIsWithdrawn(t *testing.T) {
	a, catch, _ := setup(t, &imageStore{fail: true})

	var created, deleted []*models.AnnotationRecord
	a.Subscribe(events.EventCreated, func(p events.Payload) { created = append(created, p.Record) })
	a.Subscribe(events.EventDeleted, func(p events.Payload) { deleted = append(deleted, p.Record) })

	_, err := a.Save(context.Background(), &models.AnnotationRecord{Media: models.MediaImage, Text: "hi"})
	require.Error(t, err)

	require.Len(t, created, 1)
	require.Len(t, deleted, 1)
	assert.Same(t, created[0], deleted[0])
	assert.Empty(t, catch.AnnotationsListCatch())
	_, ok := a.ResolveID(created[0])
	assert.False(t, ok)
}

func TestDelete_Strict(t *testing.T) {
	a, _, _ := setup(t, &imageStore{})
	theirs := image("5")
	theirs.User = &models.User{Id: "7"}
	assert.ErrorIs(t, a.Delete(context.Background(), theirs), store.ErrForbidden)
	assert.ErrorIs(t, a.Delete(context.Background(), &models.AnnotationRecord{}), store.ErrPending)
}

func TestLoadRepliesForParent(t *testing.T) {
	reply := &models.AnnotationRecord{Id: "9", Media: models.MediaComment, ParentId: "1", ObjectId: "canvas-1"}
	a, _, svc := setup(t, &imageStore{rows: []*models.AnnotationRecord{image("1"), reply}})

	replies := a.LoadRepliesForParent(context.Background(), "1")
	require.Len(t, replies, 1)
	assert.True(t, replies[0].IsReply())
	assert.Equal(t, models.ID("1"), replies[0].ParentId)
	_, ok := svc.Replies.Get("9")
	assert.True(t, ok)
	assert.Equal(t, 0, svc.List.Len())
}
