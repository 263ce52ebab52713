package rest_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zlnvch/marginalia/api/rest"
	"github.com/zlnvch/marginalia/masterlist"
	"github.com/zlnvch/marginalia/models"
	"github.com/zlnvch/marginalia/session"
)

var secret = []byte("secret")

type fakeDashboard struct {
	rows    []*models.AnnotationRecord
	filter  models.SearchFilter
	replies map[models.ID][]*models.AnnotationRecord
}

func (d *fakeDashboard) Window(offset int) []*models.AnnotationRecord {
	return masterlist.PageWindow(offset, d.Pagination(), d.rows)
}

func (d *fakeDashboard) Total() int { return len(d.rows) }

func (d *fakeDashboard) Pagination() int { return 2 }

func (d *fakeDashboard) Scope() models.Scope {
	return models.Scope{ObjectId: "obj-1", ContextId: "course-1", CollectionId: "hw-1", Media: models.MediaText}
}

func (d *fakeDashboard) Filter() models.SearchFilter { return d.filter }

func (d *fakeDashboard) Query(_ context.Context, filter models.SearchFilter) []*models.AnnotationRecord {
	d.filter = filter.Normalize()
	d.rows = d.rows[:1]
	return d.rows
}

func (d *fakeDashboard) OpenReplies(_ context.Context, parentId models.ID) []*models.AnnotationRecord {
	return d.replies[parentId]
}

func newHandler() (*rest.Handler, *fakeDashboard) {
	d := &fakeDashboard{
		rows: []*models.AnnotationRecord{{Id: "1"}, {Id: "2"}, {Id: "3"}},
		replies: map[models.ID][]*models.AnnotationRecord{
			"1": {{Id: "10", ParentId: "1", Media: models.MediaComment}},
		},
	}
	return rest.NewHandler(d, secret, zerolog.Nop()), d
}

func authed(t *testing.T, req *http.Request) *http.Request {
	token, err := session.New("42", "ada", false, "consumer", secret, time.Hour).IssueToken(time.Now())
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	return req
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestHandleAnnotations_RequiresToken(t *testing.T) {
	h, _ := newHandler()

	rec := httptest.NewRecorder()
	h.HandleAnnotations(rec, httptest.NewRequest(http.MethodGet, "/annotations", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/annotations", nil)
	req.Header.Set("Authorization", "Bearer nonsense")
	rec = httptest.NewRecorder()
	h.HandleAnnotations(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandleAnnotations_Page(t *testing.T) {
	h, _ := newHandler()

	rec := httptest.NewRecorder()
	h.HandleAnnotations(rec, authed(t, httptest.NewRequest(http.MethodGet, "/annotations?offset=2", nil)))
	require.Equal(t, http.StatusOK, rec.Code)

	body := decode(t, rec)
	assert.EqualValues(t, 2, body["offset"])
	assert.EqualValues(t, 3, body["total"])
	rows := body["rows"].([]any)
	require.Len(t, rows, 1)
	assert.Equal(t, "3", rows[0].(map[string]any)["id"])

	rec = httptest.NewRecorder()
	h.HandleAnnotations(rec, authed(t, httptest.NewRequest(http.MethodGet, "/annotations?offset=99", nil)))
	assert.Empty(t, decode(t, rec)["rows"])

	rec = httptest.NewRecorder()
	h.HandleAnnotations(rec, authed(t, httptest.NewRequest(http.MethodGet, "/annotations?offset=-1", nil)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleAnnotations_Query(t *testing.T) {
	h, d := newHandler()

	req := authed(t, httptest.NewRequest(http.MethodPost, "/annotations", strings.NewReader(`{"tag":" important "}`)))
	rec := httptest.NewRecorder()
	h.HandleAnnotations(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, "important", d.filter.Tag)
	assert.EqualValues(t, 1, decode(t, rec)["total"])

	req = authed(t, httptest.NewRequest(http.MethodPost, "/annotations", strings.NewReader(`{`)))
	rec = httptest.NewRecorder()
	h.HandleAnnotations(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleReplies(t *testing.T) {
	h, _ := newHandler()

	rec := httptest.NewRecorder()
	h.HandleReplies(rec, authed(t, httptest.NewRequest(http.MethodGet, "/annotations/replies?parent=1", nil)))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode(t, rec)["replies"], 1)

	rec = httptest.NewRecorder()
	h.HandleReplies(rec, authed(t, httptest.NewRequest(http.MethodGet, "/annotations/replies?parent=5", nil)))
	assert.Equal(t, []any{}, decode(t, rec)["replies"])

	rec = httptest.NewRecorder()
	h.HandleReplies(rec, authed(t, httptest.NewRequest(http.MethodGet, "/annotations/replies", nil)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleState(t *testing.T) {
	h, _ := newHandler()

	rec := httptest.NewRecorder()
	h.HandleState(rec, authed(t, httptest.NewRequest(http.MethodGet, "/state", nil)))
	require.Equal(t, http.StatusOK, rec.Code)

	body := decode(t, rec)
	assert.Equal(t, "course-1--hw-1--obj-1--text", body["scope"])
	assert.Equal(t, "text", body["media"])

	rec = httptest.NewRecorder()
	h.HandleState(rec, authed(t, httptest.NewRequest(http.MethodPost, "/state", nil)))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
