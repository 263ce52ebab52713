package ws_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zlnvch/marginalia/api/ws"
	"github.com/zlnvch/marginalia/colorize"
	"github.com/zlnvch/marginalia/models"
	"github.com/zlnvch/marginalia/session"
	"github.com/zlnvch/marginalia/store"
)

var secret = []byte("secret")

type fakeDashboard struct {
	mu      sync.Mutex
	offsets []int
	filter  models.SearchFilter
	deleted []models.ID
}

func (d *fakeDashboard) Query(_ context.Context, filter models.SearchFilter) []*models.AnnotationRecord {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.filter = filter
	return []*models.AnnotationRecord{{Id: "1"}}
}

func (d *fakeDashboard) Page(offset int) []*models.AnnotationRecord {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.offsets = append(d.offsets, offset)
	return []*models.AnnotationRecord{{Id: "1"}, {Id: "2"}}
}

func (d *fakeDashboard) LoadMore(context.Context) []*models.AnnotationRecord { return nil }

func (d *fakeDashboard) OpenReplies(context.Context, models.ID) []*models.AnnotationRecord { return nil }

func (d *fakeDashboard) CloseReplies() {}

func (d *fakeDashboard) DeleteReply(_ context.Context, reply *models.AnnotationRecord) error {
	if reply.User == nil || reply.User.Id != "42" {
		return store.ErrForbidden
	}
	return nil
}

func (d *fakeDashboard) Save(_ context.Context, r *models.AnnotationRecord) (*models.AnnotationRecord, error) {
	if r.IsPending() {
		saved := r.Clone()
		saved.Id = "100"
		return saved, nil
	}
	if r.User == nil || r.User.Id != "42" {
		return nil, store.ErrForbidden
	}
	return r, nil
}

func (d *fakeDashboard) Delete(_ context.Context, r *models.AnnotationRecord) error {
	if r.IsPending() {
		return store.ErrPending
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.deleted = append(d.deleted, r.Id)
	return nil
}

func (d *fakeDashboard) Authorize(_ models.Action, r *models.AnnotationRecord) bool {
	return r.User != nil && r.User.Id == "42"
}

type envelope struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data"`
}

func setup(t *testing.T) (*ws.Hub, *fakeDashboard, string) {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	hub := ws.NewHub(zerolog.Nop())
	go hub.Run(ctx)

	d := &fakeDashboard{}
	h := ws.NewHandler(d, hub, secret, zerolog.Nop())
	upgrader := h.NewWsUpgrader("")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.ServeWS(upgrader, w, r, ctx)
	}))
	t.Cleanup(srv.Close)

	return hub, d, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url, token string) *websocket.Conn {
	dialer := websocket.Dialer{Subprotocols: []string{ws.Subprotocol, token}}
	conn, _, err := dialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func token(t *testing.T) string {
	tok, err := session.New("42", "ada", false, "consumer", secret, time.Hour).IssueToken(time.Now())
	require.NoError(t, err)
	return tok
}

// next reads messages until one of type kind arrives.
func next(t *testing.T, conn *websocket.Conn, kind string) envelope {
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		var env envelope
		require.NoError(t, json.Unmarshal(data, &env))
		if env.Type == kind {
			return env
		}
	}
}

func send(t *testing.T, conn *websocket.Conn, kind string, data any) {
	require.NoError(t, conn.WriteJSON(map[string]any{"type": kind, "data": data}))
}

func TestServeWS_RejectsBadToken(t *testing.T) {
	_, _, url := setup(t)
	conn := dial(t, url, "not-a-token")

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, websocket.ClosePolicyViolation, closeErr.Code)
}

func TestHub_MirrorsViewToClients(t *testing.T) {
	hub, _, url := setup(t)
	conn := dial(t, url, token(t))

	hub.RenderWindow(0, 50, []*models.AnnotationRecord{{Id: "1"}, {Id: "2"}}, false)
	window := next(t, conn, "window")
	assert.EqualValues(t, 50, window.Data["pageSize"])
	assert.Len(t, window.Data["records"], 2)

	hub.RemoveRecord("2")
	assert.Equal(t, "2", next(t, conn, "remove").Data["id"])

	hub.Colorize(map[models.ID]colorize.Color{"1": colorize.ParseColor("#ff0000")})
	assert.Contains(t, next(t, conn, "colors").Data, "1")
}

func TestHub_ReplaysLastWindow(t *testing.T) {
	hub, _, url := setup(t)
	first := dial(t, url, token(t))
	hub.RenderWindow(0, 50, []*models.AnnotationRecord{{Id: "9"}}, false)
	next(t, first, "window")

	late := dial(t, url, token(t))
	window := next(t, late, "window")
	records := window.Data["records"].([]any)
	require.Len(t, records, 1)
	assert.Equal(t, "9", records[0].(map[string]any)["id"])
}

func TestHandleWsMessage_Commands(t *testing.T) {
	_, d, url := setup(t)
	conn := dial(t, url, token(t))

	send(t, conn, "page", map[string]any{"offset": 50})
	resp := next(t, conn, "page_response")
	assert.Equal(t, true, resp.Data["success"])
	assert.EqualValues(t, 2, resp.Data["count"])

	send(t, conn, "query", map[string]any{"username": "ada"})
	assert.EqualValues(t, 1, next(t, conn, "query_response").Data["count"])

	send(t, conn, "delete_reply", map[string]any{"id": "10", "media": "comment", "parent": "1", "user": map[string]any{"id": "7"}})
	resp = next(t, conn, "delete_reply_response")
	assert.Equal(t, false, resp.Data["success"])
	assert.Equal(t, store.ErrForbidden.Error(), resp.Data["error"])

	send(t, conn, "authorize", map[string]any{"action": "update", "record": map[string]any{"id": "3", "user": map[string]any{"id": "42"}}})
	assert.Equal(t, true, next(t, conn, "authorize_response").Data["allowed"])

	d.mu.Lock()
	defer d.mu.Unlock()
	assert.Equal(t, []int{50}, d.offsets)
	assert.Equal(t, "ada", d.filter.Username)
}

func TestHandleWsMessage_SaveAndDelete(t *testing.T) {
	_, d, url := setup(t)
	conn := dial(t, url, token(t))

	send(t, conn, "save", map[string]any{"media": "text", "text": "new"})
	resp := next(t, conn, "save_response")
	require.Equal(t, true, resp.Data["success"])
	record, ok := resp.Data["record"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "100", record["id"])

	send(t, conn, "save", map[string]any{"id": "3", "media": "text", "user": map[string]any{"id": "7"}})
	resp = next(t, conn, "save_response")
	assert.Equal(t, false, resp.Data["success"])
	assert.Equal(t, store.ErrForbidden.Error(), resp.Data["error"])

	send(t, conn, "delete", map[string]any{"media": "text"})
	resp = next(t, conn, "delete_response")
	assert.Equal(t, false, resp.Data["success"])
	assert.Equal(t, store.ErrPending.Error(), resp.Data["error"])

	send(t, conn, "delete", map[string]any{"id": "3", "media": "text"})
	resp = next(t, conn, "delete_response")
	assert.Equal(t, true, resp.Data["success"])
	assert.Equal(t, "3", resp.Data["id"])

	d.mu.Lock()
	defer d.mu.Unlock()
	assert.Equal(t, []models.ID{"3"}, d.deleted)
}
