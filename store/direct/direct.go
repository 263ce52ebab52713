// Package direct binds the dashboard to a REST annotation store reached
// directly, with the rendering engine holding the live annotation cache.
package direct

import (
	"context"
	"errors"
	"slices"
	"sync"

	"github.com/rs/zerolog"

	"github.com/zlnvch/marginalia/engine"
	"github.com/zlnvch/marginalia/events"
	"github.com/zlnvch/marginalia/masterlist"
	"github.com/zlnvch/marginalia/models"
	"github.com/zlnvch/marginalia/service"
	"github.com/zlnvch/marginalia/session"
	"github.com/zlnvch/marginalia/store"
	"github.com/zlnvch/marginalia/store/restclient"
)

// replyLimit bounds a single reply thread fetch.
const replyLimit = 1000

type Adapter struct {
	client  *restclient.Client
	engine  engine.Engine
	session *session.Session
	scope   models.Scope
	list    *masterlist.List
	replies *masterlist.ReplyIndex
	bus     *events.Bus
	logger  zerolog.Logger

	mu       sync.Mutex
	current  restclient.SearchParams
	media    models.Media
	pageSize int
}

var _ store.Adapter = (*Adapter)(nil)

func New(svc *service.Service, client *restclient.Client, eng engine.Engine, pageSize int) *Adapter {
	a := &Adapter{
		client:   client,
		engine:   eng,
		session:  svc.Session,
		scope:    svc.Scope,
		list:     svc.List,
		replies:  svc.Replies,
		bus:      events.NewBus(),
		logger:   svc.Logger.With().Str("component", "direct").Logger(),
		media:    svc.Scope.Media,
		pageSize: pageSize,
	}
	a.current = restclient.ForScope(svc.Scope)
	a.current.Limit = pageSize

	eng.Subscribe(engine.AnnotationCreated, a.forward(events.EventCreated))
	eng.Subscribe(engine.AnnotationUpdated, a.forward(events.EventUpdated))
	eng.Subscribe(engine.AnnotationDeleted, a.forward(events.EventDeleted))
	eng.Subscribe(engine.AnnotationsLoaded, a.forward(events.EventLoaded))

	return a
}

// forward translates an engine event into its typed counterpart.
func (a *Adapter) forward(e events.Event) func(any) {
	return func(payload any) {
		switch p := payload.(type) {
		case *models.AnnotationRecord:
			a.bus.Publish(e, events.Payload{Record: p})
		case []*models.AnnotationRecord:
			a.bus.Publish(e, events.Payload{Records: p})
		default:
			a.logger.Warn().Str("event", e.String()).Msgf("unexpected engine payload %T", payload)
		}
	}
}

func (a *Adapter) EndpointHandle() any {
	return a.client
}

func (a *Adapter) activeMedia() models.Media {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.media
}

func (a *Adapter) currentParams() restclient.SearchParams {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current
}

func (a *Adapter) VisibleCount() int {
	return a.engine.RenderedCount(a.activeMedia())
}

func (a *Adapter) Subscribe(e events.Event, h events.Handler) {
	a.bus.Subscribe(e, h)
}

// search treats every failure as an empty result.
func (a *Adapter) search(ctx context.Context, params restclient.SearchParams) []*models.AnnotationRecord {
	resp, err := a.client.Search(ctx, params)
	if err != nil {
		a.logger.Warn().Err(err).Str("media", string(params.Media)).Msg("search failed")
		return []*models.AnnotationRecord{}
	}
	return resp.Rows
}

func (a *Adapter) Load(ctx context.Context) {
	rows := a.search(ctx, a.currentParams())
	for _, r := range rows {
		a.engine.SetupAnnotation(r)
	}
	a.engine.Publish(engine.AnnotationsLoaded, rows)
}

func (a *Adapter) RefreshMasterList(ctx context.Context, focusId models.ID) []*models.AnnotationRecord {
	params := a.currentParams()

	if focusId != "" {
		for _, r := range a.search(ctx, params) {
			if r.Id == focusId {
				a.list.Replace(r)
				return []*models.AnnotationRecord{r}
			}
		}
		return []*models.AnnotationRecord{}
	}

	gen := a.list.NextGeneration()
	rows := a.search(ctx, params)
	if !a.list.ReplaceAt(gen, rows) {
		a.logger.Debug().Msg("discarding stale refresh")
		return []*models.AnnotationRecord{}
	}
	return rows
}

func (a *Adapter) SyncRecordIntoMasterList(r *models.AnnotationRecord) {
	a.list.Replace(r)
}

// LoadMore appends the records not yet listed and re-registers every record
// with the engine.
func (a *Adapter) LoadMore(records []*models.AnnotationRecord) {
	a.list.Append(records...)
	for _, r := range records {
		if r != nil {
			a.engine.SetupAnnotation(r)
		}
	}
}

func (a *Adapter) NextPage(ctx context.Context, offset, pageSize int) []*models.AnnotationRecord {
	params := a.currentParams()
	params.Offset = offset
	params.Limit = pageSize
	return a.search(ctx, params)
}

func (a *Adapter) TruncateRendered(n int) {
	media := a.activeMedia()
	kept := 0
	for _, r := range a.engine.Annotations() {
		if r.Media != media {
			continue
		}
		kept++
		if kept > n {
			a.engine.UnregisterAnnotation(r)
		}
	}
}

func (a *Adapter) InsertLocal(r *models.AnnotationRecord) {
	a.list.Prepend(r)
}

func (a *Adapter) RemoveLocal(r *models.AnnotationRecord) bool {
	if r.IsReply() {
		a.replies.Remove(r.Id)
		return true
	}
	a.list.Remove(r)
	return false
}

func (a *Adapter) LookupById(id models.ID) *models.AnnotationRecord {
	if id == "" {
		return nil
	}
	for _, r := range a.engine.Annotations() {
		if r.Id == id {
			return r
		}
	}
	if r := a.list.Get(id); r != nil {
		return r
	}
	if r, ok := a.replies.Get(string(id)); ok {
		return r
	}
	return nil
}

func (a *Adapter) ResolveID(r *models.AnnotationRecord) (models.ID, bool) {
	return a.engine.IDOf(r)
}

// Authorize grants an instructor everything. Otherwise an explicit permission
// list decides (empty means anyone), then authorship, then the record is open.
func (a *Adapter) Authorize(action models.Action, r *models.AnnotationRecord) bool {
	if a.session.Instructor {
		return true
	}
	if ids, ok := r.Permissions[action]; ok {
		return len(ids) == 0 || slices.Contains(ids, a.session.UserId)
	}
	if r.User != nil {
		return r.User.Id == a.session.UserId
	}
	return true
}

func (a *Adapter) Query(ctx context.Context, filter models.SearchFilter, pageSize int, media models.Media) []*models.AnnotationRecord {
	if media == "" {
		media = a.scope.Media
	}
	params := restclient.ForScope(a.scope).WithFilter(filter)
	params.Media = media
	params.Limit = pageSize

	a.mu.Lock()
	a.current = params
	a.media = media
	a.pageSize = pageSize
	a.mu.Unlock()

	gen := a.list.NextGeneration()
	for _, r := range a.engine.Annotations() {
		a.engine.UnregisterAnnotation(r)
	}

	rows := a.search(ctx, params)
	if !a.list.ReplaceAt(gen, rows) {
		a.logger.Debug().Msg("discarding stale query")
		return []*models.AnnotationRecord{}
	}
	for _, r := range rows {
		a.engine.SetupAnnotation(r)
	}
	return rows
}

func (a *Adapter) LoadRepliesForParent(ctx context.Context, parentId models.ID) []*models.AnnotationRecord {
	params := restclient.ForScope(a.scope)
	params.Media = models.MediaComment
	params.ParentId = parentId
	params.Limit = replyLimit

	replies := a.search(ctx, params)
	a.replies.Load(parentId, replies)
	a.bus.Publish(events.EventRepliesLoaded, events.Payload{Records: replies, ParentId: parentId})
	return replies
}

func (a *Adapter) DeleteReply(ctx context.Context, reply *models.AnnotationRecord) error {
	if !reply.IsReply() {
		return errors.New("not a reply")
	}
	if err := a.client.Delete(ctx, reply.Id); err != nil {
		return err
	}
	a.engine.UnregisterAnnotation(reply)
	a.engine.Publish(engine.AnnotationDeleted, reply)
	return nil
}

// Save creates r when it has no id yet, otherwise updates it. A create is
// announced before the store answers; the id arrives through the engine.
func (a *Adapter) Save(ctx context.Context, r *models.AnnotationRecord) (*models.AnnotationRecord, error) {
	if r.IsPending() {
		return a.create(ctx, r)
	}
	if !a.Authorize(models.ActionUpdate, r) {
		return nil, store.ErrForbidden
	}
	if err := service.ValidateRecord(r); err != nil {
		return nil, err
	}

	updated, err := a.client.Update(ctx, r)
	if err != nil {
		return nil, err
	}
	a.engine.RegisterAnnotation(updated)
	a.engine.Publish(engine.AnnotationUpdated, updated)
	return updated, nil
}

func (a *Adapter) create(ctx context.Context, r *models.AnnotationRecord) (*models.AnnotationRecord, error) {
	// 1. Fill in what the session knows
	if r.ObjectId == "" {
		r.ObjectId = a.scope.ObjectId
	}
	if r.ContextId == "" {
		r.ContextId = a.scope.ContextId
	}
	if r.CollectionId == "" {
		r.CollectionId = a.scope.CollectionId
	}
	if r.User == nil {
		r.User = a.session.User()
	}
	if err := service.ValidateRecord(r); err != nil {
		return nil, err
	}

	// 2. Draw and announce
	a.engine.SetupAnnotation(r)
	a.engine.Publish(engine.AnnotationCreated, r)

	// 3. Persist
	// A rejected create is withdrawn the way it was announced
	created, err := a.client.Create(ctx, r)
	if err != nil {
		a.engine.UnregisterAnnotation(r)
		a.engine.Publish(engine.AnnotationDeleted, r)
		return nil, err
	}
	a.engine.AssignID(r, created.Id)
	a.engine.RegisterAnnotation(created)
	return created, nil
}

func (a *Adapter) Delete(ctx context.Context, r *models.AnnotationRecord) error {
	if r.IsPending() {
		return store.ErrPending
	}
	if !a.Authorize(models.ActionDelete, r) {
		return store.ErrForbidden
	}
	if err := a.client.Delete(ctx, r.Id); err != nil {
		return err
	}
	a.engine.UnregisterAnnotation(r)
	a.engine.Publish(engine.AnnotationDeleted, r)
	return nil
}
