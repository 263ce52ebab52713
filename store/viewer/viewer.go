// Package viewer binds the dashboard to an image viewer that keeps its own
// annotation cache in a proprietary Open Annotation shape.
package viewer

import (
	"context"
	"errors"
	"slices"
	"sync"

	"github.com/gofrs/uuid/v5"
	"github.com/rs/zerolog"

	"github.com/zlnvch/marginalia/events"
	"github.com/zlnvch/marginalia/masterlist"
	"github.com/zlnvch/marginalia/models"
	"github.com/zlnvch/marginalia/service"
	"github.com/zlnvch/marginalia/store"
	"github.com/zlnvch/marginalia/store/restclient"
)

const replyLimit = 1000

type Adapter struct {
	backend Backend
	userId  string
	scope   models.Scope
	list    *masterlist.List
	replies *masterlist.ReplyIndex
	bus     *events.Bus
	logger  zerolog.Logger

	mu      sync.Mutex
	current restclient.SearchParams
	media   models.Media
	pending map[*models.AnnotationRecord]string
}

var _ store.Adapter = (*Adapter)(nil)

func New(svc *service.Service, backend Backend, pageSize int) *Adapter {
	a := &Adapter{
		backend: backend,
		userId:  svc.Session.UserId,
		scope:   svc.Scope,
		list:    svc.List,
		replies: svc.Replies,
		bus:     events.NewBus(),
		logger:  svc.Logger.With().Str("component", "viewer").Logger(),
		media:   svc.Scope.Media,
		pending: make(map[*models.AnnotationRecord]string),
	}
	a.current = restclient.ForScope(svc.Scope)
	a.current.Limit = pageSize

	backend.Subscribe(CatchAnnotationCreated, a.forwardEach(events.EventCreated))
	backend.Subscribe(CatchAnnotationUpdated, a.forwardEach(events.EventUpdated))
	backend.Subscribe(CatchAnnotationDeleted, a.forwardEach(events.EventDeleted))
	backend.Subscribe(CatchAnnotationsLoaded, func(ns []*NativeAnnotation) {
		a.bus.Publish(events.EventLoaded, events.Payload{Records: a.translate(ns)})
	})

	return a
}

// toRecord translates n and remembers the local key of a pending annotation
// so ResolveID can find it once the store assigns an id.
func (a *Adapter) toRecord(n *NativeAnnotation) *models.AnnotationRecord {
	r := a.backend.GetAnnotationInOA(n)
	if r != nil && r.IsPending() && n.LocalID != "" {
		a.mu.Lock()
		a.pending[r] = n.LocalID
		a.mu.Unlock()
	}
	return r
}

func (a *Adapter) translate(ns []*NativeAnnotation) []*models.AnnotationRecord {
	out := make([]*models.AnnotationRecord, 0, len(ns))
	for _, n := range ns {
		if r := a.toRecord(n); r != nil {
			out = append(out, r)
		}
	}
	return out
}

// withdrawPending forgets the pending records handed out for local and
// returns one of them.
func (a *Adapter) withdrawPending(local string) *models.AnnotationRecord {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out *models.AnnotationRecord
	for r, key := range a.pending {
		if key == local {
			out = r
			delete(a.pending, r)
		}
	}
	return out
}

func (a *Adapter) forwardEach(e events.Event) func([]*NativeAnnotation) {
	return func(ns []*NativeAnnotation) {
		for _, n := range ns {
			// A rejected create comes back as the record announced for it
			if e == events.EventDeleted && n.Id == "" && n.LocalID != "" {
				if r := a.withdrawPending(n.LocalID); r != nil {
					a.bus.Publish(e, events.Payload{Record: r})
				}
				continue
			}
			r := a.toRecord(n)
			if r == nil {
				continue
			}
			// Replies never live in the viewer cache; keep their media.
			if e == events.EventDeleted {
				if reply, ok := a.replies.Get(n.Id); ok {
					r = reply
				}
			}
			a.bus.Publish(e, events.Payload{Record: r})
		}
	}
}

func (a *Adapter) EndpointHandle() any {
	return a.backend
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
	media := string(a.activeMedia())
	n := 0
	for _, ann := range a.backend.AnnotationsListCatch() {
		if ann.Media == media || (ann.Media == "" && media == string(models.MediaImage)) {
			n++
		}
	}
	return n
}

func (a *Adapter) Subscribe(e events.Event, h events.Handler) {
	a.bus.Subscribe(e, h)
}

func (a *Adapter) search(ctx context.Context, params restclient.SearchParams) []*NativeAnnotation {
	ns, err := a.backend.Search(ctx, params)
	if err != nil {
		a.logger.Warn().Err(err).Str("media", string(params.Media)).Msg("viewer search failed")
		return []*NativeAnnotation{}
	}
	return ns
}

func (a *Adapter) Load(ctx context.Context) {
	if err := a.backend.Load(ctx, a.currentParams()); err != nil {
		a.logger.Warn().Err(err).Msg("viewer load failed")
	}
}

func (a *Adapter) RefreshMasterList(ctx context.Context, focusId models.ID) []*models.AnnotationRecord {
	params := a.currentParams()

	if focusId != "" {
		for _, n := range a.search(ctx, params) {
			if models.ID(n.Id) == focusId {
				r := a.toRecord(n)
				a.list.Replace(r)
				return []*models.AnnotationRecord{r}
			}
		}
		return []*models.AnnotationRecord{}
	}

	gen := a.list.NextGeneration()
	records := a.translate(a.search(ctx, params))
	if !a.list.ReplaceAt(gen, records) {
		a.logger.Debug().Msg("discarding stale refresh")
		return []*models.AnnotationRecord{}
	}
	return records
}

func (a *Adapter) SyncRecordIntoMasterList(r *models.AnnotationRecord) {
	a.list.Replace(r)
}

func (a *Adapter) LoadMore(records []*models.AnnotationRecord) {
	for _, r := range a.list.Append(records...) {
		a.backend.CreateCatchAnnotation(FromRecord(r))
	}
}

func (a *Adapter) NextPage(ctx context.Context, offset, pageSize int) []*models.AnnotationRecord {
	params := a.currentParams()
	params.Offset = offset
	params.Limit = pageSize
	return a.translate(a.search(ctx, params))
}

func (a *Adapter) TruncateRendered(n int) {
	a.backend.TruncateCatch(n)
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
	for _, n := range a.backend.AnnotationsListCatch() {
		if models.ID(n.Id) == id {
			return a.backend.GetAnnotationInOA(n)
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
	if r == nil {
		return "", false
	}
	if !r.IsPending() {
		return r.Id, true
	}

	a.mu.Lock()
	local, ok := a.pending[r]
	a.mu.Unlock()
	if !ok {
		return "", false
	}

	for _, n := range a.backend.AnnotationsListCatch() {
		if n.LocalID == local && n.Id != "" {
			a.mu.Lock()
			delete(a.pending, r)
			a.mu.Unlock()
			return models.ID(n.Id), true
		}
	}
	return "", false
}

// Authorize matches permission lists and authorship strictly against the
// viewer's user. There is no instructor override here.
func (a *Adapter) Authorize(action models.Action, r *models.AnnotationRecord) bool {
	userId := a.userId
	if u := a.backend.CatchOptions().User; u != nil {
		userId = u.Id
	}

	if ids, ok := r.Permissions[action]; ok {
		return len(ids) == 0 || slices.Contains(ids, userId)
	}
	if r.User != nil {
		return r.User.Id == userId
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
	a.mu.Unlock()

	gen := a.list.NextGeneration()
	a.backend.ClearCatch()

	ns := a.search(ctx, params)
	records := a.translate(ns)
	if !a.list.ReplaceAt(gen, records) {
		a.logger.Debug().Msg("discarding stale query")
		return []*models.AnnotationRecord{}
	}
	for _, n := range ns {
		a.backend.CreateCatchAnnotation(n)
	}
	return records
}

func (a *Adapter) LoadRepliesForParent(ctx context.Context, parentId models.ID) []*models.AnnotationRecord {
	params := restclient.ForScope(a.scope)
	params.Media = models.MediaComment
	params.ParentId = parentId
	params.Limit = replyLimit

	replies := a.translate(a.search(ctx, params))
	a.replies.Load(parentId, replies)
	a.bus.Publish(events.EventRepliesLoaded, events.Payload{Records: replies, ParentId: parentId})
	return replies
}

func (a *Adapter) DeleteReply(ctx context.Context, reply *models.AnnotationRecord) error {
	if !reply.IsReply() {
		return errors.New("not a reply")
	}
	return a.backend.DeleteAnnotation(ctx, FromRecord(reply))
}

func (a *Adapter) Save(ctx context.Context, r *models.AnnotationRecord) (*models.AnnotationRecord, error) {
	if !r.IsPending() && !a.Authorize(models.ActionUpdate, r) {
		return nil, store.ErrForbidden
	}

	if r.IsPending() {
		opts := a.backend.CatchOptions()
		if r.ObjectId == "" {
			r.ObjectId = a.scope.ObjectId
		}
		if r.ContextId == "" {
			r.ContextId = a.scope.ContextId
		}
		if r.CollectionId == "" {
			r.CollectionId = a.scope.CollectionId
		}
		if r.User == nil && opts.User != nil {
			u := *opts.User
			r.User = &u
		}
		if r.Permissions == nil && opts.Permissions != nil {
			r.Permissions = make(models.Permissions, len(opts.Permissions))
			for action, ids := range opts.Permissions {
				r.Permissions[models.Action(action)] = append([]string{}, ids...)
			}
		}
	}
	if err := service.ValidateRecord(r); err != nil {
		return nil, err
	}

	n := FromRecord(r)
	if r.IsPending() {
		key, err := uuid.NewV4()
		if err != nil {
			return nil, err
		}
		n.LocalID = key.String()
	}

	saved, err := a.backend.SaveAnnotation(ctx, n)
	if err != nil {
		return nil, err
	}
	return a.backend.GetAnnotationInOA(saved), nil
}

func (a *Adapter) Delete(ctx context.Context, r *models.AnnotationRecord) error {
	if r.IsPending() {
		return store.ErrPending
	}
	if !a.Authorize(models.ActionDelete, r) {
		return store.ErrForbidden
	}
	return a.backend.DeleteAnnotation(ctx, FromRecord(r))
}
