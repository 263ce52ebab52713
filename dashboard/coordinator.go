// Package dashboard drives the annotation list of one annotated object: it
// reacts to store adapter events, keeps the master list in sync and tells the
// view and the target renderer what to show.
package dashboard

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/zlnvch/marginalia/colorize"
	"github.com/zlnvch/marginalia/engine"
	"github.com/zlnvch/marginalia/events"
	"github.com/zlnvch/marginalia/masterlist"
	"github.com/zlnvch/marginalia/models"
	"github.com/zlnvch/marginalia/mq"
	"github.com/zlnvch/marginalia/service"
	"github.com/zlnvch/marginalia/store"
	"github.com/zlnvch/marginalia/store/direct"
	"github.com/zlnvch/marginalia/store/restclient"
	"github.com/zlnvch/marginalia/store/viewer"
	"github.com/zlnvch/marginalia/worker"
)

// View is the list presentation. Calls are made one at a time.
type View interface {
	ClearDashboard()
	RenderWindow(offset, pageSize int, records []*models.AnnotationRecord, shouldPersist bool)
	PrependRecord(r *models.AnnotationRecord)
	PatchRecord(r *models.AnnotationRecord)
	RemoveRecord(id models.ID)
	RenderReplies(parentId models.ID, replies []*models.AnnotationRecord)
}

// TargetRenderer highlights annotations on the annotated object.
type TargetRenderer interface {
	Colorize(colors map[models.ID]colorize.Color)
}

// Broadcaster hears every change applied locally.
type Broadcaster interface {
	Broadcast(e events.Event, r *models.AnnotationRecord)
}

type Options struct {
	Pagination   int
	PollInterval time.Duration
	PollAttempts int
}

func DefaultOptions() Options {
	return Options{Pagination: 50, PollInterval: 100 * time.Millisecond, PollAttempts: 100}
}

// Backends are the collaborators an adapter can be built on. Image scopes
// need Viewer, every other media needs Client and Engine.
type Backends struct {
	Client *restclient.Client
	Engine engine.Engine
	Viewer viewer.Backend
}

var ErrNoBackend = errors.New("no backend for media")

type Coordinator struct {
	svc         *service.Service
	adapter     store.Adapter
	sync        *masterlist.Synchronizer
	view        View
	renderer    TargetRenderer
	broadcaster Broadcaster
	opts        Options
	logger      zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	// mu serializes event handling and view calls. It is never held while
	// calling into the adapter, which may publish events synchronously.
	mu     sync.Mutex
	offset int
	filter models.SearchFilter

	pollMu  sync.Mutex
	polls   map[*worker.PollTask]struct{}
	creates map[*models.AnnotationRecord]*worker.PollTask
}

// New picks the adapter for the scope's media once: image scopes use the
// viewer, everything else the REST store.
func New(svc *service.Service, backends Backends, view View, renderer TargetRenderer, opts Options) (*Coordinator, error) {
	opts = withDefaults(opts)

	var adapter store.Adapter
	switch svc.Scope.Media {
	case models.MediaImage:
		if backends.Viewer == nil {
			return nil, fmt.Errorf("%w: %s", ErrNoBackend, svc.Scope.Media)
		}
		adapter = viewer.New(svc, backends.Viewer, opts.Pagination)
	default:
		if backends.Client == nil || backends.Engine == nil {
			return nil, fmt.Errorf("%w: %s", ErrNoBackend, svc.Scope.Media)
		}
		adapter = direct.New(svc, backends.Client, backends.Engine, opts.Pagination)
	}

	return NewWithAdapter(svc, adapter, view, renderer, opts), nil
}

func NewWithAdapter(svc *service.Service, adapter store.Adapter, view View, renderer TargetRenderer, opts Options) *Coordinator {
	opts = withDefaults(opts)
	ctx, cancel := context.WithCancel(context.Background())

	c := &Coordinator{
		svc:      svc,
		adapter:  adapter,
		sync:     masterlist.NewSynchronizer(adapter, svc.Replies),
		view:     view,
		renderer: renderer,
		opts:     opts,
		logger:   svc.Logger.With().Str("component", "dashboard").Str("scope", svc.Scope.Key()).Logger(),
		ctx:      ctx,
		cancel:   cancel,
		polls:    make(map[*worker.PollTask]struct{}),
		creates:  make(map[*models.AnnotationRecord]*worker.PollTask),
	}

	adapter.Subscribe(events.EventLoaded, c.onLoaded)
	adapter.Subscribe(events.EventCreated, c.onCreated)
	adapter.Subscribe(events.EventUpdated, func(p events.Payload) { c.applyUpdated(p.Record, true) })
	adapter.Subscribe(events.EventDeleted, func(p events.Payload) { c.applyDeleted(p.Record, true) })
	adapter.Subscribe(events.EventRepliesLoaded, c.onRepliesLoaded)

	return c
}

func withDefaults(opts Options) Options {
	d := DefaultOptions()
	if opts.Pagination <= 0 {
		opts.Pagination = d.Pagination
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = d.PollInterval
	}
	if opts.PollAttempts <= 0 {
		opts.PollAttempts = d.PollAttempts
	}
	return opts
}

func (c *Coordinator) Adapter() store.Adapter {
	return c.adapter
}

func (c *Coordinator) State() masterlist.State {
	return c.sync.State()
}

// SetBroadcaster must be called before Open.
func (c *Coordinator) SetBroadcaster(b Broadcaster) {
	c.broadcaster = b
}

func (c *Coordinator) broadcast(e events.Event, r *models.AnnotationRecord) {
	if c.broadcaster != nil {
		c.broadcaster.Broadcast(e, r)
	}
}

// colorize must be called with mu held.
func (c *Coordinator) colorize(records []*models.AnnotationRecord) {
	if c.renderer == nil || len(records) == 0 {
		return
	}
	colors := make(map[models.ID]colorize.Color)
	for _, r := range records {
		if color, ok := c.svc.Colors.ColorFor(r.Tags); ok {
			colors[r.Id] = color
		}
	}
	if len(colors) > 0 {
		c.renderer.Colorize(colors)
	}
}

// renderFrom must be called with mu held.
func (c *Coordinator) renderFrom(offset int, persist bool) []*models.AnnotationRecord {
	window := c.sync.ApplyPageWindow(offset, c.opts.Pagination, c.svc.List.Snapshot())
	c.offset = offset
	c.view.RenderWindow(offset, c.opts.Pagination, window, persist)
	c.colorize(window)
	return window
}

func (c *Coordinator) transition(f func() error) {
	if err := f(); err != nil {
		c.logger.Debug().Err(err).Msg("master list state")
	}
}

// Open runs the adapter's initial load; rendering follows from EventLoaded.
func (c *Coordinator) Open(ctx context.Context) {
	c.adapter.Load(ctx)
}

func (c *Coordinator) onLoaded(events.Payload) {
	c.transition(c.sync.BeginQuery)
	c.adapter.RefreshMasterList(c.ctx, "")

	c.mu.Lock()
	defer c.mu.Unlock()

	c.transition(c.sync.EndQuery)
	c.sync.TriggerLoadMoreIfNeeded(c.adapter.VisibleCount(), c.opts.Pagination)
	c.view.ClearDashboard()
	c.renderFrom(0, false)
}

func (c *Coordinator) onCreated(p events.Payload) {
	r := p.Record
	if r == nil {
		return
	}
	if id, ok := c.adapter.ResolveID(r); ok {
		c.applyCreated(c.resolved(r, id), true)
		return
	}

	var id models.ID
	task := worker.StartPoll(c.ctx, c.opts.PollInterval, c.opts.PollAttempts,
		func() bool {
			var ok bool
			id, ok = c.adapter.ResolveID(r)
			return ok
		},
		func() { c.applyCreated(c.resolved(r, id), true) },
		func() { c.abandonCreate(r) },
	)
	c.track(r, task)
}

func (c *Coordinator) track(r *models.AnnotationRecord, task *worker.PollTask) {
	c.pollMu.Lock()
	c.polls[task] = struct{}{}
	c.creates[r] = task
	c.pollMu.Unlock()

	go func() {
		<-task.Done()
		c.pollMu.Lock()
		delete(c.polls, task)
		if c.creates[r] == task {
			delete(c.creates, r)
		}
		c.pollMu.Unlock()
	}()
}

// withdrawCreate stops waiting for the id of a create the store rejected.
// The record was never listed, so there is nothing to remove.
func (c *Coordinator) withdrawCreate(r *models.AnnotationRecord) {
	c.pollMu.Lock()
	task, ok := c.creates[r]
	delete(c.creates, r)
	c.pollMu.Unlock()
	if !ok {
		return
	}
	task.Cancel()
	c.logger.Info().Str("media", string(r.Media)).Msg("create rejected by the store")
}

// resolved returns the freshest copy of a record whose id is now known.
func (c *Coordinator) resolved(r *models.AnnotationRecord, id models.ID) *models.AnnotationRecord {
	if fresh := c.adapter.LookupById(id); fresh != nil && fresh.Media == r.Media {
		return fresh
	}
	out := r.Clone()
	out.Id = id
	return out
}

func (c *Coordinator) abandonCreate(r *models.AnnotationRecord) {
	c.logger.Warn().
		Int("attempts", c.opts.PollAttempts).
		Str("media", string(r.Media)).
		Msg("created annotation never received an id")

	if c.svc.MQ == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	key, err := c.svc.EnqueueReconcile(ctx, r)
	if err != nil {
		c.logger.Warn().Err(err).Msg("reconcile enqueue failed")
		return
	}
	c.logger.Info().Str("localKey", key).Msg("reconcile requested")
}

func (c *Coordinator) applyCreated(r *models.AnnotationRecord, local bool) {
	c.mu.Lock()
	if r.IsReply() {
		c.sync.ApplyCreate(r)
		c.adjustReplyCount(r.ParentId, 1)
		c.renderOpenThread(r.ParentId)
	} else {
		known := c.svc.List.Get(r.Id) != nil
		c.sync.ApplyCreate(r)
		if known {
			c.view.PatchRecord(r)
		} else {
			c.view.PrependRecord(r)
		}
		c.colorize([]*models.AnnotationRecord{r})
	}
	c.mu.Unlock()

	if local {
		c.broadcast(events.EventCreated, r)
	}
}

func (c *Coordinator) applyUpdated(r *models.AnnotationRecord, local bool) {
	if r == nil {
		return
	}
	c.mu.Lock()
	c.sync.ApplyUpdate(r)
	if r.IsReply() {
		c.renderOpenThread(r.ParentId)
	} else if c.svc.List.Get(r.Id) != nil {
		c.view.PatchRecord(r)
		c.colorize([]*models.AnnotationRecord{r})
	}
	c.mu.Unlock()

	if local {
		c.broadcast(events.EventUpdated, r)
	}
}

func (c *Coordinator) applyDeleted(r *models.AnnotationRecord, local bool) {
	if r == nil {
		return
	}
	if r.IsPending() {
		c.withdrawCreate(r)
		return
	}
	c.mu.Lock()
	if c.sync.ApplyDelete(r) {
		c.adjustReplyCount(r.ParentId, -1)
		c.renderOpenThread(r.ParentId)
	} else {
		c.view.RemoveRecord(r.Id)
	}
	c.mu.Unlock()

	if local {
		c.broadcast(events.EventDeleted, r)
	}
}

func (c *Coordinator) onRepliesLoaded(p events.Payload) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setReplyCount(p.ParentId, len(p.Records))
}

// adjustReplyCount must be called with mu held.
func (c *Coordinator) adjustReplyCount(parentId models.ID, delta int) {
	parent := c.svc.List.Get(parentId)
	if parent == nil {
		return
	}
	c.setReplyCount(parentId, max(parent.TotalComments+delta, 0))
}

// setReplyCount must be called with mu held.
func (c *Coordinator) setReplyCount(parentId models.ID, n int) {
	parent := c.svc.List.Get(parentId)
	if parent == nil || parent.TotalComments == n {
		return
	}
	patched := parent.Clone()
	patched.TotalComments = n
	c.sync.ApplyUpdate(patched)
	c.view.PatchRecord(patched)
}

// renderOpenThread must be called with mu held.
func (c *Coordinator) renderOpenThread(parentId models.ID) {
	if parentId == "" || c.svc.Replies.ParentId() != parentId {
		return
	}
	c.view.RenderReplies(parentId, c.svc.Replies.Records())
}

// Query replaces the master list with the result of filter and renders its
// first page.
func (c *Coordinator) Query(ctx context.Context, filter models.SearchFilter) []*models.AnnotationRecord {
	filter = filter.Normalize()
	c.mu.Lock()
	c.filter = filter
	c.mu.Unlock()

	c.transition(c.sync.BeginQuery)
	records := c.adapter.Query(ctx, filter, c.opts.Pagination, c.svc.Scope.Media)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.transition(c.sync.EndQuery)
	c.view.ClearDashboard()
	c.renderFrom(0, false)
	return records
}

func (c *Coordinator) Filter() models.SearchFilter {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.filter
}

// LoadMore fetches the page after the master list, appends it and renders it
// without clearing what is already shown.
func (c *Coordinator) LoadMore(ctx context.Context) []*models.AnnotationRecord {
	offset := c.svc.List.Len()
	page := c.adapter.NextPage(ctx, offset, c.opts.Pagination)
	c.adapter.LoadMore(page)

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.renderFrom(offset, true)
}

// Page renders the window at offset. Past the end it renders an empty window.
func (c *Coordinator) Page(offset int) []*models.AnnotationRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.renderFrom(offset, false)
}

func (c *Coordinator) OpenReplies(ctx context.Context, parentId models.ID) []*models.AnnotationRecord {
	c.svc.Replies.Open(parentId)
	replies := c.adapter.LoadRepliesForParent(ctx, parentId)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.view.RenderReplies(parentId, replies)
	return replies
}

func (c *Coordinator) CloseReplies() {
	c.svc.Replies.Close()
}

// Save creates r when it has no id yet, otherwise updates it. The adapter
// announces the change; the coordinator applies it from that event.
func (c *Coordinator) Save(ctx context.Context, r *models.AnnotationRecord) (*models.AnnotationRecord, error) {
	if r == nil {
		return nil, errors.New("no annotation")
	}
	if !r.IsPending() && !c.adapter.Authorize(models.ActionUpdate, r) {
		return nil, store.ErrForbidden
	}
	return c.adapter.Save(ctx, r)
}

func (c *Coordinator) Delete(ctx context.Context, r *models.AnnotationRecord) error {
	if r == nil {
		return errors.New("no annotation")
	}
	if r.IsPending() {
		return store.ErrPending
	}
	if !c.adapter.Authorize(models.ActionDelete, r) {
		return store.ErrForbidden
	}
	return c.adapter.Delete(ctx, r)
}

func (c *Coordinator) DeleteReply(ctx context.Context, reply *models.AnnotationRecord) error {
	if !c.adapter.Authorize(models.ActionDelete, reply) {
		return store.ErrForbidden
	}
	return c.adapter.DeleteReply(ctx, reply)
}

func (c *Coordinator) Authorize(action models.Action, r *models.AnnotationRecord) bool {
	return c.adapter.Authorize(action, r)
}

// ApplyRemote applies a change made by another dashboard instance.
func (c *Coordinator) ApplyRemote(e events.Event, r *models.AnnotationRecord) {
	if r == nil || r.IsPending() {
		return
	}
	switch e {
	case events.EventCreated:
		c.applyCreated(r, false)
	case events.EventUpdated:
		c.applyUpdated(r, false)
	case events.EventDeleted:
		c.applyDeleted(r, false)
	}
}

// Reconcile re-reads the master list after a create was lost and re-renders
// the current page.
func (c *Coordinator) Reconcile(ctx context.Context, msg mq.ReconcileMessage) error {
	if msg.ScopeKey != c.svc.Scope.Key() {
		return fmt.Errorf("reconcile for %q sent to %q", msg.ScopeKey, c.svc.Scope.Key())
	}

	c.adapter.RefreshMasterList(ctx, "")
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.renderFrom(c.offset, false)
	return nil
}

// Close cancels pending polls and waits for them.
func (c *Coordinator) Close() {
	c.cancel()

	c.pollMu.Lock()
	tasks := make([]*worker.PollTask, 0, len(c.polls))
	for t := range c.polls {
		tasks = append(tasks, t)
	}
	c.pollMu.Unlock()

	for _, t := range tasks {
		t.Cancel()
		t.Wait()
	}

	c.sync.Reset()
	c.svc.Replies.Close()
}

// Window returns the records at offset without rendering them.
func (c *Coordinator) Window(offset int) []*models.AnnotationRecord {
	return masterlist.PageWindow(offset, c.opts.Pagination, c.svc.List.Snapshot())
}

func (c *Coordinator) Total() int {
	return c.svc.List.Len()
}

func (c *Coordinator) Pagination() int {
	return c.opts.Pagination
}

func (c *Coordinator) Scope() models.Scope {
	return c.svc.Scope
}
