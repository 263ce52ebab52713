package viewer

import (
	"context"
	"sync"

	"github.com/gofrs/uuid/v5"

	"github.com/zlnvch/marginalia/models"
	"github.com/zlnvch/marginalia/store/restclient"
)

// Event names published by the viewer's annotation cache.
const (
	CatchAnnotationCreated = "catchAnnotationCreated"
	CatchAnnotationUpdated = "catchAnnotationUpdated"
	CatchAnnotationDeleted = "catchAnnotationDeleted"
	CatchAnnotationsLoaded = "catchAnnotationsLoaded"
)

// CatchHandler receives the annotations an event is about.
type CatchHandler func(ns []*NativeAnnotation)

// CatchOptions are the viewer's session settings: who is annotating and the
// permissions given to new annotations.
type CatchOptions struct {
	User        *models.User
	Permissions map[string][]string
}

// Backend is the image viewer's annotation cache as the adapter sees it.
type Backend interface {
	AnnotationsListCatch() []*NativeAnnotation
	GetAnnotationInOA(n *NativeAnnotation) *models.AnnotationRecord
	Search(ctx context.Context, params restclient.SearchParams) ([]*NativeAnnotation, error)
	// Load replaces the cache with a search result and publishes CatchAnnotationsLoaded.
	Load(ctx context.Context, params restclient.SearchParams) error
	CreateCatchAnnotation(n *NativeAnnotation)
	SaveAnnotation(ctx context.Context, n *NativeAnnotation) (*NativeAnnotation, error)
	// DeleteAnnotation publishes the cached copy of n, or n itself when the
	// cache never held it.
	DeleteAnnotation(ctx context.Context, n *NativeAnnotation) error
	CatchOptions() CatchOptions
	Subscribe(name string, handler func([]*NativeAnnotation))
	ClearCatch()
	TruncateCatch(n int)
}

// Catch is an in-process Backend persisting through the REST store.
type Catch struct {
	client *restclient.Client
	opts   CatchOptions

	mu       sync.Mutex
	catch    []*NativeAnnotation
	handlers map[string][]CatchHandler
}

var _ Backend = (*Catch)(nil)

func NewCatch(client *restclient.Client, opts CatchOptions) *Catch {
	return &Catch{
		client:   client,
		opts:     opts,
		handlers: make(map[string][]CatchHandler),
	}
}

func (c *Catch) Subscribe(name string, handler func([]*NativeAnnotation)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[name] = append(c.handlers[name], handler)
}

func (c *Catch) publish(name string, ns ...*NativeAnnotation) {
	c.mu.Lock()
	handlers := append([]CatchHandler(nil), c.handlers[name]...)
	c.mu.Unlock()

	for _, h := range handlers {
		h(ns)
	}
}

func (c *Catch) AnnotationsListCatch() []*NativeAnnotation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*NativeAnnotation(nil), c.catch...)
}

func (c *Catch) GetAnnotationInOA(n *NativeAnnotation) *models.AnnotationRecord {
	return ToRecord(n)
}

func (c *Catch) CatchOptions() CatchOptions {
	return c.opts
}

func (c *Catch) Search(ctx context.Context, params restclient.SearchParams) ([]*NativeAnnotation, error) {
	resp, err := c.client.Search(ctx, params)
	if err != nil {
		return nil, err
	}
	out := make([]*NativeAnnotation, 0, len(resp.Rows))
	for _, r := range resp.Rows {
		out = append(out, FromRecord(r))
	}
	return out, nil
}

// Load publishes CatchAnnotationsLoaded even when the search fails, with an
// empty cache.
func (c *Catch) Load(ctx context.Context, params restclient.SearchParams) error {
	ns, err := c.Search(ctx, params)

	c.mu.Lock()
	c.catch = ns
	loaded := append([]*NativeAnnotation(nil), ns...)
	c.mu.Unlock()

	c.publish(CatchAnnotationsLoaded, loaded...)
	return err
}

// indexOf matches by id, or by local key while pending.
func (c *Catch) indexOf(n *NativeAnnotation) int {
	for i, existing := range c.catch {
		if n.Id != "" && existing.Id == n.Id {
			return i
		}
		if n.LocalID != "" && existing.LocalID == n.LocalID {
			return i
		}
	}
	return -1
}

func (c *Catch) put(n *NativeAnnotation) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if i := c.indexOf(n); i >= 0 {
		c.catch[i] = n
		return
	}
	c.catch = append(c.catch, n)
}

func (c *Catch) remove(n *NativeAnnotation) *NativeAnnotation {
	c.mu.Lock()
	defer c.mu.Unlock()
	i := c.indexOf(n)
	if i < 0 {
		return nil
	}
	removed := c.catch[i]
	c.catch = append(c.catch[:i], c.catch[i+1:]...)
	return removed
}

func (c *Catch) CreateCatchAnnotation(n *NativeAnnotation) {
	if n == nil {
		return
	}
	c.put(n)
}

// SaveAnnotation creates n when it has no id, announcing it before the store
// answers, or updates it otherwise.
func (c *Catch) SaveAnnotation(ctx context.Context, n *NativeAnnotation) (*NativeAnnotation, error) {
	if n.Id != "" {
		updated, err := c.client.Update(ctx, ToRecord(n))
		if err != nil {
			return nil, err
		}
		saved := FromRecord(updated)
		c.put(saved)
		c.publish(CatchAnnotationUpdated, saved)
		return saved, nil
	}

	pending := *n
	if pending.LocalID == "" {
		key, err := uuid.NewV4()
		if err != nil {
			return nil, err
		}
		pending.LocalID = key.String()
	}
	c.put(&pending)
	c.publish(CatchAnnotationCreated, &pending)

	created, err := c.client.Create(ctx, ToRecord(&pending))
	if err != nil {
		c.remove(&pending)
		c.publish(CatchAnnotationDeleted, &pending)
		return nil, err
	}
	saved := FromRecordWithLocal(created, pending.LocalID)
	c.put(saved)
	return saved, nil
}

func (c *Catch) DeleteAnnotation(ctx context.Context, n *NativeAnnotation) error {
	if err := c.client.Delete(ctx, models.ID(n.Id)); err != nil {
		return err
	}
	removed := c.remove(&NativeAnnotation{Id: n.Id})
	if removed == nil {
		removed = n
	}
	c.publish(CatchAnnotationDeleted, removed)
	return nil
}

func (c *Catch) ClearCatch() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.catch = nil
}

func (c *Catch) TruncateCatch(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n < 0 {
		n = 0
	}
	if len(c.catch) > n {
		c.catch = c.catch[:n]
	}
}
