// Package engine is the boundary to the annotation rendering engine: the
// component that draws annotations onto the target object, keeps the live
// cache of registered annotations and talks in string-named events.
package engine

import (
	"sync"

	"github.com/zlnvch/marginalia/models"
)

// Event names used on the engine's own bus.
const (
	AnnotationCreated  = "annotationCreated"
	AnnotationUpdated  = "annotationUpdated"
	AnnotationDeleted  = "annotationDeleted"
	AnnotationsLoaded  = "annotationsLoaded"
	AnnotationsCleared = "annotationsCleared"
)

// Handler receives the payload of an engine event.
type Handler func(payload any)

type Engine interface {
	// SetupAnnotation draws r on the target object and registers it.
	SetupAnnotation(r *models.AnnotationRecord) *models.AnnotationRecord
	// RegisterAnnotation adds r to the live cache without drawing it.
	RegisterAnnotation(r *models.AnnotationRecord)
	UnregisterAnnotation(r *models.AnnotationRecord)
	Publish(name string, payload any)
	Subscribe(name string, handler func(payload any))
	// Annotations is the live cache, in registration order.
	Annotations() []*models.AnnotationRecord
	RenderedCount(media models.Media) int
	// IDOf returns the id the store assigned to r, including ids assigned
	// after r was handed out while still pending.
	IDOf(r *models.AnnotationRecord) (models.ID, bool)
	AssignID(r *models.AnnotationRecord, id models.ID)
}

// Local is an in-process Engine. Records handed to it are never mutated;
// AssignID swaps the cached entry for a copy carrying the id.
type Local struct {
	mu          sync.Mutex
	annotations []*models.AnnotationRecord
	rendered    map[*models.AnnotationRecord]bool
	assigned    map[*models.AnnotationRecord]models.ID
	handlers    map[string][]Handler
}

func NewLocal() *Local {
	return &Local{
		rendered: make(map[*models.AnnotationRecord]bool),
		assigned: make(map[*models.AnnotationRecord]models.ID),
		handlers: make(map[string][]Handler),
	}
}

func (e *Local) indexOf(r *models.AnnotationRecord) int {
	for i, a := range e.annotations {
		if a == r || (!r.IsPending() && a.Id == r.Id) {
			return i
		}
	}
	return -1
}

func (e *Local) register(r *models.AnnotationRecord) *models.AnnotationRecord {
	if i := e.indexOf(r); i >= 0 {
		old := e.annotations[i]
		if old != r {
			e.rendered[r] = e.rendered[old]
			delete(e.rendered, old)
			e.annotations[i] = r
		}
		return r
	}
	e.annotations = append(e.annotations, r)
	return r
}

func (e *Local) SetupAnnotation(r *models.AnnotationRecord) *models.AnnotationRecord {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.register(r)
	e.rendered[r] = true
	return r
}

func (e *Local) RegisterAnnotation(r *models.AnnotationRecord) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.register(r)
}

func (e *Local) UnregisterAnnotation(r *models.AnnotationRecord) {
	e.mu.Lock()
	defer e.mu.Unlock()
	i := e.indexOf(r)
	if i < 0 {
		return
	}
	delete(e.rendered, e.annotations[i])
	e.annotations = append(e.annotations[:i], e.annotations[i+1:]...)
}

func (e *Local) Subscribe(name string, handler func(any)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[name] = append(e.handlers[name], handler)
}

// Publish runs the handlers of name on the calling goroutine.
func (e *Local) Publish(name string, payload any) {
	e.mu.Lock()
	handlers := append([]Handler(nil), e.handlers[name]...)
	e.mu.Unlock()

	for _, h := range handlers {
		h(payload)
	}
}

func (e *Local) Annotations() []*models.AnnotationRecord {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*models.AnnotationRecord(nil), e.annotations...)
}

func (e *Local) RenderedCount(media models.Media) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, a := range e.annotations {
		if e.rendered[a] && a.Media == media {
			n++
		}
	}
	return n
}

func (e *Local) IDOf(r *models.AnnotationRecord) (models.ID, bool) {
	if r == nil {
		return "", false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if id, ok := e.assigned[r]; ok {
		return id, true
	}
	if !r.IsPending() {
		return r.Id, true
	}
	return "", false
}

func (e *Local) AssignID(r *models.AnnotationRecord, id models.ID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.assigned[r] = id

	for i, a := range e.annotations {
		if a != r {
			continue
		}
		c := r.Clone()
		c.Id = id
		e.assigned[c] = id
		e.rendered[c] = e.rendered[r]
		delete(e.rendered, r)
		e.annotations[i] = c
		return
	}
}

// Clear unregisters everything and publishes AnnotationsCleared.
func (e *Local) Clear() {
	e.mu.Lock()
	e.annotations = nil
	e.rendered = make(map[*models.AnnotationRecord]bool)
	e.mu.Unlock()

	e.Publish(AnnotationsCleared, nil)
}
