// Package masterlist maintains the dashboard's master list of annotations, the
// reply index of the open thread and the pagination windows over them.
package masterlist

import (
	"fmt"
	"sync"

	"github.com/zlnvch/marginalia/models"
)

type State int

const (
	StateEmpty State = iota
	StateLoading
	StateLoaded
)

func (s State) String() string {
	switch s {
	case StateEmpty:
		return "Empty"
	case StateLoading:
		return "Loading"
	case StateLoaded:
		return "Loaded"
	default:
		return "InvalidState"
	}
}

func (s State) validateTransitionTo(next State) error {
	switch s {
	case StateEmpty:
		if next == StateLoading {
			return nil
		}
	case StateLoading:
		// A newer query may start before the previous one answered.
		switch next {
		case StateLoading, StateLoaded, StateEmpty:
			return nil
		}
	case StateLoaded:
		switch next {
		case StateLoading, StateEmpty:
			return nil
		}
	}
	return fmt.Errorf("invalid state transition from %v to %v", s, next)
}

// Store is the part of a store adapter the synchronizer drives.
type Store interface {
	InsertLocal(r *models.AnnotationRecord)
	SyncRecordIntoMasterList(r *models.AnnotationRecord)
	RemoveLocal(r *models.AnnotationRecord) bool
	TruncateRendered(n int)
}

type Synchronizer struct {
	store   Store
	replies *ReplyIndex

	mu    sync.Mutex
	state State
}

func NewSynchronizer(store Store, replies *ReplyIndex) *Synchronizer {
	return &Synchronizer{store: store, replies: replies, state: StateEmpty}
}

func (s *Synchronizer) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Synchronizer) transition(next State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.state.validateTransitionTo(next); err != nil {
		return err
	}
	s.state = next
	return nil
}

// BeginQuery marks a query as in flight.
func (s *Synchronizer) BeginQuery() error {
	return s.transition(StateLoading)
}

// EndQuery marks the master list as loaded.
func (s *Synchronizer) EndQuery() error {
	return s.transition(StateLoaded)
}

// Reset returns to Empty, e.g. when the dashboard closes.
func (s *Synchronizer) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StateEmpty
}

// ApplyCreate prepends r to the master list, or routes it to the reply index
// when it is a reply.
func (s *Synchronizer) ApplyCreate(r *models.AnnotationRecord) {
	if r.IsReply() {
		s.replies.Put(r)
		return
	}
	s.store.InsertLocal(r)
}

// ApplyUpdate replaces r in place; unknown ids are ignored.
func (s *Synchronizer) ApplyUpdate(r *models.AnnotationRecord) {
	if r.IsReply() {
		if _, ok := s.replies.Get(string(r.Id)); ok {
			s.replies.Put(r)
		}
		return
	}
	s.store.SyncRecordIntoMasterList(r)
}

// ApplyDelete removes r and reports whether it was a reply.
func (s *Synchronizer) ApplyDelete(r *models.AnnotationRecord) bool {
	return s.store.RemoveLocal(r)
}

// ApplyPageWindow returns full[offset:min(offset+pageSize, len(full))]. An
// offset past the end yields an empty window.
func (s *Synchronizer) ApplyPageWindow(offset, pageSize int, full []*models.AnnotationRecord) []*models.AnnotationRecord {
	return PageWindow(offset, pageSize, full)
}

func PageWindow(offset, pageSize int, full []*models.AnnotationRecord) []*models.AnnotationRecord {
	if offset < 0 {
		offset = 0
	}
	if pageSize <= 0 || offset >= len(full) {
		return []*models.AnnotationRecord{}
	}
	end := offset + pageSize
	if end > len(full) {
		end = len(full)
	}
	return full[offset:end]
}

// TriggerLoadMoreIfNeeded asks the store to cut its rendered annotations back
// to pageSize once more than that are on screen. The master list is untouched.
func (s *Synchronizer) TriggerLoadMoreIfNeeded(onScreenCount, pageSize int) bool {
	if onScreenCount <= pageSize {
		return false
	}
	s.store.TruncateRendered(pageSize)
	return true
}
