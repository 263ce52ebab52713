package masterlist

import (
	"sort"
	"sync"

	"github.com/zlnvch/marginalia/models"
)

// ReplyIndex holds the last fetched replies of the one open parent annotation,
// keyed by stringified reply id.
type ReplyIndex struct {
	mu       sync.RWMutex
	parentId models.ID
	replies  map[string]*models.AnnotationRecord
}

func NewReplyIndex() *ReplyIndex {
	return &ReplyIndex{replies: make(map[string]*models.AnnotationRecord)}
}

// Open scopes the index to parentId, discarding replies of any other parent.
func (ri *ReplyIndex) Open(parentId models.ID) {
	ri.mu.Lock()
	defer ri.mu.Unlock()
	if ri.parentId != parentId {
		ri.replies = make(map[string]*models.AnnotationRecord)
	}
	ri.parentId = parentId
}

// Close discards everything.
func (ri *ReplyIndex) Close() {
	ri.mu.Lock()
	defer ri.mu.Unlock()
	ri.parentId = ""
	ri.replies = make(map[string]*models.AnnotationRecord)
}

func (ri *ReplyIndex) ParentId() models.ID {
	ri.mu.RLock()
	defer ri.mu.RUnlock()
	return ri.parentId
}

// Put stores a reply and reports whether it was kept. Replies without an id
// cannot be keyed, and while a thread is open replies to other parents are
// not part of it.
func (ri *ReplyIndex) Put(r *models.AnnotationRecord) bool {
	if r.Id == "" {
		return false
	}
	ri.mu.Lock()
	defer ri.mu.Unlock()
	if ri.parentId != "" && r.ParentId != ri.parentId {
		return false
	}
	ri.replies[string(r.Id)] = r
	return true
}

// Load replaces the content with the replies of parentId.
func (ri *ReplyIndex) Load(parentId models.ID, replies []*models.AnnotationRecord) {
	ri.mu.Lock()
	defer ri.mu.Unlock()
	ri.parentId = parentId
	ri.replies = make(map[string]*models.AnnotationRecord, len(replies))
	for _, r := range replies {
		if r.Id != "" {
			ri.replies[string(r.Id)] = r
		}
	}
}

func (ri *ReplyIndex) Get(id string) (*models.AnnotationRecord, bool) {
	ri.mu.RLock()
	defer ri.mu.RUnlock()
	r, ok := ri.replies[id]
	return r, ok
}

func (ri *ReplyIndex) Remove(id models.ID) bool {
	ri.mu.Lock()
	defer ri.mu.Unlock()
	if _, ok := ri.replies[string(id)]; !ok {
		return false
	}
	delete(ri.replies, string(id))
	return true
}

func (ri *ReplyIndex) Len() int {
	ri.mu.RLock()
	defer ri.mu.RUnlock()
	return len(ri.replies)
}

// Records returns the replies oldest first.
func (ri *ReplyIndex) Records() []*models.AnnotationRecord {
	ri.mu.RLock()
	out := make([]*models.AnnotationRecord, 0, len(ri.replies))
	for _, r := range ri.replies {
		out = append(out, r)
	}
	ri.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Created != out[j].Created {
			return out[i].Created < out[j].Created
		}
		a, aok := out[i].Id.Int()
		b, bok := out[j].Id.Int()
		if aok && bok {
			return a < b
		}
		return out[i].Id < out[j].Id
	})
	return out
}
