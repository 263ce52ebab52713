package masterlist

import (
	"sync"

	"github.com/zlnvch/marginalia/models"
)

// List is the ordered master list of top-level annotations for one scope and
// filter. Ids are unique: inserting a known id replaces the existing entry.
type List struct {
	mu         sync.RWMutex
	records    []*models.AnnotationRecord
	generation uint64
}

func NewList() *List {
	return &List{}
}

func (l *List) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.records)
}

// Snapshot returns a copy of the ordering; records are shared.
func (l *List) Snapshot() []*models.AnnotationRecord {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]*models.AnnotationRecord(nil), l.records...)
}

func (l *List) indexOf(r *models.AnnotationRecord) int {
	for i, existing := range l.records {
		if existing == r {
			return i
		}
		if !r.IsPending() && existing.Id == r.Id {
			return i
		}
	}
	return -1
}

func (l *List) indexOfID(id models.ID) int {
	if id == "" {
		return -1
	}
	for i, existing := range l.records {
		if existing.Id == id {
			return i
		}
	}
	return -1
}

func (l *List) Get(id models.ID) *models.AnnotationRecord {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if i := l.indexOfID(id); i >= 0 {
		return l.records[i]
	}
	return nil
}

// Prepend puts r first, or replaces the entry with the same id in place.
func (l *List) Prepend(r *models.AnnotationRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if i := l.indexOf(r); i >= 0 {
		l.records[i] = r
		return
	}
	l.records = append([]*models.AnnotationRecord{r}, l.records...)
}

// Append adds records that are not yet present and returns the ones added.
func (l *List) Append(records ...*models.AnnotationRecord) []*models.AnnotationRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	added := make([]*models.AnnotationRecord, 0, len(records))
	for _, r := range records {
		if r == nil || l.indexOf(r) >= 0 {
			continue
		}
		l.records = append(l.records, r)
		added = append(added, r)
	}
	return added
}

// Replace updates the entry with r's id in place. It never inserts.
func (l *List) Replace(r *models.AnnotationRecord) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if i := l.indexOfID(r.Id); i >= 0 {
		l.records[i] = r
		return true
	}
	return false
}

// Remove drops r, matched by identity or id.
func (l *List) Remove(r *models.AnnotationRecord) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	i := l.indexOf(r)
	if i < 0 {
		return false
	}
	l.records = append(l.records[:i], l.records[i+1:]...)
	return true
}

// NextGeneration starts a new query generation; responses of older
// generations are discarded by ReplaceAt.
func (l *List) NextGeneration() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.generation++
	return l.generation
}

// ReplaceAt swaps the whole content for records if gen is still current.
// Duplicate ids in records keep their first occurrence.
func (l *List) ReplaceAt(gen uint64, records []*models.AnnotationRecord) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if gen != l.generation {
		return false
	}
	l.records = dedupe(records)
	return true
}

// Reset empties the list and invalidates in-flight queries.
func (l *List) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.generation++
	l.records = nil
}

func dedupe(records []*models.AnnotationRecord) []*models.AnnotationRecord {
	seen := make(map[models.ID]struct{}, len(records))
	out := make([]*models.AnnotationRecord, 0, len(records))
	for _, r := range records {
		if r == nil {
			continue
		}
		if r.Id != "" {
			if _, ok := seen[r.Id]; ok {
				continue
			}
			seen[r.Id] = struct{}{}
		}
		out = append(out, r)
	}
	return out
}
