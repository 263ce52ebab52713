// Package store defines the contract every annotation backend binding
// implements for the dashboard.
package store

import (
	"context"
	"errors"

	"github.com/zlnvch/marginalia/events"
	"github.com/zlnvch/marginalia/masterlist"
	"github.com/zlnvch/marginalia/models"
)

type Adapter interface {
	masterlist.Store

	// EndpointHandle exposes the underlying transport for diagnostics.
	EndpointHandle() any
	VisibleCount() int
	Subscribe(e events.Event, h events.Handler)

	// Load runs the backend's own initial load and ends with EventLoaded.
	Load(ctx context.Context)
	RefreshMasterList(ctx context.Context, focusId models.ID) []*models.AnnotationRecord
	LoadMore(records []*models.AnnotationRecord)
	NextPage(ctx context.Context, offset, pageSize int) []*models.AnnotationRecord
	LookupById(id models.ID) *models.AnnotationRecord
	ResolveID(r *models.AnnotationRecord) (models.ID, bool)
	Authorize(action models.Action, r *models.AnnotationRecord) bool
	Query(ctx context.Context, filter models.SearchFilter, pageSize int, media models.Media) []*models.AnnotationRecord
	LoadRepliesForParent(ctx context.Context, parentId models.ID) []*models.AnnotationRecord
	DeleteReply(ctx context.Context, reply *models.AnnotationRecord) error

	Save(ctx context.Context, r *models.AnnotationRecord) (*models.AnnotationRecord, error)
	Delete(ctx context.Context, r *models.AnnotationRecord) error
}

var (
	ErrNotFound  = errors.New("annotation does not exist")
	ErrForbidden = errors.New("action not permitted")
	ErrPending   = errors.New("annotation has no id yet")
)
