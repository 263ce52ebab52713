package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"
	"github.com/zlnvch/marginalia/events"
	"github.com/zlnvch/marginalia/models"
)

type MockAdapter struct {
	mock.Mock
}

func records(args mock.Arguments, i int) []*models.AnnotationRecord {
	if args.Get(i) == nil {
		return nil
	}
	return args.Get(i).([]*models.AnnotationRecord)
}

func (m *MockAdapter) InsertLocal(r *models.AnnotationRecord) {
	m.Called(r)
}

func (m *MockAdapter) SyncRecordIntoMasterList(r *models.AnnotationRecord) {
	m.Called(r)
}

func (m *MockAdapter) RemoveLocal(r *models.AnnotationRecord) bool {
	args := m.Called(r)
	return args.Bool(0)
}

func (m *MockAdapter) TruncateRendered(n int) {
	m.Called(n)
}

func (m *MockAdapter) EndpointHandle() any {
	args := m.Called()
	return args.Get(0)
}

func (m *MockAdapter) VisibleCount() int {
	args := m.Called()
	return args.Int(0)
}

func (m *MockAdapter) Subscribe(e events.Event, h events.Handler) {
	m.Called(e, h)
}

func (m *MockAdapter) Load(ctx context.Context) {
	m.Called(ctx)
}

func (m *MockAdapter) RefreshMasterList(ctx context.Context, focusId models.ID) []*models.AnnotationRecord {
	args := m.Called(ctx, focusId)
	return records(args, 0)
}

func (m *MockAdapter) LoadMore(rs []*models.AnnotationRecord) {
	m.Called(rs)
}

func (m *MockAdapter) NextPage(ctx context.Context, offset, pageSize int) []*models.AnnotationRecord {
	args := m.Called(ctx, offset, pageSize)
	return records(args, 0)
}

func (m *MockAdapter) LookupById(id models.ID) *models.AnnotationRecord {
	args := m.Called(id)
	if args.Get(0) == nil {
		return nil
	}
	return args.Get(0).(*models.AnnotationRecord)
}

func (m *MockAdapter) ResolveID(r *models.AnnotationRecord) (models.ID, bool) {
	args := m.Called(r)
	return args.Get(0).(models.ID), args.Bool(1)
}

func (m *MockAdapter) Authorize(action models.Action, r *models.AnnotationRecord) bool {
	args := m.Called(action, r)
	return args.Bool(0)
}

func (m *MockAdapter) Query(ctx context.Context, filter models.SearchFilter, pageSize int, media models.Media) []*models.AnnotationRecord {
	args := m.Called(ctx, filter, pageSize, media)
	return records(args, 0)
}

func (m *MockAdapter) LoadRepliesForParent(ctx context.Context, parentId models.ID) []*models.AnnotationRecord {
	args := m.Called(ctx, parentId)
	return records(args, 0)
}

func (m *MockAdapter) DeleteReply(ctx context.Context, reply *models.AnnotationRecord) error {
	args := m.Called(ctx, reply)
	return args.Error(0)
}

func (m *MockAdapter) Save(ctx context.Context, r *models.AnnotationRecord) (*models.AnnotationRecord, error) {
	args := m.Called(ctx, r)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.AnnotationRecord), args.Error(1)
}

func (m *MockAdapter) Delete(ctx context.Context, r *models.AnnotationRecord) error {
	args := m.Called(ctx, r)
	return args.Error(0)
}
