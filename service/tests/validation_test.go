package service_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/zlnvch/marginalia/models"
	"github.com/zlnvch/marginalia/service"
)

func validRecord() *models.AnnotationRecord {
	return &models.AnnotationRecord{
		ObjectId:     "obj-1",
		ContextId:    "course-1",
		CollectionId: "assignment-1",
		Media:        models.MediaText,
		Text:         "hi",
		Tags:         []string{"important"},
	}
}

func TestValidateRecord(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(r *models.AnnotationRecord)
		wantErr string
	}{
		{"Valid", func(r *models.AnnotationRecord) {}, ""},
		{"Valid Reply", func(r *models.AnnotationRecord) {
			r.Media = models.MediaComment
			r.ParentId = "1"
		}, ""},
		{"Reply Without Parent", func(r *models.AnnotationRecord) {
			r.Media = models.MediaComment
		}, "reply without parent"},
		{"Reply With Zero Parent", func(r *models.AnnotationRecord) {
			r.Media = models.MediaComment
			r.ParentId = "0"
		}, "reply without parent"},
		{"Top Level With Parent", func(r *models.AnnotationRecord) {
			r.ParentId = "4"
		}, "parent set on top-level record"},
		{"Invalid Media", func(r *models.AnnotationRecord) {
			r.Media = "audio"
		}, "invalid media"},
		{"Missing Collection", func(r *models.AnnotationRecord) {
			r.CollectionId = ""
		}, "incomplete scope"},
		{"Empty Tag", func(r *models.AnnotationRecord) {
			r.Tags = []string{"ok", " "}
		}, "empty tag"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			r := validRecord()
			tc.mutate(r)
			err := service.ValidateRecord(r)
			if tc.wantErr == "" {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
				assert.Contains(t, err.Error(), tc.wantErr)
			}
		})
	}

	assert.Error(t, service.ValidateRecord(nil))
}

func TestValidateScope(t *testing.T) {
	scope := models.Scope{ObjectId: "o", ContextId: "c", CollectionId: "a", Media: models.MediaImage}
	assert.NoError(t, service.ValidateScope(scope))

	comment := scope
	comment.Media = models.MediaComment
	assert.Error(t, service.ValidateScope(comment))

	missing := scope
	missing.ContextId = " "
	assert.Contains(t, service.ValidateScope(missing).Error(), "context")
}

func FuzzValidateRecordTags(f *testing.F) {
	f.Add("important")
	f.Add("")
	f.Add("flagged-spam")

	f.Fuzz(func(t *testing.T, tag string) {
		r := validRecord()
		r.Tags = []string{tag}
		_ = service.ValidateRecord(r)
	})
}
