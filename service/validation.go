package service

import (
	"errors"
	"strings"

	"github.com/zlnvch/marginalia/models"
)

const maxTagLength = 128

func ValidateScope(scope models.Scope) error {
	if strings.TrimSpace(scope.ObjectId) == "" {
		return errors.New("missing object id")
	}
	if strings.TrimSpace(scope.ContextId) == "" {
		return errors.New("missing context id")
	}
	if strings.TrimSpace(scope.CollectionId) == "" {
		return errors.New("missing collection id")
	}
	switch scope.Media {
	case models.MediaText, models.MediaImage, models.MediaVideo:
	default:
		return errors.New("invalid media")
	}
	return nil
}

// ValidateRecord checks a record before it is sent to the store.
func ValidateRecord(r *models.AnnotationRecord) error {
	if r == nil {
		return errors.New("missing record")
	}
	if !r.Media.Valid() {
		return errors.New("invalid media")
	}

	// Replies hang off a parent; top-level records must not
	if r.IsReply() {
		if r.ParentId.IsZero() {
			return errors.New("reply without parent")
		}
	} else if !r.ParentId.IsZero() {
		return errors.New("parent set on top-level record")
	}

	if r.ObjectId == "" || r.ContextId == "" || r.CollectionId == "" {
		return errors.New("incomplete scope")
	}

	for _, tag := range r.Tags {
		if strings.TrimSpace(tag) == "" {
			return errors.New("empty tag")
		}
		if len(tag) > maxTagLength {
			return errors.New("tag too long")
		}
	}

	return nil
}
