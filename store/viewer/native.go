package viewer

import (
	"encoding/json"

	"github.com/zlnvch/marginalia/models"
)

const (
	typeAnnotation = "oa:Annotation"
	typeText       = "dctypes:Text"
	typeTag        = "oa:Tag"
	typeSpecific   = "oa:SpecificResource"

	motivationCommenting = "oa:commenting"
	motivationTagging    = "oa:tagging"
)

// NativeAnnotation is the image viewer's Open Annotation shape. Values held by
// a Catch are never mutated; updates replace them.
type NativeAnnotation struct {
	Id           string              `json:"@id,omitempty"`
	Type         string              `json:"@type"`
	LocalID      string              `json:"localId,omitempty"`
	Motivation   []string            `json:"motivation"`
	Resource     []Resource          `json:"resource"`
	On           *Target             `json:"on,omitempty"`
	AnnotatedBy  *Agent              `json:"annotatedBy,omitempty"`
	Permissions  map[string][]string `json:"permissions,omitempty"`
	ContextId    string              `json:"contextId"`
	CollectionId string              `json:"collectionId"`
	Media        string              `json:"media"`
	Parent       string              `json:"parent,omitempty"`
	Created      string              `json:"created,omitempty"`
	Updated      string              `json:"updated,omitempty"`
	Archived     bool                `json:"archived,omitempty"`
	Comments     int                 `json:"totalComments,omitempty"`
}

type Resource struct {
	Type   string `json:"@type"`
	Format string `json:"format,omitempty"`
	Chars  string `json:"chars"`
}

type Target struct {
	Type     string          `json:"@type"`
	Full     string          `json:"full"`
	Selector json.RawMessage `json:"selector,omitempty"`
}

type Agent struct {
	Id   string `json:"@id"`
	Name string `json:"name"`
}

// ToRecord translates a viewer annotation into the canonical record.
func ToRecord(n *NativeAnnotation) *models.AnnotationRecord {
	if n == nil {
		return nil
	}

	r := &models.AnnotationRecord{
		Id:            models.ID(n.Id),
		ContextId:     n.ContextId,
		CollectionId:  n.CollectionId,
		Media:         models.Media(n.Media),
		ParentId:      models.ID(n.Parent),
		Tags:          []string{},
		Created:       n.Created,
		Updated:       n.Updated,
		Archived:      n.Archived,
		TotalComments: n.Comments,
	}
	if r.Media == "" {
		r.Media = models.MediaImage
	}

	for _, res := range n.Resource {
		switch res.Type {
		case typeText:
			if r.Text == "" {
				r.Text = res.Chars
			}
		case typeTag:
			r.Tags = append(r.Tags, res.Chars)
		}
	}

	if n.On != nil {
		r.ObjectId = n.On.Full
		if len(n.On.Selector) > 0 {
			r.Bounds = append(json.RawMessage(nil), n.On.Selector...)
		}
	}
	if n.AnnotatedBy != nil {
		r.User = &models.User{Id: n.AnnotatedBy.Id, Name: n.AnnotatedBy.Name}
	}
	if n.Permissions != nil {
		r.Permissions = make(models.Permissions, len(n.Permissions))
		for action, ids := range n.Permissions {
			r.Permissions[models.Action(action)] = append([]string{}, ids...)
		}
	}

	return r
}

// FromRecord translates a canonical record into the viewer's shape.
func FromRecord(r *models.AnnotationRecord) *NativeAnnotation {
	if r == nil {
		return nil
	}

	n := &NativeAnnotation{
		Id:           string(r.Id),
		Type:         typeAnnotation,
		Motivation:   []string{motivationCommenting},
		Resource:     []Resource{{Type: typeText, Format: "text/html", Chars: r.Text}},
		ContextId:    r.ContextId,
		CollectionId: r.CollectionId,
		Media:        string(r.Media),
		Parent:       string(r.ParentId),
		Created:      r.Created,
		Updated:      r.Updated,
		Archived:     r.Archived,
		Comments:     r.TotalComments,
	}
	if r.ParentId.IsZero() {
		n.Parent = ""
	}

	if len(r.Tags) > 0 {
		n.Motivation = append(n.Motivation, motivationTagging)
		for _, tag := range r.Tags {
			n.Resource = append(n.Resource, Resource{Type: typeTag, Chars: tag})
		}
	}

	n.On = &Target{Type: typeSpecific, Full: r.ObjectId}
	if len(r.Bounds) > 0 {
		n.On.Selector = append(json.RawMessage(nil), r.Bounds...)
	}
	if r.User != nil {
		n.AnnotatedBy = &Agent{Id: r.User.Id, Name: r.User.Name}
	}
	if r.Permissions != nil {
		n.Permissions = make(map[string][]string, len(r.Permissions))
		for action, ids := range r.Permissions {
			n.Permissions[string(action)] = append([]string{}, ids...)
		}
	}

	return n
}

// FromRecordWithLocal is FromRecord keeping the client-side key of a pending
// annotation.
func FromRecordWithLocal(r *models.AnnotationRecord, localID string) *NativeAnnotation {
	n := FromRecord(r)
	if n != nil {
		n.LocalID = localID
	}
	return n
}
