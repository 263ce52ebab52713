package models

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
)

type Media string

const (
	MediaText    Media = "text"
	MediaImage   Media = "image"
	MediaVideo   Media = "video"
	MediaComment Media = "comment"
)

func (m Media) Valid() bool {
	switch m {
	case MediaText, MediaImage, MediaVideo, MediaComment:
		return true
	}
	return false
}

type Action string

const (
	ActionRead   Action = "read"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
	ActionAdmin  Action = "admin"
)

// ID is the backend-assigned annotation identifier. The store sends numbers,
// the image viewer sends strings; both decode to the same value.
type ID string

func (id ID) IsZero() bool {
	return id == "" || id == "0"
}

func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*id = ID(n.String())
	return nil
}

// Int returns the numeric form of the id when it has one.
func (id ID) Int() (int64, bool) {
	n, err := strconv.ParseInt(string(id), 10, 64)
	return n, err == nil
}

type User struct {
	Id   string `json:"id"`
	Name string `json:"name"`
}

// Permissions maps an action to the user ids allowed to perform it.
// A nil map means the record carries no permissions at all.
type Permissions map[Action][]string

const FlaggedTagPrefix = "flagged-"

type AnnotationRecord struct {
	Id            ID              `json:"id,omitempty"`
	ObjectId      string          `json:"uri"`
	ContextId     string          `json:"contextId"`
	CollectionId  string          `json:"collectionId"`
	Media         Media           `json:"media"`
	ParentId      ID              `json:"parent,omitempty"`
	Text          string          `json:"text"`
	Tags          []string        `json:"tags"`
	Permissions   Permissions     `json:"permissions,omitempty"`
	User          *User           `json:"user,omitempty"`
	Ranges        json.RawMessage `json:"ranges,omitempty"`
	RangePosition json.RawMessage `json:"rangePosition,omitempty"`
	Bounds        json.RawMessage `json:"bounds,omitempty"`
	Created       string          `json:"created,omitempty"`
	Updated       string          `json:"updated,omitempty"`
	Archived      bool            `json:"archived"`
	TotalComments int             `json:"totalComments,omitempty"`
}

func (r *AnnotationRecord) IsReply() bool {
	return r.Media == MediaComment
}

func (r *AnnotationRecord) IsPending() bool {
	return r.Id == ""
}

// UserTags drops internal marker tags.
func (r *AnnotationRecord) UserTags() []string {
	tags := make([]string, 0, len(r.Tags))
	for _, t := range r.Tags {
		if strings.HasPrefix(t, FlaggedTagPrefix) {
			continue
		}
		tags = append(tags, t)
	}
	return tags
}

// Clone returns a copy that shares no slices or maps with r.
func (r *AnnotationRecord) Clone() *AnnotationRecord {
	c := *r
	if r.Tags != nil {
		c.Tags = append([]string(nil), r.Tags...)
	}
	if r.Permissions != nil {
		c.Permissions = make(Permissions, len(r.Permissions))
		for action, ids := range r.Permissions {
			c.Permissions[action] = append([]string{}, ids...)
		}
	}
	if r.User != nil {
		u := *r.User
		c.User = &u
	}
	return &c
}

// Scope identifies the annotated source a master list belongs to.
type Scope struct {
	ObjectId     string
	ContextId    string
	CollectionId string
	Media        Media
}

func (s Scope) Key() string {
	return s.ContextId + "--" + s.CollectionId + "--" + s.ObjectId + "--" + string(s.Media)
}

// SearchFilter is the dashboard query filter. Only one of Username, Text and Tag
// is meaningful per query.
type SearchFilter struct {
	UserId   string `json:"userId,omitempty"`
	Username string `json:"username,omitempty"`
	Text     string `json:"text,omitempty"`
	Tag      string `json:"tag,omitempty"`
}

// Normalize keeps the first non-empty of Username, Text and Tag.
func (f SearchFilter) Normalize() SearchFilter {
	n := SearchFilter{UserId: strings.TrimSpace(f.UserId)}
	switch {
	case strings.TrimSpace(f.Username) != "":
		n.Username = strings.TrimSpace(f.Username)
	case strings.TrimSpace(f.Text) != "":
		n.Text = strings.TrimSpace(f.Text)
	case strings.TrimSpace(f.Tag) != "":
		n.Tag = strings.TrimSpace(f.Tag)
	}
	return n
}
