package mq

import (
	"context"
	"encoding/json"
	"errors"
)

type MessageQueue interface {
	Send(ctx context.Context, body string) error
	Receive(ctx context.Context, visibilityTimeout int32) (*Message, error)
	Delete(ctx context.Context, msg *Message) error
}

type Message struct {
	Id   string
	Body string
}

// ReconcileMessage asks a dashboard to re-query its scope because a locally
// created annotation never received its id in time.
type ReconcileMessage struct {
	ScopeKey     string `json:"scopeKey"`
	ObjectId     string `json:"uri"`
	ContextId    string `json:"contextId"`
	CollectionId string `json:"collectionId"`
	Media        string `json:"media"`
	LocalKey     string `json:"localKey"`
	ParentId     string `json:"parentId,omitempty"`
	Text         string `json:"text,omitempty"`
	Created      string `json:"created,omitempty"`
}

var ErrMissingScope = errors.New("reconcile message without scope key")

func (m ReconcileMessage) Encode() (string, error) {
	if m.ScopeKey == "" {
		return "", ErrMissingScope
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func DecodeReconcileMessage(body string) (ReconcileMessage, error) {
	var m ReconcileMessage
	if err := json.Unmarshal([]byte(body), &m); err != nil {
		return ReconcileMessage{}, err
	}
	if m.ScopeKey == "" {
		return ReconcileMessage{}, ErrMissingScope
	}
	return m, nil
}
