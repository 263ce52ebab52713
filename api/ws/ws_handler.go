package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/zlnvch/marginalia/models"
	"github.com/zlnvch/marginalia/session"
)

const Subprotocol = "marginalia-v1"

// Dashboard is the part of the coordinator browsers can drive.
type Dashboard interface {
	Query(ctx context.Context, filter models.SearchFilter) []*models.AnnotationRecord
	Page(offset int) []*models.AnnotationRecord
	LoadMore(ctx context.Context) []*models.AnnotationRecord
	OpenReplies(ctx context.Context, parentId models.ID) []*models.AnnotationRecord
	CloseReplies()
	DeleteReply(ctx context.Context, reply *models.AnnotationRecord) error
	Save(ctx context.Context, r *models.AnnotationRecord) (*models.AnnotationRecord, error)
	Delete(ctx context.Context, r *models.AnnotationRecord) error
	Authorize(action models.Action, r *models.AnnotationRecord) bool
}

type Handler struct {
	Dashboard Dashboard
	Hub       *Hub
	secret    []byte
	logger    zerolog.Logger
}

func NewHandler(dashboard Dashboard, hub *Hub, secret []byte, logger zerolog.Logger) *Handler {
	return &Handler{
		Dashboard: dashboard,
		Hub:       hub,
		secret:    secret,
		logger:    logger.With().Str("component", "ws").Logger(),
	}
}

// NewWsUpgrader only accepts requiredOrigin; an empty origin accepts any.
func (h *Handler) NewWsUpgrader(requiredOrigin string) websocket.Upgrader {
	return websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			if requiredOrigin == "" {
				return true
			}
			return r.Header.Get("Origin") == requiredOrigin
		},
		Subprotocols: []string{Subprotocol},
	}
}

// ServeWS handles websocket requests from the peer. The token travels as the
// second subprotocol.
func (h *Handler) ServeWS(wsUpgrader websocket.Upgrader, w http.ResponseWriter, r *http.Request, shutdownCtx context.Context) {
	protocols := r.Header.Get("Sec-WebSocket-Protocol")
	protocolsSplit := strings.Split(protocols, ",")

	if len(protocolsSplit) != 2 {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	token := strings.TrimSpace(protocolsSplit[1])
	claims, authErr := session.ParseToken(h.secret, token, time.Now())

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("failed to upgrade ws connection")
		return
	}

	// Must upgrade the connection in order to be able to send custom close message
	if authErr != nil {
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "Unauthenticated"),
		)
		conn.Close()
		return
	}

	client := NewClient(h.Hub, conn, claims.UserId, h.HandleWsMessage, h.logger)
	h.Hub.OpenCh <- client

	go client.ReadPump()
	go client.WritePump(shutdownCtx)
}

// Websocket message structs
type message struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type pageMessage struct {
	Offset int `json:"offset"`
}

type repliesMessage struct {
	ParentId models.ID `json:"parentId"`
}

type authorizeMessage struct {
	Action models.Action            `json:"action"`
	Record *models.AnnotationRecord `json:"record"`
}

type responseMessage struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

var errMissingRecord = errors.New("missing record")

func (h *Handler) HandleWsMessage(client *Client, messageType int, messageBytes []byte) {
	var msg message
	if err := json.Unmarshal(messageBytes, &msg); err != nil {
		client.logger.Debug().Err(err).Msg("invalid JSON")
		return
	}

	var resp responseMessage

	switch msg.Type {
	case "query":
		var filter models.SearchFilter
		if err := h.decode(client, msg, &filter); err != nil {
			return
		}
		records := h.Dashboard.Query(client.Context(), filter)
		resp = responseMessage{Type: "query_response", Data: map[string]any{"success": true, "count": len(records)}}

	case "page":
		var pageMsg pageMessage
		if err := h.decode(client, msg, &pageMsg); err != nil {
			return
		}
		records := h.Dashboard.Page(pageMsg.Offset)
		resp = responseMessage{Type: "page_response", Data: map[string]any{"success": true, "offset": pageMsg.Offset, "count": len(records)}}

	case "load_more":
		records := h.Dashboard.LoadMore(client.Context())
		resp = responseMessage{Type: "load_more_response", Data: map[string]any{"success": true, "count": len(records)}}

	case "open_replies":
		var repliesMsg repliesMessage
		if err := h.decode(client, msg, &repliesMsg); err != nil {
			return
		}
		replies := h.Dashboard.OpenReplies(client.Context(), repliesMsg.ParentId)
		resp = responseMessage{Type: "open_replies_response", Data: map[string]any{"success": true, "parentId": repliesMsg.ParentId, "count": len(replies)}}

	case "close_replies":
		h.Dashboard.CloseReplies()
		resp = responseMessage{Type: "close_replies_response", Data: map[string]any{"success": true}}

	case "delete_reply":
		var reply models.AnnotationRecord
		if err := h.decode(client, msg, &reply); err != nil {
			return
		}
		resp = responseMessage{Type: "delete_reply_response"}
		if err := h.Dashboard.DeleteReply(client.Context(), &reply); err != nil {
			client.logger.Info().Err(err).Str("id", string(reply.Id)).Msg("delete reply failed")
			resp.Data = map[string]any{"success": false, "error": err.Error(), "id": reply.Id}
		} else {
			resp.Data = map[string]any{"success": true, "id": reply.Id}
		}

	case "save":
		var r models.AnnotationRecord
		if err := h.decode(client, msg, &r); err != nil {
			return
		}
		resp = responseMessage{Type: "save_response"}
		// A create answers before the store assigns the id; the list update follows
		saved, err := h.Dashboard.Save(client.Context(), &r)
		if err != nil {
			client.logger.Info().Err(err).Str("id", string(r.Id)).Msg("save failed")
			resp.Data = map[string]any{"success": false, "error": err.Error(), "id": r.Id}
		} else {
			resp.Data = map[string]any{"success": true, "record": saved}
		}

	case "delete":
		var r models.AnnotationRecord
		if err := h.decode(client, msg, &r); err != nil {
			return
		}
		resp = responseMessage{Type: "delete_response"}
		if err := h.Dashboard.Delete(client.Context(), &r); err != nil {
			client.logger.Info().Err(err).Str("id", string(r.Id)).Msg("delete failed")
			resp.Data = map[string]any{"success": false, "error": err.Error(), "id": r.Id}
		} else {
			resp.Data = map[string]any{"success": true, "id": r.Id}
		}

	case "authorize":
		var authMsg authorizeMessage
		if err := h.decode(client, msg, &authMsg); err != nil {
			return
		}
		resp = responseMessage{Type: "authorize_response"}
		if authMsg.Record == nil {
			resp.Data = map[string]any{"success": false, "error": errMissingRecord.Error()}
		} else {
			resp.Data = map[string]any{
				"success": true,
				"action":  authMsg.Action,
				"id":      authMsg.Record.Id,
				"allowed": h.Dashboard.Authorize(authMsg.Action, authMsg.Record),
			}
		}

	default:
		client.logger.Debug().Str("type", msg.Type).Msg("unknown message type")
	}

	if resp.Type != "" {
		respBytes, err := json.Marshal(resp)
		if err != nil {
			client.logger.Error().Err(err).Msg("error marshaling response JSON")
			return
		}
		h.Hub.Reply(client, respBytes)
	}
}

func (h *Handler) decode(client *Client, msg message, v any) error {
	if err := json.Unmarshal(msg.Data, v); err != nil {
		client.logger.Debug().Err(err).Str("type", msg.Type).Msg("invalid message data")
		return err
	}
	return nil
}
