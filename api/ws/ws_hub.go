package ws

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog"

	"github.com/zlnvch/marginalia/colorize"
	"github.com/zlnvch/marginalia/models"
)

type outbound struct {
	kind  string
	bytes []byte
}

type direct struct {
	client *Client
	bytes  []byte
}

type windowData struct {
	Offset   int                        `json:"offset"`
	PageSize int                        `json:"pageSize"`
	Records  []*models.AnnotationRecord `json:"records"`
	Persist  bool                       `json:"persist"`
}

type repliesData struct {
	ParentId models.ID                  `json:"parentId"`
	Replies  []*models.AnnotationRecord `json:"replies"`
}

// Hub maintains the set of connected browsers and mirrors the dashboard view
// to all of them. It implements dashboard.View and dashboard.TargetRenderer.
type Hub struct {
	OpenCh        chan *Client
	CloseCh       chan *Client
	broadcastCh   chan outbound
	directCh      chan direct
	userToClients map[string]map[*Client]struct{}

	// Last rendered window, replayed to clients that connect later.
	lastWindow []byte
	logger     zerolog.Logger
}

func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		OpenCh:        make(chan *Client, 256),
		CloseCh:       make(chan *Client, 256),
		broadcastCh:   make(chan outbound, 1024),
		directCh:      make(chan direct, 256),
		userToClients: make(map[string]map[*Client]struct{}),
		logger:        logger.With().Str("component", "ws-hub").Logger(),
	}
}

const maxConnectionsPerUser = 3

func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case client := <-h.OpenCh:
			if _, ok := h.userToClients[client.userId]; !ok {
				h.userToClients[client.userId] = make(map[*Client]struct{})
			}

			if len(h.userToClients[client.userId]) >= maxConnectionsPerUser {
				h.logger.Warn().Str("user", client.userId).Int("max", maxConnectionsPerUser).Msg("user reached max connections")
				h.closeSend(client)
				continue
			}

			h.userToClients[client.userId][client] = struct{}{}
			if h.lastWindow != nil {
				h.send(client, h.lastWindow)
			}

		case client := <-h.CloseCh:
			h.remove(client)

		case msg := <-h.broadcastCh:
			switch msg.kind {
			case "window":
				h.lastWindow = msg.bytes
			case "clear":
				h.lastWindow = nil
			}
			for _, clients := range h.userToClients {
				for client := range clients {
					h.send(client, msg.bytes)
				}
			}

		case d := <-h.directCh:
			if !d.client.closed {
				h.send(d.client, d.bytes)
			}

		case <-ctx.Done():
			return
		}
	}
}

// send drops clients that cannot keep up.
func (h *Hub) send(client *Client, message []byte) {
	select {
	case client.Send <- message:
	default:
		h.logger.Warn().Str("user", client.userId).Msg("client send buffer full, disconnecting")
		h.remove(client)
		h.closeSend(client)
	}
}

func (h *Hub) closeSend(client *Client) {
	if !client.closed {
		client.closed = true
		close(client.Send)
	}
}

func (h *Hub) remove(client *Client) {
	clients, ok := h.userToClients[client.userId]
	if !ok {
		return
	}
	delete(clients, client)
	if len(clients) == 0 {
		delete(h.userToClients, client.userId)
	}
}

// Reply queues a message for one client. Only the hub writes to Send.
func (h *Hub) Reply(client *Client, message []byte) {
	h.directCh <- direct{client: client, bytes: message}
}

func (h *Hub) emit(kind string, data any) {
	bytes, err := json.Marshal(responseMessage{Type: kind, Data: data})
	if err != nil {
		h.logger.Error().Err(err).Str("type", kind).Msg("failed to marshal view message")
		return
	}
	h.broadcastCh <- outbound{kind: kind, bytes: bytes}
}

func (h *Hub) ClearDashboard() {
	h.emit("clear", struct{}{})
}

func (h *Hub) RenderWindow(offset, pageSize int, records []*models.AnnotationRecord, shouldPersist bool) {
	if records == nil {
		records = []*models.AnnotationRecord{}
	}
	h.emit("window", windowData{Offset: offset, PageSize: pageSize, Records: records, Persist: shouldPersist})
}

func (h *Hub) PrependRecord(r *models.AnnotationRecord) {
	h.emit("prepend", r)
}

func (h *Hub) PatchRecord(r *models.AnnotationRecord) {
	h.emit("patch", r)
}

func (h *Hub) RemoveRecord(id models.ID) {
	h.emit("remove", map[string]models.ID{"id": id})
}

func (h *Hub) RenderReplies(parentId models.ID, replies []*models.AnnotationRecord) {
	if replies == nil {
		replies = []*models.AnnotationRecord{}
	}
	h.emit("replies", repliesData{ParentId: parentId, Replies: replies})
}

// Colorize sends CSS colors keyed by annotation id.
func (h *Hub) Colorize(colors map[models.ID]colorize.Color) {
	css := make(map[models.ID]string, len(colors))
	for id, c := range colors {
		css[id] = c.CSS()
	}
	h.emit("colors", css)
}
