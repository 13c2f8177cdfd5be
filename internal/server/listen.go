package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/FabianTorres/confesiones/internal/confessions"
	"github.com/FabianTorres/confesiones/internal/realtime"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	listenTransport = "websocket"
	writeTimeout    = 10 * time.Second
	pingInterval    = 30 * time.Second
)

var (
	errUnknownTopic   = errors.New("unknown topic")
	errTopicForbidden = errors.New("topic belongs to another user")
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// listenFrame is one websocket message: the latest snapshot of the topic, or the error that
// ended the listener.
type listenFrame struct {
	Topic string `json:"topic"`
	Data  any    `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
}

type snapshotLoader func(ctx context.Context) (any, error)

// handleListen streams snapshots of one topic over a websocket until either side goes away.
func (h *httpHandler) handleListen(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	topic := c.Query("topic")

	load, err := h.loaderFor(c.Request.Context(), topic, c.Query("sort"), userID)
	if err != nil {
		switch {
		case errors.Is(err, errTopicForbidden):
			c.JSON(http.StatusForbidden, gin.H{"error": "forbidden_topic"})
		case errors.Is(err, errUnknownTopic):
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_topic"})
		default:
			h.writeError(c, "listen", err)
		}
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.String("topic", topic), zap.Error(err))
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	h.metrics.IncListeners(listenTransport)
	defer h.metrics.DecListeners(listenTransport)

	listener := realtime.Watch[any](ctx, h.subscriber, topic, load)
	defer listener.Close()

	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					h.logger.Debug("websocket read ended", zap.String("topic", topic), zap.Error(err))
				}
				return
			}
		}
	}()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		case snapshot, ok := <-listener.Snapshots():
			if !ok {
				frame := listenFrame{Topic: topic, Error: "listener_closed"}
				if listenErr := listener.Err(); listenErr != nil {
					h.logger.Warn("listener stopped", zap.String("topic", topic), zap.Error(listenErr))
					frame.Error = errorCode(listenErr)
				}
				_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
				_ = conn.WriteJSON(frame)
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(writeTimeout))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(listenFrame{Topic: topic, Data: snapshot}); err != nil {
				h.logger.Debug("websocket write failed", zap.String("topic", topic), zap.Error(err))
				return
			}
		}
	}
}

// loaderFor authorizes the topic for userID and returns the query that produces its snapshots.
func (h *httpHandler) loaderFor(ctx context.Context, topic, sort, userID string) (snapshotLoader, error) {
	kind, id, ok := realtime.ParseTopic(topic)
	if !ok {
		return nil, errUnknownTopic
	}

	switch kind {
	case realtime.KindConfession:
		return func(ctx context.Context) (any, error) {
			confession, err := h.confessions.GetConfession(ctx, id)
			if err != nil {
				return nil, err
			}
			return newConfessionPayload(confession, userID), nil
		}, nil
	case realtime.KindCommunity:
		order, err := confessions.ParseSortOrder(sort)
		if err != nil {
			return nil, err
		}
		return func(ctx context.Context) (any, error) {
			feed, err := h.confessions.ListFeed(ctx, id, order)
			if err != nil {
				return nil, err
			}
			return newConfessionPayloads(feed, userID), nil
		}, nil
	case realtime.KindComments:
		return func(ctx context.Context) (any, error) {
			comments, err := h.confessions.ListComments(ctx, id)
			if err != nil {
				return nil, err
			}
			return comments, nil
		}, nil
	case realtime.KindAuthor:
		if id != userID {
			return nil, errTopicForbidden
		}
		return func(ctx context.Context) (any, error) {
			list, err := h.confessions.ListByAuthor(ctx, id)
			if err != nil {
				return nil, err
			}
			return newConfessionPayloads(list, userID), nil
		}, nil
	case realtime.KindProfile:
		if id != userID {
			return nil, errTopicForbidden
		}
		return func(ctx context.Context) (any, error) {
			profile, err := h.users.GetProfile(ctx, id)
			if err != nil {
				return nil, err
			}
			return profile, nil
		}, nil
	case realtime.KindMemberRooms:
		if id != userID {
			return nil, errTopicForbidden
		}
		return func(ctx context.Context) (any, error) {
			rooms, err := h.chat.ListRooms(ctx, id)
			if err != nil {
				return nil, err
			}
			return newChatListPayload(rooms), nil
		}, nil
	case realtime.KindRoom:
		if _, err := h.chat.MemberRoom(ctx, id, userID); err != nil {
			return nil, err
		}
		return func(ctx context.Context) (any, error) {
			room, err := h.chat.MemberRoom(ctx, id, userID)
			if err != nil {
				return nil, err
			}
			return newRoomPayload(room), nil
		}, nil
	case realtime.KindMessages:
		if _, err := h.chat.MemberRoom(ctx, id, userID); err != nil {
			return nil, err
		}
		return func(ctx context.Context) (any, error) {
			messages, err := h.chat.ListMessages(ctx, id, userID)
			if err != nil {
				return nil, err
			}
			return messages, nil
		}, nil
	default:
		return nil, errUnknownTopic
	}
}

func errorCode(err error) string {
	var coded codedError
	if errors.As(err, &coded) {
		return coded.Code()
	}
	return "internal_error"
}
