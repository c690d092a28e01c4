package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/veilchat/veilchat/pkg/broadcast"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPingPeriod = 30 * time.Second
	// wsSinkDepth bounds how far a subscriber may fall behind before the
	// hub drops it.
	wsSinkDepth = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Origin enforcement happens at the session layer upstream.
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleWS subscribes the caller to the conversation's hub. Membership is
// checked once at connect time; a removal mid-session is enforced by the
// hub dropping the subscriber's identity.
func (s *Server) handleWS(c *gin.Context) {
	convID, ok := pathUUID(c, "conversationId")
	if !ok {
		return
	}
	actor, err := s.actor(c, convID)
	if err != nil {
		respondErr(c, err)
		return
	}
	ctx := c.Request.Context()
	switch {
	case actor.AccountID != nil:
		_, err = s.store.Members().ActiveByAccount(ctx, convID, *actor.AccountID)
	default:
		_, err = s.store.Members().ActiveByLink(ctx, convID, *actor.LinkID)
	}
	if err != nil {
		respondErr(c, err)
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}

	sink := broadcast.NewChanSink(wsSinkDepth)
	hub := s.hubs.Hub(convID)
	unsubscribe := hub.Subscribe(broadcast.Identity{
		AccountID:   actor.AccountID,
		LinkID:      actor.LinkID,
		DisplayName: actor.DisplayName,
	}, sink)

	defer func() {
		unsubscribe()
		sink.Close()
		conn.Close()
		if hub.Len() == 0 {
			s.hubs.Release(convID)
		}
	}()

	// Reader: the client sends nothing meaningful; we read only to notice
	// the close frame and to keep control frames flowing.
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		conn.SetReadLimit(1024)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()

	for {
		select {
		case ev := <-sink.Events():
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(ev); err != nil {
				zap.L().Debug("ws write failed", zap.String("conversation", convID.String()), zap.Error(err))
				return
			}
		case <-sink.Done():
			// Dropped by the hub: removed from the conversation or too far
			// behind.
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "unsubscribed"))
			return
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-readDone:
			return
		}
	}
}
