package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The bearer token already scopes the stream to one user.
	CheckOrigin: func(*http.Request) bool { return true },
}

type streamMessage struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// BalanceStream upgrades to a websocket, sends the current balance and then
// every update applied to the user's account until the client goes away.
func (h *Handler) BalanceStream(c *gin.Context) {
	userID := c.Param("userId")
	if !authorize(c, userID) {
		return
	}

	bal, err := h.Ledger.GetBalance(c.Request.Context(), userID)
	if err != nil {
		writeError(c, h.Log, err)
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.Log.Warn("websocket upgrade failed", zap.String("user_id", userID), zap.Error(err))
		return
	}
	defer conn.Close()

	updates, cancel := h.Stream.Subscribe(userID)
	defer cancel()

	log := h.Log.With(zap.String("user_id", userID))
	log.Debug("balance stream opened")

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	write := func(msg streamMessage) error {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		return conn.WriteJSON(msg)
	}

	if err := write(streamMessage{Event: "snapshot", Data: bal}); err != nil {
		return
	}

	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-closed:
			log.Debug("balance stream closed by client")
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			if err := write(streamMessage{Event: "balance", Data: update}); err != nil {
				log.Debug("balance stream write failed", zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
