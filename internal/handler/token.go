package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/iliyamo/cafeteria-queue/internal/ledger"
	"github.com/iliyamo/cafeteria-queue/internal/model"
	"github.com/iliyamo/cafeteria-queue/internal/service"
)

const (
	pingInterval = 30 * time.Second
	writeWait    = 5 * time.Second
)

// TokenHandler serves queue status for a token, both as a one-off read
// and as a websocket stream.
type TokenHandler struct {
	Coord *service.Coordinator
	Log   *zap.Logger

	upgrader     websocket.Upgrader
	pingInterval time.Duration
}

// NewTokenHandler returns a TokenHandler.
func NewTokenHandler(q *service.Coordinator, log *zap.Logger) *TokenHandler {
	if q == nil {
		panic("nil coordinator passed to NewTokenHandler")
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &TokenHandler{
		Coord: q,
		Log:   log,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		pingInterval: pingInterval,
	}
}

type statusResponse struct {
	Token    model.Token         `json:"token"`
	Snapshot model.QueueSnapshot `json:"snapshot"`
}

// Status handles GET /v1/tokens/:id/status.
func (h *TokenHandler) Status(c echo.Context) error {
	ctx := c.Request().Context()
	t, err := h.authorize(c, c.Param("id"))
	if err != nil {
		return fail(c, err)
	}
	snap, err := h.Coord.CurrentSnapshot(ctx, t.ID)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, statusResponse{Token: t, Snapshot: snap})
}

// Stream handles GET /v1/tokens/:id/stream.  The first frame is the
// current snapshot; later frames follow every queue change.  The server
// closes the socket after the terminal snapshot.
func (h *TokenHandler) Stream(c echo.Context) error {
	tokenID := c.Param("id")
	if _, err := h.authorize(c, tokenID); err != nil {
		return fail(c, err)
	}

	// A hijacked connection does not cancel the request context on
	// disconnect, so the read loop below owns cancellation.
	ctx, cancel := context.WithCancel(c.Request().Context())
	defer cancel()

	sub, err := h.Coord.Subscribe(ctx, tokenID)
	if err != nil {
		return fail(c, err)
	}
	defer sub.Close()

	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		h.Log.Debug("websocket upgrade failed", zap.String("token_id", tokenID), zap.Error(err))
		return nil
	}
	defer conn.Close()
	log := h.Log.With(zap.String("token_id", tokenID))
	log.Debug("stream opened")

	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(h.pingInterval)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Debug("stream closed by client")
			return nil
		case snap, ok := <-sub.C:
			if !ok {
				closeStream(conn, "stream closed")
				return nil
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(snap); err != nil {
				log.Debug("stream write failed", zap.Error(err))
				return nil
			}
			if snap.Terminal {
				closeStream(conn, string(snap.Status))
				log.Debug("stream finished", zap.String("status", string(snap.Status)))
				return nil
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return nil
			}
		}
	}
}

func closeStream(conn *websocket.Conn, reason string) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}

// authorize loads the token and checks the caller owns its booking.
// Tokens of other users are reported as not found.
func (h *TokenHandler) authorize(c echo.Context, tokenID string) (model.Token, error) {
	t, b, err := h.Coord.Token(c.Request().Context(), tokenID)
	if err != nil {
		return model.Token{}, err
	}
	if !ownsBooking(c, b) {
		return model.Token{}, ledger.ErrTokenNotFound
	}
	return t, nil
}
