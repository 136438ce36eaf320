package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/marianellas/veritas/internal/domain"
)

// streamCursor reads the first event index a client wants: ?from=N, or one
// past the Last-Event-ID a reconnecting EventSource sends.
func streamCursor(c *gin.Context) (int, error) {
	if v := c.Query("from"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return 0, fmt.Errorf("from must be a non-negative integer")
		}
		return n, nil
	}
	if v := c.GetHeader("Last-Event-ID"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			return n + 1, nil
		}
	}
	return 0, nil
}

func (s *Server) streamRunHandler(c *gin.Context) {
	id := c.Param("id")
	ctx := c.Request.Context()

	from, err := streamCursor(c)
	if err != nil {
		writeError(c, http.StatusBadRequest, err.Error())
		return
	}
	if _, err := s.svc.Get(ctx, id); err != nil {
		s.writeServiceError(c, err)
		return
	}

	h := c.Writer.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	err = s.svc.Stream(ctx, id, from, func(ev domain.Event) error {
		data, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("marshal event: %w", err)
		}
		if _, err := fmt.Fprintf(c.Writer, "id: %d\ndata: %s\n\n", ev.Seq, data); err != nil {
			return fmt.Errorf("write event: %w", err)
		}
		c.Writer.Flush()
		return nil
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Warn("stream ended early", "run_id", id, "error", err)
	}
}

const wsWriteWait = 10 * time.Second

func (s *Server) wsRunHandler(c *gin.Context) {
	id := c.Param("id")

	from, err := streamCursor(c)
	if err != nil {
		writeError(c, http.StatusBadRequest, err.Error())
		return
	}
	if _, err := s.svc.Get(c.Request.Context(), id); err != nil {
		s.writeServiceError(c, err)
		return
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "run_id", id, "error", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	// The client never sends anything meaningful; reading surfaces its close.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	err = s.svc.Stream(ctx, id, from, func(ev domain.Event) error {
		conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		return conn.WriteJSON(ev)
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Warn("websocket stream ended early", "run_id", id, "error", err)
		return
	}

	conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "run complete"))
}
