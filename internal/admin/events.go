package admin

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	logx "feedagent/pkg/logx"
)

const (
	eventBuffer  = 256
	writeTimeout = 5 * time.Second
)

// events streams bus events as JSON text frames. ?type= limits the stream to
// event types with the given prefix (e.g. "task." or "controller.").
func (s *Server) events(w http.ResponseWriter, r *http.Request) {
	prefix := strings.TrimSpace(r.URL.Query().Get("type"))

	// Subscribe before the upgrade so nothing published after the handshake
	// is missed.
	ch, unsubscribe := s.deps.Bus.Subscribe(eventBuffer)
	defer unsubscribe()

	opts := &websocket.AcceptOptions{}
	if len(s.cfg.CORSOrigins) > 0 {
		opts.OriginPatterns = s.cfg.CORSOrigins
	}
	c, err := websocket.Accept(w, r, opts)
	if err != nil {
		s.log.Debug("event stream upgrade failed", logx.Err(err))
		return
	}
	defer c.Close(websocket.StatusInternalError, "")

	// The stream is write-only; CloseRead handles pings and reports the
	// client going away through ctx.
	ctx := c.CloseRead(r.Context())
	s.log.Debug("event stream opened", logx.String("remote", r.RemoteAddr))

	for {
		select {
		case <-ctx.Done():
			c.Close(websocket.StatusNormalClosure, "")
			return
		case ev, ok := <-ch:
			if !ok {
				c.Close(websocket.StatusGoingAway, "bus closed")
				return
			}
			if prefix != "" && !strings.HasPrefix(ev.Type, prefix) {
				continue
			}
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := wsjson.Write(wctx, c, ev)
			cancel()
			if err != nil {
				if !errors.Is(err, context.Canceled) && websocket.CloseStatus(err) == -1 {
					s.log.Debug("event stream write failed", logx.Err(err))
				}
				return
			}
		}
	}
}
