package v1

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	apierr "github.com/wkchat/wkchat/server/internal/errors"
)

const sseHeartbeatInterval = 15 * time.Second

// StreamEvents is the live change feed. One SSE connection per subscriber;
// the stream carries identifiers only, clients re-fetch through the REST API.
func (s *APIV1Service) StreamEvents(c echo.Context) error {
	w := c.Response()
	flusher, ok := w.Writer.(http.Flusher)
	if !ok {
		return apierr.Internal(fmt.Errorf("response writer does not support streaming"))
	}

	w.Header().Set(echo.HeaderContentType, "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	sub := s.Broker.Subscribe(0)
	defer s.Broker.Unsubscribe(sub)

	// Open the stream immediately so clients know the subscription is live.
	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	heartbeat := time.NewTicker(sseHeartbeatInterval)
	defer heartbeat.Stop()

	ctx := c.Request().Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, open := <-sub.Events():
			if !open {
				// The broker dropped us, likely a full buffer or shutdown.
				return nil
			}
			data, err := json.Marshal(ev.Payload)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Name, data)
			flusher.Flush()
		case <-heartbeat.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		}
	}
}
