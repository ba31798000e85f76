package statusserver

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/gin-gonic/gin"
)

// stateEvent is pushed whenever the channel or ring state changes.
type stateEvent struct {
	Channel  string `json:"channel"`
	Ringing  bool   `json:"ringing"`
	DeviceID int    `json:"device_id"`
}

// handleEvents streams state changes as server-sent events until the client
// goes away.
func (s *Server) handleEvents(c *gin.Context) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	last := snapshot(s.opts.Status())
	writeSSE(c.Writer, "state", last)
	c.Writer.Flush()

	ctx := c.Request.Context()
	ticker := time.NewTicker(s.opts.PollInterval)
	heartbeat := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			writeSSE(c.Writer, "heartbeat", map[string]string{
				"timestamp": time.Now().UTC().Format(time.RFC3339),
			})
			c.Writer.Flush()
		case <-ticker.C:
			cur := snapshot(s.opts.Status())
			if cur == last {
				continue
			}
			last = cur
			writeSSE(c.Writer, "state", cur)
			c.Writer.Flush()
		}
	}
}

func snapshot(st Status) stateEvent {
	return stateEvent{Channel: st.Channel, Ringing: st.Ringing, DeviceID: st.DeviceID}
}

// writeSSE writes a single SSE event to the writer.
func writeSSE(w io.Writer, event string, data any) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, string(jsonData))
}
