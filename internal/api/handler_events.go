package api

import (
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"gaiola-hub-backend/internal/syncbus"
)

const eventBuffer = 64

func parseKinds(raw string) ([]syncbus.Kind, error) {
	if raw == "" {
		return nil, nil
	}
	var kinds []syncbus.Kind
	for _, part := range strings.Split(raw, ",") {
		k, ok := syncbus.ParseKind(strings.TrimSpace(part))
		if !ok {
			return nil, fmt.Errorf("unknown event kind %q", part)
		}
		kinds = append(kinds, k)
	}
	return kinds, nil
}

// StreamEvents relays bus events to the browser as Server-Sent Events.
// A client that falls behind is disconnected and must reload its state.
func (h *Handler) StreamEvents(c *gin.Context) {
	kinds, err := parseKinds(c.Query("kind"))
	if err != nil {
		badRequest(c, err.Error())
		return
	}

	events := make(chan syncbus.Event, eventBuffer)
	overflow := make(chan struct{})
	var once sync.Once
	relay := func(ev syncbus.Event) {
		select {
		case events <- ev:
		default:
			once.Do(func() { close(overflow) })
		}
	}

	var unsubscribe []func()
	if len(kinds) == 0 {
		unsubscribe = append(unsubscribe, h.engine.Bus().SubscribeAll(relay))
	}
	for _, k := range kinds {
		unsubscribe = append(unsubscribe, h.engine.Subscribe(k, relay))
	}
	defer func() {
		for _, off := range unsubscribe {
			off()
		}
	}()

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.SSEvent("ready", gin.H{"context": h.engine.ID()})
	c.Writer.Flush()

	c.Stream(func(w io.Writer) bool {
		select {
		case ev := <-events:
			c.SSEvent(string(ev.Kind), ev)
			return true
		case <-heartbeat.C:
			c.SSEvent("ping", time.Now().UTC())
			return true
		case <-overflow:
			h.logger.Warn("event stream client too slow, disconnecting", zap.String("ip", c.ClientIP()))
			return false
		case <-c.Request.Context().Done():
			return false
		}
	})
}
