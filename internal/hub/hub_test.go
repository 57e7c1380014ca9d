package hub

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"fleetwatch/internal/domain"
)

func TestSubscribeReceivesPublishedEvents(t *testing.T) {
	h := New()
	done := make(chan struct{})
	defer close(done)
	go h.Run(done)

	ch, cancel := h.Subscribe(8)
	defer cancel()

	h.Publish(domain.Event{Type: domain.EventHeartbeat, RobotID: "r1"})
	select {
	case evt := <-ch:
		if evt.Type != domain.EventHeartbeat || evt.RobotID != "r1" {
			t.Fatalf("unexpected event %+v", evt)
		}
	case <-time.After(time.Second):
		t.Fatalf("no event delivered")
	}

	cancel()
	h.Publish(domain.Event{Type: domain.EventJobUpdated})
	select {
	case evt, ok := <-ch:
		if ok {
			t.Fatalf("cancelled subscriber received %+v", evt)
		}
	case <-time.After(50 * time.Millisecond):
	}
}

func TestWebsocketBroadcast(t *testing.T) {
	h := New()
	done := make(chan struct{})
	defer close(done)
	go h.Run(done)

	srv := httptest.NewServer(http.HandlerFunc(h.ServeWS))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// registration races the publish; retry briefly
	deadline := time.Now().Add(2 * time.Second)
	conn.SetReadDeadline(deadline)
	received := make(chan domain.Event, 1)
	go func() {
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var evt domain.Event
			if json.Unmarshal(msg, &evt) == nil {
				received <- evt
				return
			}
		}
	}()

	tick := time.NewTicker(20 * time.Millisecond)
	defer tick.Stop()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case evt := <-received:
			if evt.Type != domain.EventAlertFired {
				t.Fatalf("unexpected event %+v", evt)
			}
			return
		case <-tick.C:
			h.Publish(domain.Event{Type: domain.EventAlertFired, RobotID: "r1"})
		case <-timeout:
			t.Fatalf("no broadcast received")
		}
	}
}

func TestPublishNeverBlocks(t *testing.T) {
	h := New() // Run not started: the broadcast queue fills up
	for i := 0; i < broadcastBuffer+10; i++ {
		h.Publish(domain.Event{Type: domain.EventErrorRaised})
	}
}
