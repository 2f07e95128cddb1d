package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/gravity-chat/backend/internal/events"
	"github.com/stretchr/testify/require"
)

func TestStreamEmitsChatEvents(t *testing.T) {
	server := newTestServer(t)
	httpServer := httptest.NewServer(server.handler)
	t.Cleanup(httpServer.Close)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	streamRequest, err := http.NewRequestWithContext(ctx, http.MethodGet,
		httpServer.URL+"/chats/c1/stream?access_token="+issueTestToken(t, "bob"), http.NoBody)
	require.NoError(t, err)
	streamResp, err := http.DefaultClient.Do(streamRequest)
	require.NoError(t, err)
	t.Cleanup(func() { _ = streamResp.Body.Close() })
	require.Equal(t, http.StatusOK, streamResp.StatusCode)
	require.Contains(t, streamResp.Header.Get("Content-Type"), "text/event-stream")

	received := readStreamEvents(streamResp)
	waitForStreamEvent(t, received, streamEventReady)

	payload := []byte(`{"content":"hello stream"}`)
	postRequest, err := http.NewRequest(http.MethodPost, httpServer.URL+"/chats/c1/entries/text", bytes.NewReader(payload))
	require.NoError(t, err)
	postRequest.Header.Set("Authorization", "Bearer "+issueTestToken(t, "alice"))
	postRequest.Header.Set("Content-Type", "application/json")
	postResp, err := http.DefaultClient.Do(postRequest)
	require.NoError(t, err)
	_ = postResp.Body.Close()
	require.Equal(t, http.StatusOK, postResp.StatusCode)

	data := waitForStreamEvent(t, received, events.TypeTextEntryChanged)
	var envelope struct {
		Type   string `json:"type"`
		ChatID string `json:"chat_id"`
	}
	require.NoError(t, json.Unmarshal([]byte(data), &envelope))
	require.Equal(t, "c1", envelope.ChatID)
}

func TestStreamRequiresReadPermission(t *testing.T) {
	server := newTestServer(t)
	recorder := server.do(t, http.MethodGet, "/chats/missing/stream", "bob", nil)
	require.Equal(t, http.StatusNotFound, recorder.Code)
	require.Zero(t, server.dispatcher.SubscriberCount("missing"))
}

type streamEvent struct {
	name string
	data string
}

func readStreamEvents(resp *http.Response) <-chan streamEvent {
	out := make(chan streamEvent, 16)
	go func() {
		defer close(out)
		reader := bufio.NewReader(resp.Body)
		var current streamEvent
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				return
			}
			line = strings.TrimRight(line, "\r\n")
			switch {
			case strings.HasPrefix(line, "event:"):
				current.name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			case strings.HasPrefix(line, "data:"):
				current.data = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			case line == "":
				if current.name != "" {
					out <- current
				}
				current = streamEvent{}
			}
		}
	}()
	return out
}

func waitForStreamEvent(t *testing.T, stream <-chan streamEvent, name string) string {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case event, ok := <-stream:
			if !ok {
				t.Fatalf("stream closed before %s event", name)
			}
			if event.name == name {
				return event.data
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", name)
		}
	}
}
