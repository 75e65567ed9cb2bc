package websocket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestUpgradeHTTP_DialURL_RoundTrip(t *testing.T) {
	serverConnCh := make(chan *Conn, 1)

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := UpgradeHTTP(w, r, &AcceptOptions{Subprotocols: []string{"chat"}})
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		serverConnCh <- conn
	}))
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := DialURL(ctx, wsURL, &DialOptions{Subprotocols: []string{"chat", "other"}})
	require.NoError(t, err)
	defer client.Close()

	require.Equal(t, "chat", client.Subprotocol())

	server := <-serverConnCh
	defer server.Close()
	require.Equal(t, "chat", server.Subprotocol())

	done := make(chan error, 1)
	go func() { done <- client.WriteText("ping over http upgrade") }()

	msgType, data, err := server.ReadMessage()
	require.NoError(t, err)
	require.NoError(t, <-done)
	require.Equal(t, TextMessage, msgType)
	require.Equal(t, "ping over http upgrade", string(data))
}

func TestUpgradeHTTP_RejectsMissingUpgradeHeader(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, err := UpgradeHTTP(w, r, nil)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
		}
	}))
	defer ts.Close()

	resp, err := http.Get(ts.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
