package client

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratus-paas/stratus/pkg/engine"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// streamServer upgrades every request and hands the connection to serve.
func streamServer(t *testing.T, serve func(conn *websocket.Conn, r *http.Request)) *Dialer {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		serve(conn, r)
	}))
	t.Cleanup(srv.Close)

	d, err := NewDialer(testConfig(srv.URL + "/api"))
	require.NoError(t, err)
	return d
}

func TestDialerURL(t *testing.T) {
	d, err := NewDialer(testConfig("https://control.example.com/api/"))
	require.NoError(t, err)
	u, err := d.URL()
	require.NoError(t, err)
	assert.Equal(t, "wss://control.example.com/api/workspace/"+testWorkspace.String()+
		"/runner/"+testRunner.String()+"/stream", u)

	cfg := testConfig("http://localhost")
	cfg.StreamURL = "ws://other:9000/events"
	d, err = NewDialer(cfg)
	require.NoError(t, err)
	u, err = d.URL()
	require.NoError(t, err)
	assert.Equal(t, "ws://other:9000/events", u)
}

func TestStreamDeliversEventsThenEOF(t *testing.T) {
	id1, id2 := uuid.New(), uuid.New()
	headers := make(chan http.Header, 1)

	d := streamServer(t, func(conn *websocket.Conn, r *http.Request) {
		headers <- r.Header.Clone()
		_ = conn.WriteJSON(engine.Event{Type: engine.EventResourceCreated, Kind: engine.KindDeployment, ResourceID: id1})
		_ = conn.WriteMessage(websocket.TextMessage, []byte("not json"))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"resource_moved","resource_type":"deployment","resource_id":"`+id1.String()+`"}`))
		_ = conn.WriteJSON(engine.Event{Type: engine.EventResourceDeleted, Kind: engine.KindDatabase, ResourceID: id2})
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
		_, _, _ = conn.ReadMessage()
	})

	s, err := d.Connect(context.Background())
	require.NoError(t, err)
	defer s.Close()

	h := <-headers
	assert.Equal(t, "Bearer secret-token", h.Get("Authorization"))
	assert.Equal(t, "stratus-test", h.Get("User-Agent"))

	ev, err := s.Recv()
	require.NoError(t, err)
	assert.Equal(t, engine.Event{Type: engine.EventResourceCreated, Kind: engine.KindDeployment, ResourceID: id1}, ev)

	ev, err = s.Recv()
	require.NoError(t, err)
	assert.Equal(t, engine.Event{Type: engine.EventResourceDeleted, Kind: engine.KindDatabase, ResourceID: id2}, ev)

	_, err = s.Recv()
	assert.ErrorIs(t, err, io.EOF)
}

func TestStreamAbnormalCloseIsTransient(t *testing.T) {
	d := streamServer(t, func(conn *websocket.Conn, r *http.Request) {
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "crash"))
	})

	s, err := d.Connect(context.Background())
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Recv()
	require.Error(t, err)
	assert.NotErrorIs(t, err, io.EOF)
	assert.True(t, engine.IsTransient(err))
}

func TestStreamCloseUnblocksRecv(t *testing.T) {
	release := make(chan struct{})
	d := streamServer(t, func(conn *websocket.Conn, r *http.Request) {
		<-release
	})
	t.Cleanup(func() { close(release) })

	s, err := d.Connect(context.Background())
	require.NoError(t, err)

	errs := make(chan error, 1)
	go func() {
		_, err := s.Recv()
		errs <- err
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, s.Close())

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, io.EOF)
	case <-time.After(5 * time.Second):
		t.Fatal("Recv did not return after Close")
	}
}

func TestConnectFailureIsConnectionError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "forbidden", http.StatusForbidden)
	}))
	defer srv.Close()

	d, err := NewDialer(testConfig(srv.URL))
	require.NoError(t, err)

	_, err = d.Connect(context.Background())
	require.Error(t, err)
	assert.True(t, engine.IsConnection(err))
	assert.True(t, strings.Contains(err.Error(), "403"))
}
