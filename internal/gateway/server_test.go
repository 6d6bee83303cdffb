package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pttdictation/dictation-gateway/internal/config"
	"github.com/pttdictation/dictation-gateway/internal/events"
	"github.com/pttdictation/dictation-gateway/internal/injection"
	"github.com/pttdictation/dictation-gateway/internal/observability"
	"github.com/pttdictation/dictation-gateway/internal/registry"
)

const (
	helloFrame     = `{"type":"HELLO","clientId":"phone-1","payload":{"deviceModel":"Pixel 8","engine":"android-speech","capabilities":["partials"]}}`
	pttStartFrame  = `{"type":"PTT_START","clientId":"phone-1","payload":{"sessionId":"s1"}}`
	partialFrame   = `{"type":"PARTIAL","clientId":"phone-1","timestamp":1,"payload":{"sessionId":"s1","seq":1,"text":"Hello","confidence":0.5}}`
	finalFrame     = `{"type":"FINAL","clientId":"phone-1","timestamp":2,"payload":{"sessionId":"s1","text":"Hello world","confidence":0.95}}`
	heartbeatFrame = `{"type":"HEARTBEAT","clientId":"phone-1"}`
)

func testConfig() *config.Config {
	return &config.Config{
		Port:             "0",
		Host:             "127.0.0.1",
		HeartbeatTimeout: 15,
		SweepInterval:    5,
		WriteTimeout:     10,
		MaxMessageSize:   65536,
		Injector:         config.InjectorNone,
		MetricsEnabled:   true,
	}
}

type harness struct {
	server   *Server
	http     *httptest.Server
	injector *injection.Recorder
	sink     *events.Recorder
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	h := &harness{
		injector: &injection.Recorder{},
		sink:     &events.Recorder{},
	}
	h.server = New(testConfig(), Deps{
		Registry: registry.NewRegistry(),
		Injector: h.injector,
		Sink:     h.sink,
	}, zerolog.Nop())
	h.http = httptest.NewServer(h.server.Handler())
	t.Cleanup(h.http.Close)
	return h
}

func (h *harness) dial(t *testing.T, path string) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(h.http.URL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func (h *harness) openConnections() int {
	h.server.mu.Lock()
	defer h.server.mu.Unlock()
	return len(h.server.conns)
}

func send(t *testing.T, conn *websocket.Conn, frame string) {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(frame)))
}

func readAck(t *testing.T, conn *websocket.Conn) (clientID, ackType string) {
	t.Helper()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var ack struct {
		Type     string `json:"type"`
		ClientID string `json:"clientId"`
		Payload  struct {
			AckType string `json:"ackType"`
		} `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(data, &ack))
	require.Equal(t, "ACK", ack.Type)
	return ack.ClientID, ack.Payload.AckType
}

func closeGracefully(conn *websocket.Conn) {
	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	conn.Close()
}

func TestHelloEndToEnd(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t, "/ws")

	send(t, conn, helloFrame)
	clientID, ackType := readAck(t, conn)

	assert.Equal(t, "phone-1", clientID)
	assert.Equal(t, "HELLO", ackType)
	assert.Equal(t, 1, h.server.Registry().ConnectedCount())
	assert.Equal(t, 1, h.sink.Count(events.KindClientConnected))
}

func TestRootPathAcceptsPhones(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t, "/")

	send(t, conn, helloFrame)
	_, ackType := readAck(t, conn)
	assert.Equal(t, "HELLO", ackType)
}

func TestFinalEndToEnd(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t, "/ws")

	send(t, conn, helloFrame)
	readAck(t, conn)

	send(t, conn, pttStartFrame)
	send(t, conn, partialFrame)
	send(t, conn, finalFrame)

	clientID, ackType := readAck(t, conn)
	assert.Equal(t, "phone-1", clientID)
	assert.Equal(t, "FINAL", ackType)

	assert.Equal(t, []string{"Hello world"}, h.injector.Texts())

	rec, ok := h.server.Registry().Get("phone-1")
	require.True(t, ok)
	assert.Nil(t, rec.CurrentSession)
	assert.Nil(t, rec.LastPartialText)

	assert.Equal(t, []events.Kind{
		events.KindClientConnected,
		events.KindPttStarted,
		events.KindPartialText,
		events.KindFinalText,
	}, h.sink.Kinds())
}

func TestMalformedFrameKeepsConnection(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t, "/ws")

	send(t, conn, helloFrame)
	readAck(t, conn)

	send(t, conn, `{"type":"PARTIAL","clientId":`)
	send(t, conn, `{"type":"UNKNOWN","clientId":"phone-1"}`)
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte{0x01, 0x02}))
	send(t, conn, pttStartFrame)
	send(t, conn, finalFrame)

	_, ackType := readAck(t, conn)
	assert.Equal(t, "FINAL", ackType)
	assert.Equal(t, 1, h.server.Registry().ConnectedCount())
}

func TestDisconnectUnregisters(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t, "/ws")

	send(t, conn, helloFrame)
	readAck(t, conn)
	closeGracefully(conn)

	assert.Eventually(t, func() bool {
		return h.server.Registry().ConnectedCount() == 0
	}, 5*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool {
		return h.sink.Count(events.KindClientDisconnected) == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestSecondHelloReplacesFirstConnection(t *testing.T) {
	h := newHarness(t)

	first := h.dial(t, "/ws")
	send(t, first, helloFrame)
	readAck(t, first)
	send(t, first, pttStartFrame)
	require.Eventually(t, func() bool {
		rec, _ := h.server.Registry().Get("phone-1")
		return rec.CurrentSession != nil
	}, 5*time.Second, 10*time.Millisecond)

	second := h.dial(t, "/ws")
	send(t, second, `{"type":"HELLO","clientId":"phone-1","payload":{"deviceModel":"Pixel 9","engine":"android-speech","capabilities":[]}}`)
	readAck(t, second)

	rec, ok := h.server.Registry().Get("phone-1")
	require.True(t, ok)
	assert.Equal(t, "Pixel 9", rec.DeviceModel)
	assert.Nil(t, rec.CurrentSession)

	closeGracefully(first)
	require.Eventually(t, func() bool {
		return h.openConnections() == 1
	}, 5*time.Second, 10*time.Millisecond)

	rec, ok = h.server.Registry().Get("phone-1")
	require.True(t, ok, "closing the first connection must not remove the newer record")
	assert.Equal(t, "Pixel 9", rec.DeviceModel)
	assert.Equal(t, 0, h.sink.Count(events.KindClientDisconnected))

	// the newer connection is still served
	send(t, second, heartbeatFrame)
	send(t, second, finalFrame)
	_, ackType := readAck(t, second)
	assert.Equal(t, "FINAL", ackType)
}

func TestSweepEvictsSilentClients(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t, "/ws")

	send(t, conn, helloFrame)
	readAck(t, conn)

	assert.Empty(t, h.server.Sweep(time.Now()))

	evicted := h.server.Sweep(time.Now().Add(16 * time.Second))
	require.Len(t, evicted, 1)
	assert.Equal(t, "phone-1", evicted[0].ClientID)
	assert.Equal(t, 0, h.server.Registry().ConnectedCount())
	assert.Equal(t, 1, h.sink.Count(events.KindClientDisconnected))

	// the evicted connection closing later does not report a second disconnect
	closeGracefully(conn)
	require.Eventually(t, func() bool {
		return h.openConnections() == 0
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, h.sink.Count(events.KindClientDisconnected))
}

func TestRunSweeperStopsOnCancel(t *testing.T) {
	h := newHarness(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.server.RunSweeper(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("RunSweeper did not return after cancel")
	}
}

func TestEventStream(t *testing.T) {
	h := newHarness(t)

	ui := h.dial(t, "/events")
	require.Eventually(t, func() bool {
		return h.server.Broadcaster().SubscriberCount() == 1
	}, 5*time.Second, 10*time.Millisecond)

	phone := h.dial(t, "/ws")
	send(t, phone, helloFrame)
	readAck(t, phone)

	ui.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := ui.ReadMessage()
	require.NoError(t, err)
	assert.JSONEq(t, `{"kind":"ClientConnected","client_id":"phone-1","device_model":"Pixel 8"}`, string(data))

	closeGracefully(ui)
	assert.Eventually(t, func() bool {
		return h.server.Broadcaster().SubscriberCount() == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestClientsAPI(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t, "/ws")

	resp, err := http.Get(h.http.URL + "/api/clients")
	require.NoError(t, err)
	var clients []registry.ClientRecord
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&clients))
	resp.Body.Close()
	assert.Empty(t, clients)

	send(t, conn, helloFrame)
	readAck(t, conn)

	resp, err = http.Get(h.http.URL + "/api/clients")
	require.NoError(t, err)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&clients))
	resp.Body.Close()
	require.Len(t, clients, 1)
	assert.Equal(t, "phone-1", clients[0].ClientID)

	resp, err = http.Get(h.http.URL + "/api/clients/phone-1")
	require.NoError(t, err)
	var rec registry.ClientRecord
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rec))
	resp.Body.Close()
	assert.Equal(t, "Pixel 8", rec.DeviceModel)

	resp, err = http.Get(h.http.URL + "/api/clients/unknown")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestOperationalRoutes(t *testing.T) {
	h := newHarness(t)

	tests := []struct {
		path string
		want int
	}{
		{"/health", http.StatusOK},
		{"/ready", http.StatusOK},
		{"/metrics", http.StatusOK},
		{"/v1/rules/version", http.StatusNotFound},
		{"/v1/rules/changes?sinceVersion=0", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			resp, err := http.Get(h.http.URL + tt.path)
			require.NoError(t, err)
			resp.Body.Close()
			assert.Equal(t, tt.want, resp.StatusCode)
		})
	}
}

func TestMetricsReportConnectedClients(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t, "/ws")

	scrape := func() string {
		resp, err := http.Get(h.http.URL + "/metrics")
		require.NoError(t, err)
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		return string(body)
	}

	send(t, conn, helloFrame)
	readAck(t, conn)
	assert.Contains(t, scrape(), "dictation_gateway_connected_clients 1\n")

	h.server.Sweep(time.Now().Add(16 * time.Second))
	assert.Contains(t, scrape(), "dictation_gateway_connected_clients 0\n")
}

func TestReadyReportsFailingCheck(t *testing.T) {
	s := New(testConfig(), Deps{
		Checks: map[string]observability.HealthCheckFunc{
			"injector": func(context.Context) (bool, error) {
				return false, errors.New("circuit open")
			},
		},
	}, zerolog.Nop())

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestListenAndServe(t *testing.T) {
	t.Run("bind failure", func(t *testing.T) {
		lis, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		defer lis.Close()

		cfg := testConfig()
		_, cfg.Port, _ = net.SplitHostPort(lis.Addr().String())

		s := New(cfg, Deps{}, zerolog.Nop())
		err = s.ListenAndServe(context.Background())
		assert.Error(t, err)
	})

	t.Run("shutdown on cancel", func(t *testing.T) {
		lis, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)

		s := New(testConfig(), Deps{}, zerolog.Nop())
		ctx, cancel := context.WithCancel(context.Background())

		done := make(chan error, 1)
		go func() { done <- s.Serve(ctx, lis) }()

		url := "ws://" + lis.Addr().String() + "/ws"
		var conn *websocket.Conn
		require.Eventually(t, func() bool {
			conn, _, err = websocket.DefaultDialer.Dial(url, nil)
			return err == nil
		}, 5*time.Second, 10*time.Millisecond)
		defer conn.Close()

		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("Serve did not return after cancel")
		}

		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, _, err = conn.ReadMessage()
		assert.Error(t, err, "open connections are closed on shutdown")
	})
}
