package wsguard

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

const testSecret = "test-secret"

// 连接相关 goroutine 可能在测试结束后仍在写日志，不能绑定 testing.T
func hubLogger() (*zap.Logger, *observer.ObservedLogs) {
	core, logs := observer.New(zap.DebugLevel)
	return zap.New(core), logs
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func newTestServer(t *testing.T, opts *Options) (*Server, *httptest.Server) {
	t.Helper()
	s, err := NewServerWithOptions(&SecretIDAuth{Secret: testSecret}, opts)
	require.NoError(t, err)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return s, srv
}

// silentHandler 升级后从不读取，ping 永远得不到 pong
func silentHandler(t *testing.T) http.HandlerFunc {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	up := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	return func(w http.ResponseWriter, r *http.Request) {
		ws, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		<-release
	}
}

func TestHub_emitRoundTrip(t *testing.T) {
	t.Parallel()

	for _, codec := range []string{CodecJSON, CodecMsgpack} {
		codec := codec
		t.Run(codec, func(t *testing.T) {
			t.Parallel()

			log, _ := hubLogger()
			s, srv := newTestServer(t, &Options{Codec: codec, Logger: log})
			s.On("echo", func(c *Conn, data []byte) {
				var in map[string]string
				if err := c.Decode(data, &in); err != nil {
					t.Errorf("decode: %v", err)
					return
				}
				in["from"] = c.ID
				_ = c.Emit("echo.reply", in)
			})

			client, err := ConnectWithOptions(wsURL(srv), "c1", testSecret, &Options{Codec: codec, Logger: log})
			require.NoError(t, err)
			defer client.Close()

			replies := make(chan map[string]string, 1)
			client.On("echo.reply", func(data []byte) {
				var out map[string]string
				if err := client.Conn().Decode(data, &out); err != nil {
					t.Errorf("decode reply: %v", err)
					return
				}
				replies <- out
			})

			require.NoError(t, client.Emit("echo", map[string]string{"msg": "hi"}))
			select {
			case got := <-replies:
				require.Equal(t, map[string]string{"msg": "hi", "from": "c1"}, got)
			case <-time.After(2 * time.Second):
				t.Fatal("no reply")
			}
		})
	}
}

func TestHub_watchdogKeepsResponsiveConnection(t *testing.T) {
	t.Parallel()

	log, _ := hubLogger()
	_, srv := newTestServer(t, &Options{Logger: log})

	client, err := ConnectWithOptions(wsURL(srv), "", testSecret, &Options{
		HeartbeatEnabled: true,
		ProbeDelay:       50 * time.Millisecond,
		AckTimeout:       40 * time.Millisecond,
		Logger:           log,
	})
	require.NoError(t, err)
	defer client.Close()

	w := client.Conn().Watchdog()
	require.NotNil(t, w)
	require.True(t, w.IsMonitoring())

	// 覆盖多个探测周期
	time.Sleep(400 * time.Millisecond)

	require.True(t, client.Conn().IsOpen())
	require.False(t, w.RecommendedReconnect())
	require.True(t, w.IsMonitoring())
	select {
	case <-w.Recommendations():
		t.Fatal("responsive peer should not trigger a recommendation")
	default:
	}
}

func TestHub_watchdogClosesUnresponsiveConnection(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(silentHandler(t))
	t.Cleanup(srv.Close)

	log, logs := hubLogger()
	client, err := ConnectWithOptions(wsURL(srv), "", testSecret, &Options{
		HeartbeatEnabled: true,
		ProbeDelay:       50 * time.Millisecond,
		AckTimeout:       25 * time.Millisecond,
		Logger:           log,
	})
	require.NoError(t, err)
	defer client.Close()

	conn := client.Conn()
	w := conn.Watchdog()
	recommendations := w.Recommendations()

	select {
	case <-recommendations:
	case <-time.After(2 * time.Second):
		t.Fatal("expected a reconnect recommendation")
	}

	select {
	case <-conn.Closed():
	case <-time.After(2 * time.Second):
		t.Fatal("connection should be closed after the recommendation")
	}
	require.Eventually(t, func() bool { return w.State() == StateIdle }, time.Second, 5*time.Millisecond)
	require.Equal(t, 1, logs.FilterMessage("no ack within timeout, recommending reconnect").Len())
	require.Equal(t, 1, logs.FilterMessage("connection unresponsive, closing").Len())
}

func TestHub_stalledPeerRecommendsReconnect(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(silentHandler(t))
	t.Cleanup(srv.Close)

	log, _ := hubLogger()
	client, err := ConnectWithOptions(wsURL(srv), "", testSecret, &Options{
		HeartbeatEnabled: true,
		ProbeDelay:       50 * time.Millisecond,
		AckTimeout:       25 * time.Millisecond,
		Logger:           log,
	})
	require.NoError(t, err)

	conn := client.Conn()
	w := conn.Watchdog()
	recommendations := w.Recommendations()

	// 对端不读取，持续写入大块数据直到发送缓冲写满、Emit 阻塞
	bulk := strings.Repeat("x", 1<<20)
	emitDone := make(chan struct{})
	go func() {
		defer close(emitDone)
		for conn.Emit("bulk", bulk) == nil {
		}
	}()

	select {
	case <-recommendations:
	case <-time.After(3 * time.Second):
		t.Fatalf("no recommendation; state=%s outstanding=%v", w.State(), w.OutstandingProbe())
	}

	closed := make(chan error, 1)
	go func() { closed <- client.Close() }()
	select {
	case <-closed:
	case <-time.After(3 * time.Second):
		t.Fatal("Close blocked behind a stalled write")
	}
	select {
	case <-emitDone:
	case <-time.After(3 * time.Second):
		t.Fatal("stalled Emit was not interrupted by Close")
	}
	require.False(t, conn.IsOpen())
}

func TestConn_StartWatchdog_closedConn(t *testing.T) {
	t.Parallel()

	log, _ := hubLogger()
	_, srv := newTestServer(t, &Options{Logger: log})
	client, err := ConnectWithOptions(wsURL(srv), "", testSecret, &Options{Logger: log})
	require.NoError(t, err)
	defer client.Close()

	conn := client.Conn()
	require.Nil(t, conn.Watchdog())
	require.NoError(t, conn.Close())

	w, err := conn.StartWatchdog(WatchdogConfig{})
	require.ErrorIs(t, err, ErrNotConnected)
	require.Nil(t, w)
	require.Nil(t, conn.Watchdog())
}

func TestClient_handlerRegisteredWhileReconnecting(t *testing.T) {
	t.Parallel()

	log, _ := hubLogger()
	s, err := NewServerWithOptions(&SecretIDAuth{Secret: testSecret}, &Options{Logger: log})
	require.NoError(t, err)
	s.On("ping.late", func(c *Conn, _ []byte) { _ = c.Emit("pong.late", nil) })

	// 第二次握手停在 gate 上，期间注册处理器
	var accepted atomic.Int32
	gate := make(chan struct{})
	release := sync.OnceFunc(func() { close(gate) })
	hub := s.Handler()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if accepted.Add(1) == 2 {
			<-gate
		}
		hub.ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(release)

	client, err := ConnectWithOptions(wsURL(srv), "late-1", testSecret, &Options{
		ReconnectEnabled: true,
		ReconnectBackoff: 10 * time.Millisecond,
		Logger:           log,
	})
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, client.Conn().Close())
	require.Eventually(t, func() bool { return accepted.Load() == 2 }, 2*time.Second, 5*time.Millisecond)

	pongs := make(chan struct{}, 1)
	client.On("pong.late", func([]byte) {
		select {
		case pongs <- struct{}{}:
		default:
		}
	})
	release()

	require.Eventually(t, func() bool { return client.Reconnects() == 1 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		c, ok := s.Conn("late-1")
		return ok && c.IsOpen()
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, client.Emit("ping.late", nil))
	select {
	case <-pongs:
	case <-time.After(2 * time.Second):
		t.Fatal("handler registered during reconnect was lost")
	}
}

func TestHub_clientReconnectsAfterRecommendation(t *testing.T) {
	t.Parallel()

	log, _ := hubLogger()
	s, err := NewServerWithOptions(&SecretIDAuth{Secret: testSecret}, &Options{Logger: log})
	require.NoError(t, err)
	s.On("ping.app", func(c *Conn, _ []byte) { _ = c.Emit("pong.app", nil) })

	// 第一个连接无响应，之后交给正常的 Server
	var accepted atomic.Int32
	silent := silentHandler(t)
	hub := s.Handler()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if accepted.Add(1) == 1 {
			silent(w, r)
			return
		}
		hub.ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)

	client, err := ConnectWithOptions(wsURL(srv), "agent-1", testSecret, &Options{
		HeartbeatEnabled:    true,
		ProbeDelay:          50 * time.Millisecond,
		AckTimeout:          25 * time.Millisecond,
		ReconnectEnabled:    true,
		ReconnectBackoff:    10 * time.Millisecond,
		ReconnectMaxBackoff: 50 * time.Millisecond,
		Logger:              log,
	})
	require.NoError(t, err)
	defer client.Close()

	first := client.Conn()
	pongs := make(chan struct{}, 1)
	client.On("pong.app", func([]byte) {
		select {
		case pongs <- struct{}{}:
		default:
		}
	})

	require.Eventually(t, func() bool { return client.Reconnects() == 1 }, 3*time.Second, 5*time.Millisecond)

	second := client.Conn()
	require.NotSame(t, first, second)
	require.False(t, first.IsOpen())
	require.True(t, second.IsOpen())

	// 新连接开始新的看门狗周期，处理器已复制
	require.NotNil(t, second.Watchdog())
	require.NotSame(t, first.Watchdog(), second.Watchdog())
	require.Eventually(t, func() bool {
		_, ok := s.Conn("agent-1")
		return ok
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, client.Emit("ping.app", nil))
	select {
	case <-pongs:
	case <-time.After(2 * time.Second):
		t.Fatal("handler was not carried over to the new connection")
	}
}

func TestServer_registry(t *testing.T) {
	t.Parallel()

	log, _ := hubLogger()
	s, srv := newTestServer(t, &Options{Logger: log})

	disconnected := make(chan string, 4)
	s.OnDisconnect(func(c *Conn) { disconnected <- c.ID })

	require.ErrorIs(t, s.EmitTo("nobody", "x", nil), ErrClientNotFound)
	require.ErrorIs(t, s.AddToGroup("g", "nobody"), ErrClientNotFound)

	a, err := ConnectWithOptions(wsURL(srv), "a", testSecret, &Options{Logger: log})
	require.NoError(t, err)
	defer a.Close()

	require.Eventually(t, func() bool {
		_, ok := s.Conn("a")
		return ok
	}, time.Second, 5*time.Millisecond)

	got := make(chan []byte, 1)
	a.On("group.msg", func(data []byte) { got <- data })
	require.NoError(t, s.AddToGroup("ops", "a"))
	s.BroadcastGroup("ops", "group.msg", map[string]int{"n": 1})
	select {
	case data := <-got:
		require.JSONEq(t, `{"n":1}`, string(data))
	case <-time.After(2 * time.Second):
		t.Fatal("group broadcast not received")
	}

	// 相同 clientID 再次连接，旧连接被关闭，登记的是新连接
	dup, err := ConnectWithOptions(wsURL(srv), "a", testSecret, &Options{Logger: log})
	require.NoError(t, err)
	defer dup.Close()

	select {
	case <-a.Conn().Closed():
	case <-time.After(2 * time.Second):
		t.Fatal("replaced connection should be closed")
	}
	select {
	case id := <-disconnected:
		require.Equal(t, "a", id)
	case <-time.After(2 * time.Second):
		t.Fatal("disconnect hook not called")
	}
	_, ok := s.Conn("a")
	require.True(t, ok)
}

func TestServer_ServeAndShutdown(t *testing.T) {
	t.Parallel()

	log, _ := hubLogger()
	s, err := NewServerWithOptions(&SecretIDAuth{Secret: testSecret}, &Options{
		ZombieCleanupEnabled: true,
		ZombieCheckInterval:  10 * time.Millisecond,
		Logger:               log,
	})
	require.NoError(t, err)

	served := make(chan error, 1)
	go func() { served <- s.Serve("127.0.0.1:0") }()

	require.Eventually(t, func() bool {
		s.mu.RLock()
		defer s.mu.RUnlock()
		return s.httpSrv != nil && s.cleanupTick != nil
	}, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))

	select {
	case err := <-served:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after Shutdown")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	require.Nil(t, s.cleanupTick)
}

func TestConnect_unauthorized(t *testing.T) {
	t.Parallel()

	_, srv := newTestServer(t, nil)
	_, err := ConnectWithOptions(wsURL(srv), "x", "wrong", &Options{})
	require.Error(t, err)
}

func TestConnectWithOptions_invalidOptions(t *testing.T) {
	t.Parallel()

	_, err := ConnectWithOptions("ws://127.0.0.1:1/ws", "x", testSecret, &Options{
		HeartbeatEnabled: true,
		ProbeDelay:       time.Second,
		AckTimeout:       time.Second,
	})
	require.ErrorIs(t, err, ErrInvalidConfig)

	_, err = ConnectWithOptions("ws://127.0.0.1:1/ws", "x", testSecret, &Options{Codec: "yaml"})
	require.ErrorIs(t, err, ErrUnknownCodec)
}
