package wsguard

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Server 维护连接与事件分发
type Server struct {
	conns    map[string]*Conn
	mu       sync.RWMutex
	auth     Authenticator
	handlers map[string]func(*Conn, []byte)
	opts     Options
	codec    Codec
	log      *zap.Logger
	groups   map[string]map[string]*Conn // group -> clientID -> Conn

	// graceful shutdown，受 mu 保护
	httpSrv     *http.Server
	cleanupTick *time.Ticker
	cleanupStop chan struct{}

	onConnect    func(*Conn)
	onDisconnect func(*Conn)
}

// NewServer 创建 Server
func NewServer(auth Authenticator) *Server {
	s, _ := NewServerWithOptions(auth, nil)
	return s
}

// NewServerWithOptions 创建 Server（支持 Options）
func NewServerWithOptions(auth Authenticator, opts *Options) (*Server, error) {
	o := mergeOptions(opts)
	if opts == nil {
		// Server 侧心跳默认关闭，由客户端负责探测
		o.HeartbeatEnabled = false
	}
	if err := o.Validate(); err != nil {
		return nil, err
	}
	codec, _ := CodecByName(o.Codec)
	return &Server{
		conns:    make(map[string]*Conn),
		auth:     auth,
		handlers: make(map[string]func(*Conn, []byte)),
		opts:     o,
		codec:    codec,
		log:      o.logger().With(zap.String("component", "server")),
		groups:   make(map[string]map[string]*Conn),
	}, nil
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Handler 返回 /ws 端点的 http.Handler，便于挂载到已有服务
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	return mux
}

// Serve 启动 HTTP 服务并提供 /ws 端点
func (s *Server) Serve(addr string) error {
	// 构造 http.Server 以便优雅关停
	srv := &http.Server{Addr: addr, Handler: s.Handler()}

	s.mu.Lock()
	s.httpSrv = srv
	// 启动僵尸连接清理
	if s.cleanupTick == nil && s.opts.ZombieCleanupEnabled && s.opts.ZombieCheckInterval > 0 && s.opts.ZombieMaxIdle > 0 {
		s.cleanupTick = time.NewTicker(s.opts.ZombieCheckInterval)
		s.cleanupStop = make(chan struct{})
		go func(tick *time.Ticker, stop <-chan struct{}) {
			for {
				select {
				case <-tick.C:
					s.cleanupZombies()
				case <-stop:
					return
				}
			}
		}(s.cleanupTick, s.cleanupStop)
	}
	s.mu.Unlock()

	s.log.Info("listening", zap.String("addr", addr))
	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown 优雅关闭 Server：停止 HTTP、停止清理、关闭所有连接
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.cleanupTick != nil {
		s.cleanupTick.Stop()
		close(s.cleanupStop)
		s.cleanupTick = nil
		s.cleanupStop = nil
	}
	srv := s.httpSrv
	s.mu.Unlock()

	// 先禁止新连接，然后关闭 HTTP
	var err error
	if srv != nil {
		err = srv.Shutdown(ctx)
	}
	// 关闭所有连接
	s.mu.RLock()
	conns := make([]*Conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.RUnlock()
	for _, c := range conns {
		_ = c.Close()
		s.removeConn(c)
	}
	return err
}

// On 注册事件处理器
func (s *Server) On(event string, handler func(c *Conn, data []byte)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[event] = handler
}

// Conn 按 clientID 查找连接
func (s *Server) Conn(clientID string) (*Conn, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conns[clientID]
	return c, ok
}

// EmitTo 向特定客户端发送事件
func (s *Server) EmitTo(clientID string, event string, payload any) error {
	conn, ok := s.Conn(clientID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrClientNotFound, clientID)
	}
	return conn.Emit(event, payload)
}

// Broadcast 广播事件到所有客户端
func (s *Server) Broadcast(event string, payload any) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, conn := range s.conns {
		_ = conn.Emit(event, payload)
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.auth == nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	ctx, clientID, err := s.auth.Authenticate(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	r = r.WithContext(ctx)

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("upgrade error", zap.Error(err))
		return
	}

	conn := NewConn(clientID, ws, s.codec, s.opts.Logger)
	if prev := s.addConn(conn); prev != nil {
		// 同一 clientID 重连，旧连接作废
		_ = prev.Close()
	}

	// Server 侧看门狗（可选）
	if s.opts.HeartbeatEnabled {
		if _, err := conn.StartWatchdog(s.opts.watchdogConfig()); err != nil {
			s.log.Error("start watchdog failed", zap.String("conn", clientID), zap.Error(err))
		}
	}

	s.mu.RLock()
	onConnect := s.onConnect
	s.mu.RUnlock()
	if onConnect != nil {
		// 独立 goroutine 触发，避免阻塞握手
		go onConnect(conn)
	}

	go func() {
		<-conn.Closed()
		s.removeConn(conn)
		s.mu.RLock()
		onDisconnect := s.onDisconnect
		s.mu.RUnlock()
		if onDisconnect != nil {
			onDisconnect(conn)
		}
	}()

	go conn.Run(func(msg Message) { s.dispatch(conn, msg) })
}

func (s *Server) addConn(c *Conn) (prev *Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev = s.conns[c.ID]
	s.conns[c.ID] = c
	return prev
}

// removeConn 仅移除仍登记为该 clientID 的连接
func (s *Server) removeConn(c *Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.conns[c.ID]; !ok || cur != c {
		return
	}
	delete(s.conns, c.ID)
	// 从所有分组移除
	for g := range s.groups {
		delete(s.groups[g], c.ID)
		if len(s.groups[g]) == 0 {
			delete(s.groups, g)
		}
	}
}

func (s *Server) dispatch(c *Conn, msg Message) {
	s.mu.RLock()
	handler, ok := s.handlers[msg.Event]
	s.mu.RUnlock()
	if ok {
		go handler(c, msg.Payload)
		return
	}
	s.log.Debug("unhandled event", zap.String("event", msg.Event), zap.String("conn", c.ID))
}

// OnConnect 注册连接成功钩子
func (s *Server) OnConnect(h func(*Conn)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onConnect = h
}

// OnDisconnect 注册连接断开钩子
func (s *Server) OnDisconnect(h func(*Conn)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onDisconnect = h
}

// cleanupZombies 关闭超时无活动的连接
func (s *Server) cleanupZombies() {
	now := time.Now()
	s.mu.RLock()
	var toClose []*Conn
	for _, c := range s.conns {
		last := c.LastActivity()
		if last.IsZero() {
			continue
		}
		if now.Sub(last) > s.opts.ZombieMaxIdle {
			toClose = append(toClose, c)
		}
	}
	s.mu.RUnlock()

	for _, c := range toClose {
		_ = c.Close()
		s.removeConn(c)
		s.log.Info("cleaned zombie connection", zap.String("conn", c.ID))
	}
}

// AddToGroup 将客户端加入分组
func (s *Server) AddToGroup(group string, clientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conn, ok := s.conns[clientID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrClientNotFound, clientID)
	}
	if _, ok := s.groups[group]; !ok {
		s.groups[group] = make(map[string]*Conn)
	}
	s.groups[group][clientID] = conn
	return nil
}

// RemoveFromGroup 将客户端从分组移除
func (s *Server) RemoveFromGroup(group string, clientID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.groups[group]; ok {
		delete(m, clientID)
		if len(m) == 0 {
			delete(s.groups, group)
		}
	}
}

// BroadcastGroup 向指定分组广播
func (s *Server) BroadcastGroup(group string, event string, payload any) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if m, ok := s.groups[group]; ok {
		for _, c := range m {
			_ = c.Emit(event, payload)
		}
	}
}
