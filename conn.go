package wsguard

import (
	"errors"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	controlWriteWait = 5 * time.Second
	// 对端停止读取时 Emit 最多阻塞这么久
	writeWait = 10 * time.Second
)

var _ Monitored = (*Conn)(nil)

// Conn 封装单个 WebSocket 连接与事件处理，并实现 Monitored 供看门狗使用
type Conn struct {
	ID         string
	ws         *websocket.Conn
	codec      Codec
	log        *zap.Logger
	handlers   map[string]func([]byte)
	mu         sync.RWMutex
	closed     chan struct{}
	closedOnce sync.Once
	// 仅串行化数据帧；控制帧由 WriteControl 自带的锁与截止时间保护
	writeMu sync.Mutex

	lastActivity time.Time
	// 探测写入截止时长，挂载看门狗时取 AckTimeout
	probeWait time.Duration
	outbound     listeners
	inbound      listeners

	watchdog *Watchdog
}

// NewConn 创建连接封装，codec 为空时使用 JSON，log 为空时不输出日志
func NewConn(id string, ws *websocket.Conn, codec Codec, log *zap.Logger) *Conn {
	if codec == nil {
		codec = jsonCodec{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	c := &Conn{
		ID:           id,
		ws:           ws,
		codec:        codec,
		log:          log.With(zap.String("conn", id)),
		handlers:     make(map[string]func([]byte)),
		closed:       make(chan struct{}),
		lastActivity: time.Now(),
	}
	// pong 与 ping 都算作入站消息
	ws.SetPongHandler(func(string) error {
		c.touch()
		return nil
	})
	ws.SetPingHandler(func(appData string) error {
		c.touch()
		err := ws.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(controlWriteWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return nil
		}
		return err
	})
	return c
}

// On 注册事件处理器
func (c *Conn) On(event string, handler func(data []byte)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[event] = handler
}

func (c *Conn) handler(event string) (func([]byte), bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	h, ok := c.handlers[event]
	return h, ok
}

// Codec 返回连接使用的编解码器
func (c *Conn) Codec() Codec { return c.codec }

// Decode 按连接编解码器解析事件负载
func (c *Conn) Decode(payload []byte, v any) error {
	return c.codec.Unmarshal(payload, v)
}

// Emit 向对端发送事件
func (c *Conn) Emit(event string, payload any) error {
	if c == nil || c.ws == nil || !c.IsOpen() {
		return ErrConnClosed
	}
	data, err := c.codec.Marshal(payload)
	if err != nil {
		return err
	}
	frame, err := c.codec.EncodeMessage(Message{Event: event, Payload: data})
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	err = c.ws.WriteMessage(c.codec.FrameType(), frame)
	c.writeMu.Unlock()
	if err != nil {
		return err
	}
	c.outbound.notify()
	return nil
}

// Run 读取循环，收到消息后交给回调处理
func (c *Conn) Run(onMessage func(msg Message)) {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Warn("read error", zap.Error(err))
			} else {
				c.log.Debug("read loop finished", zap.Error(err))
			}
			c.markClosed()
			return
		}
		c.touch()
		msg, err := c.codec.DecodeMessage(data)
		if err != nil {
			c.log.Warn("decode message failed", zap.String("codec", c.codec.Name()), zap.Error(err))
			continue
		}
		onMessage(msg)
	}
}

// Close 主动关闭连接
func (c *Conn) Close() error {
	if c == nil || c.ws == nil {
		return nil
	}
	alreadyClosed := !c.IsOpen()
	c.markClosed()
	if alreadyClosed {
		return c.ws.Close()
	}
	// 不等待 writeMu：阻塞中的 Emit 由 ws.Close 打断
	_ = c.ws.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	return c.ws.Close()
}

// Closed 返回关闭通知通道
func (c *Conn) Closed() <-chan struct{} {
	return c.closed
}

// IsOpen 连接尚未关闭
func (c *Conn) IsOpen() bool {
	select {
	case <-c.closed:
		return false
	default:
		return true
	}
}

// LastActivity 返回最近一次入站活动时间（数据帧、ping 或 pong）
func (c *Conn) LastActivity() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastActivity
}

// SendProbe 异步发送 ping 控制帧，写入完成或超时后回调 onSent
// 对端停止读取导致发送缓冲写满时，超时错误同样交给 onSent。
func (c *Conn) SendProbe(payload []byte, onSent func(error)) {
	c.mu.RLock()
	wait := c.probeWait
	c.mu.RUnlock()
	if wait <= 0 {
		wait = controlWriteWait
	}
	go func() {
		if !c.IsOpen() {
			onSent(ErrConnClosed)
			return
		}
		err := c.ws.WriteControl(websocket.PingMessage, payload, time.Now().Add(wait))
		if err != nil {
			c.log.Debug("ping error", zap.Error(err))
		}
		onSent(err)
	}()
}

// OnOutboundActivity 订阅出站事件（Emit 成功后触发）
func (c *Conn) OnOutboundActivity(handler func()) (unsubscribe func()) {
	return c.outbound.add(handler)
}

// OnInboundMessage 订阅入站事件
func (c *Conn) OnInboundMessage(handler func()) (unsubscribe func()) {
	return c.inbound.add(handler)
}

// StartWatchdog 为连接挂载看门狗，建议重连时关闭连接
func (c *Conn) StartWatchdog(cfg WatchdogConfig) (*Watchdog, error) {
	if cfg.Name == "" {
		cfg.Name = c.ID
	}
	if cfg.Logger == nil {
		cfg.Logger = c.log
	}
	w, err := NewWatchdog(cfg)
	if err != nil {
		return nil, err
	}
	w.OnRecommendReconnect(func() {
		c.log.Warn("connection unresponsive, closing")
		_ = c.Close()
	})
	c.mu.Lock()
	c.watchdog = w
	c.probeWait = w.Config().AckTimeout
	c.mu.Unlock()
	if err := w.Start(c); err != nil {
		c.mu.Lock()
		if c.watchdog == w {
			c.watchdog = nil
		}
		c.mu.Unlock()
		return nil, err
	}
	// 与 markClosed 竞争时由这里收尾
	if !c.IsOpen() {
		w.Stop()
	}
	return w, nil
}

// Watchdog 返回挂载的看门狗，未启用心跳时为 nil
func (c *Conn) Watchdog() *Watchdog {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.watchdog
}

func (c *Conn) touch() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
	c.inbound.notify()
}

// markClosed 安全关闭 closed 通道并停止看门狗
func (c *Conn) markClosed() {
	c.closedOnce.Do(func() {
		close(c.closed)
		if w := c.Watchdog(); w != nil {
			w.Stop()
		}
	})
}

// listeners 无参事件订阅表
type listeners struct {
	mu   sync.Mutex
	next uint64
	fns  map[uint64]func()
}

func (l *listeners) add(fn func()) func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fns == nil {
		l.fns = make(map[uint64]func())
	}
	l.next++
	id := l.next
	l.fns[id] = fn
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.fns, id)
	}
}

// notify 在锁外调用订阅者
func (l *listeners) notify() {
	l.mu.Lock()
	fns := make([]func(), 0, len(l.fns))
	for _, fn := range l.fns {
		fns = append(fns, fn)
	}
	l.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}
