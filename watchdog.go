package wsguard

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Monitored 看门狗对被监控连接的最小依赖
// 看门狗只读使用连接：查询状态、发送探测、订阅事件，从不建立或关闭连接。
// 订阅方法不得在调用过程中同步触发 handler。
type Monitored interface {
	IsOpen() bool
	// SendProbe 异步发送探测；onSent 仅表示探测已离开本地发送缓冲
	SendProbe(payload []byte, onSent func(error))
	OnOutboundActivity(handler func()) (unsubscribe func())
	OnInboundMessage(handler func()) (unsubscribe func())
}

// WatchdogState 看门狗状态
type WatchdogState int

const (
	StateIdle WatchdogState = iota
	StateArmed
	StateAwaitingAck
	StateDegraded
)

func (s WatchdogState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateArmed:
		return "armed"
	case StateAwaitingAck:
		return "awaiting_ack"
	case StateDegraded:
		return "degraded"
	default:
		return fmt.Sprintf("WatchdogState(%d)", int(s))
	}
}

const (
	DefaultProbeDelay = 6 * time.Second
	DefaultAckTimeout = 4 * time.Second
)

// WatchdogConfig 看门狗配置，构造后不可变
type WatchdogConfig struct {
	// Name 仅用于日志
	Name string

	// ProbeDelay 出站静默多久后发送探测，为 0 时取 DefaultProbeDelay
	ProbeDelay time.Duration
	// AckTimeout 探测发出后等待任意入站消息的时长，必须小于 ProbeDelay。
	// 为 0 时取 DefaultAckTimeout（4s），并不表示不等待；因此
	// {ProbeDelay: 1s, AckTimeout: 0} 会被当作 {1s, 4s} 拒绝。
	AckTimeout time.Duration

	// ProbePayload 探测内容，默认 "ping"
	ProbePayload []byte

	// Logger 为空时使用 zap.NewNop()
	Logger *zap.Logger
	// Clock 为空时使用 RealClock()
	Clock Clock
}

// DefaultWatchdogConfig 返回默认配置
func DefaultWatchdogConfig() WatchdogConfig {
	return WatchdogConfig{
		ProbeDelay:   DefaultProbeDelay,
		AckTimeout:   DefaultAckTimeout,
		ProbePayload: []byte("ping"),
	}
}

// 零值字段回退到默认值
func (c WatchdogConfig) withDefaults() WatchdogConfig {
	d := DefaultWatchdogConfig()
	if c.ProbeDelay == 0 {
		c.ProbeDelay = d.ProbeDelay
	}
	if c.AckTimeout == 0 {
		c.AckTimeout = d.AckTimeout
	}
	if c.ProbePayload == nil {
		c.ProbePayload = d.ProbePayload
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Clock == nil {
		c.Clock = RealClock()
	}
	return c
}

// Validate 仅校验 AckTimeout < ProbeDelay
func (c WatchdogConfig) Validate() error {
	if c.AckTimeout >= c.ProbeDelay {
		return &ConfigError{ProbeDelay: c.ProbeDelay, AckTimeout: c.AckTimeout}
	}
	return nil
}

// Watchdog 通过心跳探测判断连接是否仍然存活
//
// Armed 状态下任何出站活动都会重置 ping 定时器；ping 定时器到期后发送探测，
// 探测发出后的第一条入站消息即视为确认。AckTimeout 内没有入站消息，或探测
// 本身写入失败时进入 Degraded，发出一次重连建议，直到 Stop 之前不再探测。
type Watchdog struct {
	cfg   WatchdogConfig
	log   *zap.Logger
	clock Clock

	mu          sync.Mutex
	state       WatchdogState
	recommended bool
	outstanding bool
	conn        Monitored

	// 每次 Start/Stop/Degraded 递增，旧订阅的回调据此失效
	epoch uint64

	pingTimer Timer
	pongTimer Timer
	timerSeq  uint64
	pingSeq   uint64
	pongSeq   uint64
	probeSeq  uint64

	unsubOutbound func()
	unsubInbound  func()

	onRecommend     []func()
	recommendCh     chan struct{}
	recommendClosed bool
}

// NewWatchdog 校验配置并创建看门狗
func NewWatchdog(cfg WatchdogConfig) (*Watchdog, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log := cfg.Logger
	if cfg.Name != "" {
		log = log.With(zap.String("watchdog", cfg.Name))
	}
	return &Watchdog{
		cfg:         cfg,
		log:         log,
		clock:       cfg.Clock,
		recommendCh: make(chan struct{}),
	}, nil
}

// Config 返回生效的配置
func (w *Watchdog) Config() WatchdogConfig { return w.cfg }

// OnRecommendReconnect 注册重连建议回调；每个 Degraded 周期至多触发一次
// 回调在看门狗锁之外执行，可以在其中调用 Stop。
func (w *Watchdog) OnRecommendReconnect(h func()) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onRecommend = append(w.onRecommend, h)
}

// Recommendations 返回当前周期的通知通道，进入 Degraded 时关闭
// Stop 之后会换成新的通道。
func (w *Watchdog) Recommendations() <-chan struct{} {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.recommendCh
}

// State 返回当前状态
func (w *Watchdog) State() WatchdogState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// IsMonitoring 仅在 Armed 与 AwaitingAck 时为 true
func (w *Watchdog) IsMonitoring() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state == StateArmed || w.state == StateAwaitingAck
}

// RecommendedReconnect 是否已建议重连
func (w *Watchdog) RecommendedReconnect() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.recommended
}

// OutstandingProbe 是否有未确认的探测
func (w *Watchdog) OutstandingProbe() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.outstanding
}

// Start 开始监控一个已打开的连接
func (w *Watchdog) Start(conn Monitored) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state != StateIdle {
		return ErrAlreadyStarted
	}
	if conn == nil || !conn.IsOpen() {
		return ErrNotConnected
	}

	w.epoch++
	epoch := w.epoch
	w.conn = conn
	w.state = StateArmed
	w.unsubOutbound = conn.OnOutboundActivity(func() { w.handleOutbound(epoch) })
	w.armPing()

	w.log.Debug("watchdog started",
		zap.Duration("probe_delay", w.cfg.ProbeDelay),
		zap.Duration("ack_timeout", w.cfg.AckTimeout))
	return nil
}

// Stop 停止监控，任意状态下可调用，重复调用为空操作
func (w *Watchdog) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state == StateIdle {
		return
	}
	w.detach()
	w.state = StateIdle
	w.recommended = false
	if w.recommendClosed {
		w.recommendCh = make(chan struct{})
		w.recommendClosed = false
	}
	w.log.Debug("watchdog stopped")
}

func (w *Watchdog) handleOutbound(epoch uint64) {
	w.guard("outbound activity", func() error {
		w.mu.Lock()
		defer w.mu.Unlock()

		if w.epoch != epoch || w.state != StateArmed || w.outstanding {
			return nil
		}
		if w.conn == nil {
			return ErrInconsistentState
		}
		w.armPing()
		return nil
	})
}

func (w *Watchdog) onPingTimer(seq uint64) {
	var (
		conn  Monitored
		probe uint64
	)
	w.guard("ping timer", func() error {
		w.mu.Lock()
		defer w.mu.Unlock()

		if w.pingTimer == nil || w.pingSeq != seq {
			return nil
		}
		w.pingTimer = nil
		if w.state != StateArmed || w.outstanding {
			return nil
		}
		if w.conn == nil {
			return ErrInconsistentState
		}

		// 先订阅入站再发送，避免确认先于发送回调到达
		epoch := w.epoch
		w.outstanding = true
		w.probeSeq++
		probe = w.probeSeq
		w.unsubInbound = w.conn.OnInboundMessage(func() { w.handleInbound(epoch) })
		conn = w.conn
		return nil
	})
	if conn == nil {
		return
	}

	w.guard("send probe", func() error {
		conn.SendProbe(w.cfg.ProbePayload, func(err error) { w.handleProbeSent(probe, err) })
		return nil
	})
}

func (w *Watchdog) handleProbeSent(probe uint64, sendErr error) {
	var fire []func()
	w.guard("probe sent", func() error {
		w.mu.Lock()
		defer w.mu.Unlock()

		// 已确认、已停止或已被新探测取代
		if !w.outstanding || w.probeSeq != probe || w.state != StateArmed {
			return nil
		}
		// 探测写不出去与收不到确认同样说明对端不可用
		if sendErr != nil {
			w.log.Warn("probe send failed, recommending reconnect", zap.Error(sendErr))
			fire = w.degrade()
			return nil
		}

		w.state = StateAwaitingAck
		w.armPong()
		w.log.Debug("probe sent, awaiting ack")
		return nil
	})
	w.recommend(fire)
}

func (w *Watchdog) handleInbound(epoch uint64) {
	w.guard("inbound message", func() error {
		w.mu.Lock()
		defer w.mu.Unlock()

		if w.epoch != epoch || !w.outstanding {
			return nil
		}
		w.cancelPong()
		w.clearProbe()
		w.state = StateArmed
		if w.conn == nil {
			return ErrInconsistentState
		}
		w.armPing()
		return nil
	})
}

func (w *Watchdog) onPongTimer(seq uint64) {
	var fire []func()
	w.guard("pong timer", func() error {
		w.mu.Lock()
		defer w.mu.Unlock()

		if w.pongTimer == nil || w.pongSeq != seq {
			return nil
		}
		w.pongTimer = nil
		if w.state != StateAwaitingAck {
			return nil
		}

		w.log.Warn("no ack within timeout, recommending reconnect",
			zap.Duration("ack_timeout", w.cfg.AckTimeout))
		fire = w.degrade()
		return nil
	})
	w.recommend(fire)
}

// degrade 进入 Degraded 并返回待触发的回调，调用方需持有 w.mu
func (w *Watchdog) degrade() []func() {
	w.detach()
	w.state = StateDegraded
	w.recommended = true
	if !w.recommendClosed {
		close(w.recommendCh)
		w.recommendClosed = true
	}
	return append([]func(){}, w.onRecommend...)
}

// recommend 在锁外逐个触发重连建议回调
func (w *Watchdog) recommend(fire []func()) {
	for _, h := range fire {
		w.guard("recommend reconnect", func() error {
			h()
			return nil
		})
	}
}

// armPing 调用方需持有 w.mu
func (w *Watchdog) armPing() {
	w.cancelPing()
	w.timerSeq++
	seq := w.timerSeq
	w.pingSeq = seq
	w.pingTimer = w.clock.AfterFunc(w.cfg.ProbeDelay, func() { w.onPingTimer(seq) })
}

func (w *Watchdog) armPong() {
	w.cancelPong()
	w.timerSeq++
	seq := w.timerSeq
	w.pongSeq = seq
	w.pongTimer = w.clock.AfterFunc(w.cfg.AckTimeout, func() { w.onPongTimer(seq) })
}

func (w *Watchdog) cancelPing() {
	if w.pingTimer != nil {
		w.pingTimer.Stop()
		w.pingTimer = nil
	}
}

func (w *Watchdog) cancelPong() {
	if w.pongTimer != nil {
		w.pongTimer.Stop()
		w.pongTimer = nil
	}
}

func (w *Watchdog) clearProbe() {
	w.outstanding = false
	if w.unsubInbound != nil {
		w.unsubInbound()
		w.unsubInbound = nil
	}
}

// detach 取消定时器、退订并释放连接引用
func (w *Watchdog) detach() {
	w.epoch++
	w.cancelPing()
	w.cancelPong()
	w.clearProbe()
	if w.unsubOutbound != nil {
		w.unsubOutbound()
		w.unsubOutbound = nil
	}
	w.conn = nil
}

// guard 回调边界：错误与 panic 只记录日志，不向定时器或事件源传播
func (w *Watchdog) guard(event string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			w.log.Error("watchdog callback panicked",
				zap.String("event", event), zap.Any("panic", r))
		}
	}()
	if err := fn(); err != nil {
		w.log.Error("watchdog callback failed",
			zap.String("event", event), zap.Error(err))
	}
}
