package wsguard

import (
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	headerClientID     = "X-Client-ID"
	headerClientSecret = "X-Client-Secret"
)

// Client 封装客户端行为
type Client struct {
	url    string
	id     string
	secret string
	opts   Options
	codec  Codec
	log    *zap.Logger

	mu       sync.Mutex
	conn     *Conn
	handlers map[string]func([]byte)
	stop     chan struct{}

	// 重连次数，便于观测
	reconnects int
}

// Connect 连接到 Server（使用默认 Options）
func Connect(urlStr string, secret string) (*Client, error) {
	return ConnectWithOptions(urlStr, "", secret, nil)
}

// ConnectWithOptions 连接到 Server，并启动读取循环（支持 Options）
// 若 id 为空，将自动随机生成；secret 必填
func ConnectWithOptions(urlStr string, id string, secret string, opts *Options) (*Client, error) {
	o := mergeOptions(opts)
	if err := o.Validate(); err != nil {
		return nil, err
	}
	codec, _ := CodecByName(o.Codec)

	if id == "" {
		id = uuid.NewString()
	}

	// 附带 query 以便跨代理丢头场景
	u, err := url.Parse(urlStr)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("id", id)
	q.Set("secret", secret)
	u.RawQuery = q.Encode()

	client := &Client{
		url:    u.String(),
		id:     id,
		secret: secret,
		opts:   o,
		codec:  codec,
		log:      o.logger().With(zap.String("client", id)),
		handlers: make(map[string]func([]byte)),
		stop:     make(chan struct{}),
	}
	conn, err := client.dial()
	if err != nil {
		return nil, err
	}
	client.conn = conn

	go client.runReadLoop(conn)
	if o.ReconnectEnabled {
		go client.reconnectWatcher(conn)
	}
	return client, nil
}

// dial 建立连接并开始新的看门狗周期
func (c *Client) dial() (*Conn, error) {
	// 兼容两种传递方式：Header 与 Query（Server 支持双方式）
	header := http.Header{}
	header.Set(headerClientSecret, c.secret)
	header.Set(headerClientID, c.id)

	ws, _, err := websocket.DefaultDialer.Dial(c.url, header)
	if err != nil {
		return nil, err
	}
	conn := NewConn(c.id, ws, c.codec, c.opts.logger())
	if c.opts.HeartbeatEnabled {
		if _, err := conn.StartWatchdog(c.opts.watchdogConfig()); err != nil {
			_ = conn.Close()
			return nil, err
		}
	}
	return conn, nil
}

// Conn 返回当前连接；自动重连后会变化
func (c *Client) Conn() *Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

// On 注册处理器，对当前连接与之后重连得到的连接都生效
func (c *Client) On(event string, handler func(data []byte)) {
	// 持锁完成登记，与重连时的切换互斥
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[event] = handler
	if c.conn != nil {
		c.conn.On(event, handler)
	}
}

// Reconnects 返回已完成的重连次数
func (c *Client) Reconnects() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reconnects
}

func (c *Client) runReadLoop(current *Conn) {
	current.Run(func(msg Message) {
		if handler, ok := current.handler(msg.Event); ok {
			go handler(msg.Payload)
			return
		}
		c.log.Debug("unhandled event", zap.String("event", msg.Event))
	})
}

// Emit 代理到当前连接（便于在自动重连时避免使用旧指针）
func (c *Client) Emit(event string, payload any) error {
	conn := c.Conn()
	if conn == nil {
		return ErrConnClosed
	}
	return conn.Emit(event, payload)
}

func (c *Client) reconnectWatcher(old *Conn) {
	// 同时监听 stop 与当前连接关闭，防止 stop 已关闭仍阻塞在连接关闭等待
	select {
	case <-c.stop:
		return
	case <-old.Closed():
	}
	c.log.Info("connection lost, reconnecting")

	backoff := c.opts.ReconnectBackoff
	if backoff <= 0 {
		backoff = time.Second
	}
	for attempt := 1; ; attempt++ {
		select {
		case <-c.stop:
			return
		default:
		}

		newConn, err := c.dial()
		if err != nil {
			c.log.Warn("reconnect failed",
				zap.Int("attempt", attempt),
				zap.Duration("backoff", backoff),
				zap.Error(err))
			select {
			case <-c.stop:
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if max := c.opts.ReconnectMaxBackoff; max > 0 && backoff > max {
				backoff = max
			}
			continue
		}

		// 切换连接并安装 Client 上登记的 handlers
		c.mu.Lock()
		select {
		case <-c.stop:
			c.mu.Unlock()
			_ = newConn.Close()
			return
		default:
		}
		for event, h := range c.handlers {
			newConn.On(event, h)
		}
		c.conn = newConn
		c.reconnects++
		c.mu.Unlock()
		c.log.Info("reconnected", zap.Int("attempt", attempt))

		go c.runReadLoop(newConn)
		// 继续监视新连接
		go c.reconnectWatcher(newConn)
		return
	}
}

// Close 停止自动重连并关闭当前连接
func (c *Client) Close() error {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	if c.stop != nil {
		select {
		case <-c.stop:
		default:
			close(c.stop)
		}
	}
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		return conn.Close()
	}
	return nil
}
