package wsguard

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrUnauthorized 认证失败
	ErrUnauthorized = errors.New("unauthorized")
	// ErrClientNotFound 未找到客户端连接
	ErrClientNotFound = errors.New("client not found")
	// ErrConnClosed 连接已关闭
	ErrConnClosed = errors.New("connection closed")

	// ErrNotConnected Start 时连接尚未打开
	ErrNotConnected = errors.New("connection is not open")
	// ErrAlreadyStarted 看门狗未停止前重复 Start
	ErrAlreadyStarted = errors.New("watchdog already started")
	// ErrInvalidConfig 配置非法
	ErrInvalidConfig = errors.New("invalid configuration")
	// ErrInconsistentState 监控中但连接引用丢失
	ErrInconsistentState = errors.New("watchdog is monitoring without a connection")

	// ErrUnknownCodec 未知编解码器
	ErrUnknownCodec = errors.New("unknown codec")
	// ErrUnsupportedConfigFormat 配置文件扩展名不支持
	ErrUnsupportedConfigFormat = errors.New("unsupported config format")
)

// ConfigError 描述 ProbeDelay 与 AckTimeout 的非法组合
type ConfigError struct {
	ProbeDelay time.Duration
	AckTimeout time.Duration
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf(
		"ack timeout (%s) must be shorter than probe delay (%s)",
		e.AckTimeout, e.ProbeDelay,
	)
}

func (e *ConfigError) Unwrap() error { return ErrInvalidConfig }
