package wsguard

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Options 控制心跳看门狗、自动重连等行为
type Options struct {
	// 心跳看门狗：出站静默 ProbeDelay 后发送 ping，AckTimeout 内无入站消息则关闭连接
	HeartbeatEnabled bool          `yaml:"heartbeat_enabled" toml:"heartbeat_enabled"`
	ProbeDelay       time.Duration `yaml:"probe_delay" toml:"probe_delay"`
	AckTimeout       time.Duration `yaml:"ack_timeout" toml:"ack_timeout"`

	// 自动重连
	ReconnectEnabled    bool          `yaml:"reconnect_enabled" toml:"reconnect_enabled"`
	ReconnectBackoff    time.Duration `yaml:"reconnect_backoff" toml:"reconnect_backoff"`
	ReconnectMaxBackoff time.Duration `yaml:"reconnect_max_backoff" toml:"reconnect_max_backoff"`

	// 僵尸连接清理
	ZombieCleanupEnabled bool          `yaml:"zombie_cleanup_enabled" toml:"zombie_cleanup_enabled"`
	ZombieCheckInterval  time.Duration `yaml:"zombie_check_interval" toml:"zombie_check_interval"`
	ZombieMaxIdle        time.Duration `yaml:"zombie_max_idle" toml:"zombie_max_idle"`

	// 编解码器：json 或 msgpack，两端需一致
	Codec string `yaml:"codec" toml:"codec"`

	// 为空时不输出日志
	Logger *zap.Logger `yaml:"-" toml:"-"`
}

// DefaultOptions 返回默认配置
func DefaultOptions() Options {
	return Options{
		HeartbeatEnabled:     true,
		ProbeDelay:           DefaultProbeDelay,
		AckTimeout:           DefaultAckTimeout,
		ReconnectEnabled:     false,
		ReconnectBackoff:     1 * time.Second,
		ReconnectMaxBackoff:  30 * time.Second,
		ZombieCleanupEnabled: false,
		ZombieCheckInterval:  30 * time.Second,
		ZombieMaxIdle:        2 * time.Minute,
		Codec:                CodecJSON,
	}
}

// mergeOptions 以默认值为基础，仅非零值覆盖；开关字段原样采用
func mergeOptions(opts *Options) Options {
	o := DefaultOptions()
	if opts == nil {
		return o
	}
	o.HeartbeatEnabled = opts.HeartbeatEnabled
	if opts.ProbeDelay != 0 {
		o.ProbeDelay = opts.ProbeDelay
	}
	if opts.AckTimeout != 0 {
		o.AckTimeout = opts.AckTimeout
	}
	o.ReconnectEnabled = opts.ReconnectEnabled
	if opts.ReconnectBackoff != 0 {
		o.ReconnectBackoff = opts.ReconnectBackoff
	}
	if opts.ReconnectMaxBackoff != 0 {
		o.ReconnectMaxBackoff = opts.ReconnectMaxBackoff
	}
	o.ZombieCleanupEnabled = opts.ZombieCleanupEnabled
	if opts.ZombieCheckInterval != 0 {
		o.ZombieCheckInterval = opts.ZombieCheckInterval
	}
	if opts.ZombieMaxIdle != 0 {
		o.ZombieMaxIdle = opts.ZombieMaxIdle
	}
	if opts.Codec != "" {
		o.Codec = opts.Codec
	}
	o.Logger = opts.Logger
	return o
}

// Validate 校验编解码器名称与心跳时长
func (o Options) Validate() error {
	if _, err := CodecByName(o.Codec); err != nil {
		return err
	}
	if o.HeartbeatEnabled {
		return o.watchdogConfig().withDefaults().Validate()
	}
	return nil
}

func (o Options) logger() *zap.Logger {
	if o.Logger == nil {
		return zap.NewNop()
	}
	return o.Logger
}

func (o Options) watchdogConfig() WatchdogConfig {
	return WatchdogConfig{
		ProbeDelay: o.ProbeDelay,
		AckTimeout: o.AckTimeout,
		Logger:     o.Logger,
	}
}

// LoadOptions 从 YAML（.yaml/.yml）或 TOML（.toml）文件读取配置
// 未出现的键保留默认值，时长写作 "6s" 形式。
func LoadOptions(path string) (Options, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Options{}, err
	}
	return ParseOptions(data, filepath.Ext(path))
}

// ParseOptions 按扩展名解析配置内容
func ParseOptions(data []byte, ext string) (Options, error) {
	o := DefaultOptions()
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &o); err != nil {
			return Options{}, fmt.Errorf("parse yaml options: %w", err)
		}
	case ".toml":
		if _, err := toml.Decode(string(data), &o); err != nil {
			return Options{}, fmt.Errorf("parse toml options: %w", err)
		}
	default:
		return Options{}, fmt.Errorf("%w: %q", ErrUnsupportedConfigFormat, ext)
	}
	if err := o.Validate(); err != nil {
		return Options{}, err
	}
	return o, nil
}
