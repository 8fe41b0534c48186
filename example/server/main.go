package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/iamxvbaba/wsguard"
)

func main() {
	addr := pflag.String("addr", ":8080", "listen address")
	secret := pflag.String("secret", "my-secret", "shared client secret")
	configPath := pflag.String("config", "", "options file (.yaml/.yml/.toml)")
	pflag.Parse()

	logger, _ := zap.NewDevelopment()
	defer func() { _ = logger.Sync() }()

	opts := wsguard.DefaultOptions()
	if *configPath != "" {
		loaded, err := wsguard.LoadOptions(*configPath)
		if err != nil {
			logger.Fatal("load options failed", zap.String("path", *configPath), zap.Error(err))
		}
		opts = loaded
	} else {
		opts.ZombieCleanupEnabled = true
	}
	opts.Logger = logger

	auth := &wsguard.SecretIDAuth{Secret: *secret}
	server, err := wsguard.NewServerWithOptions(auth, &opts)
	if err != nil {
		logger.Fatal("invalid options", zap.Error(err))
	}

	// 连接/断开钩子
	server.OnConnect(func(c *wsguard.Conn) {
		logger.Info("connect", zap.String("conn", c.ID))
	})
	server.OnDisconnect(func(c *wsguard.Conn) {
		logger.Info("disconnect", zap.String("conn", c.ID))
	})

	server.On("status.update", func(c *wsguard.Conn, data []byte) {
		var status map[string]string
		if err := c.Decode(data, &status); err != nil {
			logger.Warn("bad status payload", zap.String("conn", c.ID), zap.Error(err))
			return
		}
		logger.Info("status", zap.String("conn", c.ID), zap.Any("status", status))
	})

	go func() {
		if err := server.Serve(*addr); err != nil {
			logger.Fatal("serve failed", zap.Error(err))
		}
	}()

	// 定期广播
	go func() {
		for {
			server.Broadcast("command.sync", map[string]string{"task": "refresh"})
			time.Sleep(10 * time.Second)
		}
	}()

	// 监听系统信号并优雅关闭
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(ctx)
}
