package main

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/iamxvbaba/wsguard"
)

func main() {
	url := pflag.String("url", "ws://localhost:8080/ws", "server endpoint")
	id := pflag.String("id", "", "client id (random when empty)")
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
		opts.ReconnectEnabled = true
		opts.ReconnectBackoff = time.Second
		opts.ReconnectMaxBackoff = 10 * time.Second
	}
	opts.Logger = logger

	client, err := wsguard.ConnectWithOptions(*url, *id, *secret, &opts)
	if err != nil {
		logger.Fatal("connect failed", zap.Error(err))
	}

	client.On("command.sync", func(data []byte) {
		logger.Info("received command", zap.ByteString("payload", data))
		_ = client.Emit("status.update", map[string]string{"state": "done"})
	})

	// 监听信号并优雅关闭
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	_ = client.Close()
}
