package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/danmuck/charonctl/internal/client"
)

type fileConfig struct {
	Network            string `toml:"network"`
	Address            string `toml:"address"`
	ConnectTimeout     string `toml:"connect_timeout"`
	MaxConnectAttempts int    `toml:"max_connect_attempts"`
	EventQueueSize     int    `toml:"event_queue_size"`
}

func loadClientConfig(path string) (client.Config, error) {
	cfg := client.DefaultConfig()
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return client.Config{}, fmt.Errorf("load config: %w", err)
	}

	if meta.IsDefined("network") {
		network := strings.TrimSpace(raw.Network)
		if network != "" {
			cfg.Network = network
		}
	}
	if meta.IsDefined("address") {
		addr := strings.TrimSpace(raw.Address)
		if addr != "" {
			cfg.Address = addr
		}
	}
	if meta.IsDefined("connect_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.ConnectTimeout))
		if err != nil {
			return client.Config{}, fmt.Errorf("load config: connect_timeout: %w", err)
		}
		cfg.ConnectTimeout = d
	}
	if meta.IsDefined("max_connect_attempts") {
		if raw.MaxConnectAttempts < 0 {
			return client.Config{}, fmt.Errorf("load config: max_connect_attempts must be >= 0")
		}
		cfg.MaxConnectAttempts = raw.MaxConnectAttempts
	}
	if meta.IsDefined("event_queue_size") {
		if raw.EventQueueSize <= 0 {
			return client.Config{}, fmt.Errorf("load config: event_queue_size must be > 0")
		}
		cfg.Session.EventQueueSize = raw.EventQueueSize
	}

	return cfg, nil
}
