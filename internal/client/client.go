// Package client establishes the daemon connection and hands it to a
// session. The protocol itself is agnostic to the transport; this package
// only supplies ordered, reliable byte streams over unix or TCP sockets.
package client

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/danmuck/charonctl/internal/vici/session"
)

// DefaultSocketPath is charon's conventional control socket.
const DefaultSocketPath = "/run/charon.vici"

var (
	ErrAddressRequired    = errors.New("client: address required")
	ErrUnsupportedNetwork = errors.New("client: unsupported network")
)

type Config struct {
	// Network is "unix" or "tcp".
	Network string
	Address string

	ConnectTimeout     time.Duration
	MaxConnectAttempts int
	Backoff            BackoffConfig

	Session session.Config
}

func DefaultConfig() Config {
	return Config{
		Network:        "unix",
		Address:        DefaultSocketPath,
		ConnectTimeout: 5 * time.Second,
		Backoff: BackoffConfig{
			InitialDelay: 250 * time.Millisecond,
			Multiplier:   2.0,
			MaxDelay:     5 * time.Second,
			Jitter:       true,
		},
		Session: session.DefaultConfig(),
	}
}

type Client struct {
	cfg Config
	rng *rand.Rand
}

func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.Address) == "" {
		return nil, ErrAddressRequired
	}
	switch cfg.Network {
	case "unix", "tcp":
	default:
		return nil, ErrUnsupportedNetwork
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConfig().ConnectTimeout
	}
	cfg.Session = cfg.Session.WithDefaults()
	return &Client{
		cfg: cfg,
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

// Connect dials the daemon, retrying with backoff, and returns a live
// session.
func (c *Client) Connect(ctx context.Context) (*session.Session, error) {
	var attempt int
	for {
		attempt++
		conn, err := c.dial(ctx)
		if err == nil {
			return session.New(conn, c.cfg.Session), nil
		}
		log.Warn().
			Int("attempt", attempt).
			Str("addr", c.cfg.Address).
			Err(err).
			Msg("client: dial failed")
		if !c.shouldRetry(attempt) {
			return nil, err
		}
		if err := c.sleepBackoff(ctx, attempt); err != nil {
			return nil, err
		}
	}
}

func (c *Client) dial(ctx context.Context) (net.Conn, error) {
	dialer := net.Dialer{Timeout: c.cfg.ConnectTimeout}
	return dialer.DialContext(ctx, c.cfg.Network, c.cfg.Address)
}

func (c *Client) shouldRetry(attempt int) bool {
	if c.cfg.MaxConnectAttempts <= 0 {
		return true
	}
	return attempt < c.cfg.MaxConnectAttempts
}

func (c *Client) sleepBackoff(ctx context.Context, attempt int) error {
	delay := c.cfg.Backoff.NextDelay(attempt, c.rng)
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// ConnectUnix is a one-shot connect over the named unix socket.
func ConnectUnix(ctx context.Context, path string) (*session.Session, error) {
	cfg := DefaultConfig()
	cfg.Network = "unix"
	cfg.Address = path
	cfg.MaxConnectAttempts = 1
	c, err := New(cfg)
	if err != nil {
		return nil, err
	}
	return c.Connect(ctx)
}

// ConnectTCP is a one-shot connect to a host:port exposing the control
// protocol.
func ConnectTCP(ctx context.Context, addr string) (*session.Session, error) {
	cfg := DefaultConfig()
	cfg.Network = "tcp"
	cfg.Address = addr
	cfg.MaxConnectAttempts = 1
	c, err := New(cfg)
	if err != nil {
		return nil, err
	}
	return c.Connect(ctx)
}
