package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/danmuck/charonctl/internal/client"
	"github.com/danmuck/charonctl/internal/logging"
	"github.com/danmuck/charonctl/internal/observability"
	"github.com/danmuck/charonctl/internal/vici/marshal"
	"github.com/danmuck/charonctl/internal/vici/message"
)

const usage = `usage: charonctl <command> [flags]

commands:
  version            query daemon version information
  stats              dump daemon statistics
  list-sas           list established security associations
  monitor <event>    stream a named daemon event until interrupted

common flags:
  -config path       TOML config file
  -network name      unix or tcp (default unix)
  -addr address      socket path or host:port
  -timeout duration  per-exchange deadline (default 30s)
`

func main() {
	logging.ConfigureRuntime()
	observability.Register()

	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "version":
		err = runVersion(os.Args[2:])
	case "stats":
		err = runRaw("stats", os.Args[2:])
	case "list-sas":
		err = runListSAs(os.Args[2:])
	case "monitor":
		err = runMonitor(os.Args[2:])
	case "help", "-h", "--help":
		fmt.Fprint(os.Stderr, usage)
		return
	default:
		fmt.Fprintf(os.Stderr, "charonctl: unknown command %q\n\n%s", os.Args[1], usage)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "charonctl: %v\n", err)
		os.Exit(1)
	}
}

type commonFlags struct {
	configPath string
	network    string
	addr       string
	timeout    time.Duration
}

func parseCommon(name string, args []string) (commonFlags, []string, error) {
	var cf commonFlags
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.StringVar(&cf.configPath, "config", "", "TOML config file")
	fs.StringVar(&cf.network, "network", "", "unix or tcp")
	fs.StringVar(&cf.addr, "addr", "", "socket path or host:port")
	fs.DurationVar(&cf.timeout, "timeout", 30*time.Second, "per-exchange deadline")
	if err := fs.Parse(args); err != nil {
		return commonFlags{}, nil, err
	}
	return cf, fs.Args(), nil
}

func (cf commonFlags) clientConfig() (client.Config, error) {
	cfg, err := loadClientConfig(cf.configPath)
	if err != nil {
		return client.Config{}, err
	}
	if cf.network != "" {
		cfg.Network = cf.network
	}
	if cf.addr != "" {
		cfg.Address = cf.addr
		if cf.network == "" && strings.Contains(cf.addr, ":") {
			cfg.Network = "tcp"
		}
	}
	return cfg, nil
}

type versionInfo struct {
	Daemon  string
	Version string
	Sysname string
	Release string
	Machine string
}

func (v *versionInfo) UnmarshalVici(d *marshal.Decoder) error {
	d.String("daemon", &v.Daemon)
	d.String("version", &v.Version)
	d.String("sysname", &v.Sysname)
	d.String("release", &v.Release)
	d.String("machine", &v.Machine)
	return d.Err()
}

func runVersion(args []string) error {
	cf, _, err := parseCommon("version", args)
	if err != nil {
		return err
	}
	cfg, err := cf.clientConfig()
	if err != nil {
		return err
	}
	c, err := client.New(cfg)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), cf.timeout)
	defer cancel()
	s, err := c.Connect(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	var v versionInfo
	if err := s.Request(ctx, "version", nil, &v); err != nil {
		return err
	}
	fmt.Printf("%s %s (%s %s %s)\n", v.Daemon, v.Version, v.Sysname, v.Release, v.Machine)
	return nil
}

func runRaw(cmd string, args []string) error {
	cf, _, err := parseCommon(cmd, args)
	if err != nil {
		return err
	}
	cfg, err := cf.clientConfig()
	if err != nil {
		return err
	}
	c, err := client.New(cfg)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), cf.timeout)
	defer cancel()
	s, err := c.Connect(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	resp, err := s.RequestMessage(ctx, cmd, nil)
	if err != nil {
		return err
	}
	fmt.Print(renderMessage(resp))
	return nil
}

func runListSAs(args []string) error {
	cf, _, err := parseCommon("list-sas", args)
	if err != nil {
		return err
	}
	cfg, err := cf.clientConfig()
	if err != nil {
		return err
	}
	c, err := client.New(cfg)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), cf.timeout)
	defer cancel()
	s, err := c.Connect(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	return s.StreamRequest(ctx, "list-sas", "list-sa", nil, func(m *message.Message) error {
		fmt.Print(renderMessage(m))
		return nil
	})
}

func runMonitor(args []string) error {
	cf, rest, err := parseCommon("monitor", args)
	if err != nil {
		return err
	}
	if len(rest) != 1 {
		return fmt.Errorf("monitor: exactly one event name required")
	}
	event := rest[0]

	cfg, err := cf.clientConfig()
	if err != nil {
		return err
	}
	c, err := client.New(cfg)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	connectCtx, cancel := context.WithTimeout(ctx, cf.timeout)
	defer cancel()
	s, err := c.Connect(connectCtx)
	if err != nil {
		return err
	}
	defer s.Close()

	sub, err := s.Subscribe(connectCtx, event)
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			unregCtx, cancel := context.WithTimeout(context.Background(), cf.timeout)
			defer cancel()
			sub.Close()
			return s.UnregisterEvent(unregCtx, event)
		case m, ok := <-sub.Messages():
			if !ok {
				return nil
			}
			fmt.Printf("[%s]\n%s", event, renderMessage(m))
		}
	}
}

// renderMessage prints the element tree with two-space indentation per
// nesting level.
func renderMessage(m *message.Message) string {
	var b strings.Builder
	depth := 0
	indent := func() string { return strings.Repeat("  ", depth) }
	for _, el := range m.Elements() {
		switch el.Tag {
		case message.TagSectionStart:
			fmt.Fprintf(&b, "%s%s {\n", indent(), el.Name)
			depth++
		case message.TagSectionEnd:
			depth--
			fmt.Fprintf(&b, "%s}\n", indent())
		case message.TagKeyValue:
			fmt.Fprintf(&b, "%s%s = %s\n", indent(), el.Name, el.Value)
		case message.TagListStart:
			fmt.Fprintf(&b, "%s%s = [\n", indent(), el.Name)
			depth++
		case message.TagListItem:
			fmt.Fprintf(&b, "%s%s\n", indent(), el.Value)
		case message.TagListEnd:
			depth--
			fmt.Fprintf(&b, "%s]\n", indent())
		}
	}
	return b.String()
}
