package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/danmuck/muxsession/internal/config"
	"github.com/danmuck/muxsession/internal/logging"
	"github.com/danmuck/muxsession/internal/mux"
	"github.com/danmuck/muxsession/internal/protocol/envelope"
	"github.com/danmuck/muxsession/internal/registry"
)

var ErrUsage = errors.New("usage")

const usage = `usage: muxctl [flags] <command> [args]

commands:
  get-service <name>                 resolve name on the peer
  has-service <name>                 check name on the peer
  release <service> <object>         release a remote object
  call <service> <object> [payload]  send a request and print the reply
  listen <service> <object> <event>  subscribe and print events until interrupted
`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	logging.ConfigureRuntime()
	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		if errors.Is(err, ErrUsage) {
			fmt.Fprint(os.Stderr, usage)
		}
		fmt.Fprintf(os.Stderr, "muxctl: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("muxctl", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	path := fs.String("config", "", "client config path")
	addr := fs.String("addr", "", "session address (host:port or ws:// URL)")
	peer := fs.String("peer", "", "peer name sent in hello")
	token := fs.String("token", "", "hello token")
	timeout := fs.Duration("timeout", 5*time.Second, "per-command timeout")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", ErrUsage, err)
	}
	rest := fs.Args()
	if len(rest) == 0 {
		return fmt.Errorf("%w: missing command", ErrUsage)
	}

	cfg := config.DefaultClientConfig()
	if *path != "" {
		loaded, err := config.LoadClientConfig(*path)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if *addr != "" {
		cfg.Address = *addr
	}
	if *peer != "" {
		cfg.Peer = *peer
	}
	if *token != "" {
		cfg.Token = *token
	}

	cmd, err := parseCommand(rest)
	if err != nil {
		return err
	}

	dialCtx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()
	sess, err := mux.Dial(dialCtx, mux.ClientConfig{
		Address: cfg.Address,
		Peer:    cfg.Peer,
		Token:   cfg.Token,
		Session: cfg.Session,
	})
	if err != nil {
		return err
	}
	defer sess.Close()

	if cmd.name == "listen" {
		return listen(ctx, sess, cmd, out)
	}
	callCtx, cancelCall := context.WithTimeout(ctx, *timeout)
	defer cancelCall()
	return cmd.exec(callCtx, sess, out)
}

type command struct {
	name    string
	service string
	target  envelope.Target
	event   envelope.EventID
	payload []byte
}

func parseCommand(args []string) (command, error) {
	cmd := command{name: args[0]}
	operands := args[1:]
	switch cmd.name {
	case "get-service", "has-service":
		if len(operands) != 1 {
			return command{}, fmt.Errorf("%w: %s <name>", ErrUsage, cmd.name)
		}
		cmd.service = operands[0]
	case "release":
		if len(operands) != 2 {
			return command{}, fmt.Errorf("%w: release <service> <object>", ErrUsage)
		}
		t, err := parseTarget(operands[0], operands[1])
		if err != nil {
			return command{}, err
		}
		cmd.target = t
	case "call":
		if len(operands) < 2 || len(operands) > 3 {
			return command{}, fmt.Errorf("%w: call <service> <object> [payload]", ErrUsage)
		}
		t, err := parseTarget(operands[0], operands[1])
		if err != nil {
			return command{}, err
		}
		cmd.target = t
		if len(operands) == 3 {
			cmd.payload = []byte(operands[2])
		}
	case "listen":
		if len(operands) != 3 {
			return command{}, fmt.Errorf("%w: listen <service> <object> <event>", ErrUsage)
		}
		t, err := parseTarget(operands[0], operands[1])
		if err != nil {
			return command{}, err
		}
		ev, err := parseU32("event", operands[2])
		if err != nil {
			return command{}, err
		}
		cmd.target = t
		cmd.event = envelope.EventID(ev)
	default:
		return command{}, fmt.Errorf("%w: unknown command %q", ErrUsage, cmd.name)
	}
	return cmd, nil
}

func (c command) exec(ctx context.Context, sess *mux.Session, out io.Writer) error {
	switch c.name {
	case "get-service":
		id, ok, err := sess.GetService(ctx, c.service)
		if err != nil {
			return err
		}
		if !ok {
			fmt.Fprintf(out, "%s: not found\n", c.service)
			return nil
		}
		fmt.Fprintf(out, "%s: %d\n", c.service, id)
	case "has-service":
		ok, err := sess.HasService(ctx, c.service)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%s: %t\n", c.service, ok)
	case "release":
		ok, err := sess.ReleaseRemote(ctx, c.target)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "release %s: %t\n", c.target, ok)
	case "call":
		resp, err := sess.Call(ctx, c.target, c.payload)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%s\n", resp)
	}
	return nil
}

func listen(ctx context.Context, sess *mux.Session, c command, out io.Writer) error {
	key := envelope.EventKey{Service: c.target.Service, Object: c.target.Object, Event: c.event}
	events := make(chan envelope.Envelope, 16)
	sink := registry.SinkFunc(func(env envelope.Envelope) {
		select {
		case events <- env:
		case <-ctx.Done():
		}
	})
	subCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	h, err := sess.Subscribe(subCtx, key, sink)
	cancel()
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "listening on %s\n", key)
	for {
		select {
		case env := <-events:
			fmt.Fprintf(out, "%s %s\n", key, env.Content)
		case <-sess.Done():
			return nil
		case <-ctx.Done():
			uctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			_ = sess.Unsubscribe(uctx, key, h)
			return nil
		}
	}
}

func parseTarget(service, object string) (envelope.Target, error) {
	s, err := parseU32("service", service)
	if err != nil {
		return envelope.Target{}, err
	}
	o, err := parseU32("object", object)
	if err != nil {
		return envelope.Target{}, err
	}
	return envelope.Target{Service: envelope.ServiceID(s), Object: envelope.ObjectID(o)}, nil
}

func parseU32(what, raw string) (uint32, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid %s %q", ErrUsage, what, raw)
	}
	return uint32(v), nil
}
