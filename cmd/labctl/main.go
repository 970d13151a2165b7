// Package main implements labctl, an interactive console for a labctrl
// server. Values are read through a client-side mirror, so repeated reads of
// watched channels stay local.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/ergochat/readline"
	"github.com/gorilla/websocket"

	"github.com/c360/labctrl/mirror"
	"github.com/c360/labctrl/mirror/wsclient"
	"github.com/c360/labctrl/pkg/tlsutil"
)

const appName = "labctl"

var completer = readline.NewPrefixCompleter(
	readline.PcItem("help"),
	readline.PcItem("sources"),
	readline.PcItem("get"),
	readline.PcItem("ages"),
	readline.PcItem("watch"),
	readline.PcItem("unwatch"),
	readline.PcItem("set"),
	readline.PcItem("call"),
	readline.PcItem("listen"),
	readline.PcItem("unlisten"),
	readline.PcItem("add"),
	readline.PcItem("exit"),
	readline.PcItem("quit"),
)

func filterInput(r rune) (rune, bool) {
	switch r {
	// block CtrlZ feature
	case readline.CharCtrlZ:
		return r, false
	}
	return r, true
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet(appName, flag.ContinueOnError)
	url := fs.String("url", getEnv("LABCTL_URL", "ws://localhost:8080/ws"), "Server websocket URL (env: LABCTL_URL)")
	token := fs.String("token", os.Getenv("LABCTL_TOKEN"), "Session token (env: LABCTL_TOKEN)")
	history := fs.String("history", defaultHistory(), "History file, empty to disable")
	timeout := fs.Duration("timeout", 10*time.Second, "Request timeout")
	verbose := fs.Bool("v", false, "Log connection events")
	caFile := fs.String("ca", "", "Additional CA certificate for wss:// servers")
	certFile := fs.String("cert", "", "Client certificate for servers requiring one")
	keyFile := fs.String("key", "", "Key of the client certificate")
	insecure := fs.Bool("insecure", false, "Skip server certificate verification")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return err
	}

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	opts := []wsclient.Option{wsclient.WithLogger(logger)}
	if *token != "" {
		opts = append(opts, wsclient.WithToken(*token))
	}
	if *caFile != "" || *certFile != "" || *insecure {
		tlsCfg := tlsutil.ClientConfig{CertFile: *certFile, KeyFile: *keyFile, InsecureSkipVerify: *insecure}
		if *caFile != "" {
			tlsCfg.CAFiles = []string{*caFile}
		}
		clientTLS, err := tlsutil.LoadClientConfig(tlsCfg)
		if err != nil {
			return err
		}
		opts = append(opts, wsclient.WithDialer(&websocket.Dialer{
			Proxy:            websocket.DefaultDialer.Proxy,
			HandshakeTimeout: *timeout,
			TLSClientConfig:  clientTLS,
		}))
	}
	dialCtx, cancel := context.WithTimeout(context.Background(), *timeout)
	client, err := wsclient.Dial(dialCtx, *url, opts...)
	cancel()
	if err != nil {
		return fmt.Errorf("connect to %s: %w", *url, err)
	}
	defer client.Close()

	m := mirror.New(client, logger)
	client.OnReconnect(func() {
		ctx, cancel := context.WithTimeout(context.Background(), *timeout)
		defer cancel()
		if err := m.Resubscribe(ctx); err != nil {
			logger.Warn("Failed to restore watches", "error", err)
		}
	})

	rl, err := readline.NewEx(&readline.Config{
		Prompt:              "labctl> ",
		HistoryFile:         *history,
		AutoComplete:        completer,
		InterruptPrompt:     "^C",
		EOFPrompt:           "exit",
		HistorySearchFold:   true,
		FuncFilterInputRune: filterInput,
	})
	if err != nil {
		return err
	}
	defer rl.Close()
	rl.CaptureExitSignal()

	con := newConsole(client, m, rl)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), *timeout)
		con.close(ctx)
		cancel()
	}()
	_, _ = fmt.Fprintf(rl, "connected to %s, type help for commands\n", *url)

	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			if len(line) == 0 {
				return nil
			}
			continue
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), *timeout)
		err = con.exec(ctx, line)
		cancel()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			_, _ = fmt.Fprintf(rl, "error: %v\n", err)
		}
	}
}

func defaultHistory() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".labctl_history")
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
