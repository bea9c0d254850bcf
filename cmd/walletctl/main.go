// walletctl talks to a running walletbridge as either a page or a wallet UI.
//
// Usage:
//
//	walletctl request -origin https://app.example -method personal_sign -params '["0x48656c6c6f","0x..."]'
//	walletctl list
//	walletctl approve -id <token> [-result '"0x..."'] [-request '{"method":...}']
//	walletctl reject -id <token>
//	walletctl watch
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/HsiangNianian/walletbridge/internal/approval"
	"github.com/HsiangNianian/walletbridge/internal/messenger"
	"github.com/HsiangNianian/walletbridge/internal/protocol"
	"github.com/HsiangNianian/walletbridge/internal/provider"
	"github.com/HsiangNianian/walletbridge/internal/rpc"
	"github.com/HsiangNianian/walletbridge/internal/store"
	"github.com/HsiangNianian/walletbridge/internal/transport"
	"github.com/rs/zerolog"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: walletctl <request|list|approve|reject|watch> [flags]")
		os.Exit(2)
	}
	cmd, args := os.Args[1], os.Args[2:]

	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	addr := fs.String("addr", "ws://localhost:8545", "walletbridge base URL")
	token := fs.String("token", os.Getenv("WALLET_AUTH_TOKEN"), "Wallet UI bearer token")
	timeout := fs.Duration("timeout", 5*time.Minute, "How long to wait for a response")
	verbose := fs.Bool("v", false, "Debug logging")
	origin := fs.String("origin", "https://localhost", "Page origin (request)")
	method := fs.String("method", "", "RPC method (request)")
	params := fs.String("params", "[]", "RPC params as a JSON array (request)")
	id := fs.String("id", "", "Pending request token (approve, reject)")
	result := fs.String("result", "", "JSON result handed to the page (approve)")
	mutated := fs.String("request", "", "Replacement request as {\"method\",\"params\"} JSON (approve)")
	_ = fs.Parse(args)

	level := zerolog.InfoLevel
	if *verbose {
		level = zerolog.DebugLevel
	}
	logger := zerolog.New(zerolog.NewConsoleWriter()).Level(level).With().Timestamp().Str("component", "walletctl").Logger()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch cmd {
	case "request":
		err = runRequest(ctx, logger, *addr, *origin, *method, *params, *timeout)
	case "list", "approve", "reject", "watch":
		var m *messenger.Messenger
		m, err = dialWallet(ctx, logger, *addr, *token, *timeout)
		if err != nil {
			break
		}
		defer m.Close()
		switch cmd {
		case "list":
			err = runList(ctx, m)
		case "approve":
			err = runApprove(ctx, m, *id, *result, *mutated)
		case "reject":
			err = runReject(ctx, m, *id)
		case "watch":
			runWatch(ctx, logger, m)
		}
	default:
		err = fmt.Errorf("unknown command %q", cmd)
	}
	if err != nil {
		logger.Error().Err(err).Str("command", cmd).Msg("failed")
		os.Exit(1)
	}
}

// consolePage stands in for a browser page: it logs what the provider does to it.
type consolePage struct {
	log zerolog.Logger
}

func (p consolePage) Bind(name string, _ any) { p.log.Debug().Str("global", name).Msg("provider bound") }

func (p consolePage) DispatchEvent(name string) { p.log.Debug().Str("event", name).Msg("page event") }

func runRequest(ctx context.Context, logger zerolog.Logger, addr, origin, method, params string, timeout time.Duration) error {
	header := http.Header{}
	header.Set("Origin", origin)
	tr, err := transport.Dial(ctx, string(protocol.ChannelBackgroundInpage), addr+"/ws/inpage", header, logger)
	if err != nil {
		return err
	}
	m := messenger.New(tr, messenger.WithTimeout(timeout), messenger.WithLogger(logger))
	defer m.Close()
	tr.Start()

	shim := provider.New(m, origin, logger)
	provider.Inject(consolePage{log: logger}, shim)

	raw, err := shim.Request(ctx, method, json.RawMessage(params))
	if err != nil {
		return err
	}
	fmt.Println(string(raw))
	return nil
}

func dialWallet(ctx context.Context, logger zerolog.Logger, addr, token string, timeout time.Duration) (*messenger.Messenger, error) {
	tr, err := transport.Dial(ctx, string(protocol.ChannelBackgroundWallet), addr+"/ws/wallet", transport.BearerHeader(token), logger)
	if err != nil {
		return nil, err
	}
	m := messenger.New(tr, messenger.WithTimeout(timeout), messenger.WithLogger(logger))
	tr.Start()
	return m, nil
}

func runList(ctx context.Context, m *messenger.Messenger) error {
	records, err := messenger.Call[[]store.Record](ctx, m, protocol.TopicPendingRequestsList, nil)
	if err != nil {
		return err
	}
	for _, rec := range records {
		account, _ := rpc.Account(rec.Request)
		fmt.Printf("%s\t%s\t%s\t%s\t%s\n", rec.Token, rec.Request.Method(), account.Hex(), rec.Origin, rec.CreatedAt.Format(time.RFC3339))
	}
	return nil
}

func runApprove(ctx context.Context, m *messenger.Messenger, id, result, mutated string) error {
	params := approval.ApproveParams{Token: store.Token(id)}
	if result != "" {
		if !json.Valid([]byte(result)) {
			return fmt.Errorf("result is not valid json")
		}
		params.Result = json.RawMessage(result)
	}
	if mutated != "" {
		var call rpc.Call
		if err := json.Unmarshal([]byte(mutated), &call); err != nil {
			return fmt.Errorf("parse request: %w", err)
		}
		params.Request = &call
	}
	res, err := messenger.Call[store.Resolution](ctx, m, protocol.TopicPendingRequestApprove, params)
	if err != nil {
		return err
	}
	fmt.Println(res.Status)
	return nil
}

func runReject(ctx context.Context, m *messenger.Messenger, id string) error {
	res, err := messenger.Call[store.Resolution](ctx, m, protocol.TopicPendingRequestReject, approval.RejectParams{Token: store.Token(id)})
	if err != nil {
		return err
	}
	fmt.Println(res.Status)
	return nil
}

func runWatch(ctx context.Context, logger zerolog.Logger, m *messenger.Messenger) {
	m.On(protocol.TopicPendingRequestsChange, func(json.RawMessage) {
		logger.Info().Msg("pending requests changed")
	})
	m.On(protocol.TopicCacheInvalidate, func(payload json.RawMessage) {
		logger.Info().RawJSON("payload", payload).Msg("cache invalidated")
	})
	select {
	case <-ctx.Done():
	case <-m.Done():
		logger.Warn().Msg("bridge closed the channel")
	}
}
