package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kong"

	"potluck-proxy-go/internal/apiclient"
)

// Set by goreleaser ldflags.
var version = "dev"

type CLI struct {
	BaseURL  string           `kong:"required,name='base-url',env='POTLUCK_BASE_URL',help='Proxy endpoint URL.'"`
	Origin   string           `kong:"required,env='POTLUCK_ORIGIN',help='Origin presented to the proxy.'"`
	Timeout  time.Duration    `kong:"default='30s',help='Per-request HTTP timeout.'"`
	LogLevel string           `kong:"name='log-level',default='info',enum='debug,info,warn,error',help='Log level.'"`
	Version  kong.VersionFlag `kong:"help='Print version and exit.'"`

	List   listCmd   `kong:"cmd,help='List recorded contributions.'"`
	Submit submitCmd `kong:"cmd,help='Submit a contribution.'"`
}

type listCmd struct{}

func (listCmd) Run(ctx context.Context, api *apiclient.Client) error {
	items, err := api.Contributions(ctx)
	if err != nil {
		return err
	}
	return printJSON(items)
}

type submitCmd struct {
	Nom         string `kong:"required,help='Guest name.'"`
	Email       string `kong:"required,help='Contact email.'"`
	Categorie   string `kong:"required,enum='sale,sucre,soft,alco',help='Category: sale, sucre, soft or alco.'"`
	Detail      string `kong:"required,help='What is being brought.'"`
	Portions    string `kong:"required,help='Number of portions (1-100).'"`
	NbPersonnes string `kong:"name='nb-personnes',required,help='Number of people (1-20).'"`
	Telephone   string `kong:"help='Optional 10-digit phone number.'"`
}

func (s *submitCmd) Run(ctx context.Context, api *apiclient.Client) error {
	env, err := api.SubmitContribution(ctx, &apiclient.ContributionForm{
		Nom:         s.Nom,
		Email:       s.Email,
		Categorie:   s.Categorie,
		Detail:      s.Detail,
		Portions:    s.Portions,
		NbPersonnes: s.NbPersonnes,
		Telephone:   s.Telephone,
	})
	if err != nil {
		return err
	}
	return printJSON(env)
}

func main() {
	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("potluck-client"),
		kong.Description("Command-line client for the potluck form backend."),
		kong.Vars{"version": version},
	)

	logger := newLogger(cli.LogLevel)
	api, err := apiclient.New(apiclient.Config{
		BaseURL:    cli.BaseURL,
		Origin:     cli.Origin,
		HTTPClient: &http.Client{Timeout: cli.Timeout},
	}, logger)
	kctx.FatalIfErrorf(err)

	api.OnReady(func() { logger.Debug("csrf token acquired") })
	api.OnError(func(err error) { logger.Error("client not ready", "err", err) })

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	kctx.BindTo(ctx, (*context.Context)(nil))
	if err := kctx.Run(api); err != nil {
		logger.Error("command failed", "command", kctx.Command(), "err", err)
		stop()
		os.Exit(1)
	}
}

func newLogger(level string) *slog.Logger {
	lvl := slog.LevelInfo
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}
