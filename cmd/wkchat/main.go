package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/wkchat/wkchat/internal/profile"
	"github.com/wkchat/wkchat/server"
	"github.com/wkchat/wkchat/store"
	"github.com/wkchat/wkchat/store/db"
)

var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "wkchat",
	Short: "Chat event core bridging a wkteam gateway, a JSON snapshot store and an AI auto-reply lane",
	Run: func(_ *cobra.Command, _ []string) {
		p := &profile.Profile{
			Mode:                 viper.GetString("mode"),
			Addr:                 viper.GetString("addr"),
			Port:                 viper.GetInt("port"),
			Data:                 viper.GetString("data"),
			Version:              version,
			APIToken:             viper.GetString("api-token"),
			LoginPassword:        viper.GetString("login-password"),
			WebhookSecret:        viper.GetString("webhook-secret"),
			WebhookIPAllowlist:   splitList(viper.GetString("webhook-ip-allowlist")),
			WebhookRatePerMinute: viper.GetInt("webhook-rate-per-minute"),
			CORSOrigins:          splitList(viper.GetString("cors-origins")),
			BodyLimit:            viper.GetString("body-limit"),
			DataURLMaxBytes:      viper.GetInt64("dataurl-max-bytes"),
			AIBaseURL:            viper.GetString("ai-base-url"),
			AIAPIKey:             viper.GetString("ai-api-key"),
			AIModel:              viper.GetString("ai-model"),
			AITimeout:            viper.GetDuration("ai-timeout"),
			AISystemPrompt:       viper.GetString("ai-system-prompt"),
			UpstreamBaseURL:      viper.GetString("upstream-base-url"),
			UpstreamAuthHeader:   viper.GetString("upstream-auth-header"),
			UpstreamAuthValue:    viper.GetString("upstream-auth-value"),
			UpstreamTimeout:      viper.GetDuration("upstream-timeout"),
			CatalogPath:          viper.GetString("catalog-path"),
		}
		if p.Data != "" {
			if err := os.MkdirAll(p.Data, 0o755); err != nil {
				fmt.Printf("failed to create data directory, error: %+v\n", err)
				return
			}
		}
		if err := p.Validate(); err != nil {
			fmt.Printf("failed to validate profile, error: %+v\n", err)
			return
		}

		logger := newLogger(p)
		slog.SetDefault(logger)

		st := store.New(db.NewFileDriver(p.DBPath()), logger)

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		s, err := server.NewServer(ctx, p, st, logger)
		if err != nil {
			logger.Error("failed to create server", slog.String("error", err.Error()))
			return
		}

		errCh := make(chan error, 1)
		go func() {
			errCh <- s.Start(ctx)
		}()

		select {
		case <-ctx.Done():
			logger.Info("shutdown signal received")
		case err := <-errCh:
			if err != nil {
				logger.Error("server stopped", slog.String("error", err.Error()))
			}
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		s.Shutdown(shutdownCtx)
	},
}

func newLogger(p *profile.Profile) *slog.Logger {
	if p.IsDev() {
		return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
}

// splitList parses a comma-separated env value into its entries.
func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.String("mode", "demo", `mode of the server, can be "prod", "dev" or "demo"`)
	flags.String("addr", "", "address of the server")
	flags.Int("port", 8787, "port of the server")
	flags.String("data", "", "data directory")

	for _, name := range []string{"mode", "addr", "port", "data"} {
		if err := viper.BindPFlag(name, flags.Lookup(name)); err != nil {
			panic(err)
		}
	}

	viper.SetDefault("mode", "demo")
	viper.SetDefault("port", 8787)
	viper.SetEnvPrefix("wkchat")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
