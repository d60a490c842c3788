package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/MarcoPoloResearchLab/notipy/internal/app"
	"github.com/MarcoPoloResearchLab/notipy/internal/auth"
	"github.com/MarcoPoloResearchLab/notipy/internal/config"
	"github.com/MarcoPoloResearchLab/notipy/internal/logging"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "notipy-api",
		Short:         "Mirrors page-store database changes into chat channels",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context(), "serve")
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newIssueTokenCommand(), newSweepCommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("database-driver", defaults.GetString("database.driver"), "Database driver (sqlite, mysql)")
	cmd.PersistentFlags().String("database-dsn", defaults.GetString("database.dsn"), "Database DSN or SQLite path")
	cmd.PersistentFlags().String("signing-secret", "", "Service token signing secret (overrides env)")
	cmd.PersistentFlags().String("bot-token", "", "Channel platform bot token (overrides env)")
	cmd.PersistentFlags().Duration("reconcile-interval", defaults.GetDuration("reconciler.interval"), "Interval between reconciliation runs")
	cmd.PersistentFlags().Int("retry-ceiling", defaults.GetInt("reconciler.retry_ceiling"), "Consecutive failed runs before a database is skipped (0 = never)")
	cmd.PersistentFlags().String("redis-url", "", "Redis URL for the cross-replica reconcile lease")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "database.driver", "database-driver")
	bindFlag(cmd, "database.dsn", "database-dsn")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "channels.bot_token", "bot-token")
	bindFlag(cmd, "reconciler.interval", "reconcile-interval")
	bindFlag(cmd, "reconciler.retry_ceiling", "retry-ceiling")
	bindFlag(cmd, "redis.url", "redis-url")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func newIssueTokenCommand() *cobra.Command {
	var subject string
	cmd := &cobra.Command{
		Use:   "issue-token",
		Short: "Print a service token for the internal API",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
				SigningSecret: []byte(appConfig.SigningSecret),
				Issuer:        appConfig.TokenIssuer,
				Audience:      appConfig.TokenAudience,
				TokenTTL:      appConfig.TokenTTL,
			})
			if err != nil {
				return err
			}
			issued, err := issuer.IssueServiceToken(subject)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), issued.Token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "Name of the caller the token is issued to")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}

func newSweepCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Remove inactive servers once and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), cmd.Name(), func(ctx context.Context, application *app.App, logger *zap.Logger) error {
				removed, err := application.SweepInactive(ctx)
				logger.Info("sweep finished", zap.Int("removed", len(removed)), zap.String("server_ids", strings.Join(removed, ",")))
				return err
			})
		},
	}
}

func runServer(ctx context.Context, command string) error {
	signalCtx, stop := signal.NotifyContext(contextOrBackground(ctx), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return withApp(signalCtx, command, func(ctx context.Context, application *app.App, _ *zap.Logger) error {
		return application.Serve(ctx)
	})
}

func withApp(ctx context.Context, command string, run func(context.Context, *app.App, *zap.Logger) error) error {
	ctx = contextOrBackground(ctx)
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(logging.Options{Level: appConfig.LogLevel, Command: command})
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	application, err := app.New(ctx, appConfig, logger, app.Options{})
	if err != nil {
		return err
	}
	runErr := run(ctx, application, logger)
	if err := application.Shutdown(context.Background()); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

func contextOrBackground(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}
