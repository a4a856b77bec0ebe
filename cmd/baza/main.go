package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mbme/arhiv-sub003/internal/auth"
	"github.com/mbme/arhiv-sub003/internal/config"
	"github.com/mbme/arhiv-sub003/internal/logging"
	"github.com/mbme/arhiv-sub003/internal/server"
	"github.com/mbme/arhiv-sub003/internal/store"
)

const shutdownTimeout = 10 * time.Second

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "baza",
		Short: "Personal document store with peer sync",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newTokenCommand(), newBackupCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newTokenCommand() *cobra.Command {
	var subject string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Print a bearer token for the local API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			tokens, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
				SigningSecret: []byte(appConfig.SyncSecret),
				Issuer:        appConfig.AppName,
			})
			if err != nil {
				return err
			}
			token, expiresAt, err := tokens.IssueAPIToken(cmd.Context(), subject, appConfig.APITokenTTL)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires at %s\n", expiresAt.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "cli", "Client name recorded in the token")
	return cmd
}

func newBackupCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "backup <dir>",
		Short: "Write a compressed database copy and the blobs into dir",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.Debug)
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			rt, err := openRuntime(cmd.Context(), appConfig, logger)
			if err != nil {
				return err
			}
			defer rt.Close() //nolint:errcheck

			report, err := rt.store.Backup(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\n%d blobs copied, %d already present\n",
				report.DatabaseFile, report.BlobsCopied, report.BlobsSkipped)
			return nil
		},
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	flags := cmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "Path to configuration file")
	flags.String("root-dir", defaults.GetString("root_dir"), "Directory holding the database and blobs")
	flags.String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	flags.StringSlice("allowed-origins", nil, "Browser origins allowed to call the local API")
	flags.String("log-level", defaults.GetString("log_level"), "Log level (debug, info, warn, error)")
	flags.String("app-name", defaults.GetString("app_name"), "Application name used for the schema and discovery")
	flags.Bool("debug", defaults.GetBool("debug"), "Debug mode: console logs and a separate discovery service")
	flags.Bool("prime", defaults.GetBool("prime"), "Run as the prime instance")
	flags.String("sync-secret", "", "Shared secret for peer tokens (overrides env)")
	flags.StringSlice("sync-peers", nil, "Static peer URLs")
	flags.Duration("sync-interval", defaults.GetDuration("sync.interval"), "Auto-sync period, negative disables the timer")
	flags.Bool("mdns", defaults.GetBool("sync.mdns"), "Discover peers and advertise over mDNS")
	flags.Duration("auto-commit-interval", defaults.GetDuration("auto_commit.interval"), "Quiet period before staged documents are committed")
	flags.Bool("metrics", defaults.GetBool("metrics.enabled"), "Expose prometheus metrics on /metrics")

	bindFlag(cmd, "root_dir", "root-dir")
	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "http.allowed_origins", "allowed-origins")
	bindFlag(cmd, "log_level", "log-level")
	bindFlag(cmd, "app_name", "app-name")
	bindFlag(cmd, "debug", "debug")
	bindFlag(cmd, "prime", "prime")
	bindFlag(cmd, "sync.secret", "sync-secret")
	bindFlag(cmd, "sync.peers", "sync-peers")
	bindFlag(cmd, "sync.interval", "sync-interval")
	bindFlag(cmd, "sync.mdns", "mdns")
	bindFlag(cmd, "auto_commit.interval", "auto-commit-interval")
	bindFlag(cmd, "metrics.enabled", "metrics")
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

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.Debug)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := openRuntime(signalCtx, appConfig, logger)
	if err != nil {
		return err
	}
	defer rt.Close() //nolint:errcheck

	services, err := newSyncServices(appConfig, rt, logger)
	if err != nil {
		return err
	}
	defer services.Close()

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Store:          rt.store,
		Tokens:         rt.tokens,
		Events:         rt.events,
		Metrics:        rt.metrics,
		SyncTrigger:    services.trigger(),
		Logger:         logger.Named("http"),
		AllowedOrigins: appConfig.AllowedOrigins,
	})
	if err != nil {
		return err
	}

	autoCommit, err := store.NewAutoCommitService(rt.store, appConfig.AutoCommitInterval, logger.Named("auto_commit"))
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	group, groupCtx := errgroup.WithContext(signalCtx)
	group.Go(func() error {
		logger.Info("server starting",
			zap.String("address", appConfig.HTTPAddress),
			zap.String("instance_id", rt.store.InstanceID().String()),
			zap.Bool("prime", appConfig.Prime))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		services.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	group.Go(func() error {
		return autoCommit.Run(groupCtx)
	})
	if services.scheduler != nil {
		group.Go(func() error {
			return services.scheduler.Run(groupCtx)
		})
	}
	if services.advertiser != nil {
		group.Go(func() error {
			if err := services.advertiser.Run(groupCtx); err != nil {
				logger.Warn("mdns advertising unavailable", zap.Error(err))
			}
			return nil
		})
	}

	return group.Wait()
}
