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

	"github.com/MarcoPoloResearchLab/gravity-chat/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/gravity-chat/backend/internal/chats"
	"github.com/MarcoPoloResearchLab/gravity-chat/backend/internal/config"
	"github.com/MarcoPoloResearchLab/gravity-chat/backend/internal/logging"
	"github.com/MarcoPoloResearchLab/gravity-chat/backend/internal/placemigration"
	"github.com/MarcoPoloResearchLab/gravity-chat/backend/internal/server"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "chat-api",
		Short: "Gravity chat backend service",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newCopyChatCommand(), newMoveToPlaceCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-driver", defaults.GetString("database.driver"), "Database driver (sqlite, postgres)")
	cmd.PersistentFlags().String("database-dsn", defaults.GetString("database.dsn"), "Database data source name")
	cmd.PersistentFlags().String("cache-backend", defaults.GetString("cache.backend"), "View cache backend (memory, redis)")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Session signing secret (overrides env)")
	cmd.PersistentFlags().Int("batch-size", defaults.GetInt("migration.batch_size"), "Entries per chat copy batch")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.driver", "database-driver")
	bindFlag(cmd, "database.dsn", "database-dsn")
	bindFlag(cmd, "cache.backend", "cache-backend")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "migration.batch_size", "batch-size")
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

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	rt, err := newServices(ctx, appConfig, logger)
	if err != nil {
		return err
	}
	defer rt.Close()

	sessions, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.AuthSigningSecret),
		Issuer:        appConfig.AuthIssuer,
		CookieName:    appConfig.AuthCookieName,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Sessions: sessions,
		Users:    rt.users,
		Chats:    rt.chats,
		Copier:   rt.migration,
		Stream:   rt.dispatcher,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func newCopyChatCommand() *cobra.Command {
	var (
		chatID        string
		placeID       string
		correlationID string
		publish       bool
	)
	cmd := &cobra.Command{
		Use:   "copy-chat",
		Short: "Copy a chat into a place, resuming from the last checkpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrationCommand(cmd.Context(), func(ctx context.Context, rt *services) error {
				if correlationID == "" {
					correlationID = uuid.NewString()
				}
				result, err := rt.migration.CopyChat(ctx, placemigration.CopyChatCommand{
					ChatID:        chats.ChatID(chatID),
					PlaceID:       placeID,
					CorrelationID: correlationID,
				})
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "chat=%s correlation=%s changes=%t errors=%t last_entry=%d\n",
					result.NewChatID, correlationID, result.HasChanges, result.HasErrors, result.LastEntryLocalID)
				if result.HasErrors {
					return fmt.Errorf("copy of %s stopped at entry %d, re-run to resume", chatID, result.LastEntryLocalID)
				}
				if publish {
					chat, err := rt.migration.PublishCopiedChat(ctx, result.NewChatID)
					if err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "published=%s public=%t\n", chat.ID, chat.IsPublic)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&chatID, "chat", "", "Source chat id")
	cmd.Flags().StringVar(&placeID, "place", "", "Destination place id")
	cmd.Flags().StringVar(&correlationID, "correlation-id", "", "Correlation id recorded on the copy state")
	cmd.Flags().BoolVar(&publish, "publish", false, "Publish the copy once every entry is copied")
	_ = cmd.MarkFlagRequired("chat")
	_ = cmd.MarkFlagRequired("place")
	return cmd
}

func newMoveToPlaceCommand() *cobra.Command {
	var (
		chatID  string
		placeID string
	)
	cmd := &cobra.Command{
		Use:   "move-to-place",
		Short: "Move a group chat into a place, re-keying it in place",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrationCommand(cmd.Context(), func(ctx context.Context, rt *services) error {
				newID, err := rt.migration.MoveToPlace(ctx, placemigration.MoveToPlaceCommand{
					ChatID:  chats.ChatID(chatID),
					PlaceID: placeID,
				})
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "moved=%s\n", newID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&chatID, "chat", "", "Group chat id")
	cmd.Flags().StringVar(&placeID, "place", "", "Destination place id")
	_ = cmd.MarkFlagRequired("chat")
	_ = cmd.MarkFlagRequired("place")
	return cmd
}

func runMigrationCommand(ctx context.Context, run func(context.Context, *services) error) error {
	appConfig, err := config.LoadStore(viper.GetViper())
	if err != nil {
		return err
	}
	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	rt, err := newServices(ctx, appConfig, logger)
	if err != nil {
		return err
	}
	defer rt.Close()

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return run(signalCtx, rt)
}
