package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/shelf/internal/auth"
	"github.com/MarcoPoloResearchLab/shelf/internal/config"
	"github.com/MarcoPoloResearchLab/shelf/internal/database"
	"github.com/MarcoPoloResearchLab/shelf/internal/logging"
	"github.com/MarcoPoloResearchLab/shelf/internal/rows"
	"github.com/MarcoPoloResearchLab/shelf/internal/server"
	"github.com/MarcoPoloResearchLab/shelf/internal/users"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the remote store REST API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}
}

func newTokenCommand() *cobra.Command {
	var provider, subject, email, displayName string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an access token for a login",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServer(func(appConfig config.ServerConfig, db *gorm.DB, logger *zap.Logger) error {
				identities, err := users.NewService(users.ServiceConfig{Database: db})
				if err != nil {
					return err
				}
				userID, err := identities.ResolveUserID(cmd.Context(), users.Login{
					Provider:    provider,
					Subject:     subject,
					Email:       email,
					DisplayName: displayName,
				})
				if err != nil {
					return err
				}
				issuer, err := newTokenIssuer(appConfig)
				if err != nil {
					return err
				}
				token, expiresIn, err := issuer.IssueToken(cmd.Context(), userID)
				if err != nil {
					return err
				}
				logger.Info("token issued", zap.String("user_id", userID), zap.Int64("expires_in", expiresIn))
				_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
				return err
			})
		},
	}
	cmd.Flags().StringVar(&provider, "provider", "", "Login provider (defaults to local)")
	cmd.Flags().StringVar(&subject, "subject", "", "Provider subject, optionally prefixed with provider:")
	cmd.Flags().StringVar(&email, "email", "", "Login email, used as subject when none is given")
	cmd.Flags().StringVar(&displayName, "name", "", "Display name")
	return cmd
}

func newTokenIssuer(appConfig config.ServerConfig) (*auth.TokenIssuer, error) {
	return auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(strings.TrimSpace(appConfig.SigningSecret)),
		Issuer:        appConfig.TokenIssuer,
		Audience:      appConfig.TokenAudience,
		TokenTTL:      appConfig.TokenTTL,
	})
}

func withServer(run func(config.ServerConfig, *gorm.DB, *zap.Logger) error) error {
	appConfig, err := config.LoadServer(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogEncoding)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenRemote(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	return run(appConfig, db, logger)
}

func runServer(ctx context.Context) error {
	return withServer(func(appConfig config.ServerConfig, db *gorm.DB, logger *zap.Logger) error {
		tokenManager, err := newTokenIssuer(appConfig)
		if err != nil {
			return err
		}

		rowsService, err := rows.NewService(rows.ServiceConfig{
			Database:   db,
			Clock:      time.Now,
			IDProvider: rows.NewUUIDProvider(),
			Logger:     logger,
		})
		if err != nil {
			return err
		}

		handler, err := server.NewHTTPHandler(server.Dependencies{
			Tokens: tokenManager,
			Rows:   rowsService,
			Logger: logger,
		})
		if err != nil {
			return err
		}

		httpServer := &http.Server{
			Addr:              appConfig.HTTPAddress,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
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
	})
}
