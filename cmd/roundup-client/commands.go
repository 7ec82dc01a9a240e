package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/roundup/client/internal/auth"
	"github.com/MarcoPoloResearchLab/roundup/client/internal/config"
	"github.com/MarcoPoloResearchLab/roundup/client/internal/game"
	"github.com/MarcoPoloResearchLab/roundup/client/internal/identity"
	"github.com/MarcoPoloResearchLab/roundup/client/internal/logging"
	"github.com/MarcoPoloResearchLab/roundup/client/internal/mockbackend"
	"github.com/MarcoPoloResearchLab/roundup/client/internal/queue"
	"github.com/MarcoPoloResearchLab/roundup/client/internal/snapshot"
)

const (
	mockTokenIssuer   = "roundup-mock"
	mockTokenAudience = "roundup-client"
	shutdownTimeout   = 10 * time.Second
)

type statusReport struct {
	Queue     queue.Status   `json:"queue"`
	Snapshots snapshot.Stats `json:"snapshots"`
	Failed    []queue.Action `json:"failed,omitempty"`
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show queued actions, cached records and connectivity",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApplication(cmd.Context())
			if err != nil {
				return err
			}
			defer app.close()

			status, err := app.session.Status(cmd.Context())
			if err != nil {
				return err
			}
			stats, err := app.snapshots.Stats(cmd.Context())
			if err != nil {
				return err
			}
			failed, err := app.queue.Failed(cmd.Context())
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), statusReport{Queue: status, Snapshots: stats, Failed: failed})
		},
	}
}

func newSyncCommand() *cobra.Command {
	var (
		watch    bool
		retryIDs []string
	)
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Replay queued actions against the backend",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApplication(cmd.Context())
			if err != nil {
				return err
			}
			defer app.close()

			for _, actionID := range retryIDs {
				if err := app.queue.Retry(cmd.Context(), actionID); err != nil {
					return err
				}
			}
			if watch {
				return runWatch(cmd.Context(), app)
			}
			if !app.monitor.Online() {
				return fmt.Errorf("backend %s is unreachable; queued actions were kept", app.config.BackendURL)
			}
			result, err := app.session.SyncNow(cmd.Context())
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), result)
		},
	}
	cmd.Flags().BoolVar(&watch, "watch", false, "Keep running and replay the queue whenever the backend becomes reachable")
	cmd.Flags().StringSliceVar(&retryIDs, "retry", nil, "Reset abandoned actions with these ids before syncing")
	return cmd
}

func runWatch(ctx context.Context, app *application) error {
	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go app.monitor.Watch(signalCtx, app.client.Ping, app.config.ProbeInterval)
	go app.queue.Run(signalCtx)

	if app.monitor.Online() {
		if _, err := app.session.SyncNow(signalCtx); err != nil {
			app.logger.Warn("initial sync failed", zap.Error(err))
		}
	}
	app.logger.Info("watching connectivity", zap.Duration("probe_interval", app.config.ProbeInterval))
	<-signalCtx.Done()
	return nil
}

func newScoreCommand() *cobra.Command {
	var (
		sessionID     string
		participantID string
		hole          int
		strokes       int
	)
	cmd := &cobra.Command{
		Use:   "score",
		Short: "Record a score, queueing it when the backend is unreachable",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApplication(cmd.Context())
			if err != nil {
				return err
			}
			defer app.close()

			current, err := app.session.Start(cmd.Context(), "")
			if err != nil {
				return err
			}
			if sessionID == "" {
				sessionID = current.SessionID
			}
			if participantID == "" {
				participantID = current.DeviceID
			}
			result, err := app.session.RecordScore(cmd.Context(), game.Score{
				SessionID:     sessionID,
				ParticipantID: participantID,
				HoleNumber:    hole,
				Strokes:       strokes,
			})
			if err != nil {
				return err
			}
			if result.Failure != nil {
				return errors.New(result.Failure.UserMessage)
			}
			return writeJSON(cmd.OutOrStdout(), result)
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "Session id (defaults to the current identity's session)")
	cmd.Flags().StringVar(&participantID, "participant", "", "Participant id (defaults to the device id)")
	cmd.Flags().IntVar(&hole, "hole", 0, "Hole number")
	cmd.Flags().IntVar(&strokes, "strokes", 0, "Stroke count")
	_ = cmd.MarkFlagRequired("hole")
	_ = cmd.MarkFlagRequired("strokes")
	return cmd
}

type identityReport struct {
	Identity identity.LocalIdentity `json:"identity"`
	Offline  bool                   `json:"offline"`
}

func newIdentityCommand() *cobra.Command {
	var (
		displayName string
		joinID      string
		reset       bool
	)
	cmd := &cobra.Command{
		Use:   "identity",
		Short: "Show, create or reset the local session identity",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApplication(cmd.Context())
			if err != nil {
				return err
			}
			defer app.close()

			if reset {
				if err := app.session.Logout(cmd.Context()); err != nil {
					return err
				}
			}
			current, err := app.session.Start(cmd.Context(), displayName)
			if err != nil {
				return err
			}
			if joinID != "" {
				if err := app.identity.JoinContext(cmd.Context(), joinID); err != nil {
					return err
				}
				current.ActiveContextID = joinID
			}
			return writeJSON(cmd.OutOrStdout(), identityReport{Identity: current, Offline: current.Offline()})
		},
	}
	cmd.Flags().StringVar(&displayName, "name", "", "Display name used when a new session is created")
	cmd.Flags().StringVar(&joinID, "join", "", "Record this session as the active context")
	cmd.Flags().BoolVar(&reset, "reset", false, "Clear the local identity before resolving a new one")
	return cmd
}

func newMockBackendCommand() *cobra.Command {
	var address string
	cmd := &cobra.Command{
		Use:   "mock-backend",
		Short: "Serve an in-memory session backend for local development",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			if address != "" {
				appConfig.MockAddress = address
			}
			if err := appConfig.ValidateMock(); err != nil {
				return err
			}
			logger, err := logging.NewLogger(appConfig.LogLevel)
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
				SigningSecret: []byte(appConfig.MockSigningSecret),
				Issuer:        mockTokenIssuer,
				Audience:      mockTokenAudience,
			})
			if err != nil {
				return err
			}
			server, err := mockbackend.New(mockbackend.Dependencies{TokenIssuer: issuer, Logger: logger})
			if err != nil {
				return err
			}
			return serve(cmd.Context(), appConfig.MockAddress, server.Handler(), logger)
		},
	}
	cmd.Flags().StringVar(&address, "address", "", "Listen address (overrides mock.address)")
	return cmd
}

func serve(ctx context.Context, address string, handler http.Handler, logger *zap.Logger) error {
	httpServer := &http.Server{
		Addr:    address,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("mock backend starting", zap.String("address", address))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
