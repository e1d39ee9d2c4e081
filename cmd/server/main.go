// agentflow-control-plane is the control plane for a multi-tenant
// Agent-as-a-Service platform: token verification, the identity store,
// the agent catalog, the deployment engine, and the conversation hub.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/agentflow/control-plane/internal/authn"
	"github.com/agentflow/control-plane/internal/catalog"
	"github.com/agentflow/control-plane/internal/config"
	"github.com/agentflow/control-plane/internal/conversation"
	"github.com/agentflow/control-plane/internal/dbstore"
	"github.com/agentflow/control-plane/internal/deployment"
	"github.com/agentflow/control-plane/internal/httpapi"
	"github.com/agentflow/control-plane/internal/identity"
	"github.com/agentflow/control-plane/internal/telemetry"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	if os.Getenv("AGENTFLOW_LOG_FORMAT") == "json" {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	} else {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}

	root := &cobra.Command{
		Use:   "control-plane",
		Short: "agentflow control plane",
	}
	root.AddCommand(serveCmd())
	root.AddCommand(migrateCmd())

	if err := root.Execute(); err != nil {
		log.Fatal().Err(err).Msg("command failed")
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "apply pending database migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			if err := dbstore.Migrate(cfg.Database.URL, cfg.Database.MigrationsPath); err != nil {
				return err
			}
			log.Info().Msg("migrations applied")
			return nil
		},
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "run the control plane HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context())
		},
	}
}

func serve(ctx context.Context) error {
	cfg := config.Load()

	if err := dbstore.Migrate(cfg.Database.URL, cfg.Database.MigrationsPath); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}

	pool, err := dbstore.Open(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("open database pool: %w", err)
	}
	defer pool.Close()

	shutdownTelemetry, err := telemetry.Init(cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}

	// ── Identity Store (C2) ──────────────────────────────────────
	identityStore := identity.NewPgStore(pool)
	machineSigner := authn.NewMachineSigner(cfg.Auth)
	provider := identity.NewProviderClient(cfg.Identity.ProviderBaseURL)
	identitySvc := identity.NewService(identityStore, provider, machineSigner)
	identityHandlers := identity.NewHandlers(identitySvc)

	userVerifier, err := authn.NewUserVerifier(ctx, cfg.Auth)
	if err != nil {
		return fmt.Errorf("init user token verifier: %w", err)
	}
	verifier := authn.NewVerifier(cfg.Auth, machineSigner, userVerifier, identitySvc)

	var bootstrapDone atomic.Bool
	creds, err := identity.Bootstrap(ctx, log.Logger, identityStore, cfg.Identity.AdminEmail, cfg.Identity.SelfClientName, cfg.Identity.CredentialsPath)
	if err != nil {
		return fmt.Errorf("identity bootstrap: %w", err)
	}
	log.Info().Str("client_id", creds.ClientID).Msg("bootstrap complete")
	bootstrapDone.Store(true)

	// ── Agent Catalog (C3) ───────────────────────────────────────
	catalogStore := catalog.NewPgStore(pool)
	catalogSvc := catalog.NewService(catalogStore)
	catalogHandlers := catalog.NewHandlers(catalogSvc)

	// ── Deployment Engine (C4) ───────────────────────────────────
	deployStore := deployment.NewPgStore(pool)
	deployEngine := deployment.NewEngine(deployStore)
	deployHandlers := deployment.NewHandlers(deployEngine, catalogSvc)

	registry := deployment.NewHTTPRegistry(cfg.Deploy.RegistryHost)
	builds := []deployment.BuildStrategy{
		deployment.NewCIBuildStrategy(cfg.Deploy.CIBaseURL, cfg.Deploy.CIToken, cfg.Deploy.RegistryHost, cfg.Deploy.PollMinInterval, cfg.Deploy.PollMaxInterval, cfg.Deploy.StageTimeout),
		deployment.NewHostedBuildStrategy(cfg.Deploy.HostedBuildURL, cfg.Deploy.CIToken, cfg.Deploy.RegistryHost, cfg.Deploy.PollMinInterval, cfg.Deploy.PollMaxInterval, cfg.Deploy.StageTimeout),
	}
	deploys := []deployment.DeployStrategy{
		deployment.NewServerlessDeployStrategy(cfg.Deploy.PlatformBaseURL, cfg.Deploy.PlatformToken, cfg.Deploy.PollMinInterval, cfg.Deploy.PollMaxInterval, cfg.Deploy.StageTimeout),
		deployment.NewClusterDeployStrategy(cfg.Deploy.PlatformBaseURL, cfg.Deploy.PlatformToken, "agentflow", cfg.Deploy.PollMinInterval, cfg.Deploy.PollMaxInterval, cfg.Deploy.StageTimeout),
	}
	pipeline := deployment.NewPipeline(deployStore, registry, cfg.Deploy.RegistryHost, builds, deploys)

	workerCfg := deployment.DefaultWorkerConfig()
	workerCfg.PipelineTimeout = cfg.Deploy.PipelineTimeout
	workerCfg.LeaseDuration = cfg.Deploy.LeaseDuration
	loadVersionConfig := deployment.AgentVersionConfigLoader(catalogSvc.GetVersionConfig)

	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	defer cancelWorkers()
	for i := 0; i < cfg.Deploy.WorkerCount; i++ {
		w := deployment.NewWorker(deployStore, pipeline, loadVersionConfig, workerCfg, log.Logger)
		go w.Run(workerCtx)
	}

	// ── Conversation Hub (C5) ────────────────────────────────────
	hub := conversation.NewHub()
	convStore := conversation.NewPgStore(pool)
	runtimeClient := conversation.NewRuntimeClient()
	mint := func(clientID string, roles, permissions []string) (string, error) {
		token, _, err := machineSigner.Mint(clientID, roles, permissions)
		return token, err
	}
	convSvc := conversation.NewService(convStore, hub, deployEngine, runtimeClient, mint, cfg.Conversation.PersistAssistantTurns, log.Logger)
	convHandlers := conversation.NewHandlers(convSvc)

	handler := httpapi.New(httpapi.Deps{
		Config:        cfg,
		Pool:          pool,
		Verifier:      verifier,
		Identity:      identityHandlers,
		Catalog:       catalogHandlers,
		Deployment:    deployHandlers,
		Conversation:  convHandlers,
		BootstrapDone: bootstrapDone.Load,
	})

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Int("port", cfg.Port).Msg("control plane listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errCh:
		log.Error().Err(err).Msg("server error")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	cancelWorkers()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http shutdown")
	}
	if err := shutdownTelemetry(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("telemetry shutdown")
	}
	return nil
}
