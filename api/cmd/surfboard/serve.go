package surfboard

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/helixml/surfboard/api/pkg/auth"
	"github.com/helixml/surfboard/api/pkg/cloud"
	"github.com/helixml/surfboard/api/pkg/config"
	"github.com/helixml/surfboard/api/pkg/ollama"
	"github.com/helixml/surfboard/api/pkg/proxy"
	"github.com/helixml/surfboard/api/pkg/scheduler"
	"github.com/helixml/surfboard/api/pkg/server"
)

func newServeCmd() *cobra.Command {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the surfboard api server.",
		Long:  "Start the surfboard api server.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadServerConfig()
			if err != nil {
				return fmt.Errorf("failed to load server config: %v", err)
			}
			if err := serve(cmd, cfg); err != nil {
				log.Fatal().Err(err).Msg("failed to run server")
			}
			return nil
		},
	}
	return serveCmd
}

func setLogLevel(level string) {
	parsed, err := zerolog.ParseLevel(level)
	if err != nil {
		log.Warn().Str("level", level).Msg("invalid log level, using info")
		parsed = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(parsed)
}

func serve(cmd *cobra.Command, cfg config.ServerConfig) error {
	setLogLevel(cfg.LogLevel)

	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	keyStore, err := auth.NewKeyStore(cfg.Auth.APIKeysFile)
	if err != nil {
		return fmt.Errorf("failed to load API keys: %w", err)
	}
	defer keyStore.Close()

	cloudClient := cloud.NewClient(cfg.Cloud)
	registry := scheduler.NewRegistry(cfg.Scheduler.SlotsPerWorker, cfg.Scheduler.WorkerPort)

	added, err := registry.DiscoverAndSeed(ctx, cloudClient)
	if err != nil {
		return fmt.Errorf("initial workspace discovery failed: %w", err)
	}
	log.Info().Int("workers", added).Msg("initial discovery complete")

	locker := scheduler.NewUserLocker(cfg.Scheduler.UserLockTimeout)
	controller, err := scheduler.NewController(cfg.Scheduler, registry, cloudClient, ollama.NewClient(), locker)
	if err != nil {
		return err
	}

	inferenceProxy := proxy.New(cfg.Scheduler, registry, controller, locker)

	apiServer, err := server.NewServer(cfg, registry, controller, inferenceProxy, cloudClient, keyStore)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return controller.Start(gctx)
	})
	g.Go(func() error {
		return apiServer.ListenAndServe(gctx)
	})

	return g.Wait()
}
