package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/VanDung-dev/eventnet/api"
	"github.com/VanDung-dev/eventnet/config"
	"github.com/VanDung-dev/eventnet/logging"
	"github.com/VanDung-dev/eventnet/relay"
	"github.com/VanDung-dev/eventnet/telemetry"
)

var (
	relayListen []string
	relayAdmin  string
)

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Run the central relay",
	Long: `Run the relay that accepts node sessions and routes networked events.

Listen addresses take a scheme: tcp, tls, ws, wss, zmq, grpc or grpcs.
Secure schemes need tls.cert_file and tls.key_file.`,
	RunE: runRelay,
}

func init() {
	relayCmd.Flags().StringSliceVarP(&relayListen, "listen", "l", nil, "Listen addresses (repeatable)")
	relayCmd.Flags().StringVar(&relayAdmin, "admin", "", "Admin HTTP address, empty keeps the configured one")
}

func runRelay(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadRelay(configPath)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("listen") {
		cfg.Relay.Listen = relayListen
	}
	if relayAdmin != "" {
		cfg.Admin.Listen = relayAdmin
	}
	applyLogFlags(&cfg.Log)
	log := logging.Component("cmd.relay")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, "eventnet-relay", cfg.Telemetry)
	if err != nil {
		return err
	}

	if cfg.Relay.TLS, err = cfg.TLS.Server(); err != nil {
		return err
	}

	srv := relay.NewServer(cfg.Relay)
	if err := srv.Start(ctx); err != nil {
		return err
	}

	var admin *api.Server
	if cfg.Admin.Listen != "" {
		admin = api.NewServer(cfg.Admin.Listen, api.WithPeers(srv))
		if err := admin.Start(); err != nil {
			_ = srv.Close()
			return err
		}
	}

	events, err := srv.ServerEvents(ctx)
	if err != nil {
		_ = srv.Close()
		return err
	}
	go func() {
		for ev := range events {
			log.Debug().
				Stringer("sender", ev.Metadata.Sender).
				Str("type", ev.TypeName).
				Uint64("seq", ev.Metadata.Sequence).
				Int("bytes", len(ev.Payload)).
				Msg("to-server event")
		}
	}()

	log.Info().Strs("listen", srv.Addrs()).Str("version", Version).Msg("relay running")
	<-ctx.Done()
	log.Info().Msg("shutting down relay")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if admin != nil {
		if err := admin.Stop(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("admin shutdown")
		}
	}
	err = srv.Close()
	if terr := shutdownTracing(shutdownCtx); terr != nil {
		log.Warn().Err(terr).Msg("tracing shutdown")
	}
	return err
}
