package commands

import (
	"bufio"
	"context"
	"errors"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/VanDung-dev/eventnet/api"
	"github.com/VanDung-dev/eventnet/bridge"
	"github.com/VanDung-dev/eventnet/config"
	"github.com/VanDung-dev/eventnet/eventbus"
	"github.com/VanDung-dev/eventnet/logging"
	"github.com/VanDung-dev/eventnet/network"
	"github.com/VanDung-dev/eventnet/relay"
	"github.com/VanDung-dev/eventnet/telemetry"
)

// Presence is broadcast by every demo node at a fixed interval.
type Presence struct {
	Name string `cbor:"1,keyasint"`
	Tick uint64 `cbor:"2,keyasint"`
}

// Chat carries one line typed on a node's stdin.
type Chat struct {
	Name string `cbor:"1,keyasint"`
	Text string `cbor:"2,keyasint"`
}

var (
	nodeRelay    string
	nodeID       string
	nodeToken    string
	nodeName     string
	nodeAnnounce time.Duration
	nodeChat     bool
)

var nodeCmd = &cobra.Command{
	Use:   "node",
	Short: "Run a demo node connected to a relay",
	Long: `Run a node that ticks an event bus, broadcasts presence events and
logs the events other nodes publish. With --chat, lines typed on stdin are
broadcast as chat events; a line "@<node-id> text" is sent only to that node.`,
	RunE: runNode,
}

func init() {
	nodeCmd.Flags().StringVarP(&nodeRelay, "relay", "r", "", "Relay address, e.g. tcp://127.0.0.1:7400")
	nodeCmd.Flags().StringVar(&nodeID, "node-id", "", "Decimal node id, random when empty")
	nodeCmd.Flags().StringVar(&nodeToken, "token", "", "Relay session token")
	nodeCmd.Flags().StringVar(&nodeName, "name", "", "Display name, defaults to the hostname")
	nodeCmd.Flags().DurationVar(&nodeAnnounce, "announce", time.Second, "Presence interval")
	nodeCmd.Flags().BoolVar(&nodeChat, "chat", false, "Broadcast stdin lines as chat events")
}

func runNode(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadNode(configPath)
	if err != nil {
		return err
	}
	if nodeRelay != "" {
		cfg.Network.Address = nodeRelay
	}
	if nodeID != "" {
		cfg.NodeID = nodeID
	}
	if nodeToken != "" {
		cfg.Client.Token = nodeToken
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	applyLogFlags(&cfg.Log)

	id, err := cfg.ID()
	if err != nil {
		return err
	}
	name := nodeName
	if name == "" {
		name, _ = os.Hostname()
	}
	log := logging.Component("cmd.node").With().Stringer("node", id).Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, "eventnet-node", cfg.Telemetry)
	if err != nil {
		return err
	}
	if cfg.Client.Transport.TLS, err = cfg.TLS.Client(); err != nil {
		return err
	}

	bus := eventbus.New()
	eventbus.MustDeclare[Presence](bus, "eventnet.presence", network.Broadcast())
	eventbus.MustDeclare[Chat](bus, "eventnet.chat", network.Broadcast())

	client := relay.NewClient(id, cfg.Client)
	svc := bridge.NewService(bus, client, cfg.Network)
	// The bus ticks while the relay is unreachable; networked events stay
	// local until a session is up.
	go func() {
		if err := svc.Start(ctx); err != nil && ctx.Err() == nil {
			log.Warn().Err(err).Msg("relay unreachable, running local-only")
		}
	}()

	var admin *api.Server
	if cfg.Admin.Listen != "" {
		admin = api.NewServer(cfg.Admin.Listen, api.WithStatus(svc))
		if err := admin.Start(); err != nil {
			_ = svc.Close()
			return err
		}
	}

	lines := make(chan string, 16)
	if nodeChat {
		go readLines(ctx, lines)
	}

	announceEvery := max(uint64(nodeAnnounce/cfg.TickRate), 1)
	step := func(ctx context.Context, tick uint64) {
		logRemote(log, bus)

		if tick%announceEvery == 0 {
			if err := eventbus.PublishNetworked(bus, Presence{Name: name, Tick: tick}); err != nil {
				log.Debug().Err(err).Msg("presence not sent")
			}
		}
	drain:
		for {
			select {
			case line := <-lines:
				publishChat(log, bus, name, line)
			default:
				break drain
			}
		}
	}

	log.Info().Str("relay", cfg.Network.Address).Str("name", name).Msg("node running")
	err = eventbus.NewLoop(bus, cfg.TickRate, step).Run(ctx)
	log.Info().Msg("shutting down node")
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if admin != nil {
		_ = admin.Stop(shutdownCtx)
	}
	if serr := svc.Close(); serr != nil {
		log.Warn().Err(serr).Msg("disconnect")
	}
	_ = shutdownTracing(shutdownCtx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func logRemote(log zerolog.Logger, bus *eventbus.Bus) {
	for p, origin := range eventbus.ReaderOf[Presence](bus).WithOrigin() {
		if origin == nil {
			continue
		}
		log.Debug().Stringer("from", origin.Sender).Str("name", p.Name).Uint64("tick", p.Tick).Msg("presence")
	}
	for c, origin := range eventbus.ReaderOf[Chat](bus).WithOrigin() {
		if origin == nil {
			continue
		}
		log.Info().Stringer("from", origin.Sender).Str("name", c.Name).Msg(c.Text)
	}
}

func publishChat(log zerolog.Logger, bus *eventbus.Bus, name, line string) {
	msg := Chat{Name: name, Text: line}
	var err error
	if target, text, ok := strings.Cut(line, " "); ok && strings.HasPrefix(target, "@") {
		id, perr := network.ParseNodeID(strings.TrimPrefix(target, "@"))
		if perr == nil {
			msg.Text = text
			err = eventbus.PublishScoped(bus, msg, network.Targeted(id))
		} else {
			err = eventbus.PublishNetworked(bus, msg)
		}
	} else {
		err = eventbus.PublishNetworked(bus, msg)
	}
	if err != nil {
		log.Warn().Err(err).Msg("chat not sent")
	}
}

func readLines(ctx context.Context, out chan<- string) {
	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		select {
		case out <- line:
		case <-ctx.Done():
			return
		}
	}
}
