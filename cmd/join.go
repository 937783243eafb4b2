package cmd

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/petervdpas/callmesh/internal/call"
	"github.com/petervdpas/callmesh/internal/config"
	"github.com/petervdpas/callmesh/internal/ice"
	"github.com/petervdpas/callmesh/internal/media"
	"github.com/petervdpas/callmesh/internal/p2p"
	"github.com/petervdpas/callmesh/internal/rtc"
	sig "github.com/petervdpas/callmesh/internal/signal"
	"github.com/petervdpas/callmesh/internal/state"
	"github.com/petervdpas/callmesh/internal/util"
)

var (
	joinRoom   string
	joinConfig string
	joinPort   int
)

var joinCmd = &cobra.Command{
	Use:   "join",
	Short: "Join a call room and stay in it until interrupted",
	Long: `Join starts the local node, enters the given room, and negotiates a
media session with every other participant. While in the call:

  m<enter>  toggle mute
  c<enter>  toggle camera
  q<enter>  leave`,
	RunE: runJoin,
}

func init() {
	joinCmd.Flags().StringVarP(&joinRoom, "room", "r", "", "room identifier (default: a fresh random room)")
	joinCmd.Flags().StringVar(&joinConfig, "config", defaultConfigPath(), "path to the config file")
	joinCmd.Flags().IntVarP(&joinPort, "port", "p", 0, "libp2p listen port (0 = ephemeral)")
	rootCmd.AddCommand(joinCmd)
}

func defaultConfigPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = "."
	}
	return filepath.Join(dir, "callmesh", "config.json")
}

func runJoin(cmd *cobra.Command, _ []string) error {
	room := joinRoom
	if room == "" {
		room = "room-" + uuid.NewString()[:8]
	}
	room, err := util.ValidateRoomName(room)
	if err != nil {
		return err
	}

	cfg, err := config.Load(joinConfig)
	if err != nil {
		return err
	}
	port := cfg.P2P.ListenPort
	if joinPort != 0 {
		port = joinPort
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	node, err := p2p.New(ctx, port, cfg.Identity.KeyFile, cfg.P2P.MdnsTag)
	if err != nil {
		return fmt.Errorf("start node: %w", err)
	}
	defer node.Close()

	bus := sig.NewPubSubBus(
		node.PubSub,
		cfg.Presence.TopicPrefix,
		time.Duration(cfg.Presence.TTLSec)*time.Second,
		time.Duration(cfg.Presence.HeartbeatSec)*time.Second,
	)

	var resolver ice.Resolver
	switch {
	case cfg.ICE.ResolverURL != "":
		resolver = &ice.HTTPResolver{URL: cfg.ICE.ResolverURL}
	case len(cfg.ICE.STUNURLs) > 0:
		resolver = ice.Static{{URLs: cfg.ICE.STUNURLs}}
	default:
		resolver = ice.Static(nil)
	}

	ctrl := call.New(room, node.ID(), bus, resolver, media.NewDeviceCapturer(), rtc.NewPion)

	events := ctrl.Subscribe()
	defer ctrl.Unsubscribe(events)
	go func() {
		for evt := range events {
			switch evt.Type {
			case state.EventUpdate:
				fmt.Printf("participant %s is sending media\n", shortID(evt.ID))
			case state.EventRemove:
				fmt.Printf("participant %s left\n", shortID(evt.ID))
			}
		}
	}()

	if err := ctrl.Start(ctx); err != nil {
		return err
	}
	defer ctrl.End()

	fmt.Printf("in call: room %q as %s\n", room, shortID(node.ID()))
	for _, a := range node.Addrs() {
		fmt.Printf("  listening on %s\n", a)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	lines := make(chan string)
	go func() {
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
		close(lines)
	}()

	for {
		select {
		case <-sigCh:
			return nil
		case line, ok := <-lines:
			if !ok {
				<-sigCh
				return nil
			}
			switch line {
			case "m":
				fmt.Printf("muted: %v\n", ctrl.ToggleMute())
			case "c":
				fmt.Printf("camera off: %v\n", ctrl.ToggleCamera())
			case "q":
				return nil
			}
		}
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
