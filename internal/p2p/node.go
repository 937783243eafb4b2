// Package p2p runs the libp2p host that carries room signaling. It owns the
// persistent node identity, LAN discovery, and the GossipSub router handed
// to the signal bus. The node's peer id string is the local participant
// identity everywhere above this layer.
package p2p

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"

	logging "github.com/ipfs/go-log/v2"
	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	manet "github.com/multiformats/go-multiaddr/net"

	"github.com/petervdpas/callmesh/internal/util"
)

func init() {
	// Silence noisy libp2p subsystems; dial failures and backoff errors go
	// to stderr by default and pollute terminal output.
	logging.SetLogLevel("swarm2", "error")
	logging.SetLogLevel("pubsub", "warn")
	logging.SetLogLevel("autonat", "warn")
}

// Node is a running libp2p host with a GossipSub router.
type Node struct {
	Host   host.Host
	PubSub *pubsub.PubSub

	mdns mdns.Service
}

type mdnsNotifee struct {
	h host.Host
}

func (n *mdnsNotifee) HandlePeerFound(pi peer.AddrInfo) {
	ctx, cancel := context.WithTimeout(context.Background(), util.DefaultConnectTimeout)
	defer cancel()
	_ = n.h.Connect(ctx, pi)
}

// loadOrCreateKey loads a persistent identity key from disk, or generates a
// new Ed25519 key and saves it on first run.
func loadOrCreateKey(keyFile string) (crypto.PrivKey, bool, error) {
	data, err := os.ReadFile(keyFile)
	if err == nil {
		priv, err := crypto.UnmarshalPrivateKey(data)
		if err == nil {
			return priv, false, nil
		}
		log.Printf("WARNING: corrupt identity key at %s: %v (generating new key)", keyFile, err)
	}

	priv, _, err := crypto.GenerateEd25519Key(nil)
	if err != nil {
		return nil, false, err
	}

	raw, err := crypto.MarshalPrivateKey(priv)
	if err != nil {
		return nil, false, fmt.Errorf("marshal identity key: %w", err)
	}

	if dir := filepath.Dir(keyFile); dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, false, fmt.Errorf("create key directory: %w", err)
		}
	}

	if err := os.WriteFile(keyFile, raw, 0600); err != nil {
		return nil, false, fmt.Errorf("save identity key: %w", err)
	}

	return priv, true, nil
}

// New starts a host listening on listenPort with the identity at keyFile,
// LAN discovery via mDNS under mdnsTag, and a GossipSub router.
func New(ctx context.Context, listenPort int, keyFile, mdnsTag string) (*Node, error) {
	priv, isNew, err := loadOrCreateKey(keyFile)
	if err != nil {
		return nil, err
	}
	if isNew {
		log.Printf("Generated new identity key: %s", keyFile)
	} else {
		log.Printf("Loaded identity key: %s", keyFile)
	}

	h, err := libp2p.New(
		libp2p.Identity(priv),
		libp2p.ListenAddrStrings(fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", listenPort)),
	)
	if err != nil {
		return nil, err
	}

	md := mdns.NewMdnsService(h, mdnsTag, &mdnsNotifee{h: h})
	if err := md.Start(); err != nil {
		_ = h.Close()
		return nil, err
	}

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		_ = h.Close()
		return nil, err
	}

	log.Printf("P2P: node %s listening on port %d", h.ID().String()[:8], listenPort)
	return &Node{Host: h, PubSub: ps, mdns: md}, nil
}

// ID returns the node's peer id string, the local participant identity.
func (n *Node) ID() string {
	return n.Host.ID().String()
}

// Addrs returns the host's multiaddresses, excluding loopback and
// link-local addresses.
func (n *Node) Addrs() []string {
	var out []string
	for _, a := range n.Host.Addrs() {
		ip, err := manet.ToIP(a)
		if err != nil {
			continue
		}
		if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
			continue
		}
		out = append(out, a.String())
	}
	return out
}

// Close shuts down discovery and the host.
func (n *Node) Close() error {
	if n.mdns != nil {
		_ = n.mdns.Close()
	}
	return n.Host.Close()
}
