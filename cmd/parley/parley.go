// Program parley runs a standalone signaling server: it accepts websocket
// connections carrying peerId/roomId query parameters, registers each
// connection as a peer in its room, and relays notifications between the
// peers of a room.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/creachadair/command"
	"github.com/creachadair/flax"
	"github.com/parleyproto/parley"
	"github.com/parleyproto/parley/session"
	"github.com/parleyproto/parley/socket"
	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"
)

var flags struct {
	Config  string `flag:"config,Path to a YAML configuration file"`
	Listen  string `flag:"listen,default=:4443,Service address (host:port)"`
	Verbose bool   `flag:"v,Enable debug logging"`
}

func main() {
	root := &command.C{
		Name: filepath.Base(os.Args[0]),
		Help: "A standalone signaling server for collaborative sessions.",

		SetFlags: command.Flags(flax.MustBind, &flags),
		Commands: []*command.C{
			{
				Name: "serve",
				Help: `Run the signaling server.

Clients connect over websocket offering the "parley" subprotocol, with
peerId and roomId query parameters naming the connection's identity. The
first join for a room id creates the room; notifications from one peer
are relayed to every other peer of its room.
`,
				Run: runServe,
			},
			command.VersionCommand(),
			command.HelpCommand(nil),
		},
	}
	command.RunOrFail(root.NewEnv(nil).MergeFlags(true), os.Args[1:])
}

// config is the YAML configuration file schema. Values given on the command
// line take precedence over the file.
type config struct {
	Listen string `yaml:"listen"`

	TLS struct {
		CertFile string `yaml:"certFile"`
		KeyFile  string `yaml:"keyFile"`
	} `yaml:"tls"`

	// ReadLimit caps the size of one inbound frame in bytes (0 = no limit).
	ReadLimit int64 `yaml:"readLimit"`

	// PingInterval is the keepalive interval as a duration string, for
	// example "30s". Empty disables keepalive pings.
	PingInterval string `yaml:"pingInterval"`

	// UpgradeRate caps accepted upgrades per second, with UpgradeBurst as
	// the burst size (0 = unlimited).
	UpgradeRate  float64 `yaml:"upgradeRate"`
	UpgradeBurst int     `yaml:"upgradeBurst"`

	// MaxPeersPerRoom caps room membership (0 = no limit).
	MaxPeersPerRoom int `yaml:"maxPeersPerRoom"`
}

func loadConfig(path string) (*config, error) {
	cfg := new(config)
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

func runServe(env *command.Env) error {
	cfg, err := loadConfig(flags.Config)
	if err != nil {
		return err
	}
	listen := flags.Listen
	if cfg.Listen != "" {
		listen = cfg.Listen
	}
	var ping time.Duration
	if cfg.PingInterval != "" {
		ping, err = time.ParseDuration(cfg.PingInterval)
		if err != nil {
			return fmt.Errorf("parse pingInterval: %w", err)
		}
	}

	level := slog.LevelInfo
	if flags.Verbose {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(log)

	dir := session.NewDirectory(&session.DirectoryOptions{
		Log: log,
		Room: &parley.RoomOptions{
			Log:      log,
			Peer:     &parley.PeerOptions{Log: log},
			MaxPeers: cfg.MaxPeersPerRoom,
		},
	})
	defer dir.Close()

	acc := socket.NewAcceptor(&socket.AcceptorOptions{
		Log: log,
		Transport: &socket.TransportOptions{
			Log:          log,
			ReadLimit:    cfg.ReadLimit,
			PingInterval: ping,
		},
		UpgradeRate:  rate.Limit(cfg.UpgradeRate),
		UpgradeBurst: cfg.UpgradeBurst,
	})
	acc.HandleConnection(func(cr *socket.ConnRequest) { handleConnection(log, dir, cr) })

	mux := http.NewServeMux()
	mux.Handle("/", acc)
	srv := &http.Server{Addr: listen, Handler: mux}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	errc := make(chan error, 1)
	go func() {
		log.Info("server listening", "address", listen, "tls", cfg.TLS.CertFile != "")
		if cfg.TLS.CertFile != "" {
			errc <- srv.ListenAndServeTLS(cfg.TLS.CertFile, cfg.TLS.KeyFile)
		} else {
			errc <- srv.ListenAndServe()
		}
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		log.Info("signal received, shutting down")
	}
	sctx, scancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer scancel()
	if err := srv.Shutdown(sctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// handleConnection resolves one upgrade request into a room membership and
// wires the relay.
func handleConnection(log *slog.Logger, dir *session.Directory, cr *socket.ConnRequest) {
	id, err := session.ParseIdentity(cr.Request.URL.Query())
	if err != nil {
		cr.Reject(http.StatusBadRequest, err.Error())
		return
	}

	tr, err := cr.Accept()
	if err != nil {
		log.Warn("upgrade failed", "room", id.RoomID, "peer", id.PeerID, "err", err)
		return
	}
	m, err := dir.Join(id, tr)
	if err != nil {
		log.Warn("join failed", "room", id.RoomID, "peer", id.PeerID, "err", err)
		return
	}
	wirePeer(log, m)
}

// wirePeer attaches the relay behavior to a freshly joined peer:
// notifications fan out to the rest of the room, and the roster is available
// by request.
func wirePeer(log *slog.Logger, m *session.Membership) {
	room, peer := m.Room, m.Peer

	peer.OnNotification(func(n *parley.Notification) {
		for _, other := range room.Peers() {
			if other.ID() == peer.ID() {
				continue
			}
			if err := other.Notify(n.Method, n.Data); err != nil {
				log.Debug("relay failed", "method", n.Method, "to", other.ID(), "err", err)
			}
		}
	})

	peer.HandleRequest(func(req *parley.Request, accept func(map[string]any), reject func(int, string)) {
		switch req.Method {
		case "peers":
			var ids []any
			for _, other := range room.Peers() {
				ids = append(ids, other.ID())
			}
			accept(map[string]any{"peers": ids})
		default:
			reject(404, fmt.Sprintf("unknown method %q", req.Method))
		}
	})
}
