package node

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/hashicorp/go-sockaddr"
	"github.com/mr-tron/base58"
	rungroup "github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/valmesh/valmesh/committee"
	"github.com/valmesh/valmesh/discovery"
	"github.com/valmesh/valmesh/node/admin"
	"github.com/valmesh/valmesh/node/config"
	"github.com/valmesh/valmesh/peernet"
	valmeshconfig "github.com/valmesh/valmesh/pkg/config"
	"github.com/valmesh/valmesh/pkg/log"
)

func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "node",
		Short: "start a node",
		Long: `Start a node.

The node joins the validator overlay by dialling the configured seed
peers, then gossips its peer directory with connected peers each tick to
discover the rest of the overlay. The trusted peer set is re-derived from
the validator committee at each epoch boundary.

Examples:
  # Start a node listening for peer connections on :9090.
  valmesh node --network.bind-addr :9090

  # Start a node and bootstrap off existing peers.
  valmesh node --p2p.seed-peers /dns/seed1.valmesh.io/tcp/9090

  # Require a seed peer to authenticate as a known identity.
  valmesh node --p2p.seed-peers 4XTTM4K8sqTb7xYviJJcRDJ5W6XqZssil3wFxoprnf7a@/dns/seed1.valmesh.io/tcp/9090
`,
	}

	conf := config.Default()

	var configPath string
	cmd.Flags().StringVar(
		&configPath,
		"config.path",
		"",
		`
YAML config file path.`,
	)

	var configExpandEnv bool
	cmd.Flags().BoolVar(
		&configExpandEnv,
		"config.expand-env",
		false,
		`
Whether to expand environment variables in the config file.

This will replaces references to ${VAR} or $VAR with the corresponding
environment variable. The replacement is case-sensitive.

References to undefined variables will be replaced with an empty string. A
default value can be given using form ${VAR:default}.`,
	)

	// Register flags and set default values.
	conf.RegisterFlags(cmd.Flags())

	cmd.Run = func(cmd *cobra.Command, args []string) {
		if configPath != "" {
			if err := valmeshconfig.Load(conf, configPath, configExpandEnv); err != nil {
				fmt.Printf("load config: %s\n", err.Error())
				os.Exit(1)
			}
		}

		if err := conf.Validate(); err != nil {
			fmt.Printf("invalid config: %s\n", err.Error())
			os.Exit(1)
		}

		logger, err := log.NewLogger(conf.Log.Level, conf.Log.Subsystems)
		if err != nil {
			fmt.Printf("failed to setup logger: %s\n", err.Error())
			os.Exit(1)
		}

		if conf.P2P.ExternalAddress == "" {
			externalAddress, err := externalAddressFromBindAddr(conf.Network.BindAddr)
			if err != nil {
				logger.Error("invalid configuration", zap.Error(err))
				os.Exit(1)
			}
			conf.P2P.ExternalAddress = externalAddress
		}

		if err := run(conf, logger); err != nil {
			logger.Error("failed to run node", zap.Error(err))
			os.Exit(1)
		}
	}

	return cmd
}

func run(conf *config.Config, logger log.Logger) error {
	key, err := loadKey(conf.Network.KeyPath)
	if err != nil {
		return fmt.Errorf("load key: %w", err)
	}

	logger.Info(
		"starting valmesh node",
		zap.String("peer-id", peernet.PeerIDFromPublicKey(
			key.Public().(ed25519.PublicKey),
		).String()),
		zap.Any("conf", conf),
	)

	registry := prometheus.NewRegistry()

	adminLn, err := net.Listen("tcp", conf.Admin.BindAddr)
	if err != nil {
		return fmt.Errorf("admin listen: %s: %w", conf.Admin.BindAddr, err)
	}
	adminServer := admin.NewServer(registry, logger)

	peerLn, err := net.Listen("tcp", conf.Network.BindAddr)
	if err != nil {
		return fmt.Errorf("peer listen: %s: %w", conf.Network.BindAddr, err)
	}

	handler := peernet.NewHandler()
	network := peernet.NewNetwork(key, peerLn, handler, logger)
	network.Metrics().Register(registry)

	// The committee channel is fed by the epoch state collaborator; the
	// admin API exposes a publish endpoint for it.
	committeeChannel := committee.NewChannel()
	adminServer.AddStatus("/committee", committee.NewStatus(committeeChannel))

	disc := discovery.New(
		conf.P2P,
		network,
		handler,
		committeeChannel.Subscribe(),
		logger,
	)
	disc.Metrics().Register(registry)
	adminServer.AddStatus("/discovery", discovery.NewStatus(disc))

	var group rungroup.Group

	// Termination handler.
	signalCtx, signalCancel := context.WithCancel(context.Background())
	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGINT, syscall.SIGTERM)
	group.Add(func() error {
		select {
		case sig := <-signalCh:
			logger.Info(
				"received shutdown signal",
				zap.String("signal", sig.String()),
			)
			return nil
		case <-signalCtx.Done():
			return nil
		}
	}, func(error) {
		signalCancel()
	})

	// Peer listener.
	group.Add(func() error {
		if err := network.Serve(); err != nil {
			return fmt.Errorf("network serve: %w", err)
		}
		return nil
	}, func(error) {
		if err := network.Close(); err != nil {
			logger.Warn("failed to close network", zap.Error(err))
		}

		logger.Info("network shut down")
	})

	// Discovery event loop.
	group.Add(func() error {
		if err := disc.Run(); err != nil {
			return fmt.Errorf("discovery run: %w", err)
		}
		return nil
	}, func(error) {
		_ = disc.Close()

		logger.Info("discovery shut down")
	})

	// Committee reconfiguration listener.
	group.Add(func() error {
		if err := disc.RunReconfig(); err != nil {
			return fmt.Errorf("discovery reconfig: %w", err)
		}
		return nil
	}, func(error) {
		_ = disc.Close()
	})

	// Admin server.
	group.Add(func() error {
		if err := adminServer.Serve(adminLn); err != nil {
			return fmt.Errorf("admin server serve: %w", err)
		}
		return nil
	}, func(error) {
		shutdownCtx, cancel := context.WithTimeout(
			context.Background(),
			conf.GracefulShutdownTimeout,
		)
		defer cancel()

		if err := adminServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("failed to gracefully shutdown admin server", zap.Error(err))
		}

		logger.Info("admin server shut down")
	})

	if err := group.Run(); err != nil {
		return err
	}

	logger.Info("shutdown complete")

	return nil
}

// loadKey loads the node's base58 encoded ed25519 seed from the given
// path, or generates an ephemeral key if the path is empty.
func loadKey(path string) (ed25519.PrivateKey, error) {
	if path == "" {
		_, key, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("generate key: %w", err)
		}
		return key, nil
	}

	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key: %s: %w", path, err)
	}
	seed, err := base58.Decode(strings.TrimSpace(string(b)))
	if err != nil {
		return nil, fmt.Errorf("decode key: %s: %w", path, err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("invalid key: %s: expected %d byte seed", path, ed25519.SeedSize)
	}
	return ed25519.NewKeyFromSeed(seed), nil
}

// externalAddressFromBindAddr derives the multiaddr to advertise from
// the bind address when no external address is configured.
func externalAddressFromBindAddr(bindAddr string) (string, error) {
	if strings.HasPrefix(bindAddr, ":") {
		bindAddr = "0.0.0.0" + bindAddr
	}

	host, port, err := net.SplitHostPort(bindAddr)
	if err != nil {
		return "", fmt.Errorf("invalid bind addr: %s: %w", bindAddr, err)
	}

	if host == "0.0.0.0" {
		ip, err := sockaddr.GetPrivateIP()
		if err != nil {
			return "", fmt.Errorf("get interface addr: %w", err)
		}
		if ip == "" {
			return "", fmt.Errorf("no private ip found")
		}
		host = ip
	}

	if ip := net.ParseIP(host); ip != nil {
		if ip.To4() != nil {
			return fmt.Sprintf("/ip4/%s/tcp/%s", host, port), nil
		}
		return fmt.Sprintf("/ip6/%s/tcp/%s", host, port), nil
	}
	return fmt.Sprintf("/dns/%s/tcp/%s", host, port), nil
}
