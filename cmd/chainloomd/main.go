package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/chainloom/chainloom"
)

type envConfig struct {
	LogLevel   string `env:"CHAINLOOM_LOG_LEVEL"   envDefault:"info"`
	NodeName   string `env:"CHAINLOOM_NODE_NAME"`
	BindAddr   string `env:"CHAINLOOM_BIND_ADDR"   envDefault:"0.0.0.0"`
	GossipPort int    `env:"CHAINLOOM_GOSSIP_PORT" envDefault:"7946"`
	DataPort   int    `env:"CHAINLOOM_DATA_PORT"   envDefault:"7401"`

	Neighbours []string `env:"CHAINLOOM_NEIGHBOURS" envSeparator:","`

	Model     string `env:"CHAINLOOM_MODEL"`
	NumBlocks int    `env:"CHAINLOOM_NUM_BLOCKS"`

	// BlockStart/BlockEnd pin the served span; leave both unset to let the
	// node pick the least-covered span of AutoBlocks blocks.
	BlockStart int `env:"CHAINLOOM_BLOCK_START" envDefault:"-1"`
	BlockEnd   int `env:"CHAINLOOM_BLOCK_END"   envDefault:"-1"`
	AutoBlocks int `env:"CHAINLOOM_AUTO_BLOCKS" envDefault:"0"`

	TLSCert string `env:"CHAINLOOM_TLS_CERT"`
	TLSKey  string `env:"CHAINLOOM_TLS_KEY"`
	TLSCA   string `env:"CHAINLOOM_TLS_CA"`

	AnnounceInterval time.Duration `env:"CHAINLOOM_ANNOUNCE_INTERVAL" envDefault:"15s"`
	AnnounceTTL      time.Duration `env:"CHAINLOOM_ANNOUNCE_TTL"      envDefault:"45s"`
	StepTimeout      time.Duration `env:"CHAINLOOM_STEP_TIMEOUT"      envDefault:"30s"`
	SessionTTL       time.Duration `env:"CHAINLOOM_SESSION_TTL"       envDefault:"30m"`
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "chainloomd",
		Short: "Chainloom Daemon",
		Long:  `Chainloom Daemon joins a swarm and serves a span of model blocks.`,
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Join the swarm and serve blocks",
		Long:  `Join the swarm and serve blocks, configured through CHAINLOOM_* environment variables.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context())
		},
	}
	rootCmd.AddCommand(serveCmd)

	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}

func serve(ctx context.Context) error {
	cfg := envConfig{}
	if err := env.Parse(&cfg); err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	logHandler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	})
	logger := slog.New(logHandler)
	slog.SetDefault(logger)

	if cfg.Model == "" || cfg.NumBlocks <= 0 {
		return fmt.Errorf("CHAINLOOM_MODEL and CHAINLOOM_NUM_BLOCKS are required to serve")
	}

	tlsConf, err := loadTLS(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	swarm, err := chainloom.Create(
		chainloom.WithNodeName(cfg.NodeName),
		chainloom.WithListenOn(cfg.BindAddr, cfg.GossipPort, cfg.DataPort),
		chainloom.WithModel(cfg.Model, cfg.NumBlocks),
		chainloom.WithTlsConfig(tlsConf),
		chainloom.WithLog(logHandler),
		chainloom.WithNeighbours(cfg.Neighbours),
		chainloom.WithAnnounceInterval(cfg.AnnounceInterval),
		chainloom.WithAnnounceTTL(cfg.AnnounceTTL),
		chainloom.WithStepTimeout(cfg.StepTimeout),
		chainloom.WithSessionTTL(cfg.SessionTTL),
	)
	if err != nil {
		return fmt.Errorf("failed to create swarm: %w", err)
	}

	if err := swarm.JoinCluster(); err != nil {
		swarm.Shutdown()
		return err
	}

	span := chainloom.Span{Start: cfg.BlockStart, End: cfg.BlockEnd}
	if cfg.BlockStart < 0 || cfg.BlockEnd < 0 {
		want := cfg.AutoBlocks
		if want <= 0 {
			want = cfg.NumBlocks
		}
		pickCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		span, err = swarm.AutoSpan(pickCtx, want)
		cancel()
		if err != nil {
			swarm.Shutdown()
			return fmt.Errorf("failed to pick a block span: %w", err)
		}
		logger.Info("auto-selected block span", "span", span.String())
	}

	// No model runtime is wired into the daemon yet, blocks pass
	// activations through unchanged.
	// TODO: load a BlockExecutor from a plugin once one exists.
	logger.Warn("serving with the passthrough executor")
	if err := swarm.Serve(chainloom.PassthroughExecutor{}, span); err != nil {
		swarm.Shutdown()
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("signal received, leaving the swarm")
		return swarm.Shutdown()
	})
	return g.Wait()
}

func loadTLS(cfg envConfig) (*tls.Config, error) {
	if cfg.TLSCert == "" || cfg.TLSKey == "" || cfg.TLSCA == "" {
		return nil, fmt.Errorf("CHAINLOOM_TLS_CERT, CHAINLOOM_TLS_KEY and CHAINLOOM_TLS_CA are required")
	}

	cert, err := tls.LoadX509KeyPair(cfg.TLSCert, cfg.TLSKey)
	if err != nil {
		return nil, fmt.Errorf("failed to load node key pair: %w", err)
	}

	caPEM, err := os.ReadFile(cfg.TLSCA)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA bundle: %w", err)
	}
	caPool := x509.NewCertPool()
	if !caPool.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("no usable certificate in %s", cfg.TLSCA)
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientAuth:   tls.RequireAndVerifyClientCert,
		ClientCAs:    caPool,
		RootCAs:      caPool,
	}, nil
}
