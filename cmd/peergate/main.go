package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/driftlabs/peergate/discovery"
	"github.com/driftlabs/peergate/internal/telemetry"
	"github.com/driftlabs/peergate/pkg/client"
	"github.com/driftlabs/peergate/pkg/gossip"
	"github.com/driftlabs/peergate/pkg/identity"
	"github.com/driftlabs/peergate/pkg/netid"
	"github.com/driftlabs/peergate/pkg/registry"
)

// Set via -ldflags at build time.
var (
	version = "dev"
	gitSHA  = "unknown"
)

func main() {
	var (
		mode           = pflag.StringP("mode", "m", "client", "application mode: client (perform handshakes) or server (listen for handshakes)")
		bindAddr       = pflag.StringP("bind", "b", "0.0.0.0:0", "local address to bind for UDP communication")
		networkName    = pflag.StringP("network", "n", "localnet", "network ID (localnet, testnet, devnet, mainnet-beta)")
		peers          = pflag.StringSliceP("peers", "p", nil, "remote peer addresses to perform handshakes with")
		timeout        = pflag.DurationP("timeout", "t", 30*time.Second, "timeout for one handshake attempt")
		maxRetries     = pflag.IntP("max-retries", "r", 3, "maximum number of attempts per peer")
		baseDelay      = pflag.Duration("base-delay", time.Second, "initial retry backoff delay")
		maxDelay       = pflag.Duration("max-delay", 30*time.Second, "retry backoff ceiling")
		continuous     = pflag.BoolP("continuous", "c", false, "re-run the batch on a fixed interval until interrupted")
		interval       = pflag.DurationP("interval", "i", time.Minute, "interval between batches in continuous mode")
		mismatchPolicy = pflag.String("mismatch-policy", "reply", "server reaction to wrong-network requests: reply or drop")
		metricsAddr    = pflag.String("metrics-addr", "", "address for the admin HTTP endpoints (healthz, info, peers, metrics); empty disables")
		etcdEndpoints  = pflag.StringSlice("etcd", nil, "etcd endpoints for peer discovery and registration")
		nodeID         = pflag.String("node-id", "", "stable node name for etcd registration (default: the generated identity)")
		advertiseAddr  = pflag.String("advertise", "", "address to publish in etcd (default: the bind address)")
		logLevel       = pflag.StringP("log-level", "l", "info", "log level (debug, info, warn, error)")
		logFormat      = pflag.String("log-format", "console", "log output format (console, json)")
	)
	pflag.Parse()

	if err := validate(*mode, *peers, *etcdEndpoints, *timeout, *maxRetries, *continuous, *interval); err != nil {
		fmt.Fprintln(os.Stderr, "invalid arguments:", err)
		os.Exit(1)
	}

	log, err := buildLogger(*logLevel, *logFormat)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger setup failed:", err)
		os.Exit(1)
	}
	defer log.Sync()

	network, err := netid.Parse(*networkName)
	if err != nil {
		log.Fatal("invalid network", zap.Error(err))
	}
	policy, err := gossip.ParseMismatchPolicy(*mismatchPolicy)
	if err != nil {
		log.Fatal("invalid mismatch policy", zap.Error(err))
	}

	// Fresh identity per session, like a node that has not persisted a key yet.
	id, err := identity.New()
	if err != nil {
		log.Fatal("identity generation failed", zap.Error(err))
	}

	reg := registry.New()
	telemetry.SetBuildInfo(version, gitSHA)
	telemetry.RegisterPeerGauge(func() float64 { return float64(reg.Count()) })

	log.Info("starting peergate",
		zap.String("version", version),
		zap.String("mode", *mode),
		zap.Stringer("network", network),
		zap.String("identity", id.String()))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch *mode {
	case "server":
		runServer(ctx, log, reg, serverOpts{
			bind:      *bindAddr,
			cfg:       gossip.Config{Identity: id, Network: network, Mismatch: policy},
			metrics:   *metricsAddr,
			etcd:      *etcdEndpoints,
			nodeID:    orDefault(*nodeID, id.String()),
			advertise: orDefault(*advertiseAddr, *bindAddr),
		})
	case "client":
		runClient(ctx, log, reg, clientOpts{
			bind: *bindAddr,
			cfg: client.Config{
				Identity:   id,
				Network:    network,
				Timeout:    *timeout,
				MaxRetries: *maxRetries,
				BaseDelay:  *baseDelay,
				MaxDelay:   *maxDelay,
			},
			peers:      *peers,
			etcd:       *etcdEndpoints,
			continuous: *continuous,
			interval:   *interval,
		})
	}
}

type serverOpts struct {
	bind      string
	cfg       gossip.Config
	metrics   string
	etcd      []string
	nodeID    string
	advertise string
}

func runServer(ctx context.Context, log *zap.Logger, reg *registry.Registry, opts serverOpts) {
	node, err := gossip.Start(opts.bind, opts.cfg, reg, log)
	if err != nil {
		log.Fatal("failed to start gossip node", zap.Error(err))
	}
	defer node.Stop()

	if opts.metrics != "" {
		mux := http.NewServeMux()
		mux.Handle("/healthz", telemetry.Instrument("healthz", http.HandlerFunc(node.Healthz)))
		mux.Handle("/info", telemetry.Instrument("info", http.HandlerFunc(node.Info)))
		mux.Handle("/peers", telemetry.Instrument("peers", http.HandlerFunc(node.Peers)))
		mux.Handle("/metrics", telemetry.MetricsHandler())
		srv := &http.Server{Addr: opts.metrics, Handler: mux}
		go func() {
			log.Info("admin http listening", zap.String("addr", opts.metrics))
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Warn("admin http server error", zap.Error(err))
			}
		}()
		defer srv.Close()
	}

	if len(opts.etcd) > 0 {
		cli, err := discovery.NewClient(opts.etcd)
		if err != nil {
			log.Fatal("etcd client failed", zap.Error(err))
		}
		defer cli.Close()
		// Advertise the actual bound port, not :0.
		addr := opts.advertise
		if strings.HasSuffix(addr, ":0") {
			addr = node.LocalAddr().String()
		}
		leaseID, cancel, err := discovery.RegisterNode(ctx, cli, opts.nodeID, addr, 10)
		if err != nil {
			log.Fatal("etcd registration failed", zap.Error(err))
		}
		log.Info("registered in etcd", zap.String("node_id", opts.nodeID), zap.String("addr", addr))
		defer func() {
			cancel()
			revokeCtx, done := context.WithTimeout(context.Background(), 2*time.Second)
			defer done()
			_, _ = cli.Revoke(revokeCtx, leaseID)
		}()
	}

	<-ctx.Done()
	log.Info("shutdown signal received")
}

type clientOpts struct {
	bind       string
	cfg        client.Config
	peers      []string
	etcd       []string
	continuous bool
	interval   time.Duration
}

func runClient(ctx context.Context, log *zap.Logger, reg *registry.Registry, opts clientOpts) {
	var cli *clientv3.Client
	if len(opts.etcd) > 0 {
		var err error
		cli, err = discovery.NewClient(opts.etcd)
		if err != nil {
			log.Fatal("etcd client failed", zap.Error(err))
		}
		defer cli.Close()
	}

	peers := opts.peers
	if len(peers) == 0 && cli != nil {
		var err error
		peers, err = discovery.FetchPeers(ctx, cli, "")
		if err != nil {
			log.Fatal("peer discovery failed", zap.Error(err))
		}
		log.Info("discovered peers from etcd", zap.Strings("peers", peers))
	}
	if len(peers) == 0 {
		log.Fatal("no peers to handshake with")
	}

	c, err := client.New(opts.bind, opts.cfg, reg, log)
	if err != nil {
		log.Fatal("failed to start handshake client", zap.Error(err))
	}
	defer c.Close()

	if opts.continuous {
		source := func() []string { return peers }
		// Explicit --peers pins the target set; an etcd-sourced set follows
		// the watch so registered nodes come and go between cycles.
		if cli != nil && len(opts.peers) == 0 {
			source = watchPeerSource(ctx, log, cli, peers)
		}
		c.RunContinuousSource(ctx, source, opts.interval)
		return
	}

	res := c.HandshakeBatch(ctx, peers)
	for _, o := range res.Outcomes {
		switch o.Status {
		case registry.StatusSucceeded:
			log.Info("peer ok",
				zap.String("peer_addr", o.Addr),
				zap.String("peer_identity", o.Peer.String()),
				zap.Int("attempts", o.Attempts))
		default:
			log.Warn("peer failed",
				zap.String("peer_addr", o.Addr),
				zap.Stringer("status", o.Status),
				zap.String("reason", o.Reason),
				zap.Int("attempts", o.Attempts))
		}
	}
	if res.Succeeded == 0 {
		os.Exit(1)
	}
}

// watchPeerSource keeps a peer list current from the etcd watch and returns
// a snapshot func for the continuous loop. The watch goroutine exits with ctx.
func watchPeerSource(ctx context.Context, log *zap.Logger, cli *clientv3.Client, initial []string) func() []string {
	var mu sync.Mutex
	current := initial
	go func() {
		err := discovery.WatchPeers(ctx, cli, func(view map[string]string) {
			addrs := make([]string, 0, len(view))
			for _, addr := range view {
				addrs = append(addrs, addr)
			}
			sort.Strings(addrs)
			mu.Lock()
			current = addrs
			mu.Unlock()
			log.Info("peer set updated from etcd", zap.Int("peers", len(addrs)))
		})
		if err != nil && ctx.Err() == nil {
			log.Warn("peer watch stopped", zap.Error(err))
		}
	}()
	return func() []string {
		mu.Lock()
		defer mu.Unlock()
		return current
	}
}

func validate(mode string, peers, etcd []string, timeout time.Duration, maxRetries int, continuous bool, interval time.Duration) error {
	if mode != "client" && mode != "server" {
		return fmt.Errorf("mode must be client or server, got %q", mode)
	}
	if timeout <= 0 {
		return fmt.Errorf("timeout must be greater than zero")
	}
	if timeout > 5*time.Minute {
		return fmt.Errorf("timeout cannot exceed 5 minutes")
	}
	if maxRetries < 1 || maxRetries > 10 {
		return fmt.Errorf("max-retries must be between 1 and 10")
	}
	if mode == "client" && len(peers) == 0 && len(etcd) == 0 {
		return fmt.Errorf("client mode requires --peers or --etcd")
	}
	for _, p := range peers {
		if !strings.Contains(p, ":") {
			return fmt.Errorf("invalid peer address %q: must include port (e.g. host:8000)", p)
		}
	}
	if continuous && interval < 10*time.Second {
		return fmt.Errorf("continuous mode interval must be at least 10 seconds")
	}
	return nil
}

func buildLogger(level, format string) (*zap.Logger, error) {
	var lvl zapcore.Level
	if err := lvl.Set(level); err != nil {
		return nil, err
	}
	var cfg zap.Config
	switch format {
	case "json":
		cfg = zap.NewProductionConfig()
	case "console":
		cfg = zap.NewDevelopmentConfig()
	default:
		return nil, fmt.Errorf("invalid log format %q (valid: console, json)", format)
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
