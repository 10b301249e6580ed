package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cellmesh/cellmesh/pkg/chain"
	"github.com/cellmesh/cellmesh/pkg/chainsync"
	"github.com/cellmesh/cellmesh/pkg/commitmanager"
	"github.com/cellmesh/cellmesh/pkg/config"
	"github.com/cellmesh/cellmesh/pkg/engine"
	"github.com/cellmesh/cellmesh/pkg/entityindex"
	"github.com/cellmesh/cellmesh/pkg/events"
	"github.com/cellmesh/cellmesh/pkg/health"
	"github.com/cellmesh/cellmesh/pkg/hlc"
	"github.com/cellmesh/cellmesh/pkg/log"
	"github.com/cellmesh/cellmesh/pkg/metrics"
	"github.com/cellmesh/cellmesh/pkg/mutationindex"
	"github.com/cellmesh/cellmesh/pkg/pending"
	"github.com/cellmesh/cellmesh/pkg/pendingsync"
	"github.com/cellmesh/cellmesh/pkg/queryserver"
	"github.com/cellmesh/cellmesh/pkg/security"
	"github.com/cellmesh/cellmesh/pkg/transport"

	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "cellmeshd",
	Short:   "cellmeshd runs one node of a cellmesh cell",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("cellmeshd version %s\nCommit: %s\n", Version, Commit))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(runCmd)
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	jsonOut, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(level), JSONOutput: jsonOut})
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Generate a node identity and write its config file",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("config")
		nodeID, _ := cmd.Flags().GetString("node-id")
		dataDir, _ := cmd.Flags().GetString("data-dir")
		listenAddr, _ := cmd.Flags().GetString("listen-addr")
		healthAddr, _ := cmd.Flags().GetString("health-addr")

		kp, err := security.NewKeyPair()
		if err != nil {
			return fmt.Errorf("generate keypair: %w", err)
		}

		cfg := &config.NodeIdentityConfig{
			NodeID:     nodeID,
			PublicKey:  security.EncodePublicKey(kp.Public),
			PrivateKey: security.EncodePrivateKey(kp.Private),
			DataDir:    dataDir,
			ListenAddr: listenAddr,
			HealthAddr: healthAddr,
		}
		if err := config.WriteNodeConfig(path, cfg); err != nil {
			return fmt.Errorf("write node config: %w", err)
		}

		fmt.Printf("Wrote node identity for %q to %s\n", nodeID, path)
		fmt.Printf("Public key: %s\n", cfg.PublicKey)
		fmt.Println("Add this node's id and public key to the cell config before starting it.")
		return nil
	},
}

func init() {
	initCmd.Flags().String("config", "./cellmesh-node.yaml", "Path to write the node identity config")
	initCmd.Flags().String("node-id", "node-1", "Unique node id within the cell")
	initCmd.Flags().String("data-dir", "./cellmesh-data", "Data directory for the chain and pending stores")
	initCmd.Flags().String("listen-addr", "127.0.0.1:7400", "Address other nodes reach this one at")
	initCmd.Flags().String("health-addr", "127.0.0.1:9090", "Address the metrics/health HTTP server binds to")
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run this node's engine until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		cellPath, _ := cmd.Flags().GetString("cell")

		node, err := config.LoadNodeConfig(configPath)
		if err != nil {
			return fmt.Errorf("load node config: %w", err)
		}
		cellLoc := node.Cell
		if cellPath != "" {
			cellLoc = config.CellLocation{External: cellPath}
		}
		cell, err := config.LoadCellConfig(cellLoc)
		if err != nil {
			return fmt.Errorf("load cell config: %w", err)
		}

		return runNode(node, cell)
	},
}

func init() {
	runCmd.Flags().String("config", "./cellmesh-node.yaml", "Path to this node's identity config")
	runCmd.Flags().String("cell", "", "Path to an external cell config, overriding the one referenced by --config")
}

// rpcSocketPath is the local Unix socket cmd/cellmeshctl dials to
// reach a running node, derived from its data directory so the two
// binaries agree on it without an extra config field.
func rpcSocketPath(dataDir string) string {
	return filepath.Join(dataDir, "cellmeshd.sock")
}

func runNode(node *config.NodeIdentityConfig, cell *config.CellConfig) error {
	logger := log.WithNodeID(node.NodeID)

	priv, err := security.ParsePrivateKey(node.PrivateKey)
	if err != nil {
		return fmt.Errorf("parse node private key: %w", err)
	}
	pub, err := security.ParsePublicKey(node.PublicKey)
	if err != nil {
		return fmt.Errorf("parse node public key: %w", err)
	}
	kp := &security.KeyPair{Public: pub, Private: priv}

	if err := os.MkdirAll(node.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	chainStore, err := chain.Open(cell.ChainStoreConfig(node.DataDir))
	if err != nil {
		return fmt.Errorf("open chain store: %w", err)
	}
	defer chainStore.Close()

	pendingStore := pending.New()
	clock := hlc.NewClock(node.NodeID)

	verifier, err := cell.Verifier()
	if err != nil {
		return fmt.Errorf("build verifier: %w", err)
	}

	commitCfg, err := cell.CommitManagerConfig()
	if err != nil {
		return fmt.Errorf("commit manager config: %w", err)
	}
	commitMgr := commitmanager.New(commitCfg, node.NodeID, cell.ChainRoleNodeIDs(), chainStore, pendingStore, clock, kp, verifier)

	chainSyncCfg, err := cell.ChainSyncConfig()
	if err != nil {
		return fmt.Errorf("chain sync config: %w", err)
	}
	chainSyncer := chainsync.New(chainSyncCfg, node.NodeID, chainStore)

	var peers []string
	for _, id := range cell.NodeIDs() {
		if id == node.NodeID {
			continue
		}
		peers = append(peers, id)
		chainSyncer.AddPeer(id)
	}

	pendingSyncer := pendingsync.New(cell.PendingSyncConfig(), pendingStore)

	chainIdx, err := mutationindex.Open(filepath.Join(node.DataDir, "mutation-index"))
	if err != nil {
		return fmt.Errorf("open mutation index: %w", err)
	}
	index := entityindex.New(cell.EntityIndexConfig(), chainStore, pendingStore, chainIdx)

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	// The engine's own peer traffic (chain/pending sync) stays on the
	// in-memory mesh transport: real cross-process peer wire framing is
	// out of scope (see pkg/transport's doc comment). A single-node
	// cell still commits correctly against itself.
	mt := transport.NewMemoryTransport()
	mt.Register(node.NodeID)
	bound := transport.Bind(mt, node.NodeID)

	gcCfg, err := cell.GCConfig()
	if err != nil {
		return fmt.Errorf("gc config: %w", err)
	}

	eng := engine.New(engine.Config{TickInterval: time.Second, GCInterval: time.Minute, GC: gcCfg},
		node.NodeID, peers, bound, chainStore, pendingStore, clock, kp, commitMgr, chainSyncer, pendingSyncer, index, broker)

	// The client-facing query/mutation server answers over a local
	// Unix socket so cmd/cellmeshctl (a separate process) can reach it
	// without a generated gRPC client.
	qs := queryserver.New(queryserver.Config{}, node.NodeID, mt, eng, index, broker)

	collector := metrics.NewCollector(chainStore, pendingStore, chainSyncer)
	collector.Start()
	defer collector.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 4)
	go func() { errCh <- eng.Run(ctx) }()

	sockPath := rpcSocketPath(node.DataDir)
	go func() { errCh <- transport.ServeRPC(ctx, sockPath, qs.HandleRPC) }()

	healthSrv := grpchealth.NewServer()
	healthSrv.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	grpcSrv := grpc.NewServer()
	healthpb.RegisterHealthServer(grpcSrv, healthSrv)
	if node.ListenAddr != "" {
		go serveGRPCHealth(grpcSrv, node.ListenAddr, errCh)
	}

	startPeerMonitors(ctx, cell, node.NodeID)
	startDataDirMonitor(ctx, node.DataDir)

	metrics.SetVersion(Version)
	metrics.RegisterComponent("chain_store", true, "open")
	metrics.RegisterComponent("commit_manager", true, "running")
	metrics.RegisterComponent("query_server", true, "running")

	if node.HealthAddr != "" {
		go serveHTTP(node.HealthAddr, errCh)
	}

	logger.Info().
		Str("listen_addr", node.ListenAddr).
		Str("health_addr", node.HealthAddr).
		Str("rpc_socket", sockPath).
		Msg("cellmeshd started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-sigCh:
		logger.Info().Msg("shutting down")
	case err := <-errCh:
		if err != nil {
			logger.Error().Err(err).Msg("component exited")
		}
	}
	cancel()
	grpcSrv.GracefulStop()
	return nil
}

func serveHTTP(addr string, errCh chan<- error) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/health", metrics.HealthHandler())
	mux.Handle("/ready", metrics.ReadyHandler())
	mux.Handle("/live", metrics.LivenessHandler())
	if err := http.ListenAndServe(addr, mux); err != nil {
		errCh <- fmt.Errorf("health/metrics server: %w", err)
	}
}

func serveGRPCHealth(srv *grpc.Server, addr string, errCh chan<- error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		errCh <- fmt.Errorf("listen %s: %w", addr, err)
		return
	}
	if err := srv.Serve(lis); err != nil {
		errCh <- fmt.Errorf("grpc health server: %w", err)
	}
}

// startPeerMonitors probes every other cell member's grpc_health_v1
// service on a fixed interval and mirrors the result into the metrics
// package's component health registry.
func startPeerMonitors(ctx context.Context, cell *config.CellConfig, selfID string) {
	for _, n := range cell.Nodes.Inline {
		if n.ID == selfID || n.Address == "" {
			continue
		}
		checker := transport.NewPeerHealthChecker(n.Address, 5*time.Second)
		go func(nodeID string) {
			ticker := time.NewTicker(30 * time.Second)
			defer ticker.Stop()
			for {
				healthy, err := checker.Check(ctx)
				if err != nil {
					metrics.RegisterComponent("peer_"+nodeID, false, err.Error())
				} else {
					metrics.RegisterComponent("peer_"+nodeID, healthy, "grpc_health_v1")
				}
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
				}
			}
		}(n.ID)
	}
}

// startDataDirMonitor runs a pkg/health exec check against the data
// directory on its own interval, reporting into the same component
// health registry the HTTP /health endpoint serves.
func startDataDirMonitor(ctx context.Context, dataDir string) {
	checker := health.NewExecChecker([]string{"test", "-w", dataDir})
	cfg := health.DefaultConfig()
	go func() {
		ticker := time.NewTicker(cfg.Interval)
		defer ticker.Stop()
		for {
			result := checker.Check(ctx)
			metrics.RegisterComponent("data_dir", result.Healthy, result.Message)
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}
