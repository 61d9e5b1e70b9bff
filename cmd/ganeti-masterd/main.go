// ganeti-masterd is the master control-plane daemon: it owns the
// cluster config, runs the job queue and opcode processor, and serves
// LUXI, RAPI, confd, and metrics.
package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ganeti-go/ganeti/pkg/cli"
	"github.com/ganeti-go/ganeti/pkg/confd"
	"github.com/ganeti-go/ganeti/pkg/config"
	"github.com/ganeti-go/ganeti/pkg/events"
	"github.com/ganeti-go/ganeti/pkg/log"
	"github.com/ganeti-go/ganeti/pkg/luxi"
	"github.com/ganeti-go/ganeti/pkg/manager"
	"github.com/ganeti-go/ganeti/pkg/masterd"
	"github.com/ganeti-go/ganeti/pkg/metrics"
	"github.com/ganeti-go/ganeti/pkg/rapi"
	"github.com/ganeti-go/ganeti/pkg/rpc"
	"github.com/ganeti-go/ganeti/pkg/security"
	"github.com/ganeti-go/ganeti/pkg/watcher"
)

// daemonConfig is the YAML file read from --config; flags override
// whatever the file sets.
type daemonConfig struct {
	DataDir     string `yaml:"data_dir"`
	NodeName    string `yaml:"node_name"`
	SocketPath  string `yaml:"socket_path"`
	RAPIAddr    string `yaml:"rapi_addr"`
	MetricsAddr string `yaml:"metrics_addr"`
	ConfdAddr   string `yaml:"confd_addr"`
	RaftAddr    string `yaml:"raft_addr"`
	RPCPort     int    `yaml:"rpc_port"`
	Workers     int    `yaml:"workers"`
	LogLevel    string `yaml:"log_level"`
	LogJSON     bool   `yaml:"log_json"`
}

func defaultConfig() daemonConfig {
	return daemonConfig{
		DataDir:     "/var/lib/ganeti",
		SocketPath:  cli.DefaultSocketPath,
		RAPIAddr:    ":5080",
		MetricsAddr: ":9200",
		ConfdAddr:   ":1814",
		RaftAddr:    ":1815",
		RPCPort:     1811,
		Workers:     masterd.DefaultWorkers,
		LogLevel:    "info",
	}
}

func loadConfig(path string) (daemonConfig, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

func main() {
	var (
		configPath string
		dataDir    string
		nodeName   string
	)

	root := &cobra.Command{
		Use:   "ganeti-masterd",
		Short: "Ganeti master daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			if dataDir != "" {
				cfg.DataDir = dataDir
			}
			if nodeName != "" {
				cfg.NodeName = nodeName
			}

			log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: cfg.LogJSON})
			return run(cfg)
		},
	}
	root.Flags().StringVar(&configPath, "config", "", "path to the daemon YAML config")
	root.Flags().StringVar(&dataDir, "data-dir", "", "cluster data directory (overrides config)")
	root.Flags().StringVar(&nodeName, "node-name", "", "this node's canonical name (overrides config)")

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(cli.ExitFailure)
	}
}

func run(cfg daemonConfig) error {
	logger := log.WithComponent("masterd")

	store, err := config.Open(cfg.DataDir)
	if err != nil {
		logger.Error().Err(err).Msg("cannot open cluster config; is this node part of a cluster?")
		os.Exit(cli.ExitNotCluster)
	}
	metrics.RegisterComponent("config", true, "")

	snap := store.Snapshot()
	if cfg.NodeName == "" && snap.Cluster != nil {
		cfg.NodeName = snap.Cluster.MasterNode
	}

	// Only a master candidate may even try to run this daemon.
	if node, ok := snap.Nodes[cfg.NodeName]; ok {
		switch node.Role {
		case "master", "master_candidate":
		default:
			logger.Error().Str("node", cfg.NodeName).Str("role", string(node.Role)).
				Msg("node is not a master candidate")
			os.Exit(cli.ExitNotCandidate)
		}
	}

	// mTLS for the node-daemon fan-out.
	bundle, err := security.LoadBundle(cfg.DataDir + "/server.pem")
	if err != nil {
		logger.Error().Err(err).Msg("cannot load server.pem")
		os.Exit(cli.ExitNodeSetupError)
	}
	tlsCfg, err := bundle.ClientTLSConfig()
	if err != nil {
		return err
	}
	runner := rpc.NewRunner(cfg.RPCPort, tlsCfg, rpc.WithOfflineCheck(func(node string) bool {
		n, ok := store.Snapshot().Nodes[node]
		return ok && n.Role == "offline"
	}))

	// Master-candidate election: the processor only runs on the leader.
	election, err := manager.New(manager.Options{
		NodeName: cfg.NodeName,
		BindAddr: cfg.RaftAddr,
		DataDir:  cfg.DataDir + "/raft",
	})
	if err != nil {
		return err
	}
	defer election.Close()
	if err := election.WaitForLeadership(time.Minute); err != nil {
		logger.Error().Err(err).Msg("another candidate holds the master role")
		os.Exit(cli.ExitNotMaster)
	}
	if err := election.AnnounceMaster(cfg.NodeName); err != nil {
		logger.Warn().Err(err).Msg("cannot announce master role")
	}

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	daemon, err := masterd.NewWithStore(store, masterd.Options{
		DataDir: cfg.DataDir,
		Workers: cfg.Workers,
		Hooks:   runner,
		RPC:     runner,
		Events:  broker,
	})
	if err != nil {
		return err
	}
	defer daemon.Close()
	metrics.RegisterComponent("jobqueue", true, "")

	// LUXI.
	luxiServer := luxi.NewServer(daemon)
	go func() {
		if err := luxiServer.Serve(cfg.SocketPath); err != nil {
			logger.Error().Err(err).Msg("luxi server failed")
		}
	}()
	defer luxiServer.Close()
	metrics.RegisterComponent("luxi", true, "")

	// RAPI.
	users, err := rapi.LoadUsers(cfg.DataDir + "/rapi/users")
	if err != nil {
		logger.Warn().Err(err).Msg("no RAPI users file; RAPI disabled")
	} else {
		rapiServer := &http.Server{Addr: cfg.RAPIAddr, Handler: rapi.NewServer(daemon, users).Handler()}
		go func() {
			if err := rapiServer.ListenAndServeTLS(cfg.DataDir+"/rapi.pem", cfg.DataDir+"/rapi.pem"); err != nil && err != http.ErrServerClosed {
				logger.Error().Err(err).Msg("rapi server failed")
			}
		}()
		defer rapiServer.Close()
	}

	// Confd, refreshed on every config-affecting event.
	hmacKey, err := security.ReadHMACKey(cfg.DataDir + "/hmac.key")
	if err != nil {
		logger.Warn().Err(err).Msg("no hmac.key; confd disabled")
	} else {
		confdServer := confd.NewServer(hmacKey, store)
		confdServer.Reload()
		go func() {
			if err := confdServer.ListenAndServe(cfg.ConfdAddr); err != nil {
				logger.Error().Err(err).Msg("confd server failed")
			}
		}()
		defer confdServer.Close()

		sub := broker.Subscribe()
		go func() {
			for range sub {
				confdServer.Reload()
				_ = election.AnnounceSerial(store.SerialNo())
			}
		}()
		defer broker.Unsubscribe(sub)
	}

	// Watcher.
	w := watcher.New(watcher.Options{
		DataDir:  cfg.DataDir,
		Queue:    daemon.Queue,
		Prober:   runner,
		Snapshot: store.Snapshot,
	})
	w.Start()
	defer w.Stop()

	// Metrics and health.
	collector := metrics.NewCollector(metrics.Sources{
		Snapshot: store.Snapshot,
		IsLeader: election.IsLeader,
		Candidates: func() int {
			names, err := election.Candidates()
			if err != nil {
				return 0
			}
			return len(names)
		},
	})
	collector.Start()
	defer collector.Stop()

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", metrics.HealthHandler())
	mux.HandleFunc("/ready", metrics.ReadyHandler())
	mux.HandleFunc("/live", metrics.LivenessHandler())
	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("metrics server failed")
		}
	}()
	defer metricsServer.Close()

	logger.Info().Str("node", cfg.NodeName).Str("socket", cfg.SocketPath).Msg("master daemon up")

	// Run until a signal arrives or leadership is lost.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	for {
		select {
		case sig := <-sigCh:
			logger.Info().Str("signal", sig.String()).Msg("shutting down")
			return nil
		case isLeader := <-election.LeaderCh():
			if !isLeader {
				logger.Warn().Msg("lost the master role, shutting down")
				broker.Publish(&events.Event{Type: events.EventMasterDown, Subject: cfg.NodeName})
				return nil
			}
		}
	}
}
