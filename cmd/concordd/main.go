package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/concord-db/concord/pkg/codec"
	"github.com/concord-db/concord/pkg/concord"
	"github.com/concord-db/concord/pkg/log"
	"github.com/concord-db/concord/pkg/membership"
	"github.com/concord-db/concord/pkg/observe"
	"github.com/concord-db/concord/pkg/raftnode"
	"github.com/concord-db/concord/pkg/statemachine"
	"github.com/concord-db/concord/pkg/ttl"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
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
	Use:     "concordd",
	Short:   "concordd runs a single Concord cluster node",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("concordd version %s\nCommit: %s\n", Version, Commit))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	cobra.OnInitialize(initLogging)

	startCmd.Flags().String("config", "", "Path to a YAML node config file; explicit flags below override its values")
	startCmd.Flags().String("node-id", "node-1", "Unique node ID")
	startCmd.Flags().String("bind-addr", "127.0.0.1:7950", "Address for Raft communication")
	startCmd.Flags().String("data-dir", "./concord-data", "Data directory for cluster state")
	startCmd.Flags().StringSlice("peer", nil, "Initial cluster member as node-id=addr (repeatable); omit for a single-node cluster")
	startCmd.Flags().String("consistency", "leader", "Default read consistency: eventual, leader, or strong")
	startCmd.Flags().Duration("ttl-sweep-interval", ttl.DefaultInterval, "Interval between cleanup_expired sweeps")

	rootCmd.AddCommand(startCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: logJSON})
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start this node, bootstrapping or resuming its Raft group",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		var fileCfg *FileConfig
		if configPath != "" {
			loaded, err := loadFileConfig(configPath)
			if err != nil {
				return fmt.Errorf("failed to load --config: %w", err)
			}
			fileCfg = loaded
		}

		nodeID := flagOrFile(cmd, "node-id", fileCfg, func(c *FileConfig) string { return c.NodeID })
		bindAddr := flagOrFile(cmd, "bind-addr", fileCfg, func(c *FileConfig) string { return c.BindAddr })
		dataDir := flagOrFile(cmd, "data-dir", fileCfg, func(c *FileConfig) string { return c.DataDir })
		consistency := flagOrFile(cmd, "consistency", fileCfg, func(c *FileConfig) string { return c.Consistency })

		peers, _ := cmd.Flags().GetStringSlice("peer")
		if len(peers) == 0 && fileCfg != nil {
			peers = fileCfg.Peers
		}
		sweepInterval, _ := cmd.Flags().GetDuration("ttl-sweep-interval")
		if !cmd.Flags().Changed("ttl-sweep-interval") && fileCfg != nil && fileCfg.TTLSweepInterval != "" {
			if d, err := time.ParseDuration(fileCfg.TTLSweepInterval); err == nil {
				sweepInterval = d
			}
		}

		members, err := parsePeers(peers)
		if err != nil {
			return err
		}

		sink := observe.NewLogSink()
		codecCfg := codec.DefaultConfig()
		if fileCfg != nil {
			codecCfg.Enabled = fileCfg.Enabled
			if fileCfg.Algorithm != "" {
				codecCfg.Algorithm = codec.Algorithm(fileCfg.Algorithm)
			}
			if fileCfg.ThresholdBytes != 0 {
				codecCfg.ThresholdBytes = fileCfg.ThresholdBytes
			}
			if fileCfg.Level != 0 {
				codecCfg.Level = fileCfg.Level
			}
		}
		fsm := statemachine.New(statemachine.WithSink(sink), statemachine.WithCodec(codecCfg))

		node, err := membership.Start(raftnode.Config{NodeID: nodeID, BindAddr: bindAddr, DataDir: dataDir}, fsm, members)
		if err != nil {
			return fmt.Errorf("failed to start node: %w", err)
		}

		client := concord.New(node, concord.Config{
			DefaultConsistency: concord.Consistency(consistency),
			Codec:              codecCfg,
			Sink:               sink,
		}, nil)

		reaper := ttl.New(client, node, sink, sweepInterval)
		reaper.Start()

		log.WithNodeID(nodeID).Info().Str("bind_addr", bindAddr).Msg("concordd started")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh

		log.WithNodeID(nodeID).Info().Msg("shutting down")
		reaper.Stop()
		if err := node.Shutdown(); err != nil {
			return fmt.Errorf("failed to shut down raft: %w", err)
		}
		return nil
	},
}

// flagOrFile returns the explicit flag value if the user set it, else the
// file config's value (when a file was loaded and its field is non-empty),
// else the flag's own default.
func flagOrFile(cmd *cobra.Command, name string, fileCfg *FileConfig, pick func(*FileConfig) string) string {
	val, _ := cmd.Flags().GetString(name)
	if cmd.Flags().Changed(name) || fileCfg == nil {
		return val
	}
	if fromFile := pick(fileCfg); fromFile != "" {
		return fromFile
	}
	return val
}

func parsePeers(raw []string) ([]membership.Member, error) {
	members := make([]membership.Member, 0, len(raw))
	for _, p := range raw {
		idx := strings.IndexByte(p, '=')
		if idx < 0 {
			return nil, fmt.Errorf("invalid --peer %q, want node-id=addr", p)
		}
		members = append(members, membership.Member{NodeID: p[:idx], Addr: p[idx+1:]})
	}
	return members, nil
}
