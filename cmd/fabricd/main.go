// Command fabricd runs the network service broker: it loads a broker
// configuration, wires one fabric manager per configured agent, recovers
// in-flight bridges from the switches, and serves the multiplexed RPC
// protocol described in spec.md §4.
package main

import (
	"context"
	"fmt"
	"net"
	"os"

	"github.com/spf13/cobra"

	"github.com/fabricbroker/fabricd/pkg/broker"
	"github.com/fabricbroker/fabricd/pkg/config"
	"github.com/fabricbroker/fabricd/pkg/fabriclog"
	"github.com/fabricbroker/fabricd/pkg/rpc"
	"github.com/fabricbroker/fabricd/pkg/version"
)

// App holds the CLI flag values read by the root command.
type App struct {
	configPath string
	listenAddr string
	logLevel   string
	jsonLogs   bool
	poolSize   int
}

var app = &App{}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:           "fabricd",
	Short:         "Layer-2 multipoint circuit broker",
	Version:       version.Info(),
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if app.logLevel != "" {
			if err := fabriclog.SetLevel(app.logLevel); err != nil {
				return fmt.Errorf("invalid --log-level: %w", err)
			}
		}
		if app.jsonLogs {
			fabriclog.SetJSONFormat()
		}
		return nil
	},
	RunE: runServe,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&app.configPath, "config", "/etc/fabricd/fabricd.yaml", "path to the broker configuration file")
	rootCmd.PersistentFlags().StringVar(&app.logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&app.jsonLogs, "json-logs", false, "emit structured JSON logs instead of text")
	rootCmd.Flags().StringVar(&app.listenAddr, "listen", ":7654", "address to accept RPC connections on")
	rootCmd.Flags().IntVar(&app.poolSize, "pool-size", 256, "maximum concurrent connection/session/listener goroutines")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(app.configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Logging.Level != "" {
		if err := fabriclog.SetLevel(cfg.Logging.Level); err != nil {
			return fmt.Errorf("config logging.level: %w", err)
		}
	}
	if cfg.Logging.JSON {
		fabriclog.SetJSONFormat()
	}

	var topo *config.NetworkTopology
	if cfg.NetworkConfig != "" {
		topo, err = config.LoadNetworkConfig(cfg.NetworkConfig)
		if err != nil {
			return err
		}
	}

	b := broker.New(app.poolSize)
	defer b.Close()

	for _, agentCfg := range cfg.Agents {
		agent, err := config.Build(agentCfg)
		if err != nil {
			return fmt.Errorf("building agent %q: %w", agentCfg.Name, err)
		}
		net, err := b.WireAgent(agent)
		if err != nil {
			return fmt.Errorf("wiring agent %q: %w", agentCfg.Name, err)
		}
		for name, descriptor := range topo.Terminals(agentCfg.Name) {
			if err := net.AddTerminal(name, descriptor); err != nil {
				return fmt.Errorf("agent %q: registering terminal %q: %w", agentCfg.Name, name, err)
			}
		}
		fabriclog.WithNetwork(agentCfg.Name).Info("fabricd: wired network")
	}

	if err := b.RecoverAll(context.Background()); err != nil {
		return fmt.Errorf("crash recovery: %w", err)
	}
	fabriclog.Logger.Info("fabricd: crash recovery complete")

	ln, err := net.Listen("tcp", app.listenAddr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", app.listenAddr, err)
	}
	defer ln.Close()
	fabriclog.Logger.WithField("addr", app.listenAddr).Info("fabricd: serving RPC")

	server := rpc.NewServer(b)
	return server.Serve(ln)
}
