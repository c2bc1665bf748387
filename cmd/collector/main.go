// Package main implements the fleetmon collector that reports compliance
// changes from one machine to the fleet service.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/spf13/cobra"

	"fleetmon/internal/collector"
	"fleetmon/internal/fleetmon"
	"fleetmon/internal/probes"
)

// version is set by ldflags at build time.
var version = "dev"

var (
	configPath    string
	serverURL     string
	intervalMin   int
	stateDir      string
	apiKey        string
	debug         bool
	watchConfig   bool
	versionChange bool
)

var rootCmd = &cobra.Command{
	Use:     "collector",
	Short:   "fleetmon compliance collector",
	Long:    "Probes local security-compliance state on a schedule and reports changes to the fleet service.",
	Version: version,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the collector daemon",
	RunE:  runDaemon,
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Run the compliance probes once and print the snapshot",
	RunE:  runCheck,
}

func init() {
	runCmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML config file")
	runCmd.Flags().StringVarP(&serverURL, "server", "s", "", "Fleet service URL (e.g., http://localhost:8080)")
	runCmd.Flags().IntVarP(&intervalMin, "interval", "i", 0, "Check interval in minutes (15-60)")
	runCmd.Flags().StringVar(&stateDir, "state-dir", "", "Directory for machine ID and last-state cache")
	runCmd.Flags().StringVar(&apiKey, "api-key", "", "API key sent with reports")
	runCmd.Flags().BoolVar(&watchConfig, "watch-config", false, "Hot-reload the config file on change")
	runCmd.Flags().BoolVar(&versionChange, "report-on-version-change", false, "Also report when only the platform version changed")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(checkCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig(cmd *cobra.Command) (collector.Config, error) {
	cfg := collector.DefaultConfig()
	if configPath != "" {
		loaded, err := collector.LoadConfig(configPath)
		if err != nil {
			return cfg, err
		}
		cfg = loaded
	}

	// Flags beat file values, but only when actually set.
	if cmd.Flags().Changed("server") {
		cfg.Server = serverURL
	}
	if cmd.Flags().Changed("interval") {
		cfg.CheckIntervalMinutes = intervalMin
	}
	if cmd.Flags().Changed("state-dir") {
		cfg.StateDir = stateDir
	}
	if cmd.Flags().Changed("api-key") {
		cfg.APIKey = apiKey
	}
	if cmd.Flags().Changed("report-on-version-change") {
		cfg.ReportOnVersionChange = versionChange
	}
	if debug {
		cfg.Debug = true
	}
	return cfg, nil
}

func runDaemon(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	agent, err := collector.New(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if watchConfig && configPath != "" {
		reloader, err := collector.NewReloader(agent, configPath)
		if err != nil {
			return err
		}
		go func() {
			if err := reloader.Run(ctx); err != nil {
				log.Printf("[WARN] Config watcher stopped: %v", err)
			}
		}()
	}

	if err := agent.Run(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

func runCheck(_ *cobra.Command, _ []string) error {
	platform, ok := fleetmon.PlatformFromGOOS(runtime.GOOS)
	if !ok {
		return fmt.Errorf("unsupported platform %q", runtime.GOOS)
	}

	probes.SetDebug(debug)
	ctx := context.Background()
	snapshot := probes.Collect(ctx, probes.ForPlatform(platform))

	out := map[string]any{
		"platform":        platform,
		"platformVersion": probes.Version(ctx, platform),
		"checks":          snapshot,
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
