// Package main implements fleetd, the fleet service that receives, stores,
// and serves compliance state for all machines.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"fleetmon/internal/aggregate"
	"fleetmon/internal/query"
	"fleetmon/internal/reportlog"
	"fleetmon/internal/server"
)

const (
	// HTTP timeouts.
	readTimeout  = 15 * time.Second
	writeTimeout = 15 * time.Second
	idleTimeout  = 60 * time.Second

	shutdownTimeout = 10 * time.Second
)

// version is set by ldflags at build time.
var version = "dev"

var (
	port         string
	dataDir      string
	apiKey       string
	historyLimit int
)

var rootCmd = &cobra.Command{
	Use:     "fleetd",
	Short:   "fleetmon fleet service",
	Long:    "Receives compliance reports from collectors, keeps the append-only report log, and serves the latest-state view.",
	Version: version,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the fleet service",
	RunE:  runServe,
}

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write the latest-state view as CSV to stdout",
	RunE:  runExport,
}

var historyCmd = &cobra.Command{
	Use:   "history <machine-id>",
	Short: "Print a machine's recent reports, newest first",
	Args:  cobra.ExactArgs(1),
	RunE:  runHistory,
}

func init() {
	serveCmd.Flags().StringVarP(&port, "port", "p", "8080", "Server port")
	serveCmd.Flags().StringVar(&apiKey, "api-key", "", "API key required on report ingest (optional but recommended)")
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "Number of recent reports to show")
	rootCmd.PersistentFlags().StringVarP(&dataDir, "data", "d", "fleet-data", "Report log directory")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(historyCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServe(_ *cobra.Command, _ []string) error {
	store, err := reportlog.Open(dataDir)
	if err != nil {
		return err
	}

	srv, err := server.New(store, apiKey)
	if err != nil {
		return err
	}

	if apiKey != "" {
		log.Print("[INFO] API key authentication enabled")
	} else {
		log.Print("[WARN] Running without API key authentication")
	}

	httpSrv := &http.Server{
		Addr:           ":" + port,
		Handler:        srv.Handler(),
		ReadTimeout:    readTimeout,
		WriteTimeout:   writeTimeout,
		IdleTimeout:    idleTimeout,
		MaxHeaderBytes: 1 << 16, // 64KB max header size
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("[INFO] Fleet service starting on port %s (data: %s)", port, dataDir)
		if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case <-sigChan:
	}

	log.Print("[INFO] Shutting down fleet service...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Printf("[ERROR] Server shutdown error: %v", err)
		return err
	}
	log.Print("[INFO] Server shutdown complete")
	return nil
}

func runExport(_ *cobra.Command, _ []string) error {
	store, err := reportlog.Open(dataDir)
	if err != nil {
		return err
	}

	view, err := aggregate.Latest(store)
	if err != nil {
		return err
	}
	return query.WriteCSV(os.Stdout, view)
}

func runHistory(_ *cobra.Command, args []string) error {
	store, err := reportlog.Open(dataDir)
	if err != nil {
		return err
	}

	records, err := store.History(args[0], historyLimit)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(records)
}
