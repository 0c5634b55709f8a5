package main

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/wwenrr/img-resize-report/internal/catalog"
	"github.com/wwenrr/img-resize-report/internal/config"
	"github.com/wwenrr/img-resize-report/internal/ledger"
	"github.com/wwenrr/img-resize-report/internal/logger"
	"github.com/wwenrr/img-resize-report/internal/pipeline"
	"github.com/wwenrr/img-resize-report/internal/probe"
	"github.com/wwenrr/img-resize-report/internal/report"
	"github.com/wwenrr/img-resize-report/internal/stats"
	"github.com/wwenrr/img-resize-report/internal/transcoder"
	"github.com/wwenrr/img-resize-report/internal/web"
)

var (
	cfgFile    string
	storeKey   string
	syncMode   string
	statusPort int
	verbose    bool
	quiet      bool
	version    string
	buildTime  string
)

// rootCmd is the base command for the CLI.
var rootCmd = &cobra.Command{
	Use:   "img-resize-report",
	Short: "Batch-optimize oversized product images in a shop catalog",
	Long: `img-resize-report walks a shop's product catalog in rolling chunks,
finds oversized images, re-encodes them under a size target and reports
the savings, optionally pushing the optimized images back to the shop.

Features:
- Resumable runs: completed products are recorded in a durable ledger
- Priority ordering: the largest probed images are handled first
- Early abandonment of chunks that stop yielding savings
- Per-product report artifacts plus an aggregated index
- Optional sync-back preserving image position and alt text`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runOptimize()
	},
}

// probeCmd inspects the first chunk without optimizing anything.
var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Probe the first catalog chunk and print its priority order",
	Long: `probe fetches the first rolling chunk from the catalog, HEAD-probes
every image and prints the resulting priority order. Nothing is optimized
and no state is written; use it to preview what a run would pick up first.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runProbe()
	},
}

// reportCmd groups report-related subcommands.
var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Work with report artifacts from previous runs",
}

// reportIndexCmd rebuilds the aggregated report index.
var reportIndexCmd = &cobra.Command{
	Use:   "index",
	Short: "Rebuild the report index from existing report files",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runReportIndex()
	},
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "enable verbose logging")
	rootCmd.PersistentFlags().BoolVar(&quiet, "quiet", false, "suppress non-error output")

	rootCmd.Flags().StringVar(&storeKey, "store", "", "store key from configuration (prompted when omitted)")
	rootCmd.Flags().StringVar(&syncMode, "sync", "ask", "sync optimized images back: yes, no or ask")
	rootCmd.Flags().IntVar(&statusPort, "status-port", 0, "port for the live status server (0 disables it)")

	probeCmd.Flags().StringVar(&storeKey, "store", "", "store key from configuration (prompted when omitted)")

	reportCmd.AddCommand(reportIndexCmd)
	rootCmd.AddCommand(probeCmd)
	rootCmd.AddCommand(reportCmd)
}

// initConfig loads configuration file and environment variables.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("$HOME/.img-resize-report")
		viper.AddConfigPath("/etc/img-resize-report")
	}

	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintf(os.Stderr, "Using config file: %s\n", viper.ConfigFileUsed())
	}
}

// runOptimize executes the main optimization run.
func runOptimize() error {
	cfg, err := config.LoadConfig(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log := setupLogger(cfg)

	store, err := resolveStore(cfg)
	if err != nil {
		return err
	}

	syncPolicy, ok := pipeline.ParseSyncPolicy(syncMode)
	if !ok {
		return fmt.Errorf("invalid --sync value: %s (valid: yes, no, ask)", syncMode)
	}

	logger.WithStore(log, store.ShopURL).Infof("Starting optimization run for %s", store.Name)

	client := catalog.NewRESTClient(store.ShopURL, store.Token, cfg.Catalog.APIVersion)
	source := catalog.NewSource(client, log, cfg.Catalog.PageSize, cfg.Catalog.BatchesPerChunk)
	prober := probe.New(log, cfg.Probe.Workers,
		time.Duration(cfg.Probe.TimeoutSeconds)*time.Second, cfg.Optimizer.LargeThresholdBytes)
	optimizer := transcoder.NewDefaultOptimizer(transcoder.Options{
		LargeThresholdBytes: cfg.Optimizer.LargeThresholdBytes,
		TargetSizeBytes:     cfg.Optimizer.TargetSizeBytes,
		MaxDimension:        cfg.Optimizer.MaxDimension,
		QualityStart:        cfg.Optimizer.QualityStart,
		QualityStep:         cfg.Optimizer.QualityStep,
		QualityFloor:        cfg.Optimizer.QualityFloor,
		QualityFixed:        cfg.Optimizer.QualityFixed,
	}, log)
	lgr := ledger.New(cfg.Storage.ProcessedFile, cfg.Storage.SkippedFile, log)
	reports := report.NewStore(cfg.Storage.ReportDir, log)
	runStats := stats.NewStatistics()

	controller := pipeline.NewController(
		cfg.Pipeline, client, source, prober, optimizer,
		lgr, reports, runStats, log,
		store.ShopURL, syncPolicy, confirmSync,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Info("Interrupt received, finishing current product and stopping")
		cancel()
	}()

	var statusServer *web.Server
	if statusPort > 0 {
		statusServer = web.NewServer(log, runStats, reports)
		statusServer.SetRunning(true)
		controller.SetLogHook(statusServer.PipelineHook())
		log.AddHook(statusServer.LogrusHook())
		go func() {
			if err := statusServer.Start(statusPort); err != nil && err != http.ErrServerClosed {
				log.Errorf("Status server failed: %v", err)
			}
		}()
	}

	runErr := controller.Run(ctx)

	if statusServer != nil {
		statusServer.SetRunning(false)
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := statusServer.Stop(shutdownCtx); err != nil {
			log.Warnf("Status server shutdown failed: %v", err)
		}
	}

	if !quiet {
		fmt.Println("\n" + runStats.GetSummary())
	}

	if runErr != nil && runErr != context.Canceled {
		return fmt.Errorf("optimization run failed: %w", runErr)
	}
	return nil
}

// runProbe fetches one chunk, probes it and prints the priority list.
func runProbe() error {
	cfg, err := config.LoadConfig(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log := setupLogger(cfg)

	store, err := resolveStore(cfg)
	if err != nil {
		return err
	}

	client := catalog.NewRESTClient(store.ShopURL, store.Token, cfg.Catalog.APIVersion)
	source := catalog.NewSource(client, log, cfg.Catalog.PageSize, cfg.Catalog.BatchesPerChunk)
	prober := probe.New(log, cfg.Probe.Workers,
		time.Duration(cfg.Probe.TimeoutSeconds)*time.Second, cfg.Optimizer.LargeThresholdBytes)

	streamCtx, stopStream := context.WithCancel(context.Background())
	defer stopStream()

	chunk, ok := <-source.Stream(streamCtx)
	if !ok {
		fmt.Println("Catalog is empty")
		return nil
	}
	stopStream()

	list := prober.Probe(context.Background(), chunk)
	fmt.Printf("Probed %d images across %d products (* = above %d bytes):\n",
		len(list), len(chunk), cfg.Optimizer.LargeThresholdBytes)
	for i, s := range list {
		marker := " "
		if prober.IsLarge(s.ByteSize) {
			marker = "*"
		}
		fmt.Printf("%4d. %s %12d  image %-12d  %s\n", i+1, marker, s.ByteSize, s.ImageID, s.ProductTitle)
	}
	return nil
}

// runReportIndex rebuilds the aggregated index from existing reports.
func runReportIndex() error {
	cfg, err := config.LoadConfig(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log := setupLogger(cfg)
	reports := report.NewStore(cfg.Storage.ReportDir, log)

	index, err := reports.WriteIndex()
	if err != nil {
		return fmt.Errorf("rebuild index: %w", err)
	}

	if !quiet {
		fmt.Printf("Indexed %d reports, %d bytes saved in total\n", index.Products, index.BytesSaved)
	}
	return nil
}

// resolveStore selects the target store and ensures it carries a token.
func resolveStore(cfg *config.Config) (config.Store, error) {
	store, err := selectStore(cfg)
	if err != nil {
		return config.Store{}, err
	}
	if store.Token == "" {
		store.Token = promptLine(fmt.Sprintf("Enter access token for %s: ", store.Name))
		if store.Token == "" {
			return config.Store{}, fmt.Errorf("no access token for store %s", store.Name)
		}
	}
	return store, nil
}

// selectStore resolves the target store from the flag or interactively.
func selectStore(cfg *config.Config) (config.Store, error) {
	if len(cfg.Stores) == 0 {
		return config.Store{}, fmt.Errorf("no stores configured")
	}

	if storeKey != "" {
		return cfg.SelectStore(storeKey)
	}

	keys := cfg.StoreKeys()
	if len(keys) == 1 {
		store := cfg.Stores[keys[0]]
		fmt.Fprintf(os.Stderr, "Auto-selected store: %s\n", store.Name)
		return store, nil
	}

	fmt.Println("Select store:")
	for i, key := range keys {
		fmt.Printf("  %d. %s - %s\n", i+1, key, cfg.Stores[key].Name)
	}

	for {
		choice := promptLine("Enter your choice (number or key): ")
		for i, key := range keys {
			if choice == key || choice == fmt.Sprintf("%d", i+1) {
				store := cfg.Stores[key]
				fmt.Fprintf(os.Stderr, "Selected: %s\n", store.Name)
				return store, nil
			}
		}
		fmt.Printf("Invalid choice: %s\n", choice)
	}
}

// confirmSync asks the user whether one product's images should be synced.
func confirmSync(productID, productTitle string) bool {
	answer := promptLine(fmt.Sprintf("Sync optimized images for %q (ID %s)? (yes/no): ", productTitle, productID))
	answer = strings.ToLower(answer)
	return answer == "yes" || answer == "y"
}

// promptLine reads one trimmed line from stdin.
func promptLine(prompt string) string {
	fmt.Print(prompt)
	scanner := bufio.NewScanner(os.Stdin)
	if !scanner.Scan() {
		return ""
	}
	return strings.TrimSpace(scanner.Text())
}

// setupLogger configures and returns a logger.
func setupLogger(cfg *config.Config) *logrus.Logger {
	loggerCfg := logger.LoggerConfig{
		Level:      cfg.Logging.Level,
		FilePath:   cfg.Logging.FilePath,
		MaxSize:    cfg.Logging.MaxSize,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAge:     cfg.Logging.MaxAge,
		Compress:   cfg.Logging.Compress,
		Console:    !quiet,
	}

	if verbose {
		loggerCfg.Level = "debug"
	}
	if quiet {
		loggerCfg.Level = "error"
	}

	log, err := logger.NewLogger(loggerCfg)
	if err != nil {
		log = logrus.New()
		log.SetLevel(logrus.InfoLevel)
	}

	return log
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
