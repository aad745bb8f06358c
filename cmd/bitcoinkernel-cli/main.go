// Command bitcoinkernel-cli exercises a kernel chainstate from the shell:
// inspect the active chain, submit and import blocks, and verify scripts.
package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/stickies-v/go-bitcoinkernel/kernel"
	"github.com/stickies-v/go-bitcoinkernel/kernellog"
)

type config struct {
	DataDir       string `yaml:"datadir"`
	Chain         string `yaml:"chain"`
	WorkerThreads int    `yaml:"worker_threads"`
	LogLevel      string `yaml:"log_level"`
	MetricsListen string `yaml:"metrics_listen"`
}

func defaultConfig() config {
	return config{
		DataDir:  ".bitcoinkernel",
		Chain:    "regtest",
		LogLevel: "info",
	}
}

func loadConfig(path string) (config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path) // #nosec G304 -- operator-supplied config path.
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

type app struct {
	cfg config
	mgr *kernel.ChainstateManager
}

// openManager builds the context and chainstate manager from the effective
// config and installs an interrupt handler that stops long operations on
// SIGINT/SIGTERM.
func (a *app) openManager() error {
	chainType, err := kernel.ChainTypeFromString(a.cfg.Chain)
	if err != nil {
		return err
	}
	params, err := kernel.NewChainParameters(chainType)
	if err != nil {
		return err
	}

	opts := kernel.NewContextOptions()
	opts.SetChainParams(params)
	opts.SetNotifications(&kernel.Notifications{
		BlockTip: func(_ kernel.SynchronizationState, entry *kernel.BlockTreeEntry) {
			fmt.Fprintf(os.Stderr, "tip: height=%d hash=%s\n", entry.Height(), entry.BlockHash())
		},
		Progress: func(title string, percent int, _ bool) {
			fmt.Fprintf(os.Stderr, "%s: %d%%\n", title, percent)
		},
		FlushError: func(msg string) {
			fmt.Fprintf(os.Stderr, "flush error: %s\n", msg)
		},
		FatalError: func(msg string) {
			fmt.Fprintf(os.Stderr, "fatal: %s\n", msg)
		},
	})
	ctx, err := kernel.NewContext(opts)
	if err != nil {
		return err
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		ctx.Interrupt()
	}()

	a.mgr, err = kernel.NewChainstateManager(ctx, &kernel.ChainstateManagerOptions{
		DataDir:       a.cfg.DataDir,
		WorkerThreads: a.cfg.WorkerThreads,
	})
	return err
}

func (a *app) close() {
	if a.mgr != nil {
		_ = a.mgr.Close()
	}
}

func setupLogging(cfg config) error {
	level, err := kernellog.LevelFromString(cfg.LogLevel)
	if err != nil {
		return err
	}
	kernellog.SetLevelCategory(kernellog.CategoryAll, level)

	zcfg := zap.NewProductionConfig()
	zcfg.OutputPaths = []string{"stderr"}
	if level <= kernellog.LevelDebug {
		zcfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	logger, err := zcfg.Build()
	if err != nil {
		return err
	}
	kernellog.SetZapLogger(logger)
	return nil
}

func serveMetrics(addr string) {
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Fprintf(os.Stderr, "metrics server: %v\n", err)
		}
	}()
}

func main() {
	var configPath string
	a := &app{cfg: defaultConfig()}

	root := &cobra.Command{
		Use:           "bitcoinkernel-cli",
		Short:         "Validate and inspect a Bitcoin chainstate",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			// Flags set explicitly on the command line win over the file.
			if !cmd.Flags().Changed("datadir") {
				a.cfg.DataDir = cfg.DataDir
			}
			if !cmd.Flags().Changed("chain") {
				a.cfg.Chain = cfg.Chain
			}
			if !cmd.Flags().Changed("workers") {
				a.cfg.WorkerThreads = cfg.WorkerThreads
			}
			if !cmd.Flags().Changed("log-level") {
				a.cfg.LogLevel = cfg.LogLevel
			}
			a.cfg.MetricsListen = cfg.MetricsListen
			if err := setupLogging(a.cfg); err != nil {
				return err
			}
			serveMetrics(a.cfg.MetricsListen)
			return nil
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to YAML config file")
	root.PersistentFlags().StringVar(&a.cfg.DataDir, "datadir", a.cfg.DataDir, "chainstate data directory")
	root.PersistentFlags().StringVar(&a.cfg.Chain, "chain", a.cfg.Chain, "chain type: mainnet|testnet|testnet4|signet|regtest")
	root.PersistentFlags().IntVar(&a.cfg.WorkerThreads, "workers", a.cfg.WorkerThreads, "script verification worker threads (0 disables)")
	root.PersistentFlags().StringVar(&a.cfg.LogLevel, "log-level", a.cfg.LogLevel, "log level: trace|debug|info")

	root.AddCommand(
		newInfoCmd(a),
		newProcessBlockCmd(a),
		newImportBlocksCmd(a),
		newScanCmd(a),
		newVerifyScriptCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
