package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/cryguy/jsbridge"
	"github.com/cryguy/jsbridge/hostmod/clock"
	"github.com/cryguy/jsbridge/hostmod/kv"
	"github.com/cryguy/jsbridge/hostmod/socket"
	"github.com/mattn/go-isatty"
	"go.uber.org/zap"
)

// fileConfig is the layout of the -config file.
type fileConfig struct {
	Runtime jsbridge.Config `toml:"runtime"`
	KV      struct {
		// Path is the SQLite file; empty keeps the store in memory.
		Path string `toml:"path"`
	} `toml:"kv"`
	Clock struct {
		// IntervalMs emits clock ticks at this period; zero disables them.
		IntervalMs int `toml:"interval_ms"`
	} `toml:"clock"`
}

func main() {
	var (
		configPath = flag.String("config", "", "Path to TOML config file")
		logLevel   = flag.String("log-level", "", "Log level (overrides runtime.log_level)")
		timeout    = flag.Duration("timeout", 30*time.Second, "Maximum time to wait for the script's default export")
	)
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "Usage: jsbridge [-config file.toml] [-log-level level] [-timeout 30s] <script.js|script.ts>")
		os.Exit(1)
	}
	if err := run(flag.Arg(0), *configPath, *logLevel, *timeout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig(path string) (fileConfig, error) {
	fc := fileConfig{Runtime: jsbridge.DefaultConfig()}
	if path == "" {
		return fc, nil
	}
	if _, err := toml.DecodeFile(path, &fc); err != nil {
		return fc, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return fc, fc.Runtime.Validate()
}

func newLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd()) {
		cfg = zap.NewDevelopmentConfig()
	}
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	cfg.Level = lvl
	return cfg.Build()
}

func run(script, configPath, level string, timeout time.Duration) error {
	fc, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if level == "" {
		level = fc.Runtime.LogLevel
	}
	log, err := newLogger(level)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()
	jsbridge.SetLogger(log)

	src, err := os.ReadFile(script)
	if err != nil {
		return fmt.Errorf("read script: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	var store *kv.Store
	if fc.KV.Path != "" {
		store, err = kv.Open(fc.KV.Path)
	} else {
		store, err = kv.OpenMemory()
	}
	if err != nil {
		return err
	}
	defer store.Close()

	bridge := jsbridge.NewNamespace()
	rt, err := jsbridge.Start(ctx, fc.Runtime, bridge)
	if err != nil {
		return fmt.Errorf("start runtime: %w", err)
	}
	defer rt.Close()

	clk := clock.New(rt)
	bridge.Add("clock", clk.HostObject()).
		Add("kv", store.HostObject()).
		Add("sockets", socket.New(rt, log).HostObject())
	if fc.Clock.IntervalMs > 0 {
		go func() { _ = clk.Run(ctx, time.Duration(fc.Clock.IntervalMs)*time.Millisecond) }()
	}

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	var out string
	err = rt.Exec(waitCtx, func(_ context.Context, h *jsbridge.Handle) error {
		exports, err := h.EvalModule(script, string(src))
		if err != nil {
			return err
		}
		entry, err := h.Get(exports, "default")
		if err != nil || !entry.IsFunction() {
			return err
		}
		g, err := h.Global()
		if err != nil {
			return err
		}
		b, err := h.Get(g, fc.Runtime.GlobalName)
		if err != nil {
			return err
		}
		res, err := h.Call(entry, jsbridge.Undefined(), b)
		if err != nil {
			return err
		}
		if res, err = h.Await(waitCtx, res); err != nil {
			return err
		}
		if res.IsUndefined() {
			return nil
		}
		out, err = h.Display(res)
		return err
	})
	if err != nil {
		return err
	}
	if out != "" {
		fmt.Println(out)
	}
	return nil
}
