// Command qjs runs scripts and modules, or starts a REPL.
//
//	qjs [flags] [file]
//
// Settings come from the closest qjsbind.toml, looked up from the working
// directory upwards; flags override them.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"

	"go.uber.org/zap"
)

var (
	configPath  = flag.String("config", "", "the config file, instead of looking up "+ConfigFile)
	expression  = flag.String("e", "", "evaluate code and print the result")
	module      = flag.Bool("m", false, "run the file as a module")
	engine      = flag.String("engine", "", "the engine: goja or wasm")
	wasm        = flag.String("wasm", "", "the QuickJS wasm build for the wasm engine")
	memoryLimit = flag.Uint64("memory-limit", 0, "the memory limit in bytes")
	logLevel    = flag.String("log-level", "", "the log level")
	console     = flag.String("console", "", "the console backend: stdout, verbose, log or off")
)

func Usage() {
	fmt.Fprintf(os.Stderr, "Usage: qjs [flags] [file]\n\n")
	fmt.Fprintf(os.Stderr, "Without a file or -e, qjs starts a REPL.\n\nFlags:\n")
	flag.PrintDefaults()
}

func main() {
	flag.Usage = Usage
	flag.Parse()
	os.Exit(run())
}

func run() int {
	config, err := loadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	logger, err := newLogger(config.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	defer logger.Sync()
	logger.Debug("loaded config", zap.String("dir", config.Dir), zap.String("engine", config.Engine))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	r := &runner{config: config, logger: logger, stdout: os.Stdout, stderr: os.Stderr}
	if *expression == "" && flag.NArg() == 0 {
		return r.report(ctx, r.repl(ctx, os.Stdin))
	}

	c, closeContext, err := r.newContext(ctx)
	if err != nil {
		return r.report(ctx, err)
	}
	defer closeContext()

	if *expression != "" {
		if err := r.eval(c, *expression, "<eval>"); err != nil {
			return r.report(ctx, err)
		}
	}
	if flag.NArg() > 0 {
		return r.report(ctx, r.runFile(c, flag.Arg(0), *module))
	}
	return 0
}

// loadConfig reads the config file and applies the flags set on the
// command line.
func loadConfig() (*Config, error) {
	var (
		config *Config
		err    error
	)
	if *configPath != "" {
		config, err = LoadConfig(*configPath)
	} else {
		config, err = FindConfig(".")
	}
	if err != nil {
		return nil, err
	}

	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "engine":
			config.Engine = *engine
		case "wasm":
			config.Wasm = *wasm
			if abs, err := filepath.Abs(*wasm); err == nil {
				config.Wasm = abs
			}
		case "memory-limit":
			config.MemoryLimit = *memoryLimit
		case "log-level":
			config.LogLevel = *logLevel
		case "console":
			config.Console = *console
		}
	})
	return config, config.Validate()
}

// newLogger builds a development logger writing to stderr.
func newLogger(level string) (*zap.Logger, error) {
	atom, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, err
	}
	config := zap.NewDevelopmentConfig()
	config.Level = atom
	return config.Build()
}
