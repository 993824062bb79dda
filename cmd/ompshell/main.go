// Command ompshell runs one command through the executor and prints the
// resulting Result as JSON. It exists to exercise the persistent-session
// stack end to end; spec.md 6 is explicit that this core has no CLI, no
// files, no network surface of its own, so this binary is a demo harness,
// not a product surface.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ravshansbox/ompshell"
	"github.com/ravshansbox/ompshell/internal/config"
	"github.com/ravshansbox/ompshell/internal/logging"
	"github.com/ravshansbox/ompshell/pkg/shellconfig"
)

func main() {
	configPath := flag.String("config", "", "Path to configuration file (YAML)")
	interpreter := flag.String("shell", "", "Shell interpreter path (overrides config default)")
	cwd := flag.String("cwd", "", "Working directory for the command")
	timeout := flag.Duration("timeout", 0, "Command timeout (overrides config default)")
	snapshot := flag.String("snapshot", "", "Path to a snapshot file to source at session startup")
	flag.Parse()

	command := flag.Arg(0)
	if command == "" {
		log.Fatal("usage: ompshell [flags] \"<command>\"")
	}

	cfg, err := config.LoadOrDefault(*configPath)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	if err := logging.Init(&logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format}); err != nil {
		log.Fatalf("failed to initialize logging: %v", err)
	}

	shellCfg := &shellconfig.Config{
		Interpreter:  *interpreter,
		SnapshotPath: *snapshot,
	}
	if shellCfg.Interpreter == "" {
		shellCfg.Interpreter = cfg.Shell.DefaultInterpreter
	}

	exec := ompshell.New(cfg)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-sigCh
		logging.Info("received interrupt, cancelling command")
		cancel()
	}()

	opts := ompshell.Options{Cwd: *cwd}
	if *timeout > 0 {
		opts.Timeout = *timeout
	}

	start := time.Now()
	result, err := exec.Execute(ctx, shellCfg, command, opts)
	exec.Shutdown()
	if err != nil {
		log.Fatalf("execute failed: %v", err)
	}
	logging.Debug("command finished", logging.Duration("elapsed", time.Since(start)))

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(result); err != nil {
		log.Fatalf("failed to encode result: %v", err)
	}

	if !result.ExitCodeUnknown && result.ExitCode != 0 {
		os.Exit(result.ExitCode)
	}
}
