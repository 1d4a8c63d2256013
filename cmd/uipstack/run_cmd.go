package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofrs/flock"
	"github.com/google/subcommands"

	"github.com/sititou70/klab-protocol-stack-tutorial/pkg/config"
	"github.com/sititou70/klab-protocol-stack-tutorial/pkg/log"
)

// runCmd starts the protocol engine against a config file and blocks
// until SIGINT/SIGTERM, at which point it broadcasts shutdown on the
// event bus and returns once the engine's worker and timer goroutines
// have stopped.
type runCmd struct {
	configPath string
	lockPath   string
}

func (*runCmd) Name() string     { return "run" }
func (*runCmd) Synopsis() string { return "start the protocol engine" }
func (*runCmd) Usage() string {
	return "run -config <path> [-lock <path>]\n"
}

func (c *runCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.configPath, "config", "uipstack.toml", "path to TOML configuration")
	f.StringVar(&c.lockPath, "lock", "/var/run/uipstack.lock", "single-instance lock file path")
}

func (c *runCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	fl := flock.New(c.lockPath)
	locked, err := fl.TryLock()
	if err != nil {
		log.Errorf("uipstack: lock %s: %v", c.lockPath, err)
		return subcommands.ExitFailure
	}
	if !locked {
		log.Errorf("uipstack: another instance holds %s", c.lockPath)
		return subcommands.ExitFailure
	}
	defer fl.Unlock()

	cfg, err := config.Load(c.configPath)
	if err != nil {
		log.Errorf("uipstack: %v", err)
		return subcommands.ExitFailure
	}
	if cfg.LogLevel != "" {
		log.SetLevel(cfg.LogLevel)
	}

	eng, err := buildEngine(cfg)
	if err != nil {
		log.Errorf("uipstack: %v", err)
		return subcommands.ExitFailure
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Infof("uipstack: shutdown requested")
		eng.st.Shutdown()
	}()

	if err := eng.st.Run(ctx); err != nil {
		log.Errorf("uipstack: %v", err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}
