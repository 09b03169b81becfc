// cmd/astra-console/main.go
//
// Interactive operator console. Boot order matters: configuration
// first, then the structured log, then the legacy-layout migration,
// and only then the TUI, so every screen sees the canonical campaign
// tree.

package main

import (
	"errors"
	"fmt"
	"os"

	tea "github.com/charmbracelet/bubbletea"
	"go.uber.org/zap"

	"github.com/rmunteanu/astra-console/internal/config"
	"github.com/rmunteanu/astra-console/internal/delivery"
	"github.com/rmunteanu/astra-console/internal/engine"
	"github.com/rmunteanu/astra-console/internal/events"
	"github.com/rmunteanu/astra-console/internal/ledger"
	"github.com/rmunteanu/astra-console/internal/logging"
	"github.com/rmunteanu/astra-console/internal/migrate"
	"github.com/rmunteanu/astra-console/internal/registry"
	"github.com/rmunteanu/astra-console/internal/sequencer"
	"github.com/rmunteanu/astra-console/internal/tui"
)

func main() {
	cfg, err := config.New()
	if err != nil {
		if errors.Is(err, config.ErrEngineMissing) {
			fmt.Fprintf(os.Stderr, "astra-console: %v\nSet %s to the engine checkout.\n", err, config.EnvHome)
		} else {
			fmt.Fprintf(os.Stderr, "astra-console: %v\n", err)
		}
		os.Exit(2)
	}

	logger, closeLog, err := logging.New(cfg.LogsDir())
	if err != nil {
		fmt.Fprintf(os.Stderr, "astra-console: %v\n", err)
		os.Exit(2)
	}
	defer closeLog()

	reg := registry.New(cfg.CampaignsDir())
	store := ledger.NewStore(cfg.LedgerPath(), cfg.CampaignsDir())

	if migrated, err := migrate.New(cfg.LegacyRunsDir(), reg, store, logger).Run(); err != nil {
		logger.Warn("legacy migration incomplete", zap.Error(err))
	} else if migrated > 0 {
		logger.Info("legacy layout migrated", zap.Int("runs", migrated))
	}

	bus := events.NewBus(events.WithLogger(logger))
	runner := engine.NewRunner(logger)
	runner.Timeout = cfg.Timeout()
	asm := delivery.NewAssembler(reg, store, logger)

	seq := sequencer.New(reg, asm, runner, bus, logger)
	seq.Command = cfg.EngineArgs
	seq.WorkDir = cfg.Home
	seq.SearchRoot = cfg.Home
	seq.LogsDir = cfg.LogsDir()

	p := tea.NewProgram(
		tui.NewApp(cfg, reg, store, seq, bus, logger),
		tea.WithAltScreen(),
	)
	if _, err := p.Run(); err != nil {
		logger.Error("console exited", zap.Error(err))
		fmt.Fprintf(os.Stderr, "astra-console: %v\n", err)
		os.Exit(1)
	}
}
