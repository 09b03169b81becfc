// cmd/astra-batch/main.go
//
// Headless batch front end: audits every URL in a targets file under
// one campaign and writes summary.csv next to the campaign manifest.
// Exit code 0 when every run ended Success or Warning, 1 when any run
// failed or timed out, 2 on configuration errors.

package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/rmunteanu/astra-console/internal/config"
	"github.com/rmunteanu/astra-console/internal/delivery"
	"github.com/rmunteanu/astra-console/internal/engine"
	"github.com/rmunteanu/astra-console/internal/events"
	"github.com/rmunteanu/astra-console/internal/ledger"
	"github.com/rmunteanu/astra-console/internal/logging"
	"github.com/rmunteanu/astra-console/internal/migrate"
	"github.com/rmunteanu/astra-console/internal/registry"
	"github.com/rmunteanu/astra-console/internal/runspec"
	"github.com/rmunteanu/astra-console/internal/sequencer"
)

func main() {
	os.Exit(run())
}

func run() int {
	targetsPath := flag.String("targets", "", "file with one URL per line")
	campaignName := flag.String("campaign", "", "campaign name (default from config)")
	langFlag := flag.String("lang", "", "audit language: ro, en or both (default from config)")
	flag.Parse()

	if *targetsPath == "" {
		fmt.Fprintln(os.Stderr, "astra-batch: --targets is required")
		return 2
	}

	cfg, err := config.New()
	if err != nil {
		fmt.Fprintf(os.Stderr, "astra-batch: %v\n", err)
		return 2
	}
	urls, err := readTargets(*targetsPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "astra-batch: %v\n", err)
		return 2
	}
	name := *campaignName
	if name == "" {
		name = cfg.DefaultCampaign()
	}
	langValue := *langFlag
	if langValue == "" {
		langValue = cfg.DefaultLang()
	}
	lang, err := runspec.ParseLanguage(langValue)
	if err != nil {
		fmt.Fprintf(os.Stderr, "astra-batch: %v\n", err)
		return 2
	}

	logger, closeLog, err := logging.New(cfg.LogsDir())
	if err != nil {
		fmt.Fprintf(os.Stderr, "astra-batch: %v\n", err)
		return 2
	}
	defer closeLog()

	reg := registry.New(cfg.CampaignsDir())
	store := ledger.NewStore(cfg.LedgerPath(), cfg.CampaignsDir())
	if _, err := migrate.New(cfg.LegacyRunsDir(), reg, store, logger).Run(); err != nil {
		logger.Warn("legacy migration incomplete", zap.Error(err))
	}

	bus := events.NewBus(events.WithLogger(logger))
	runner := engine.NewRunner(logger)
	runner.Timeout = cfg.Timeout()

	seq := sequencer.New(reg, delivery.NewAssembler(reg, store, logger), runner, bus, logger)
	seq.Command = cfg.EngineArgs
	seq.WorkDir = cfg.Home
	seq.SearchRoot = cfg.Home
	seq.LogsDir = cfg.LogsDir()

	sub := bus.Subscribe()
	defer sub.Close()

	handle, err := seq.Start(sequencer.Request{URLs: urls, Campaign: name, Lang: lang})
	if err != nil {
		fmt.Fprintf(os.Stderr, "astra-batch: %v\n", err)
		return 2
	}

	// Ctrl-C cancels the sequence instead of dropping a half-built run.
	interrupts := make(chan os.Signal, 1)
	signal.Notify(interrupts, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-interrupts
		fmt.Fprintln(os.Stderr, "astra-batch: canceling...")
		handle.Cancel()
	}()

	rows := consumeEvents(sub)
	entries := handle.Wait()

	campaign, err := reg.EnsureCampaign(name, string(lang))
	if err == nil {
		if err := writeSummary(campaign.Path, rows); err != nil {
			logger.Warn("summary not written", zap.Error(err))
		}
	}

	return exitCode(entries)
}

// consumeEvents prints progress lines and collects summary rows until
// the sequence finishes.
func consumeEvents(sub events.Subscription) []summaryRow {
	var rows []summaryRow
	started := map[int]time.Time{}
	reasons := map[int]string{}
	for ev := range sub.Events {
		switch ev.Kind {
		case events.KindInvocationStarted:
			started[ev.Index] = time.Now()
			fmt.Printf("[%d/%d] %s (%s)\n", ev.Index, ev.Total, ev.URL, ev.Lang)
		case events.KindInvocationCompleted:
			if ev.Err != "" {
				reasons[ev.Index] = ev.Err
			}
		case events.KindRunRecorded:
			if ev.Entry == nil {
				continue
			}
			row := summaryRow{
				URL:    ev.URL,
				Lang:   ev.Lang,
				Status: ev.Entry.Status,
				Reason: reasons[ev.Index],
			}
			if t, ok := started[ev.Index]; ok {
				row.Duration = time.Since(t)
			}
			rows = append(rows, row)
			fmt.Printf("[%d/%d] %s -> %s\n", ev.Index, ev.Total, ev.URL, ev.Entry.Status)
		case events.KindSequenceFinished:
			return rows
		}
	}
	return rows
}

func exitCode(entries []ledger.Entry) int {
	if len(entries) == 0 {
		return 1
	}
	for _, entry := range entries {
		switch entry.Status {
		case ledger.StatusSuccess, ledger.StatusWarning:
		default:
			return 1
		}
	}
	return 0
}
