// Package sequencer drives audit sequences: it expands the operator's
// request into single-language invocations, runs them strictly one at
// a time, and turns each finished invocation into a RunFolder plus a
// ledger entry. One sequence is active per process.
package sequencer

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rmunteanu/astra-console/internal/artifacts"
	"github.com/rmunteanu/astra-console/internal/delivery"
	"github.com/rmunteanu/astra-console/internal/engine"
	"github.com/rmunteanu/astra-console/internal/events"
	"github.com/rmunteanu/astra-console/internal/ledger"
	"github.com/rmunteanu/astra-console/internal/logbook"
	"github.com/rmunteanu/astra-console/internal/registry"
	"github.com/rmunteanu/astra-console/internal/runspec"
)

// ErrSequenceActive rejects a Start while another sequence runs.
var ErrSequenceActive = errors.New("sequencer: a sequence is already active")

// CommandFunc builds the engine argv for one invocation. The targets
// file holds the single URL being audited.
type CommandFunc func(lang, campaignSlug, targetsFile string) []string

// Request is the operator's run form.
type Request struct {
	URLs     []string
	Campaign string
	Lang     runspec.Language
}

// Handle tracks one active sequence.
type Handle struct {
	ID string

	cancel chan struct{}
	once   sync.Once
	done   chan struct{}

	mu      sync.Mutex
	entries []ledger.Entry
}

// Cancel requests cooperative cancellation. The in-flight invocation
// goes through the escalating termination sequence; specs not yet
// started are never invoked.
func (h *Handle) Cancel() {
	h.once.Do(func() { close(h.cancel) })
}

// Done closes when the sequence has finished.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the sequence finishes and returns the recorded
// entries in invocation order.
func (h *Handle) Wait() []ledger.Entry {
	<-h.done
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]ledger.Entry, len(h.entries))
	copy(out, h.entries)
	return out
}

func (h *Handle) record(entry ledger.Entry) {
	h.mu.Lock()
	h.entries = append(h.entries, entry)
	h.mu.Unlock()
}

func (h *Handle) canceled() bool {
	select {
	case <-h.cancel:
		return true
	default:
		return false
	}
}

// Sequencer wires the runner, resolver, assembler and event bus into
// the run loop.
type Sequencer struct {
	Registry  *registry.Registry
	Assembler *delivery.Assembler
	Runner    *engine.Runner
	Bus       *events.Bus
	Logger    *zap.Logger

	// Command builds the engine argv; WorkDir is the engine's working
	// directory; SearchRoot is scanned when the engine prints no run
	// directory marker; LogsDir receives per-invocation logs.
	Command    CommandFunc
	WorkDir    string
	SearchRoot string
	LogsDir    string

	mu     sync.Mutex
	active *Handle
}

func New(reg *registry.Registry, asm *delivery.Assembler, runner *engine.Runner, bus *events.Bus, logger *zap.Logger) *Sequencer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if bus == nil {
		bus = events.NewBus()
	}
	return &Sequencer{
		Registry:  reg,
		Assembler: asm,
		Runner:    runner,
		Bus:       bus,
		Logger:    logger,
	}
}

// Start validates the request, claims the active slot, and launches
// the sequence in the background. Expansion happens before any
// invocation, so a request with a bad URL fails whole.
func (s *Sequencer) Start(req Request) (*Handle, error) {
	specs, err := runspec.Expand(req.URLs, req.Lang)
	if err != nil {
		return nil, err
	}
	for _, spec := range specs {
		if _, err := delivery.DomainOf(spec.URL); err != nil {
			return nil, fmt.Errorf("sequencer: %q: %w", spec.URL, err)
		}
	}

	campaign, err := s.Registry.EnsureCampaign(req.Campaign, string(req.Lang))
	if err != nil {
		return nil, err
	}

	handle := &Handle{
		ID:     uuid.NewString(),
		cancel: make(chan struct{}),
		done:   make(chan struct{}),
	}
	s.mu.Lock()
	if s.active != nil {
		s.mu.Unlock()
		return nil, ErrSequenceActive
	}
	s.active = handle
	s.mu.Unlock()

	go s.run(handle, campaign, specs)
	return handle, nil
}

// Active returns the running handle, or nil.
func (s *Sequencer) Active() *Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *Sequencer) run(h *Handle, campaign registry.Campaign, specs []runspec.Spec) {
	defer func() {
		s.mu.Lock()
		s.active = nil
		s.mu.Unlock()
		close(h.done)
	}()

	book, err := logbook.ForCampaign(campaign.Path)
	if err != nil {
		s.Logger.Warn("campaign journal unavailable", zap.Error(err))
	}

	s.Bus.Publish(events.Event{
		Kind:       events.KindSequenceStarted,
		SequenceID: h.ID,
		Campaign:   campaign.Name,
		Total:      len(specs),
	})

	invoked := 0
	for i, spec := range specs {
		if h.canceled() {
			break
		}
		invoked++
		entry, ok := s.invoke(h, campaign, spec, i+1, len(specs))
		if !ok {
			continue
		}
		h.record(entry)
		book.RunRecorded(entry.URL, entry.Lang, string(entry.Status))
		s.Bus.Publish(events.Event{
			Kind:       events.KindRunRecorded,
			SequenceID: h.ID,
			Campaign:   campaign.Name,
			URL:        entry.URL,
			Lang:       entry.Lang,
			Index:      i + 1,
			Total:      len(specs),
			Entry:      &entry,
		})
	}

	s.Bus.Publish(events.Event{
		Kind:       events.KindSequenceFinished,
		SequenceID: h.ID,
		Campaign:   campaign.Name,
		Index:      invoked,
		Total:      len(specs),
	})
}

// invoke runs one spec end to end. The bool result is false when no
// ledger entry could be produced; the sequence moves on regardless.
func (s *Sequencer) invoke(h *Handle, campaign registry.Campaign, spec runspec.Spec, index, total int) (ledger.Entry, bool) {
	s.Bus.Publish(events.Event{
		Kind:       events.KindInvocationStarted,
		SequenceID: h.ID,
		Campaign:   campaign.Name,
		URL:        spec.URL,
		Lang:       string(spec.Lang),
		Index:      index,
		Total:      total,
	})

	targets, err := s.writeTargets(spec.URL)
	if err != nil {
		s.Logger.Error("targets file", zap.Error(err))
		return ledger.Entry{}, false
	}
	defer os.Remove(targets)

	logPath := ""
	if s.LogsDir != "" {
		logPath = filepath.Join(s.LogsDir, fmt.Sprintf("%s_%03d.log", h.ID, index))
	}

	inv := engine.Invocation{
		Args:    s.Command(string(spec.Lang), campaign.Slug, targets),
		Dir:     s.WorkDir,
		LogPath: logPath,
	}
	result, runErr := s.Runner.Run(inv, h.cancel, func(chunk []byte) {
		s.Bus.Publish(events.Event{
			Kind:       events.KindOutputChunk,
			SequenceID: h.ID,
			URL:        spec.URL,
			Lang:       string(spec.Lang),
			Index:      index,
			Total:      total,
			Chunk:      chunk,
		})
	})
	if runErr != nil {
		s.Logger.Error("engine failed to start", zap.Error(runErr))
		result = engine.Result{ExitCode: -1, Status: engine.StatusCompleted}
	}

	// A process that never started produced nothing; scanning for
	// artifacts would only pick up leftovers from an earlier run.
	rawDir := ""
	if runErr == nil && (result.Status == engine.StatusCompleted || result.Status == engine.StatusTimedOut) {
		if dir, err := (artifacts.Resolver{SearchRoot: s.SearchRoot}).Resolve(result.Output); err == nil {
			rawDir = dir
		}
	}

	entry, err := s.Assembler.Assemble(delivery.Input{
		Campaign: campaign,
		URL:      spec.URL,
		Lang:     spec.Lang,
		RawDir:   rawDir,
		ExitCode: result.ExitCode,
		Canceled: result.Status == engine.StatusCanceled,
		TimedOut: result.Status == engine.StatusTimedOut,
		LogPath:  logPath,
	})
	if err != nil {
		s.Logger.Error("run assembly failed",
			zap.String("url", spec.URL), zap.Error(err))
		s.Bus.Publish(events.Event{
			Kind:       events.KindInvocationCompleted,
			SequenceID: h.ID,
			URL:        spec.URL,
			Lang:       string(spec.Lang),
			Index:      index,
			Total:      total,
			Err:        err.Error(),
		})
		return ledger.Entry{}, false
	}

	completed := events.Event{
		Kind:       events.KindInvocationCompleted,
		SequenceID: h.ID,
		Campaign:   campaign.Name,
		URL:        spec.URL,
		Lang:       string(spec.Lang),
		Index:      index,
		Total:      total,
	}
	if runErr != nil {
		completed.Err = runErr.Error()
	} else if entry.Status == ledger.StatusFailed || entry.Status == ledger.StatusTimeout {
		completed.Err = HumanizeFailure(result.Output, entry.Status)
	}
	s.Bus.Publish(completed)
	return entry, true
}

func (s *Sequencer) writeTargets(url string) (string, error) {
	f, err := os.CreateTemp("", "astra-targets-*.txt")
	if err != nil {
		return "", fmt.Errorf("sequencer: create targets file: %w", err)
	}
	if _, err := fmt.Fprintln(f, url); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("sequencer: write targets file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}
