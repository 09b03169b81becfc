// internal/tui/app.go
//
// The operator console. bubbletea's Elm loop drives four screens:
// campaign list, campaign history, the run form, and the live run
// view. All orchestration goes through the sequencer; the TUI only
// renders state and forwards key presses.

package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/list"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"go.uber.org/zap"

	"github.com/rmunteanu/astra-console/internal/config"
	"github.com/rmunteanu/astra-console/internal/events"
	"github.com/rmunteanu/astra-console/internal/fsguard"
	"github.com/rmunteanu/astra-console/internal/ledger"
	"github.com/rmunteanu/astra-console/internal/registry"
	"github.com/rmunteanu/astra-console/internal/runspec"
	"github.com/rmunteanu/astra-console/internal/sequencer"
)

// appState represents which screen we're on.
type appState int

const (
	stateCampaigns appState = iota
	stateHistory
	stateRunForm
	stateRunning
)

var (
	titleStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#5B8DEF")).Bold(true)
	statusStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#4CAF50"))
	errStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF6B6B")).Bold(true)
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#999999"))
	helpStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#A0AEC0"))
)

type sequenceEventMsg struct {
	event events.Event
	ok    bool
}

// App is the console model. It holds all screen state.
type App struct {
	cfg   *config.Config
	reg   *registry.Registry
	store *ledger.Store
	seq   *sequencer.Sequencer
	bus   *events.Bus
	log   *zap.Logger

	state appState

	campaignList list.Model
	campaigns    []registry.Campaign
	selected     registry.Campaign

	historyList list.Model

	form runForm

	run *runView
	sub events.Subscription

	statusMsg string
	err       error

	width  int
	height int
}

type campaignItem struct {
	campaign registry.Campaign
	runs     int
	updated  string
}

func (i campaignItem) Title() string { return i.campaign.Name }
func (i campaignItem) Description() string {
	return fmt.Sprintf("%d runs · updated %s", i.runs, i.updated)
}
func (i campaignItem) FilterValue() string { return i.campaign.Name }

type entryItem struct {
	entry ledger.Entry
}

func (i entryItem) Title() string {
	return fmt.Sprintf("%s %s (%s)", statusGlyph(i.entry.Status), i.entry.URL, i.entry.Lang)
}

func (i entryItem) Description() string {
	if i.entry.RunDir == "" {
		return string(i.entry.Status)
	}
	return fmt.Sprintf("%s · %s", i.entry.Status, i.entry.RunDir)
}
func (i entryItem) FilterValue() string { return i.entry.URL }

func statusGlyph(status ledger.Status) string {
	switch status {
	case ledger.StatusSuccess:
		return "✓"
	case ledger.StatusWarning:
		return "!"
	case ledger.StatusCanceled:
		return "○"
	default:
		return "✗"
	}
}

// NewApp wires the console against an already-initialized stack.
func NewApp(cfg *config.Config, reg *registry.Registry, store *ledger.Store, seq *sequencer.Sequencer, bus *events.Bus, logger *zap.Logger) *App {
	if logger == nil {
		logger = zap.NewNop()
	}
	campaignList := list.New(nil, list.NewDefaultDelegate(), 0, 0)
	campaignList.Title = "⬡ ASTRA CAMPAIGNS"
	campaignList.SetShowStatusBar(false)
	campaignList.SetFilteringEnabled(false)

	historyList := list.New(nil, list.NewDefaultDelegate(), 0, 0)
	historyList.SetShowStatusBar(false)
	historyList.SetFilteringEnabled(false)

	app := &App{
		cfg:          cfg,
		reg:          reg,
		store:        store,
		seq:          seq,
		bus:          bus,
		log:          logger,
		state:        stateCampaigns,
		campaignList: campaignList,
		historyList:  historyList,
		form:         newRunForm(cfg.DefaultCampaign(), cfg.DefaultLang()),
	}
	app.reloadCampaigns()
	return app
}

// Init is part of tea.Model.
func (a *App) Init() tea.Cmd {
	return nil
}

// Update is part of tea.Model.
func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch m := msg.(type) {
	case tea.WindowSizeMsg:
		a.width, a.height = m.Width, m.Height
		a.campaignList.SetSize(m.Width-4, m.Height-6)
		a.historyList.SetSize(m.Width-4, m.Height-6)
		return a, nil
	case sequenceEventMsg:
		return a.handleSequenceEvent(m)
	case tea.KeyMsg:
		switch a.state {
		case stateCampaigns:
			return a.updateCampaigns(m)
		case stateHistory:
			return a.updateHistory(m)
		case stateRunForm:
			return a.updateRunForm(m)
		case stateRunning:
			return a.updateRunning(m)
		}
	}
	return a, nil
}

// View is part of tea.Model.
func (a *App) View() string {
	var body string
	switch a.state {
	case stateCampaigns:
		body = a.campaignList.View() + "\n" +
			helpStyle.Render("enter: history · n: new run · d: delete campaign · q: quit")
	case stateHistory:
		body = a.historyList.View() + "\n" +
			helpStyle.Render("x: remove run · esc: back")
	case stateRunForm:
		body = a.form.View()
	case stateRunning:
		body = a.run.View()
	}

	footer := ""
	if a.err != nil {
		footer = errStyle.Render("error: " + a.err.Error())
	} else if a.statusMsg != "" {
		footer = statusStyle.Render(a.statusMsg)
	}
	if footer != "" {
		return body + "\n" + footer
	}
	return body
}

func (a *App) updateCampaigns(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		return a, tea.Quit
	case "enter":
		if item, ok := a.campaignList.SelectedItem().(campaignItem); ok {
			a.selected = item.campaign
			a.reloadHistory()
			a.state = stateHistory
		}
		return a, nil
	case "n":
		a.err = nil
		a.form = newRunForm(a.cfg.DefaultCampaign(), a.cfg.DefaultLang())
		if item, ok := a.campaignList.SelectedItem().(campaignItem); ok {
			a.form.campaign.SetValue(item.campaign.Name)
		}
		a.state = stateRunForm
		return a, a.form.Focus()
	case "d":
		if item, ok := a.campaignList.SelectedItem().(campaignItem); ok {
			runsRoot := a.reg.RunsDir(item.campaign.Slug)
			if err := a.reg.DeleteCampaign(item.campaign.Slug); err != nil {
				a.err = err
			} else {
				if _, err := a.store.RemoveUnder(runsRoot); err != nil {
					a.err = err
				}
				a.statusMsg = fmt.Sprintf("campaign %q deleted", item.campaign.Name)
				a.reloadCampaigns()
			}
		}
		return a, nil
	case "r":
		a.reloadCampaigns()
		return a, nil
	}
	var cmd tea.Cmd
	a.campaignList, cmd = a.campaignList.Update(msg)
	return a, cmd
}

func (a *App) updateHistory(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "esc", "b":
		a.state = stateCampaigns
		a.reloadCampaigns()
		return a, nil
	case "q", "ctrl+c":
		return a, tea.Quit
	case "x":
		if item, ok := a.historyList.SelectedItem().(entryItem); ok {
			if _, err := a.store.Remove(item.entry.ID); err != nil {
				a.err = err
			} else {
				a.statusMsg = "run removed"
				a.reloadHistory()
			}
		}
		return a, nil
	}
	var cmd tea.Cmd
	a.historyList, cmd = a.historyList.Update(msg)
	return a, cmd
}

func (a *App) updateRunForm(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "esc":
		a.state = stateCampaigns
		return a, nil
	case "ctrl+c":
		return a, tea.Quit
	case "enter":
		return a.startSequence()
	}
	cmd := a.form.Update(msg)
	return a, cmd
}

func (a *App) updateRunning(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "c":
		if handle := a.seq.Active(); handle != nil {
			handle.Cancel()
			a.statusMsg = "cancel requested"
		}
		return a, nil
	case "esc", "enter":
		if a.run != nil && a.run.finished {
			a.state = stateCampaigns
			a.reloadCampaigns()
		}
		return a, nil
	case "ctrl+c":
		if handle := a.seq.Active(); handle != nil {
			handle.Cancel()
		}
		return a, tea.Quit
	}
	return a, nil
}

// startSequence validates the form and launches the run loop.
func (a *App) startSequence() (tea.Model, tea.Cmd) {
	urls := a.form.URLs()
	lang, err := runspec.ParseLanguage(a.form.lang)
	if err != nil {
		a.err = err
		return a, nil
	}
	handle, err := a.seq.Start(sequencer.Request{
		URLs:     urls,
		Campaign: a.form.campaign.Value(),
		Lang:     lang,
	})
	if err != nil {
		a.err = err
		return a, nil
	}
	a.err = nil
	a.statusMsg = ""
	a.sub = a.bus.Subscribe()
	a.run = newRunView(handle.ID)
	a.state = stateRunning
	return a, waitForEvent(a.sub)
}

func (a *App) handleSequenceEvent(msg sequenceEventMsg) (tea.Model, tea.Cmd) {
	if !msg.ok {
		return a, nil
	}
	if a.run != nil {
		a.run.apply(msg.event)
	}
	if msg.event.Kind == events.KindSequenceFinished {
		a.sub.Close()
		a.statusMsg = "sequence finished"
		return a, nil
	}
	return a, waitForEvent(a.sub)
}

func waitForEvent(sub events.Subscription) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-sub.Events
		return sequenceEventMsg{event: ev, ok: ok}
	}
}

func (a *App) reloadCampaigns() {
	campaigns, err := a.reg.List()
	if err != nil {
		a.err = err
		return
	}
	a.campaigns = campaigns
	items := make([]list.Item, 0, len(campaigns))
	for _, c := range campaigns {
		item := campaignItem{campaign: c}
		if m, err := a.reg.Manifest(c.Slug); err == nil {
			item.runs = len(m.Runs)
			item.updated = m.UpdatedAt
		}
		items = append(items, item)
	}
	a.campaignList.SetItems(items)
}

// reloadHistory filters the ledger down to runs living under the
// selected campaign.
func (a *App) reloadHistory() {
	runsRoot := a.reg.RunsDir(a.selected.Slug)
	var items []list.Item
	for _, entry := range a.store.Load() {
		if entry.RunDir != "" && !fsguard.Within(runsRoot, entry.RunDir) {
			continue
		}
		items = append(items, entryItem{entry: entry})
	}
	a.historyList.Title = fmt.Sprintf("⬡ %s · RUN HISTORY", strings.ToUpper(a.selected.Name))
	a.historyList.SetItems(items)
}

// runForm collects the operator's targets, campaign and language.
type runForm struct {
	urls     textinput.Model
	campaign textinput.Model
	lang     string
	focus    int
}

func newRunForm(defaultCampaign, defaultLang string) runForm {
	urls := textinput.New()
	urls.Placeholder = "https://example.com, https://example.org"
	urls.CharLimit = 2048
	urls.Width = 72

	campaign := textinput.New()
	campaign.SetValue(defaultCampaign)
	campaign.CharLimit = 120
	campaign.Width = 40

	return runForm{urls: urls, campaign: campaign, lang: defaultLang}
}

func (f *runForm) Focus() tea.Cmd {
	f.focus = 0
	f.campaign.Blur()
	return f.urls.Focus()
}

func (f *runForm) Update(msg tea.KeyMsg) tea.Cmd {
	switch msg.String() {
	case "tab", "down":
		f.focus = (f.focus + 1) % 3
		return f.syncFocus()
	case "shift+tab", "up":
		f.focus = (f.focus + 2) % 3
		return f.syncFocus()
	case "left", "right":
		if f.focus == 2 {
			f.cycleLang(msg.String() == "right")
			return nil
		}
	}
	var cmd tea.Cmd
	switch f.focus {
	case 0:
		f.urls, cmd = f.urls.Update(msg)
	case 1:
		f.campaign, cmd = f.campaign.Update(msg)
	}
	return cmd
}

func (f *runForm) syncFocus() tea.Cmd {
	f.urls.Blur()
	f.campaign.Blur()
	switch f.focus {
	case 0:
		return f.urls.Focus()
	case 1:
		return f.campaign.Focus()
	}
	return nil
}

var langCycle = []string{"ro", "en", "both"}

func (f *runForm) cycleLang(forward bool) {
	idx := 0
	for i, l := range langCycle {
		if l == f.lang {
			idx = i
			break
		}
	}
	if forward {
		idx = (idx + 1) % len(langCycle)
	} else {
		idx = (idx + len(langCycle) - 1) % len(langCycle)
	}
	f.lang = langCycle[idx]
}

// URLs splits the target field on commas, whitespace and newlines.
func (f *runForm) URLs() []string {
	fields := strings.FieldsFunc(f.urls.Value(), func(r rune) bool {
		return r == ',' || r == ' ' || r == '\n' || r == '\t'
	})
	out := make([]string, 0, len(fields))
	for _, field := range fields {
		if trimmed := strings.TrimSpace(field); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func (f *runForm) View() string {
	marker := func(i int) string {
		if f.focus == i {
			return "> "
		}
		return "  "
	}
	var b strings.Builder
	b.WriteString(titleStyle.Render("⬡ NEW AUDIT RUN") + "\n\n")
	b.WriteString(marker(0) + "Targets:  " + f.urls.View() + "\n")
	b.WriteString(marker(1) + "Campaign: " + f.campaign.View() + "\n")
	b.WriteString(marker(2) + "Language: " + f.lang + dimStyle.Render("  (←/→ to change)") + "\n\n")
	b.WriteString(helpStyle.Render("tab: next field · enter: start · esc: back"))
	return b.String()
}
