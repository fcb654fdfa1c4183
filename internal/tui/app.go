// internal/tui/app.go
//
// The covault status dashboard. It uses bubbletea, which follows The
// Elm Architecture:
//
// 1. Model: Your application state
// 2. Update: A function that updates state based on messages
// 3. View: A function that renders state to a string
//
// The flow is: User Input -> Message -> Update -> New Model -> View -> Screen
//
// The dashboard is read-only: it renders queue depths, claims, loop
// states, unresolved errors, and agent health from the vault tree and
// never mutates any of them.

package tui

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/list"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/tessrk/covault/internal/agent"
	"github.com/tessrk/covault/internal/config"
	"github.com/tessrk/covault/internal/ledger"
	"github.com/tessrk/covault/internal/logbook"
	"github.com/tessrk/covault/internal/loop"
	"github.com/tessrk/covault/internal/recovery"
	"github.com/tessrk/covault/internal/vault"
)

const boardRefreshInterval = 3 * time.Second

type boardFocus int

const (
	focusQueues boardFocus = iota
	focusLoops
)

type queueCount struct {
	Name  string
	Count int
}

type statusSnapshot struct {
	queues  []queueCount
	claims  map[string][]string
	loops   []*loop.State
	errors  []recovery.ErrorRecord
	health  []agent.HealthSignal
	recent  []ledger.Record
	fetched time.Time
	err     error
}

type statusRefreshMsg struct {
	snapshot statusSnapshot
}

// App is the dashboard model. In bubbletea, this holds ALL your state.
type App struct {
	cfg     config.Config
	layout  *vault.Layout
	ledger  *ledger.Ledger
	recover *recovery.Engine
	loops   *loop.Manager
	logbook *logbook.Logbook

	snapshot  statusSnapshot
	boardErr  string
	statusMsg string

	focus    boardFocus
	loopMenu list.Model

	width  int
	height int
}

// loopItem adapts a loop state to the bubbles list.Item interface.
type loopItem struct {
	state *loop.State
}

func (i loopItem) Title() string {
	return fmt.Sprintf("%s · %s", i.state.ID, i.state.Status)
}

func (i loopItem) Description() string {
	desc := fmt.Sprintf("%d/%d iterations", i.state.Iteration, i.state.MaxIterations)
	if i.state.Reason != "" {
		desc += " · " + i.state.Reason
	}
	return desc
}

func (i loopItem) FilterValue() string { return i.state.ID }

// NewApp creates the dashboard over an already-assembled vault runtime.
func NewApp(cfg config.Config, layout *vault.Layout, led *ledger.Ledger,
	eng *recovery.Engine, loops *loop.Manager, lb *logbook.Logbook) *App {
	loopMenu := list.New(nil, list.NewDefaultDelegate(), 72, 12)
	loopMenu.Title = "Loops"
	loopMenu.SetShowStatusBar(false)
	loopMenu.SetFilteringEnabled(false)
	return &App{
		cfg:       cfg,
		layout:    layout,
		ledger:    led,
		recover:   eng,
		loops:     loops,
		logbook:   lb,
		loopMenu:  loopMenu,
		statusMsg: "q quit · r refresh · tab switch panel",
	}
}

// Init is called once when the program starts.
func (a *App) Init() tea.Cmd {
	return a.fetchStatusSnapshot()
}

// Update is called when a message is received.
func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		a.loopMenu.SetSize(max(20, msg.Width/2), max(6, msg.Height/3))
		return a, nil

	case statusRefreshMsg:
		if msg.snapshot.err != nil {
			a.boardErr = msg.snapshot.err.Error()
		} else {
			a.boardErr = ""
			a.snapshot = msg.snapshot
			items := make([]list.Item, len(a.snapshot.loops))
			for i, state := range a.snapshot.loops {
				items[i] = loopItem{state: state}
			}
			a.loopMenu.SetItems(items)
		}
		return a, a.scheduleStatusRefresh()

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			return a, tea.Quit
		case "r":
			a.statusMsg = "Refreshing..."
			return a, a.fetchStatusSnapshot()
		case "tab":
			if a.focus == focusQueues && len(a.snapshot.loops) > 0 {
				a.focus = focusLoops
			} else {
				a.focus = focusQueues
			}
			return a, nil
		}
	}

	if a.focus == focusLoops {
		var cmd tea.Cmd
		a.loopMenu, cmd = a.loopMenu.Update(msg)
		return a, cmd
	}
	return a, nil
}

func (a *App) fetchStatusSnapshot() tea.Cmd {
	return func() tea.Msg {
		return statusRefreshMsg{snapshot: a.buildStatusSnapshot()}
	}
}

func (a *App) scheduleStatusRefresh() tea.Cmd {
	return tea.Tick(boardRefreshInterval, func(time.Time) tea.Msg {
		return statusRefreshMsg{snapshot: a.buildStatusSnapshot()}
	})
}

// buildStatusSnapshot gathers everything the board shows in one pass.
func (a *App) buildStatusSnapshot() statusSnapshot {
	snapshot := statusSnapshot{fetched: time.Now().UTC()}

	snapshot.queues = []queueCount{
		{Name: vault.PendingDir, Count: countItems(a.layout.Pending())},
		{Name: vault.ApprovedDir, Count: countItems(a.layout.Approved())},
		{Name: vault.RejectedDir, Count: countItems(a.layout.Rejected())},
		{Name: vault.DoneDir, Count: countItems(a.layout.Done())},
	}
	snapshot.claims = readClaims(a.layout)

	states, err := a.loops.List()
	if err != nil {
		snapshot.err = err
		return snapshot
	}
	snapshot.loops = states

	if a.recover != nil {
		snapshot.errors = a.recover.ActiveErrors()
	}
	snapshot.health = readHealthSignals(a.layout)

	recent, err := a.ledger.Query(ledger.Filter{Since: time.Now().UTC().Add(-24 * time.Hour)})
	if err != nil {
		snapshot.err = err
		return snapshot
	}
	if len(recent) > 8 {
		recent = recent[len(recent)-8:]
	}
	snapshot.recent = recent
	return snapshot
}

func countItems(dir string) int {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}
	count := 0
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".md") {
			count++
		}
	}
	return count
}

func readClaims(layout *vault.Layout) map[string][]string {
	claims := map[string][]string{}
	entries, err := os.ReadDir(layout.OwnedRoot())
	if err != nil {
		return claims
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		var items []string
		owned, err := os.ReadDir(filepath.Join(layout.OwnedRoot(), entry.Name()))
		if err != nil {
			continue
		}
		for _, item := range owned {
			if !item.IsDir() && strings.HasSuffix(item.Name(), ".md") {
				items = append(items, item.Name())
			}
		}
		claims[entry.Name()] = items
	}
	return claims
}

func readHealthSignals(layout *vault.Layout) []agent.HealthSignal {
	entries, err := os.ReadDir(layout.Signals())
	if err != nil {
		return nil
	}
	var signals []agent.HealthSignal
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(layout.Signals(), entry.Name()))
		if err != nil {
			continue
		}
		var signal agent.HealthSignal
		if err := json.Unmarshal(data, &signal); err != nil {
			continue
		}
		signals = append(signals, signal)
	}
	sort.Slice(signals, func(i, j int) bool { return signals[i].AgentID < signals[j].AgentID })
	return signals
}

// View renders the current state to a string.
func (a *App) View() string {
	width := a.width
	if width <= 0 {
		width = 100
	}
	rightWidth := max(32, width/3)
	leftWidth := width - rightWidth - 4
	if leftWidth < 40 {
		leftWidth = width - 4
		rightWidth = 0
	}

	header := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("#5B8DEF")).
		MarginBottom(1).
		Render(fmt.Sprintf("◆ COVAULT · %s", a.cfg.AgentID))

	left := lipgloss.JoinVertical(lipgloss.Left,
		a.renderQueuePanel(leftWidth-4),
		"",
		a.renderLoopPanel(leftWidth-4),
	)
	leftBox := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("#444444")).
		Padding(0, 1).
		Width(max(20, leftWidth)).
		Render(left)

	var body string
	if rightWidth > 0 {
		right := lipgloss.JoinVertical(lipgloss.Left,
			a.renderErrorPanel(rightWidth-4),
			"",
			a.renderHealthPanel(rightWidth-4),
		)
		rightBox := lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#444444")).
			Padding(0, 1).
			Width(max(20, rightWidth)).
			Render(right)
		body = lipgloss.JoinHorizontal(lipgloss.Top, leftBox, rightBox)
	} else {
		body = leftBox
	}

	sections := []string{header, body}
	if panel := a.renderActivityPanel(); panel != "" {
		sections = append(sections, panel)
	}
	if panel := a.renderLogPanel(); panel != "" {
		sections = append(sections, panel)
	}
	footerText := a.statusMsg
	if a.boardErr != "" {
		footerText = "⚠ " + a.boardErr
	}
	footer := lipgloss.NewStyle().
		Foreground(lipgloss.Color("#888888")).
		MarginTop(1).
		Render(footerText)
	sections = append(sections, footer)
	return strings.Join(sections, "\n")
}

func (a *App) renderQueuePanel(width int) string {
	title := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("#5B8DEF")).
		Render("Queues")
	var lines []string
	for _, queue := range a.snapshot.queues {
		lines = append(lines, fmt.Sprintf("%-9s %d", queue.Name, queue.Count))
	}
	agents := make([]string, 0, len(a.snapshot.claims))
	for agentID := range a.snapshot.claims {
		agents = append(agents, agentID)
	}
	sort.Strings(agents)
	for _, agentID := range agents {
		items := a.snapshot.claims[agentID]
		line := fmt.Sprintf("Owned/%s  %d", agentID, len(items))
		if len(items) > 0 {
			line += " · " + strings.Join(items, ", ")
		}
		lines = append(lines, line)
	}
	body := strings.Join(lines, "\n")
	return lipgloss.NewStyle().Width(max(20, width)).Render(title + "\n" + body)
}

func (a *App) renderLoopPanel(width int) string {
	if len(a.snapshot.loops) == 0 {
		title := lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#5B8DEF")).
			Render("Loops (0)")
		note := lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")).Render("No loops recorded.")
		return lipgloss.JoinVertical(lipgloss.Left, title, note)
	}
	a.loopMenu.Title = fmt.Sprintf("Loops (%d)", len(a.snapshot.loops))
	return lipgloss.NewStyle().Width(max(20, width)).Render(a.loopMenu.View())
}

func (a *App) renderErrorPanel(width int) string {
	title := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("#FF6B6B")).
		Render(fmt.Sprintf("Active Errors (%d)", len(a.snapshot.errors)))
	if len(a.snapshot.errors) == 0 {
		note := lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")).Render("No unresolved errors.")
		return lipgloss.JoinVertical(lipgloss.Left, title, note)
	}
	var lines []string
	shown := a.snapshot.errors
	if len(shown) > 5 {
		shown = shown[len(shown)-5:]
	}
	for _, record := range shown {
		lines = append(lines, fmt.Sprintf("%s · %s · %s (attempt %d, %s)",
			record.ErrorID, record.Category, record.Component,
			record.RecoveryAttempts, record.RecoveryAction))
	}
	body := lipgloss.NewStyle().Width(max(20, width)).Render(strings.Join(lines, "\n"))
	return lipgloss.JoinVertical(lipgloss.Left, title, body)
}

func (a *App) renderHealthPanel(width int) string {
	title := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("#5B8DEF")).
		Render("Agent Health")
	if len(a.snapshot.health) == 0 {
		note := lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")).Render("No health signals yet.")
		return lipgloss.JoinVertical(lipgloss.Left, title, note)
	}
	var lines []string
	for _, signal := range a.snapshot.health {
		age := "never"
		if !signal.Timestamp.IsZero() {
			age = humanizeDuration(time.Since(signal.Timestamp)) + " ago"
		}
		lines = append(lines, fmt.Sprintf("%s · %s · %d owned · seen %s",
			signal.AgentID, signal.Status, signal.OwnedCount, age))
	}
	body := lipgloss.NewStyle().Width(max(20, width)).Render(strings.Join(lines, "\n"))
	return lipgloss.JoinVertical(lipgloss.Left, title, body)
}

func (a *App) renderActivityPanel() string {
	if len(a.snapshot.recent) == 0 {
		return ""
	}
	head := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("#5B8DEF")).
		Render("AUDIT · last 24h")
	var lines []string
	for _, record := range a.snapshot.recent {
		lines = append(lines, fmt.Sprintf("%s %s %s (%s)",
			record.Timestamp.Format("15:04:05"), record.Component, record.Action, record.Status))
	}
	body := lipgloss.NewStyle().
		Foreground(lipgloss.Color("#AAAAAA")).
		Render(strings.Join(lines, "\n"))
	return lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("#444444")).
		Padding(0, 1).
		Render(fmt.Sprintf("%s\n%s", head, body))
}

func (a *App) renderLogPanel() string {
	if a.logbook == nil {
		return ""
	}
	lines, _ := a.logbook.Tail(6)
	if len(lines) == 0 {
		return ""
	}
	fileName := filepath.Base(a.logbook.Path())
	head := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("#5B8DEF")).
		Render(fmt.Sprintf("LOG · %s", fileName))
	body := lipgloss.NewStyle().
		Foreground(lipgloss.Color("#AAAAAA")).
		Render(strings.Join(lines, "\n"))
	return lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("#444444")).
		Padding(0, 1).
		Render(fmt.Sprintf("%s\n%s", head, body))
}

func humanizeDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm", int(d.Minutes()))
	}
	return fmt.Sprintf("%dh", int(d.Hours()))
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
