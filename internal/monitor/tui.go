// Package monitor implements the -m/--monitor TUI premium table (spec
// section 6's CLI surface). Grounded on the retrieval pack's only
// bubbletea-based console UI, NimbleMarkets-dbn-go's internal/tui: a single
// bubbles/table.Model refreshed by a recurring tea.Tick command, rendered
// inside a lipgloss border, started with tea.WithAltScreen so it does not
// scroll the terminal.
package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"kimpbot/internal/cache"
	"kimpbot/internal/models"
	"kimpbot/internal/position"
	"kimpbot/internal/premium"
	"kimpbot/internal/signal"
)

const refreshInterval = 500 * time.Millisecond

// Source is the subset of *engine.Engine the TUI reads. Kept as an
// interface, the same narrowing discipline internal/execution uses for
// QuoteSource/UpdateWaiter, so this package does not import internal/engine
// and cannot accidentally reach for anything beyond a read-only snapshot.
type Source interface {
	Watches() []signal.SymbolWatch
	Quotes() *cache.QuoteCache
	Positions() *position.Tracker
	Venues() (korean, foreign models.Exchange)
}

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("229")).Background(lipgloss.Color("57"))
	borderStyle = lipgloss.NewStyle().Border(lipgloss.RoundedBorder())
	tableStyles = func() table.Styles {
		s := table.DefaultStyles()
		s.Header = s.Header.Bold(true)
		s.Selected = lipgloss.NewStyle()
		return s
	}()
)

// Run blocks rendering the premium table to stdout until the context is
// cancelled or the user quits (q/ctrl+c/esc).
func Run(ctx context.Context, src Source) error {
	model := newModel(src)
	p := tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(ctx))
	_, err := p.Run()
	return err
}

type tickMsg time.Time

type modelState struct {
	src   Source
	table table.Model
}

func newModel(src Source) modelState {
	columns := []table.Column{
		{Title: "Symbol", Width: 12},
		{Title: "Korean Bid/Ask", Width: 18},
		{Title: "Foreign Bid/Ask", Width: 18},
		{Title: "Entry Prem %", Width: 12},
		{Title: "Exit Prem %", Width: 12},
		{Title: "Position", Width: 10},
	}
	t := table.New(table.WithColumns(columns), table.WithStyles(tableStyles), table.WithFocused(false))
	return modelState{src: src, table: t}
}

func (m modelState) Init() tea.Cmd {
	return tick()
}

func tick() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m modelState) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		}
	case tickMsg:
		m.table.SetRows(m.rows())
		return m, tick()
	}
	return m, nil
}

func (m modelState) View() string {
	header := headerStyle.Render(" kimpbot premium monitor — q to quit ")
	return header + "\n" + borderStyle.Render(m.table.View())
}

func (m modelState) rows() []table.Row {
	korean, foreign := m.src.Venues()
	qc := m.src.Quotes()
	tracker := m.src.Positions()

	watches := m.src.Watches()
	rows := make([]table.Row, 0, len(watches))
	for _, w := range watches {
		k := qc.Get(korean, w.Symbol)
		f := qc.Get(foreign, w.Symbol)
		usdt := qc.GetUsdtRate(korean)

		entryPremium := premium.EntryPremium(k.Ask, f.Bid, usdt)
		exitPremium := premium.ExitPremium(k.Bid, f.Ask, usdt)

		posLabel := "-"
		if tracker.HasPosition(w.Symbol) {
			posLabel = "open"
		}

		rows = append(rows, table.Row{
			w.Symbol.Base,
			fmt.Sprintf("%.0f/%.0f", k.Bid, k.Ask),
			fmt.Sprintf("%.2f/%.2f", f.Bid, f.Ask),
			fmt.Sprintf("%.3f", entryPremium),
			fmt.Sprintf("%.3f", exitPremium),
			posLabel,
		})
	}
	return rows
}
