package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/Nxdus/asf-fieldmap/app"
	"github.com/Nxdus/asf-fieldmap/poller"
	"github.com/Nxdus/asf-fieldmap/services"
)

var watchTop int

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow the case feed live in the terminal",
	RunE:  runWatch,
}

func init() {
	watchCmd.Flags().IntVarP(&watchTop, "top", "n", 10, "Number of highest priority cases to show")
}

var (
	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#BD93F9")).
			Padding(0, 1)

	statStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FFB86C"))
)

type casesMsg []services.CaseRecord

type statusMsg poller.Status

func statusTick(p *poller.Poller) tea.Cmd {
	return tea.Tick(time.Second, func(time.Time) tea.Msg {
		return statusMsg(p.Status())
	})
}

type watchModel struct {
	poller  *poller.Poller
	spinner spinner.Model
	top     int

	total   int
	items   []app.PrioritizedCase
	status  poller.Status
	updated time.Time
	loaded  bool
}

func newWatchModel(p *poller.Poller, top int) watchModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF79C6"))

	m := watchModel{poller: p, spinner: s, top: top}
	if cases := p.Cases(); len(cases) > 0 {
		m = m.withCases(cases)
	}
	return m
}

func (m watchModel) withCases(cases []services.CaseRecord) watchModel {
	m.total = len(cases)
	m.items = app.Rank(cases, cfg.Map.ClusterRadiusKm, time.Now(), "", m.top)
	m.updated = time.Now()
	m.loaded = true
	return m
}

func (m watchModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, statusTick(m.poller))
}

func (m watchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		}
	case casesMsg:
		return m.withCases(msg), nil
	case statusMsg:
		m.status = poller.Status(msg)
		if !m.status.LastSuccess.IsZero() {
			m.loaded = true
		}
		return m, statusTick(m.poller)
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m watchModel) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("ASF case feed") + "\n\n")

	if !m.loaded {
		b.WriteString(m.spinner.View() + " Waiting for the first poll...\n")
	} else {
		b.WriteString(fmt.Sprintf("Cases: %s", statStyle.Render(fmt.Sprintf("%d", m.total))))
		if !m.updated.IsZero() {
			b.WriteString(dimStyle.Render(fmt.Sprintf("  updated %s", m.updated.Format("15:04:05"))))
		}
		b.WriteString("\n")
		if len(m.items) > 0 {
			b.WriteString(caseTable(m.items) + "\n")
		}
	}

	if m.status.LastError != "" {
		b.WriteString(boxStyle.Render(errorStyle.Render(m.status.LastError)) + "\n")
	}

	b.WriteString(dimStyle.Render(fmt.Sprintf("every %s  q to quit", cfg.Poll.Interval)) + "\n")
	return b.String()
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var cache services.SnapshotCache
	if rdb := connectRedis(); rdb != nil {
		defer rdb.Close()
		cache = services.NewRedisSnapshotCache(rdb, cfg.Redis.Prefix, cfg.Poll.CacheTTL)
	}

	p := poller.New(services.NewHTTPFetcher(cfg.BackendURL, cfg.HTTPTimeout), cache, cfg.Poll.Interval)

	if !isatty.IsTerminal(os.Stdout.Fd()) {
		return watchPlain(ctx, cmd, p)
	}

	// log lines would tear the alt screen; poll errors are shown in the view
	slog.SetDefault(slog.New(slog.NewTextHandler(io.Discard, nil)))

	prog := tea.NewProgram(newWatchModel(p, watchTop), tea.WithContext(ctx), tea.WithAltScreen())
	unsubscribe := p.Subscribe(func(cases []services.CaseRecord) {
		prog.Send(casesMsg(cases))
	})
	defer unsubscribe()

	if _, err := p.Start(ctx); err != nil {
		return err
	}
	defer p.Stop()

	if _, err := prog.Run(); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

func watchPlain(ctx context.Context, cmd *cobra.Command, p *poller.Poller) error {
	out := cmd.OutOrStdout()
	unsubscribe := p.Subscribe(func(cases []services.CaseRecord) {
		items := app.Rank(cases, cfg.Map.ClusterRadiusKm, time.Now(), "", watchTop)
		fmt.Fprintf(out, "%s cases=%d\n", time.Now().Format(time.RFC3339), len(cases))
		printPlain(out, items)
	})
	defer unsubscribe()

	if _, err := p.Start(ctx); err != nil {
		return err
	}
	defer p.Stop()

	<-ctx.Done()
	return nil
}
