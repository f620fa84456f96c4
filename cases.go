package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/Nxdus/asf-fieldmap/app"
	"github.com/Nxdus/asf-fieldmap/priority"
	"github.com/Nxdus/asf-fieldmap/services"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FF79C6")).
			Background(lipgloss.Color("#282A36")).
			Padding(0, 1)

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#8BE9FD")).
			Padding(0, 1)

	cellStyle = lipgloss.NewStyle().Padding(0, 1)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF5555"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#6272A4"))

	levelColors = map[string]lipgloss.Color{
		"critical": lipgloss.Color("#FF5555"),
		"high":     lipgloss.Color("#FFB86C"),
		"medium":   lipgloss.Color("#F1FA8C"),
		"low":      lipgloss.Color("#50FA7B"),
	}
)

var (
	casesLevel string
	casesLimit int
	casesJSON  bool
)

var casesCmd = &cobra.Command{
	Use:   "cases",
	Short: "Fetch the case feed once and print it by priority",
	Example: `  asf-fieldmap cases --level critical
  asf-fieldmap cases --limit 20 --json`,
	RunE: runCases,
}

func init() {
	casesCmd.Flags().StringVarP(&casesLevel, "level", "l", "all", "Priority level filter (critical, high, medium, low, all)")
	casesCmd.Flags().IntVarP(&casesLimit, "limit", "n", 0, "Maximum number of cases (0 for all)")
	casesCmd.Flags().BoolVar(&casesJSON, "json", false, "Print JSON instead of a table")
}

func runCases(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), cfg.HTTPTimeout)
	defer cancel()

	cases, _, _, err := services.NewHTTPFetcher(cfg.BackendURL, cfg.HTTPTimeout).Fetch(ctx, "")
	if err != nil {
		return fmt.Errorf("fetch cases: %w", err)
	}

	items := app.Rank(cases, cfg.Map.ClusterRadiusKm, time.Now(), casesLevel, casesLimit)

	out := cmd.OutOrStdout()
	if casesJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(items)
	}

	if !isatty.IsTerminal(os.Stdout.Fd()) {
		printPlain(out, items)
		return nil
	}

	fmt.Fprintln(out, titleStyle.Render(fmt.Sprintf("ASF cases (%d of %d)", len(items), len(cases))))
	if len(items) == 0 {
		fmt.Fprintln(out, dimStyle.Render("no cases"))
		return nil
	}
	fmt.Fprintln(out, caseTable(items))
	return nil
}

func caseRow(it app.PrioritizedCase) []string {
	return []string{
		it.Priority.Level,
		strconv.Itoa(it.Priority.Score),
		fmt.Sprintf("%.0f%%", priority.Normalize(it.Probability)*100),
		fmt.Sprintf("%.4f, %.4f", it.Lat, it.Lng),
		it.User,
		it.Organization,
		it.Date,
	}
}

var caseHeaders = []string{"LEVEL", "SCORE", "PROB", "LOCATION", "USER", "ORG", "DATE"}

func caseTable(items []app.PrioritizedCase) string {
	rows := make([][]string, 0, len(items))
	for _, it := range items {
		rows = append(rows, caseRow(it))
	}

	return table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(dimStyle).
		Headers(caseHeaders...).
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			if col == 0 && row < len(items) {
				return cellStyle.Foreground(levelColors[items[row].Priority.Level])
			}
			return cellStyle
		}).
		Render()
}

func printPlain(w io.Writer, items []app.PrioritizedCase) {
	for _, it := range items {
		row := caseRow(it)
		for i, v := range row {
			if i > 0 {
				fmt.Fprint(w, "\t")
			}
			fmt.Fprint(w, v)
		}
		fmt.Fprintln(w)
	}
}
