package main

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/Mschirtzinger/vaultsync/internal/vault/changes"
)

// statusSummary is what 'vsync status' reports for one record.
type statusSummary struct {
	Record  string
	Backend string
	Online  bool
	Pending map[string]int // type id -> pending changes
	Retries int            // changes that failed at least once
	Loaded  []string
	Locked  int
}

func summarize(list []*changes.Change) (map[string]int, int) {
	pending := make(map[string]int)
	retries := 0
	for _, c := range list {
		pending[c.TypeID]++
		if c.Attempt > 0 {
			retries++
		}
	}
	return pending, retries
}

func (s statusSummary) render() string {
	var b strings.Builder
	online := renderPass("online")
	if !s.Online {
		online = renderWarn("offline")
	}
	fmt.Fprintf(&b, "%s %s  %s  %s\n", renderAccent("Record"), s.Record, renderMuted(s.Backend), online)

	if len(s.Pending) == 0 {
		b.WriteString(renderPass("No pending changes") + "\n")
	} else {
		types := make([]string, 0, len(s.Pending))
		total := 0
		for t, n := range s.Pending {
			types = append(types, t)
			total += n
		}
		sort.Strings(types)
		fmt.Fprintf(&b, "%s %d\n", renderWarn("Pending changes:"), total)
		for _, t := range types {
			fmt.Fprintf(&b, "  %-20s %d\n", t, s.Pending[t])
		}
		if s.Retries > 0 {
			fmt.Fprintf(&b, "  %s\n", renderWarn(fmt.Sprintf("%d change(s) failed before and will be retried", s.Retries)))
		}
	}
	if len(s.Loaded) > 0 {
		fmt.Fprintf(&b, "%s %s\n", renderMuted("Loaded types:"), strings.Join(s.Loaded, ", "))
	}
	if s.Locked > 0 {
		fmt.Fprintf(&b, "%s %d\n", renderMuted("Items being edited:"), s.Locked)
	}
	return strings.TrimRight(b.String(), "\n")
}

func collectStatus(ctx context.Context, e *env) (statusSummary, error) {
	list, err := e.record.Data().Changes().Table().Changes(ctx)
	if err != nil {
		return statusSummary{}, err
	}
	pending, retries := summarize(list)
	return statusSummary{
		Record:  e.record.ID(),
		Backend: e.settings.Backend,
		Online:  e.connect.IsOnline(ctx),
		Pending: pending,
		Retries: retries,
		Loaded:  e.record.Types().LoadedTypes(),
		Locked:  e.record.Data().Locks().Count(),
	}, nil
}

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "sync",
	Short:   "Show pending changes and connectivity",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		e, err := openEnv(ctx, settings, logger)
		if err != nil {
			return err
		}
		defer e.Close()

		s, err := collectStatus(ctx, e)
		if err != nil {
			return err
		}
		fmt.Println(boxStyle.Render(s.render()))
		fmt.Println(lipgloss.NewStyle().Faint(true).Render("data: " + e.settings.DataDir))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
