package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/helioslabs/ctxd/client"
	"github.com/helioslabs/ctxd/models"
)

/*
	ctxtop is a live terminal view of the context store: entries ranked
	the way eviction ranks them, plus the token budget gauge. It rides
	the same websocket broadcast every agent does, so what it shows is
	exactly what connected agents hold.
*/

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("42"))
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("245"))
	keyStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("81"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	gaugeFull   = lipgloss.NewStyle().Foreground(lipgloss.Color("203"))
	gaugeOK     = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	errStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("203")).Bold(true)
)

type snapshotMsg models.Snapshot

type streamClosedMsg struct{}

type model struct {
	updates  <-chan models.Snapshot
	snapshot models.Snapshot
	received int
	lastAt   time.Time
	closed   bool
	width    int
}

func waitForSnapshot(updates <-chan models.Snapshot) tea.Cmd {
	return func() tea.Msg {
		snap, ok := <-updates
		if !ok {
			return streamClosedMsg{}
		}
		return snapshotMsg(snap)
	}
}

func (m model) Init() tea.Cmd {
	return waitForSnapshot(m.updates)
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		}
	case tea.WindowSizeMsg:
		m.width = msg.Width
	case snapshotMsg:
		m.snapshot = models.Snapshot(msg)
		m.received++
		m.lastAt = time.Now()
		return m, waitForSnapshot(m.updates)
	case streamClosedMsg:
		m.closed = true
	}
	return m, nil
}

func (m model) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("ctxtop"))
	if m.closed {
		b.WriteString("  " + errStyle.Render("disconnected"))
	} else if !m.lastAt.IsZero() {
		b.WriteString(dimStyle.Render(fmt.Sprintf("  %d updates, last %s", m.received, m.lastAt.Format("15:04:05"))))
	}
	b.WriteString("\n\n")

	meta := m.snapshot.Metadata
	b.WriteString(m.renderGauge(meta))
	b.WriteString("\n\n")

	entries := make([]models.Entry, 0, len(m.snapshot.Entries))
	for _, entry := range m.snapshot.Entries {
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Priority != entries[j].Priority {
			return entries[i].Priority > entries[j].Priority
		}
		return entries[i].Timestamp.After(entries[j].Timestamp)
	})

	b.WriteString(headerStyle.Render(fmt.Sprintf("%-24s %4s %8s %-14s %s", "KEY", "PRI", "TOKENS", "SOURCE", "AGE")))
	b.WriteString("\n")
	if len(entries) == 0 {
		b.WriteString(dimStyle.Render("  (context is empty)"))
		b.WriteString("\n")
	}
	for _, entry := range entries {
		age := time.Since(entry.Timestamp).Truncate(time.Second)
		b.WriteString(fmt.Sprintf("%s %4d %8d %-14s %s\n",
			keyStyle.Render(fmt.Sprintf("%-24s", truncate(entry.Key, 24))),
			entry.Priority,
			entry.TokenCount,
			truncate(entry.Source, 14),
			dimStyle.Render(age.String()),
		))
	}

	b.WriteString("\n")
	b.WriteString(dimStyle.Render("q to quit"))
	return b.String()
}

func (m model) renderGauge(meta models.SnapshotMetadata) string {
	width := 40
	used := 0
	if meta.MaxTokens > 0 {
		used = meta.TotalTokens * width / meta.MaxTokens
		if used > width {
			used = width
		}
	}
	bar := strings.Repeat("█", used) + strings.Repeat("░", width-used)
	style := gaugeOK
	if meta.MaxTokens > 0 && meta.TotalTokens*10 >= meta.MaxTokens*9 {
		style = gaugeFull
	}
	return fmt.Sprintf("%s %s",
		style.Render(bar),
		dimStyle.Render(fmt.Sprintf("%d / %d tokens, %d entries", meta.TotalTokens, meta.MaxTokens, meta.EntryCount)),
	)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-1] + "…"
}

func main() {
	address := flag.String("address", "http://127.0.0.1:8899", "service address")
	token := flag.String("token", "", "bearer token (or CTXD_TOKEN)")
	skipVerify := flag.Bool("skip-verify", false, "skip TLS certificate verification")
	flag.Parse()

	credential := *token
	if credential == "" {
		credential = os.Getenv("CTXD_TOKEN")
	}
	if credential == "" {
		fmt.Fprintln(os.Stderr, "a token is required: pass --token or set CTXD_TOKEN")
		os.Exit(1)
	}

	listener, err := client.NewListener(&client.Config{
		Address:    *address,
		Token:      credential,
		SkipVerify: *skipVerify,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to build listener:", err)
		os.Exit(1)
	}
	defer listener.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	updates, err := listener.Listen(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to connect:", err)
		os.Exit(1)
	}

	p := tea.NewProgram(model{updates: updates}, tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fmt.Fprintln(os.Stderr, "ctxtop exited with error:", err)
		os.Exit(1)
	}
}
