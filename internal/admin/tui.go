// Package admin renders a local terminal dashboard over the memory database.
package admin

import (
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/xiy/agent-core/internal/store"
	"github.com/xiy/agent-core/pkg/types"
)

type tickMsg time.Time
type dashboardMsg struct {
	stats    types.MemoryStats
	reqLogs  []store.RequestLog
	audit    []types.AuditLogEntry
	err      error
	duration time.Duration
}

// Source is the read side the dashboard polls. *store.SQLiteStore satisfies it.
type Source interface {
	Stats(ctx context.Context) (types.MemoryStats, error)
	RecentRequestLogs(ctx context.Context, limit int) ([]store.RequestLog, error)
	AuditLog(ctx context.Context, memoryID string, limit int) ([]types.AuditLogEntry, error)
}

type model struct {
	ctx           context.Context
	st            Source
	title         string
	stats         types.MemoryStats
	reqLogs       []store.RequestLog
	audit         []types.AuditLogEntry
	lastErr       error
	lastTick      time.Time
	logLines      []string
	maxLogs       int
	requestsLimit int
	auditLimit    int
	width         int
	height        int
}

// Run starts a lightweight local admin dashboard.
func Run(ctx context.Context, st Source, title string) error {
	m := newModel(ctx, st, title)
	p := tea.NewProgram(m, tea.WithAltScreen())
	_, err := p.Run()
	return err
}

func newModel(ctx context.Context, st Source, title string) model {
	m := model{
		ctx:           ctx,
		st:            st,
		title:         title,
		maxLogs:       10,
		requestsLimit: 8,
		auditLimit:    8,
	}
	return m.appendLog("admin UI started")
}

func (m model) Init() tea.Cmd {
	return tea.Batch(fetchDashboardCmd(m.ctx, m.st, m.requestsLimit, m.auditLimit), tickCmd())
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m = m.appendLog("received quit signal")
			return m, tea.Quit
		}
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
	case tickMsg:
		m.lastTick = time.Time(msg)
		return m, tea.Batch(fetchDashboardCmd(m.ctx, m.st, m.requestsLimit, m.auditLimit), tickCmd())
	case dashboardMsg:
		m.lastErr = msg.err
		if msg.err == nil {
			m.stats = msg.stats
			m.reqLogs = msg.reqLogs
			m.audit = msg.audit
			m = m.appendLog(fmt.Sprintf(
				"refresh ok total=%d short=%d long=%d req=%d audit=%d (%s)",
				msg.stats.Total,
				msg.stats.ByTier[types.TierShortTerm],
				msg.stats.ByTier[types.TierLongTerm],
				len(msg.reqLogs),
				len(msg.audit),
				formatDuration(msg.duration),
			))
		} else {
			m = m.appendLog(fmt.Sprintf("refresh error: %v", msg.err))
		}
	}
	return m, nil
}

func (m model) View() string {
	title := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205")).Render(m.title + " admin")
	meta := lipgloss.NewStyle().Foreground(lipgloss.Color("241")).Render("q to quit • refresh every 2s")

	statsBody := m.renderStats()
	logBody := "(no log events yet)"
	if len(m.logLines) > 0 {
		logBody = strings.Join(m.logLines, "\n")
	}

	paneWidth := 54
	if m.width > 0 {
		paneWidth = max(38, (m.width-3)/2)
	}
	paneHeight := 9
	if m.height > 0 {
		paneHeight = max(8, (m.height-8)/2)
	}

	topRow := joinColumns(
		renderPane("Stats", statsBody, paneWidth, paneHeight),
		renderPane("General Logs", logBody, paneWidth, paneHeight),
	)
	bottomRow := joinColumns(
		renderPane("Requests", formatRequestPane(m.reqLogs), paneWidth, paneHeight),
		renderPane("Audit Trail", formatAuditPane(m.audit), paneWidth, paneHeight),
	)

	return lipgloss.JoinVertical(
		lipgloss.Left,
		title,
		meta,
		"",
		topRow,
		bottomRow,
	)
}

func (m model) renderStats() string {
	body := fmt.Sprintf(
		"Total memories:  %d\nShort-term:      %d\nLong-term:       %d\nSoft-deleted:    %d\nAudit entries:   %d\nLast refresh:    %s",
		m.stats.Total,
		m.stats.ByTier[types.TierShortTerm],
		m.stats.ByTier[types.TierLongTerm],
		m.stats.SoftDeleted,
		m.stats.AuditEntries,
		formatTime(m.lastTick),
	)
	if m.lastErr != nil {
		body += "\n\nLast error: " + truncateText(compactWhitespace(m.lastErr.Error()), 120)
	}
	return body
}

func fetchDashboardCmd(ctx context.Context, st Source, reqLimit, auditLimit int) tea.Cmd {
	return func() tea.Msg {
		start := time.Now()
		s, err := st.Stats(ctx)
		if err != nil {
			return dashboardMsg{err: err, duration: time.Since(start)}
		}

		reqLogs, err := st.RecentRequestLogs(ctx, reqLimit)
		if err != nil {
			return dashboardMsg{stats: s, err: err, duration: time.Since(start)}
		}

		audit, err := st.AuditLog(ctx, "", auditLimit)
		if err != nil {
			return dashboardMsg{stats: s, reqLogs: reqLogs, err: err, duration: time.Since(start)}
		}

		return dashboardMsg{
			stats:    s,
			reqLogs:  reqLogs,
			audit:    audit,
			duration: time.Since(start),
		}
	}
}

func tickCmd() tea.Cmd {
	return tea.Tick(2*time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Format(time.RFC3339)
}

func (m model) appendLog(line string) model {
	if strings.TrimSpace(line) == "" {
		return m
	}
	entry := fmt.Sprintf("[%s] %s", time.Now().UTC().Format("15:04:05"), line)
	m.logLines = append(m.logLines, entry)
	if m.maxLogs <= 0 {
		m.maxLogs = 10
	}
	if len(m.logLines) > m.maxLogs {
		m.logLines = m.logLines[len(m.logLines)-m.maxLogs:]
	}
	return m
}

func formatDuration(d time.Duration) string {
	if d < time.Millisecond {
		return d.String()
	}
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	return d.Round(10 * time.Millisecond).String()
}

func renderPane(title, body string, width, height int) string {
	style := lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(1, 2)
	if width > 0 {
		style = style.Width(width)
	}
	if height > 0 {
		style = style.Height(height)
	}
	return style.Render(title + "\n\n" + body)
}

func joinColumns(left, right string) string {
	return lipgloss.JoinHorizontal(lipgloss.Top, left, " ", right)
}

func formatRequestPane(rows []store.RequestLog) string {
	if len(rows) == 0 {
		return "(no requests yet)"
	}
	lines := make([]string, 0, len(rows))
	for _, row := range rows {
		target := strings.TrimSpace(row.Method) + " " + strings.TrimSpace(row.Path)
		line := fmt.Sprintf(
			"[%s] %3d %-28s %4dms",
			formatClock(row.CreatedAt),
			row.Status,
			truncateText(target, 28),
			max(0, row.DurationMS),
		)
		if row.Status >= 400 && strings.TrimSpace(row.ErrorText) != "" {
			line += " " + truncateText(compactWhitespace(row.ErrorText), 48)
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

func formatAuditPane(rows []types.AuditLogEntry) string {
	if len(rows) == 0 {
		return "(no audit entries yet)"
	}
	lines := make([]string, 0, len(rows))
	for _, row := range rows {
		lines = append(lines, fmt.Sprintf(
			"[%s] %-8s %-11s %s",
			formatClock(row.Timestamp),
			row.Operation,
			row.Operator,
			truncateText(row.MemoryID, 40),
		))
	}
	return strings.Join(lines, "\n")
}

func formatClock(t time.Time) string {
	if t.IsZero() {
		return "--:--:--"
	}
	return t.UTC().Format("15:04:05")
}

func truncateText(s string, limit int) string {
	s = strings.TrimSpace(s)
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	if limit <= 3 {
		return string(r[:limit])
	}
	return string(r[:limit-3]) + "..."
}

func compactWhitespace(s string) string {
	return strings.Join(strings.Fields(strings.TrimSpace(s)), " ")
}
