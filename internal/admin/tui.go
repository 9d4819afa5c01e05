package admin

import (
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/xiy/session-memory/internal/storage"
	"github.com/xiy/session-memory/pkg/types"
)

const refreshInterval = 2 * time.Second

// Source feeds the dashboard.
type Source interface {
	Summaries(ctx context.Context) ([]types.SessionSummary, error)
	RecentRequestLogs(ctx context.Context, limit int) ([]storage.RequestLog, error)
}

type backendSource struct {
	b storage.Backend
}

// BackendSource reads a storage backend. Request logs are shown only when
// the backend records them.
func BackendSource(b storage.Backend) Source {
	return backendSource{b: b}
}

func (s backendSource) Summaries(ctx context.Context) ([]types.SessionSummary, error) {
	return storage.Summaries(ctx, s.b)
}

func (s backendSource) RecentRequestLogs(ctx context.Context, limit int) ([]storage.RequestLog, error) {
	r, ok := s.b.(storage.RequestLogReader)
	if !ok {
		return nil, nil
	}
	return r.RecentRequestLogs(ctx, limit)
}

type tickMsg time.Time

type dashboardMsg struct {
	sessions []types.SessionSummary
	reqLogs  []storage.RequestLog
	err      error
	duration time.Duration
}

type totals struct {
	sessions, total, short, long int
}

type model struct {
	ctx           context.Context
	src           Source
	sessions      []types.SessionSummary
	totals        totals
	reqLogs       []storage.RequestLog
	lastErr       error
	lastTick      time.Time
	logLines      []string
	maxLogs       int
	requestsLimit int
	width         int
	height        int
}

func newModel(ctx context.Context, src Source) model {
	m := model{
		ctx:           ctx,
		src:           src,
		maxLogs:       10,
		requestsLimit: 8,
	}
	return m.appendLog("admin UI started")
}

// Run starts the local admin dashboard and blocks until it is closed.
func Run(ctx context.Context, src Source) error {
	p := tea.NewProgram(newModel(ctx, src), tea.WithAltScreen(), tea.WithContext(ctx))
	_, err := p.Run()
	return err
}

func (m model) Init() tea.Cmd {
	return tea.Batch(fetchDashboardCmd(m.ctx, m.src, m.requestsLimit), tickCmd())
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m.appendLog("received quit signal"), tea.Quit
		case "r":
			return m.appendLog("manual refresh"), fetchDashboardCmd(m.ctx, m.src, m.requestsLimit)
		}
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
	case tickMsg:
		m.lastTick = time.Time(msg)
		return m, tea.Batch(fetchDashboardCmd(m.ctx, m.src, m.requestsLimit), tickCmd())
	case dashboardMsg:
		m.lastErr = msg.err
		if msg.err != nil {
			return m.appendLog(fmt.Sprintf("refresh error: %v", msg.err)), nil
		}
		m.sessions = msg.sessions
		m.reqLogs = msg.reqLogs
		m.totals = sumSessions(msg.sessions)
		m = m.appendLog(fmt.Sprintf(
			"refresh ok sessions=%d total=%d short=%d long=%d req=%d (%s)",
			m.totals.sessions,
			m.totals.total,
			m.totals.short,
			m.totals.long,
			len(msg.reqLogs),
			formatDuration(msg.duration),
		))
	}
	return m, nil
}

func sumSessions(rows []types.SessionSummary) totals {
	t := totals{sessions: len(rows)}
	for _, r := range rows {
		t.total += r.Total
		t.short += r.ShortTerm
		t.long += r.LongTerm
	}
	return t
}

func (m model) View() string {
	title := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205")).Render("session-memory admin")
	meta := lipgloss.NewStyle().Foreground(lipgloss.Color("241")).Render("q to quit • r to refresh • refresh every 2s")

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

	top := lipgloss.JoinHorizontal(lipgloss.Top,
		renderPane("Stats", m.renderStats(), paneWidth, paneHeight),
		" ",
		renderPane("General Logs", logBody, paneWidth, paneHeight),
	)
	bottom := lipgloss.JoinHorizontal(lipgloss.Top,
		renderPane("Sessions", formatSessionsPane(m.sessions), paneWidth, paneHeight),
		" ",
		renderPane("MCP Requests", formatRequestPane(m.reqLogs), paneWidth, paneHeight),
	)
	return lipgloss.JoinVertical(lipgloss.Left, title, meta, "", top, bottom)
}

func (m model) renderStats() string {
	body := fmt.Sprintf(
		"Sessions:        %d\nTotal memories:  %d\nShort-term:      %d\nLong-term:       %d\nLast refresh:    %s",
		m.totals.sessions,
		m.totals.total,
		m.totals.short,
		m.totals.long,
		formatTime(m.lastTick),
	)
	if m.lastErr != nil {
		body += "\n\nLast error: " + truncateText(compactWhitespace(m.lastErr.Error()), 120)
	}
	return body
}

func fetchDashboardCmd(ctx context.Context, src Source, reqLimit int) tea.Cmd {
	return func() tea.Msg {
		start := time.Now()
		sessions, err := src.Summaries(ctx)
		if err != nil {
			return dashboardMsg{err: err, duration: time.Since(start)}
		}
		reqLogs, err := src.RecentRequestLogs(ctx, reqLimit)
		if err != nil {
			return dashboardMsg{sessions: sessions, err: err, duration: time.Since(start)}
		}
		return dashboardMsg{sessions: sessions, reqLogs: reqLogs, duration: time.Since(start)}
	}
}

func tickCmd() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg { return tickMsg(t) })
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

func formatSessionsPane(rows []types.SessionSummary) string {
	if len(rows) == 0 {
		return "(no persisted sessions)"
	}
	lines := make([]string, 0, len(rows))
	for _, row := range rows {
		lines = append(lines, fmt.Sprintf(
			"%-24s S:%-4d L:%-4d %s",
			truncateText(row.SessionID, 24),
			row.ShortTerm,
			row.LongTerm,
			formatTime(row.UpdatedAt),
		))
	}
	return strings.Join(lines, "\n")
}

func formatRequestPane(rows []storage.RequestLog) string {
	if len(rows) == 0 {
		return "(no MCP requests recorded)"
	}
	lines := make([]string, 0, len(rows))
	for _, row := range rows {
		method := strings.TrimSpace(row.Method)
		if row.ToolName != "" {
			method += ":" + strings.TrimSpace(row.ToolName)
		}
		status := "ok"
		if !row.Success {
			status = "err"
		}
		line := fmt.Sprintf(
			"[%s] %-3s %-28s %4dms",
			formatClock(row.CreatedAt),
			status,
			truncateText(method, 28),
			max(0, row.DurationMS),
		)
		if row.SessionID != "" {
			line += " " + truncateText(row.SessionID, 16)
		}
		if !row.Success && strings.TrimSpace(row.ErrorText) != "" {
			line += " " + truncateText(compactWhitespace(row.ErrorText), 52)
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}
