package main

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"

	"github.com/lexiqai/live-stt-client/internal/capture"
	"github.com/lexiqai/live-stt-client/internal/session"
	"github.com/lexiqai/live-stt-client/internal/transcript"
)

var (
	interimStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("240")) // Dark gray for partial transcripts
	finalStyle   = lipgloss.NewStyle()
	lowConfStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#B58900"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#DC322F"))
	headerStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#FAFAFA")).Background(lipgloss.Color("#874BFD")).Padding(0, 1)
	labelStyle   = lipgloss.NewStyle().Faint(true)
	defaultStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#859900"))

	statusColors = map[session.Status]lipgloss.Color{
		session.StatusIdle:       lipgloss.Color("240"),
		session.StatusConnecting: lipgloss.Color("#B58900"),
		session.StatusConnected:  lipgloss.Color("#268BD2"),
		session.StatusStreaming:  lipgloss.Color("#859900"),
		session.StatusStopping:   lipgloss.Color("#B58900"),
		session.StatusError:      lipgloss.Color("#DC322F"),
	}
)

// Finals below this confidence are highlighted
const lowConfidence = 0.6

// clearLine returns the cursor to the start of the line and erases it
const clearLine = "\r\x1b[K"

// Console prints session updates as a scrolling transcript. Finalized
// segments are printed once; the interim segment is redrawn in place on the
// last line.
type Console struct {
	out io.Writer

	mu           sync.Mutex
	printed      int
	status       session.Status
	lastError    string
	interimShown bool
}

// NewConsole creates a console writing to out
func NewConsole(out io.Writer) *Console {
	return &Console{out: out, status: session.StatusIdle}
}

// Update renders the difference between the previous and the current snapshot
func (c *Console) Update(s session.Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var sb strings.Builder
	if c.interimShown {
		sb.WriteString(clearLine)
		c.interimShown = false
	}

	if s.Status != c.status {
		sb.WriteString(statusBadge(s.Status))
		sb.WriteString("\n")
		c.status = s.Status
	}

	errText := ""
	if s.LastError != nil {
		errText = s.LastError.Error()
	}
	if errText != "" && errText != c.lastError {
		sb.WriteString(errorStyle.Render("error: " + errText))
		sb.WriteString("\n")
	}
	c.lastError = errText

	// The transcript was cleared
	if len(s.Finalized) < c.printed {
		c.printed = 0
	}
	for _, item := range s.Finalized[c.printed:] {
		sb.WriteString(renderFinal(item))
		sb.WriteString("\n")
	}
	c.printed = len(s.Finalized)

	if s.InterimText != "" {
		sb.WriteString(interimStyle.Render(s.InterimText))
		c.interimShown = true
	}

	fmt.Fprint(c.out, sb.String())
}

// Summary renders the finalized transcript and the latency stats of a session
func (c *Console) Summary(s session.Snapshot) string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var sb strings.Builder
	if c.interimShown {
		sb.WriteString(clearLine)
		c.interimShown = false
	}

	sb.WriteString("\n")
	sb.WriteString(headerStyle.Render("Transcript"))
	sb.WriteString("\n")
	if len(s.Finalized) == 0 {
		sb.WriteString(labelStyle.Render("(no speech recognized)"))
		sb.WriteString("\n")
	} else {
		texts := make([]string, 0, len(s.Finalized))
		for _, item := range s.Finalized {
			texts = append(texts, item.Text)
		}
		sb.WriteString(strings.Join(texts, " "))
		sb.WriteString("\n")
	}

	stats := s.Latency
	sb.WriteString("\n")
	sb.WriteString(headerStyle.Render("Latency"))
	sb.WriteString("\n")
	rows := [][2]string{
		{"responses", fmt.Sprintf("%d (%d interim, %d final)", stats.TotalResponses, stats.InterimCount, stats.FinalCount)},
		{"first", formatMs(stats.FirstResponseMs)},
		{"last", formatMs(stats.LastResponseMs)},
		{"avg", formatMs(stats.AvgResponseMs)},
		{"min", formatMs(stats.MinResponseMs)},
		{"max", formatMs(stats.MaxResponseMs)},
	}
	for _, row := range rows {
		sb.WriteString(labelStyle.Render(fmt.Sprintf("%-10s", row[0])))
		sb.WriteString(row[1])
		sb.WriteString("\n")
	}

	if s.LastError != nil {
		sb.WriteString("\n")
		sb.WriteString(errorStyle.Render("last error: " + s.LastError.Error()))
		sb.WriteString("\n")
	}
	return sb.String()
}

func statusBadge(status session.Status) string {
	color, ok := statusColors[status]
	if !ok {
		color = lipgloss.Color("240")
	}
	return lipgloss.NewStyle().Foreground(color).Render("● " + status.String())
}

func renderFinal(item transcript.Item) string {
	if item.Confidence != nil && *item.Confidence < lowConfidence {
		return lowConfStyle.Render(item.Text)
	}
	return finalStyle.Render(item.Text)
}

func formatMs(ms float64) string {
	return fmt.Sprintf("%.0fms", ms)
}

func renderDevices(devices []capture.DeviceInfo) string {
	if len(devices) == 0 {
		return labelStyle.Render("no capture devices found") + "\n"
	}

	var sb strings.Builder
	sb.WriteString(headerStyle.Render("Capture devices"))
	sb.WriteString("\n")
	for _, d := range devices {
		line := fmt.Sprintf("%s  %s", labelStyle.Render(d.ID), d.Name)
		if d.IsDefault {
			line += " " + defaultStyle.Render("(default)")
		}
		sb.WriteString(line)
		sb.WriteString("\n")
	}
	return sb.String()
}
