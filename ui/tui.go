package ui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/franksops/blobmover/engine"
)

// maxOffsetsShown bounds the in-flight offsets listed in the view.
const maxOffsetsShown = 8

// JobView is the state of one transfer as shown by the TUI.
type JobView struct {
	Name       string
	Progress   engine.Progress
	Workers    int
	Throughput float64 // bytes per second
	Err        error
}

// Done reports whether the job has ended.
func (v JobView) Done() bool {
	return v.Progress.State == engine.StateFinished || v.Progress.State == engine.StateFailed
}

// TUIModel implements the tea.Model interface
type TUIModel struct {
	view      JobView
	onWorkers func(delta int) int
	onQuit    func()

	spinner  spinner.Model
	progress progress.Model

	width  int
	height int

	// Styles
	titleStyle   lipgloss.Style
	infoStyle    lipgloss.Style
	chunkStyle   lipgloss.Style
	helpStyle    lipgloss.Style
	errorStyle   lipgloss.Style
	successStyle lipgloss.Style
}

// TUIUpdateMsg is sent periodically to update the UI state
type TUIUpdateMsg struct {
	View JobView
}

// WorkerCountMsg is sent when modifying the worker count
type WorkerCountMsg int

// NewTUIModel creates the view of one job. onWorkers scales the worker pool
// by delta and returns the new count; onQuit stops the transfer. Either may
// be nil.
func NewTUIModel(initial JobView, onWorkers func(delta int) int, onQuit func()) TUIModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))

	prog := progress.New(progress.WithDefaultGradient())

	return TUIModel{
		view:         initial,
		onWorkers:    onWorkers,
		onQuit:       onQuit,
		spinner:      s,
		progress:     prog,
		titleStyle:   lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205")).Padding(0, 1),
		infoStyle:    lipgloss.NewStyle().Foreground(lipgloss.Color("241")),
		chunkStyle:   lipgloss.NewStyle().Foreground(lipgloss.Color("78")),
		helpStyle:    lipgloss.NewStyle().Foreground(lipgloss.Color("241")).MarginTop(1),
		errorStyle:   lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
		successStyle: lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true),
	}
}

func (m TUIModel) Init() tea.Cmd {
	return tea.Batch(
		m.spinner.Tick,
	)
}

func (m TUIModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			if m.onQuit != nil {
				m.onQuit()
			}
			return m, tea.Quit
		case "+", "=":
			return m, func() tea.Msg { return WorkerCountMsg(1) }
		case "-":
			return m, func() tea.Msg { return WorkerCountMsg(-1) }
		}

	case WorkerCountMsg:
		if m.onWorkers != nil {
			m.view.Workers = m.onWorkers(int(msg))
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.progress.Width = max(msg.Width-14, 10)

	case TUIUpdateMsg:
		m.view = msg.View
		if m.view.Done() {
			return m, tea.Quit
		}

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		cmds = append(cmds, cmd)

	case progress.FrameMsg:
		progressModel, cmd := m.progress.Update(msg)
		m.progress = progressModel.(progress.Model)
		cmds = append(cmds, cmd)
	}

	return m, tea.Batch(cmds...)
}

func (m TUIModel) View() string {
	if m.width == 0 {
		return "Initializing..."
	}

	var sb strings.Builder
	p := m.view.Progress

	// Header
	header := fmt.Sprintf("%s blobmover %s", m.spinner.View(), m.titleStyle.Render(m.view.Name))
	sb.WriteString(header + "\n")

	var percent float64
	if p.TotalBytes > 0 {
		percent = float64(p.CompletedBytes) / float64(p.TotalBytes)
	}

	opsInfo := fmt.Sprintf("ETA: %s | Workers: %d | %s / %s | %s",
		formatETA(m.view.Throughput, p.TotalBytes, p.CompletedBytes),
		m.view.Workers,
		formatBytes(p.CompletedBytes), formatBytes(p.TotalBytes),
		formatSpeed(m.view.Throughput))
	sb.WriteString(m.infoStyle.Render(opsInfo) + "\n")
	sb.WriteString(m.progress.ViewAs(percent) + "\n\n")

	sb.WriteString(fmt.Sprintf("State: %s | Block size: %s\n", p.State, formatBytes(p.BlockSize)))
	sb.WriteString("In flight: ")
	if len(p.InFlight) == 0 {
		sb.WriteString(m.infoStyle.Render("none"))
	} else {
		shown := p.InFlight[:min(len(p.InFlight), maxOffsetsShown)]
		offsets := make([]string, len(shown))
		for i, off := range shown {
			offsets[i] = fmt.Sprintf("@%d", off)
		}
		line := strings.Join(offsets, " ")
		if extra := len(p.InFlight) - len(shown); extra > 0 {
			line += fmt.Sprintf(" (+%d)", extra)
		}
		sb.WriteString(m.chunkStyle.Render(line))
	}
	sb.WriteString("\n")

	// Footer
	help := m.helpStyle.Render("q/ctrl+c: stop (resumable) • +/-: adjust workers")
	switch {
	case m.view.Err != nil:
		help = m.errorStyle.Render("Transfer failed: " + m.view.Err.Error())
	case p.State == engine.StateFinished:
		help = m.successStyle.Render("Transfer Complete!") + " Press 'q' to exit."
	}
	sb.WriteString("\n" + help)

	return sb.String()
}

// RateMeter turns byte counters sampled over time into a smoothed rate.
type RateMeter struct {
	last  int64
	lastT time.Time
	rate  float64
}

// Observe records a counter value and returns the rate in bytes per second.
func (r *RateMeter) Observe(bytes int64, now time.Time) float64 {
	if r.lastT.IsZero() {
		r.last, r.lastT = bytes, now
		return r.rate
	}
	elapsed := now.Sub(r.lastT).Seconds()
	if elapsed <= 0 {
		return r.rate
	}

	sample := float64(bytes-r.last) / elapsed
	if r.rate == 0 {
		r.rate = sample
	} else {
		r.rate = 0.7*r.rate + 0.3*sample
	}
	r.last, r.lastT = bytes, now
	return r.rate
}

func formatBytes(n int64) string {
	switch {
	case n >= 1024*1024*1024:
		return fmt.Sprintf("%.2f GB", float64(n)/(1024*1024*1024))
	case n >= 1024*1024:
		return fmt.Sprintf("%.2f MB", float64(n)/(1024*1024))
	case n >= 1024:
		return fmt.Sprintf("%.2f KB", float64(n)/1024)
	}
	return fmt.Sprintf("%d B", n)
}

func formatSpeed(bytesPerSec float64) string {
	if bytesPerSec >= 1024*1024*1024 {
		return fmt.Sprintf("%.2f GB/s", bytesPerSec/(1024*1024*1024))
	} else if bytesPerSec >= 1024*1024 {
		return fmt.Sprintf("%.2f MB/s", bytesPerSec/(1024*1024))
	} else if bytesPerSec >= 1024 {
		return fmt.Sprintf("%.2f KB/s", bytesPerSec/1024)
	}
	return fmt.Sprintf("%.0f B/s", bytesPerSec)
}

func formatETA(bytesPerSec float64, totalBytes, completedBytes int64) string {
	if completedBytes == 0 || bytesPerSec <= 0 || totalBytes == 0 {
		return "Calculating..."
	}

	remainingBytes := totalBytes - completedBytes
	if remainingBytes <= 0 {
		return "0s"
	}

	d := time.Duration(float64(remainingBytes) / bytesPerSec * float64(time.Second))
	if d.Hours() > 24 {
		return "> 1d"
	}

	return d.Round(time.Second).String()
}
