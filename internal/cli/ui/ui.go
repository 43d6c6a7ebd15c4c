// Package ui implements flashctl's interactive flashing TUI: a live
// progress bar, a scrolling log viewport, and a free-disk-space line
// (spec §6 "flashctl"). It has no device or operation picker; flashctl
// selects both from command-line flags.
package ui

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	psdisk "github.com/shirou/gopsutil/v3/disk"

	"flashkit/internal/cli/appdir"
	progresspkg "flashkit/internal/progress"
)

// Styles, matching the dark/blue/amber palette convention: amber
// banner, blue accents, rounded-border panels.
var (
	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#000000")).
			Background(lipgloss.Color("#FFFF00")).
			Padding(0, 2).
			Bold(true).
			Width(80)

	footerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFFFFF")).
			Background(lipgloss.Color("#4B5563")).
			Padding(0, 2).
			Width(80)

	logViewStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#9CA3AF"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#EF4444")).
			Bold(true)

	infoStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#60A5FA"))

	diskOKStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#34D399"))
	diskLowStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#EF4444")).Bold(true)
)

// FileLogger writes flashctl's session log to the app data directory,
// mirroring the diagnostics every protocol engine's structured logger
// also writes to stderr.
type FileLogger struct {
	file   *os.File
	writer *bufio.Writer
	mu     sync.Mutex
}

var (
	logger     *FileLogger
	loggerOnce sync.Once
)

// GetLogger returns the singleton file logger.
func GetLogger() *FileLogger {
	loggerOnce.Do(func() {
		logger = &FileLogger{}
		logger.init()
	})
	return logger
}

func (l *FileLogger) init() {
	dir, err := appdir.DataDir()
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: could not get app data dir: %v\n", err)
		return
	}
	logDir := filepath.Join(dir, "logs")
	if err := os.MkdirAll(logDir, 0755); err != nil {
		fmt.Fprintf(os.Stderr, "warning: could not create log directory: %v\n", err)
		return
	}
	timestamp := time.Now().Format("20060102_150405")
	logPath := filepath.Join(logDir, fmt.Sprintf("flashctl_%s.log", timestamp))
	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: could not open log file: %v\n", err)
		return
	}
	l.file = file
	l.writer = bufio.NewWriter(file)
}

func (l *FileLogger) Log(line string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.writer == nil {
		return
	}
	fmt.Fprintf(l.writer, "[%s] %s\n", time.Now().Format(time.RFC3339), line)
	l.writer.Flush()
}

// progressMsg carries a protocol engine's progress update into the
// bubbletea event loop.
type progressMsg progresspkg.Progress

type logLineMsg string

type doneMsg struct{ err error }

// diskStatus is sampled once at startup for the OTA disk-space panel.
type diskStatus struct {
	path      string
	freeBytes uint64
	ok        bool
}

// Model is flashctl's bubbletea application state.
type Model struct {
	title     string
	bar       progress.Model
	log       viewport.Model
	lines     []string
	disk      diskStatus
	done      bool
	err       error
	width     int
	height    int
	startedAt time.Time
}

// New builds the initial model for a flashing operation titled title,
// sampling free disk space at path (relevant for OTA extraction, which
// needs room for the reconstructed partition image).
func New(title, diskPath string) Model {
	bar := progress.New(progress.WithDefaultGradient())
	lv := viewport.New(78, 10)
	lv.Style = logViewStyle

	m := Model{
		title:     title,
		bar:       bar,
		log:       lv,
		disk:      sampleDisk(diskPath),
		startedAt: time.Now(),
	}
	return m
}

func sampleDisk(path string) diskStatus {
	if path == "" {
		path = "."
	}
	usage, err := psdisk.Usage(path)
	if err != nil {
		return diskStatus{path: path, ok: false}
	}
	return diskStatus{path: path, freeBytes: usage.Free, ok: true}
}

func (m Model) Init() tea.Cmd {
	return nil
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.bar.Width = msg.Width - 4
		m.log.Width = msg.Width - 2
		m.log.Height = msg.Height - 10
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			return m, tea.Quit
		}

	case progressMsg:
		var cmd tea.Cmd
		if msg.TotalBytes > 0 {
			cmd = m.bar.SetPercent(float64(msg.BytesSent) / float64(msg.TotalBytes))
		}
		return m, cmd

	case logLineMsg:
		m.lines = append(m.lines, string(msg))
		m.log.SetContent(joinLines(m.lines))
		m.log.GotoBottom()
		return m, nil

	case doneMsg:
		m.done = true
		m.err = msg.err
		return m, nil

	case progress.FrameMsg:
		barModel, cmd := m.bar.Update(msg)
		m.bar = barModel.(progress.Model)
		return m, cmd
	}

	return m, nil
}

func joinLines(lines []string) string {
	out := ""
	for i, l := range lines {
		if i > 0 {
			out += "\n"
		}
		out += l
	}
	return out
}

func (m Model) View() string {
	header := headerStyle.Render(m.title)

	diskLine := ""
	if m.disk.ok {
		gib := float64(m.disk.freeBytes) / (1024 * 1024 * 1024)
		style := diskOKStyle
		if gib < 2 {
			style = diskLowStyle
		}
		diskLine = style.Render(fmt.Sprintf("%.1f GiB free on %s", gib, m.disk.path))
	}

	status := infoStyle.Render("flashing in progress...")
	if m.done {
		if m.err != nil {
			status = errorStyle.Render("failed: " + m.err.Error())
		} else {
			status = infoStyle.Render("done")
		}
	}

	footer := footerStyle.Render("q: quit   elapsed: " + time.Since(m.startedAt).Round(time.Second).String())

	return header + "\n" + diskLine + "\n" + m.bar.View() + "\n" + status + "\n" + m.log.View() + "\n" + footer
}

// ProgressListener returns a progress.Listener that forwards updates
// into prog's bubbletea program as tea.Msg values.
func ProgressListener(prog *tea.Program) progresspkg.Listener {
	return func(p progresspkg.Progress) {
		prog.Send(progressMsg(p))
	}
}

// LogLine sends a log line into prog's running TUI.
func LogLine(prog *tea.Program, line string) {
	prog.Send(logLineMsg(line))
	GetLogger().Log(line)
}

// Done signals the operation finished, with err nil on success.
func Done(prog *tea.Program, err error) {
	prog.Send(doneMsg{err: err})
}
