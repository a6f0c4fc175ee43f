package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

const (
	statusInterval = 2 * time.Second
	commandTimeout = 90 * time.Second // covers the service discovery retries
)

// Switch is the light entity behind a row.
type Switch interface {
	TurnOn(ctx context.Context) error
	TurnOff(ctx context.Context) error
	IsOn() bool
	Reported() bool
	Available() bool
}

// Device is one configured entry shown in the list.
type Device struct {
	Title   string
	Address string
	Light   Switch

	// Connected reports whether a GATT connection is currently held.
	Connected func() bool
}

// Model is the main Bubbletea model for the TUI.
type Model struct {
	ctx     context.Context
	devices []Device
	busy    map[int]bool
	cursor  int
	width   int
	height  int

	errorMsg  string
	statusMsg string

	timeout time.Duration

	// Components
	keys    KeyMap
	help    help.Model
	spinner spinner.Model
	styles  Styles
}

// --- Custom messages for async operations ---

// powerMsg signals the result of a power write.
type powerMsg struct {
	index int
	on    bool
	err   error
}

// statusTickMsg triggers a status refresh.
type statusTickMsg time.Time

// NewModel builds the device list. Writes are bound to ctx.
func NewModel(ctx context.Context, devices []Device) Model {
	h := help.New()
	h.ShowAll = false

	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("#7D56F4"))

	m := Model{
		ctx:     ctx,
		devices: devices,
		busy:    make(map[int]bool),
		timeout: commandTimeout,
		keys:    DefaultKeyMap(),
		help:    h,
		spinner: s,
		styles:  DefaultStyles(),
	}
	if len(devices) == 0 {
		m.statusMsg = "No devices configured, add one with: glowswitch add"
	}
	return m
}

// Init initializes the model.
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, statusTickCmd())
}

// isTransientError checks if an error is a transient BLE error worth a plain retry.
func isTransientError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "In progress") ||
		strings.Contains(msg, "in progress") ||
		strings.Contains(msg, "busy")
}

// Update handles messages and updates the model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.help.Width = msg.Width
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case statusTickMsg:
		// Availability changes underneath us; re-render and keep ticking.
		return m, statusTickCmd()

	case powerMsg:
		return m.handlePower(msg), nil
	}

	return m, nil
}

func (m Model) handlePower(msg powerMsg) Model {
	delete(m.busy, msg.index)
	if msg.index < 0 || msg.index >= len(m.devices) {
		return m
	}
	d := m.devices[msg.index]

	if msg.err != nil {
		m.statusMsg = ""
		if isTransientError(msg.err) {
			m.errorMsg = fmt.Sprintf("%s is busy, try again", d.Title)
		} else {
			m.errorMsg = msg.err.Error()
		}
		return m
	}

	m.errorMsg = ""
	m.statusMsg = fmt.Sprintf("%s turned %s", d.Title, powerWord(msg.on))
	return m
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.Quit):
		return m, tea.Quit

	case key.Matches(msg, m.keys.Up):
		m.cursor--
		if m.cursor < 0 {
			m.cursor = m.maxCursor()
		}
		return m, nil

	case key.Matches(msg, m.keys.Down):
		m.cursor++
		if m.cursor > m.maxCursor() {
			m.cursor = 0
		}
		return m, nil

	case key.Matches(msg, m.keys.Help):
		m.help.ShowAll = !m.help.ShowAll
		return m, nil

	case key.Matches(msg, m.keys.Refresh):
		m.errorMsg = ""
		m.statusMsg = "Refreshed"
		return m, nil

	case key.Matches(msg, m.keys.Toggle):
		if d, ok := m.selected(); ok {
			return m.power(!d.Light.IsOn())
		}
		return m, nil

	case key.Matches(msg, m.keys.On):
		return m.power(true)

	case key.Matches(msg, m.keys.Off):
		return m.power(false)
	}

	return m, nil
}

func (m Model) selected() (Device, bool) {
	if m.cursor < 0 || m.cursor >= len(m.devices) {
		return Device{}, false
	}
	return m.devices[m.cursor], true
}

// power starts a write for the selected row. A row accepts one write at a time.
func (m Model) power(on bool) (tea.Model, tea.Cmd) {
	d, ok := m.selected()
	if !ok || m.busy[m.cursor] {
		return m, nil
	}
	m.busy[m.cursor] = true
	m.errorMsg = ""
	m.statusMsg = fmt.Sprintf("Turning %s %s...", d.Title, powerWord(on))
	return m, tea.Batch(powerCmd(m.ctx, m.timeout, m.cursor, d.Light, on), m.spinner.Tick)
}

func (m Model) maxCursor() int {
	if len(m.devices) == 0 {
		return 0
	}
	return len(m.devices) - 1
}

// View renders the model.
func (m Model) View() string {
	var b strings.Builder

	b.WriteString(m.renderTitleBar("GlowSwitch"))
	b.WriteString("\n\n")

	for i, d := range m.devices {
		b.WriteString(m.renderDevice(i, d))
		b.WriteString("\n\n")
	}

	if m.errorMsg != "" {
		b.WriteString(m.styles.Error.Render(m.errorMsg))
		b.WriteString("\n")
	} else if m.statusMsg != "" {
		b.WriteString(m.styles.Muted.Render(m.statusMsg))
		b.WriteString("\n")
	}

	helpView := m.styles.Help.Render(m.help.View(m.keys))

	return m.styles.App.Render(b.String() + helpView)
}

// renderTitleBar renders the title with a count of reachable devices.
func (m Model) renderTitleBar(title string) string {
	parts := []string{m.styles.Title.Render(title)}

	if len(m.busy) > 0 {
		parts = append(parts, m.spinner.View()+" "+m.styles.Warning.Render("Writing..."))
	}

	online := 0
	for _, d := range m.devices {
		if d.Light.Available() {
			online++
		}
	}
	parts = append(parts, m.styles.Muted.Render(fmt.Sprintf("%d/%d available", online, len(m.devices))))

	return strings.Join(parts, "  ")
}

func (m Model) renderDevice(i int, d Device) string {
	var line string
	if i == m.cursor {
		line = m.styles.ItemSelected.Render("> " + d.Title)
	} else {
		line = m.styles.Item.Render("  " + d.Title)
	}

	line += "  " + m.renderPower(d.Light)
	if m.busy[i] {
		line += " " + m.spinner.View()
	}

	var status string
	if d.Light.Available() {
		status = m.styles.StatusOnline.Render("●") + " " + m.styles.Muted.Render("available")
	} else {
		status = m.styles.StatusOffline.Render("○") + " " + m.styles.Muted.Render("unavailable")
	}
	if d.Connected != nil && d.Connected() {
		status += m.styles.Muted.Render(", connected")
	}

	return line + "\n" + m.styles.ItemDim.Render(formatMAC(d.Address)+"  ") + status
}

func (m Model) renderPower(s Switch) string {
	switch {
	case !s.Reported():
		return m.styles.PowerUnknown.Render("[ ? ]")
	case s.IsOn():
		return m.styles.PowerOn.Render("[ON ]")
	default:
		return m.styles.PowerOff.Render("[OFF]")
	}
}

// formatMAC formats a MAC address with colons (AA:BB:CC:DD:EE:FF).
func formatMAC(mac string) string {
	clean := strings.ToUpper(strings.ReplaceAll(strings.ReplaceAll(mac, ":", ""), "-", ""))
	if len(clean) != 12 {
		return mac
	}
	return fmt.Sprintf("%s:%s:%s:%s:%s:%s",
		clean[0:2], clean[2:4], clean[4:6],
		clean[6:8], clean[8:10], clean[10:12])
}

func powerWord(on bool) string {
	if on {
		return "on"
	}
	return "off"
}

// --- Async commands for BLE operations ---

// powerCmd writes the power state off the UI goroutine.
func powerCmd(ctx context.Context, timeout time.Duration, index int, s Switch, on bool) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		var err error
		if on {
			err = s.TurnOn(ctx)
		} else {
			err = s.TurnOff(ctx)
		}
		return powerMsg{index: index, on: on, err: err}
	}
}

func statusTickCmd() tea.Cmd {
	return tea.Tick(statusInterval, func(t time.Time) tea.Msg {
		return statusTickMsg(t)
	})
}
