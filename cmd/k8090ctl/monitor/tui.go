package monitor

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/mdouchement/k8090d"
)

var (
	onStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#5fff5f")).Bold(true)
	offStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#808080"))
	stateStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#00afff"))
	errStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#ff5f5f"))
)

// toggled is the outcome of a toggle request sent from the keyboard.
type toggled struct {
	relay int
	err   error
}

type model struct {
	client *http.Client
	table  table.Model
	status k8090d.Status
	err    error
}

func newTUI(client *http.Client) *model {
	columns := []table.Column{
		{Title: "Relays", Width: 24},
		{Title: "State", Width: 8},
		{Title: "Timer", Width: 20},
		{Title: "Button", Width: 12},
	}

	t := table.New(
		table.WithColumns(columns),
		table.WithFocused(false),
		table.WithHeight(9),
	)

	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		Foreground(lipgloss.Color("#00afff")).
		BorderForeground(lipgloss.Color("#00afff")).
		BorderBottom(true).
		Bold(false)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("#ffffff")).
		Bold(false)
	t.SetStyles(s)

	return &model{
		client: client,
		table:  t,
	}
}

func (m *model) Init() tea.Cmd {
	return nil
}

func (m *model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.table.SetWidth(msg.Width)
	case k8090d.Status:
		m.update(msg)
	case toggled:
		m.err = msg.err
	case tea.KeyMsg:
		switch key := msg.String(); key {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "1", "2", "3", "4", "5", "6", "7", "8":
			return m, m.toggle(int(key[0] - '0'))
		}
	}
	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

func (m *model) View() string {
	var b strings.Builder
	b.WriteString(m.table.View())
	b.WriteString("\n\n")

	b.WriteString(stateStyle.Render(m.status.State))
	if fw := m.status.Firmware; fw != nil {
		fmt.Fprintf(&b, "  firmware %s", fw)
	}
	if m.status.Jumper != nil && *m.status.Jumper {
		b.WriteString("  jumper set")
	}
	st := m.status.Stats
	fmt.Fprintf(&b, "  timeouts %d  late %d  framing errors %d  violations %d\n", st.Timeouts, st.LateResponses, st.FramingErrors, st.ProtocolViolations)

	if m.err != nil {
		b.WriteString(errStyle.Render(m.err.Error()))
		b.WriteString("\n")
	}
	b.WriteString(offStyle.Render("1-8: toggle relay - q: quit"))
	return b.String()
}

func (m *model) update(status k8090d.Status) {
	m.status = status

	modes := map[int]string{}
	if bs := status.Buttons; bs != nil {
		for mode, buttons := range map[string][]int{"momentary": bs.Momentary, "toggle": bs.Toggle, "timed": bs.Timed} {
			for _, b := range buttons {
				modes[b] = mode
			}
		}
	}

	rows := make([]table.Row, 0, len(status.Relays))
	for _, r := range status.Relays {
		rows = append(rows, table.Row{
			fmt.Sprintf("relay%d(%s)", r.ID, r.Label),
			relayState(r),
			timer(r),
			modes[r.ID],
		})
	}

	m.table.SetRows(rows)
}

func (m *model) toggle(relay int) tea.Cmd {
	return func() tea.Msg {
		resp, err := m.client.Post(fmt.Sprintf("http://unix/relays/toggle?relays=%d", relay), "", nil)
		if err != nil {
			return toggled{relay: relay, err: err}
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			var apiErr struct {
				Error string `json:"error"`
			}
			json.NewDecoder(resp.Body).Decode(&apiErr)
			return toggled{relay: relay, err: fmt.Errorf("relay%d: %s", relay, apiErr.Error)}
		}
		return toggled{relay: relay}
	}
}

func relayState(r k8090d.RelayState) string {
	switch {
	case r.On == nil:
		return "?"
	case *r.On:
		return onStyle.Render("ON")
	}
	return offStyle.Render("off")
}

func timer(r k8090d.RelayState) string {
	var parts []string
	if r.Timed != nil && *r.Timed {
		if r.Remaining != nil {
			parts = append(parts, fmt.Sprintf("%ds left", *r.Remaining))
		} else {
			parts = append(parts, "running")
		}
	}
	if r.Default != nil {
		parts = append(parts, fmt.Sprintf("default %ds", *r.Default))
	}
	return strings.Join(parts, " - ")
}
