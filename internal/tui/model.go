// Package tui is an interactive question prompt over the retrieval service.
package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/fyrsmithlabs/pdfrag/internal/retrieval"
)

// Asker answers a query from the index.
type Asker interface {
	Answer(ctx context.Context, query string, k int, generate bool) (*retrieval.Answer, error)
}

// Options tune a Model.
type Options struct {
	K        int
	Generate bool
	// Timeout bounds one question; zero means no limit.
	Timeout time.Duration
	// Title is shown in the header.
	Title string
}

// exchange is one asked question and its outcome.
type exchange struct {
	query  string
	answer *retrieval.Answer
	err    error
}

type answerMsg struct {
	exchange
}

// Model is the bubbletea model for the chat screen.
type Model struct {
	asker   Asker
	opts    Options
	input   textinput.Model
	spinner spinner.Model
	view    viewport.Model

	history  []exchange
	busy     bool
	ready    bool
	quitting bool
}

var (
	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("0")).
			Background(lipgloss.Color("51")).
			Bold(true).
			Padding(0, 1)

	queryStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51")).
			Bold(true)

	sourceStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true)

	inputBoxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("238")).
			Padding(0, 1)

	footerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245"))
)

// New creates a chat model.
func New(asker Asker, opts Options) Model {
	if opts.K <= 0 {
		opts.K = retrieval.DefaultK
	}
	if opts.Title == "" {
		opts.Title = "pdfrag"
	}

	ti := textinput.New()
	ti.Prompt = "> "
	ti.Placeholder = "Ask a question about your PDFs"
	ti.CharLimit = 500
	ti.Focus()

	sp := spinner.New()
	sp.Spinner = spinner.Dot

	return Model{
		asker:   asker,
		opts:    opts,
		input:   ti,
		spinner: sp,
		view:    viewport.New(80, 20),
	}
}

// Init starts the cursor blink.
func (m Model) Init() tea.Cmd {
	return textinput.Blink
}

// ask runs the query off the UI goroutine.
func (m Model) ask(query string) tea.Cmd {
	asker, opts := m.asker, m.opts
	return func() tea.Msg {
		ctx := context.Background()
		if opts.Timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
			defer cancel()
		}
		answer, err := asker.Answer(ctx, query, opts.K, opts.Generate)
		return answerMsg{exchange{query: query, answer: answer, err: err}}
	}
}

// Update handles keys, window resizes and finished answers.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.ready = true
		_, frame := inputBoxStyle.GetFrameSize()
		m.view.Width = msg.Width
		m.view.Height = max(3, msg.Height-frame-4) // header, spacer, input line, footer
		m.input.Width = max(10, msg.Width-8)
		m.view.SetContent(m.renderHistory())
		return m, nil

	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			m.quitting = true
			return m, tea.Quit
		case tea.KeyEnter:
			query := strings.TrimSpace(m.input.Value())
			if query == "" || m.busy {
				return m, nil
			}
			m.busy = true
			m.input.Reset()
			return m, tea.Batch(m.spinner.Tick, m.ask(query))
		case tea.KeyPgUp, tea.KeyPgDown:
			var cmd tea.Cmd
			m.view, cmd = m.view.Update(msg)
			return m, cmd
		}

	case answerMsg:
		m.busy = false
		m.history = append(m.history, msg.exchange)
		m.view.SetContent(m.renderHistory())
		m.view.GotoBottom()
		return m, nil

	case spinner.TickMsg:
		if !m.busy {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

// View renders header, transcript, input and footer.
func (m Model) View() string {
	if m.quitting {
		return ""
	}
	if !m.ready {
		return "Loading..."
	}

	status := "enter ask · pgup/pgdn scroll · esc quit"
	if m.busy {
		status = m.spinner.View() + " searching..."
	}

	return strings.Join([]string{
		headerStyle.Render(m.opts.Title),
		m.view.View(),
		inputBoxStyle.Render(m.input.View()),
		footerStyle.Render(status),
	}, "\n")
}

func (m Model) renderHistory() string {
	if len(m.history) == 0 {
		return sourceStyle.Render("No questions yet.")
	}
	var b strings.Builder
	for i, ex := range m.history {
		if i > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(queryStyle.Render("Q: " + ex.query))
		b.WriteString("\n")
		if ex.err != nil {
			b.WriteString(errorStyle.Render("Error: " + ex.err.Error()))
			continue
		}
		if ex.answer.Degraded {
			b.WriteString(errorStyle.Render(ex.answer.Text))
		} else {
			b.WriteString(lipgloss.NewStyle().Width(max(20, m.view.Width-2)).Render(ex.answer.Text))
		}
		for j, h := range ex.answer.Hits {
			b.WriteString("\n")
			b.WriteString(sourceStyle.Render(fmt.Sprintf("[%d] %s, chunk %d (%.3f)", j+1, h.DocID, h.ChunkIndex, h.Score)))
		}
	}
	return b.String()
}

// Run starts the program on the terminal and blocks until the user quits.
func Run(asker Asker, opts Options) error {
	_, err := tea.NewProgram(New(asker, opts), tea.WithAltScreen()).Run()
	return err
}
