package approval

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"
)

var (
	titleStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205"))
	promptStyle   = lipgloss.NewStyle().PaddingLeft(2)
	choiceStyle   = lipgloss.NewStyle().Padding(0, 2)
	selectedStyle = choiceStyle.Reverse(true)
	hintStyle     = lipgloss.NewStyle().Faint(true)
)

// Terminal asks the operator at the controlling terminal.
type Terminal struct {
	in    io.Reader
	out   io.Writer
	actor string
}

// NewTerminal creates a terminal approver recording actor on decisions.
func NewTerminal(in io.Reader, out io.Writer, actor string) *Terminal {
	return &Terminal{in: in, out: out, actor: actor}
}

// ErrNotInteractive is returned when no operator can answer the prompt,
// such as when input is not a terminal or is already closed.
var ErrNotInteractive = errors.New("approval input is not interactive")

// inputClosedMsg tells the prompt that its input reached EOF.
type inputClosedMsg struct{}

// Request shows the prompt and waits for y/n.
func (t *Terminal) Request(ctx context.Context, req Request) (Decision, error) {
	in := t.in
	var p *tea.Program
	if f, ok := t.in.(*os.File); ok {
		if !term.IsTerminal(int(f.Fd())) {
			return Decision{}, fmt.Errorf("%w: %s is not a terminal", ErrNotInteractive, f.Name())
		}
	} else {
		in = &eofReader{r: t.in, onEOF: func() { p.Send(inputClosedMsg{}) }}
	}

	p = tea.NewProgram(newConfirmModel(req),
		tea.WithInput(in),
		tea.WithOutput(t.out),
		tea.WithContext(ctx),
	)
	final, err := p.Run()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return Decision{}, ctxErr
	}
	if err != nil {
		return Decision{}, fmt.Errorf("approval prompt: %w", err)
	}

	m, ok := final.(confirmModel)
	if !ok || !m.answered {
		return Decision{}, fmt.Errorf("%w: input closed without an answer", ErrNotInteractive)
	}
	return Decision{Approved: m.approved, Actor: t.actor, Reason: m.reason, DecidedAt: time.Now().UTC()}, nil
}

// eofReader reports the first EOF of r to onEOF.
type eofReader struct {
	r     io.Reader
	once  sync.Once
	onEOF func()
}

func (e *eofReader) Read(b []byte) (int, error) {
	n, err := e.r.Read(b)
	if errors.Is(err, io.EOF) {
		e.once.Do(e.onEOF)
	}
	return n, err
}

type confirmModel struct {
	req      Request
	cursorNo bool
	answered bool
	approved bool
	reason   string
}

func newConfirmModel(req Request) confirmModel {
	// No is preselected.
	return confirmModel{req: req, cursorNo: true}
}

func (m confirmModel) Init() tea.Cmd {
	return nil
}

func (m confirmModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	if _, ok := msg.(inputClosedMsg); ok {
		return m, tea.Quit
	}
	key, ok := msg.(tea.KeyMsg)
	if !ok {
		return m, nil
	}

	switch key.String() {
	case "y", "Y":
		return m.answer(true, ""), tea.Quit
	case "n", "N", "esc":
		return m.answer(false, "rejected at terminal"), tea.Quit
	case "ctrl+c":
		return m.answer(false, "interrupted"), tea.Quit
	case "left", "right", "tab", "h", "l":
		m.cursorNo = !m.cursorNo
	case "enter":
		if m.cursorNo {
			return m.answer(false, "rejected at terminal"), tea.Quit
		}
		return m.answer(true, ""), tea.Quit
	}
	return m, nil
}

func (m confirmModel) answer(approved bool, reason string) confirmModel {
	m.answered = true
	m.approved = approved
	m.reason = reason
	return m
}

func (m confirmModel) View() string {
	if m.answered {
		verdict := "approved"
		if !m.approved {
			verdict = "rejected"
		}
		return fmt.Sprintf("%s %s\n", titleStyle.Render("stage "+m.req.Stage), verdict)
	}

	yes, no := choiceStyle.Render("Yes"), selectedStyle.Render("No")
	if !m.cursorNo {
		yes, no = selectedStyle.Render("Yes"), choiceStyle.Render("No")
	}

	var b strings.Builder
	b.WriteString(titleStyle.Render("Approval required: " + m.req.Stage))
	b.WriteString("\n\n")
	b.WriteString(promptStyle.Render(m.req.Prompt))
	b.WriteString("\n\n  ")
	b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, yes, " ", no))
	b.WriteString("\n\n")
	b.WriteString(hintStyle.Render("  y/n, ←/→ and enter"))
	b.WriteString("\n")
	return b.String()
}
