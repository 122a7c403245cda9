package tui

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/log"

	"ivy/capture"
	"ivy/flow"
	"ivy/gateway"
	"ivy/session"
	"ivy/stt"
)

var (
	questionStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFFDF5")).
			Bold(true)
	answerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("250"))
	partialStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240"))
	noticeStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFFF00"))
	barStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFFDF5")).
			Background(lipgloss.Color("#25A065")).
			Padding(0, 1)
)

type segmentMsg struct {
	text  string
	final bool
}

type recordingDoneMsg capture.RecordingResult

type turnResultMsg struct {
	result *flow.TurnResult
	err    error
}

type speechPlayedMsg struct{ err error }

type tickMsg time.Time

type model struct {
	ctx      context.Context
	sess     *session.Session
	recorder *capture.Recorder
	ctrl     *flow.Controller
	logger   *log.Logger

	viewport   viewport.Model
	ready      bool
	turns      []string
	liveLine   string
	notice     string
	processing bool
	quitting   bool
}

// Run starts the interview, hands the terminal to the UI, and ends the
// interview when the UI exits.
func Run(
	ctx context.Context,
	sess *session.Session,
	recorder *capture.Recorder,
	ctrl *flow.Controller,
	logger *log.Logger,
) error {
	if err := sess.Start(); err != nil {
		return err
	}
	defer sess.End()

	m := model{
		ctx:      ctx,
		sess:     sess,
		recorder: recorder,
		ctrl:     ctrl,
		logger:   logger,
		turns:    []string{},
	}

	p := tea.NewProgram(m, tea.WithAltScreen(), tea.WithContext(ctx))
	_, err := p.Run()
	return err
}

func (m model) Init() tea.Cmd {
	return tea.Batch(waitForSegment(m.recorder.Segments()), tick())
}

func waitForSegment(segments <-chan stt.Segment) tea.Cmd {
	return func() tea.Msg {
		seg, ok := <-segments
		if !ok {
			return nil
		}
		return segmentMsg{text: seg.Text, final: seg.Final}
	}
}

func waitForRecording(done <-chan capture.RecordingResult) tea.Cmd {
	return func() tea.Msg {
		rec, ok := <-done
		if !ok {
			return nil
		}
		return recordingDoneMsg(rec)
	}
}

func (m model) runTurn(rec capture.RecordingResult) tea.Cmd {
	return func() tea.Msg {
		result, err := m.ctrl.HandleRecording(m.ctx, rec)
		return turnResultMsg{result: result, err: err}
	}
}

func playSpeech(ctx context.Context, speech *gateway.Speech) tea.Cmd {
	return func() tea.Msg {
		cmd := exec.CommandContext(
			ctx,
			"ffplay", "-nodisp", "-autoexit", "-loglevel", "quiet", "-",
		)
		cmd.Stdin = bytes.NewReader(speech.Audio)
		return speechPlayedMsg{err: cmd.Run()}
	}
}

func tick() tea.Cmd {
	return tea.Tick(500*time.Millisecond, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var (
		cmd  tea.Cmd
		cmds []tea.Cmd
	)

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q", "esc":
			m.quitting = true
			m.recorder.Abort()
			return m, tea.Quit
		case " ":
			cmds = append(cmds, m.toggleRecording()...)
		case "p":
			m.togglePause()
		}
		m.refresh()

	case tea.WindowSizeMsg:
		headerHeight := lipgloss.Height(m.headerView())
		footerHeight := lipgloss.Height(m.footerView())
		verticalMarginHeight := headerHeight + footerHeight

		if !m.ready {
			m.viewport = viewport.New(msg.Width, msg.Height-verticalMarginHeight)
			m.viewport.YPosition = headerHeight
			m.ready = true
		} else {
			m.viewport.Width = msg.Width
			m.viewport.Height = msg.Height - verticalMarginHeight
		}
		m.refresh()

	case segmentMsg:
		if msg.final {
			m.liveLine = ""
		} else {
			m.liveLine = msg.text
		}
		m.refresh()
		cmds = append(cmds, waitForSegment(m.recorder.Segments()))

	case recordingDoneMsg:
		m.processing = true
		m.notice = "Thinking..."
		if msg.TimedOut {
			m.notice = "Maximum recording length reached. Thinking..."
		}
		m.liveLine = ""
		m.refresh()
		cmds = append(cmds, m.runTurn(capture.RecordingResult(msg)))

	case turnResultMsg:
		m.processing = false
		cmds = append(cmds, m.applyTurn(msg)...)
		m.refresh()

	case speechPlayedMsg:
		if msg.err != nil {
			m.logger.Warn("playback failed", "error", msg.err)
		}

	case tickMsg:
		cmds = append(cmds, tick())
	}

	m.viewport, cmd = m.viewport.Update(msg)
	cmds = append(cmds, cmd)

	return m, tea.Batch(cmds...)
}

func (m *model) toggleRecording() []tea.Cmd {
	snap := m.sess.Snapshot()
	switch {
	case m.recorder.State() == capture.Recording:
		m.recorder.Stop()
	case m.processing:
		m.notice = "Still working on your last answer."
	case snap.Phase != session.Active:
		m.notice = "The interview is " + strings.ToLower(snap.Phase.String()) + "."
	default:
		if err := m.recorder.Start(m.ctx); err != nil {
			m.notice = "Microphone unavailable: " + err.Error()
			return nil
		}
		m.notice = ""
		return []tea.Cmd{waitForRecording(m.recorder.Done())}
	}
	return nil
}

func (m *model) togglePause() {
	switch m.sess.Snapshot().Phase {
	case session.Active:
		m.recorder.Abort()
		if err := m.sess.Pause(); err == nil {
			m.notice = "Paused. Press p to resume."
		}
	case session.Paused:
		if err := m.sess.Resume(); err == nil {
			m.notice = ""
		}
	}
}

func (m *model) applyTurn(msg turnResultMsg) []tea.Cmd {
	if msg.err != nil {
		switch {
		case errors.Is(msg.err, flow.ErrAnswerTooShort),
			errors.Is(msg.err, flow.ErrNoSpeech):
			m.notice = "I didn't catch that. Try answering again."
		case errors.Is(msg.err, flow.ErrTurnInFlight):
			m.notice = "Still working on your last answer."
		default:
			m.notice = "Something went wrong: " + msg.err.Error()
		}
		return nil
	}

	result := msg.result
	snap := m.sess.Snapshot()
	if result.Transcript != "" {
		m.turns = append(m.turns, answerStyle.Render("You: "+result.Transcript))
	}
	label := fmt.Sprintf("Q%d", snap.TurnIndex)
	if result.Completed {
		label = "Done"
	}
	m.turns = append(m.turns, questionStyle.Render(label+": "+result.Question))
	m.notice = result.Notice

	if result.Speech != nil {
		return []tea.Cmd{playSpeech(m.ctx, result.Speech)}
	}
	return nil
}

func (m *model) refresh() {
	if !m.ready {
		return
	}
	m.viewport.SetContent(m.contentView())
	m.viewport.GotoBottom()
}

func (m model) View() string {
	if !m.ready {
		return "\n  Initializing..."
	}
	return fmt.Sprintf(
		"%s\n%s\n%s",
		m.headerView(),
		m.viewport.View(),
		m.footerView(),
	)
}

func (m model) contentView() string {
	var content strings.Builder
	snap := m.sess.Snapshot()

	if len(m.turns) == 0 {
		content.WriteString(questionStyle.Render("Q1: " + snap.CurrentQuestion))
		content.WriteString("\n")
	}
	for _, line := range m.turns {
		content.WriteString(line)
		content.WriteString("\n")
	}
	if m.liveLine != "" {
		content.WriteString(partialStyle.Render("... " + m.liveLine))
		content.WriteString("\n")
	}
	if m.notice != "" {
		content.WriteString("\n")
		content.WriteString(noticeStyle.Render(m.notice))
		content.WriteString("\n")
	}
	return content.String()
}

func (m model) headerView() string {
	snap := m.sess.Snapshot()
	title := barStyle.Render(
		fmt.Sprintf("Mock Interview · question %d of %d · %s",
			min(snap.TurnIndex, snap.TurnLimit), snap.TurnLimit, snap.Phase),
	)
	line := strings.Repeat(
		"─",
		max(0, m.viewport.Width-lipgloss.Width(title)),
	)
	return lipgloss.JoinHorizontal(lipgloss.Center, title, line)
}

func (m model) footerView() string {
	status := "idle"
	switch {
	case m.recorder.State() == capture.Recording:
		status = fmt.Sprintf("recording (%.0fs silent)",
			m.recorder.Silence().Seconds())
	case m.processing:
		status = "thinking"
	}
	info := barStyle.Render(
		status + " · space record/stop · p pause · q quit",
	)
	line := strings.Repeat("─", max(0, m.viewport.Width-lipgloss.Width(info)))
	return lipgloss.JoinHorizontal(lipgloss.Center, line, info)
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
