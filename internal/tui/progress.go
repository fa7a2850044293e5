package tui

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/sevendeuce/monerodctl/internal/binary"
)

// ErrInterrupted is returned when the user quits the progress view early.
var ErrInterrupted = errors.New("interrupted")

type statusMsg binary.Status

type streamClosedMsg struct{}

func waitForStatus(ch <-chan binary.Status) tea.Cmd {
	return func() tea.Msg {
		st, ok := <-ch
		if !ok {
			return streamClosedMsg{}
		}
		return statusMsg(st)
	}
}

// ProgressModel renders an install or update stream as a progress bar.
type ProgressModel struct {
	title   string
	ch      <-chan binary.Status
	bar     progress.Model
	phase   string
	percent float64
	detail  string

	final   *binary.Status
	aborted bool
}

// NewProgressModel creates a model reading from ch.
func NewProgressModel(title string, ch <-chan binary.Status) ProgressModel {
	return ProgressModel{
		title: title,
		ch:    ch,
		bar:   progress.New(progress.WithDefaultGradient(), progress.WithWidth(40)),
		phase: "starting",
	}
}

func (m ProgressModel) Init() tea.Cmd {
	return waitForStatus(m.ch)
}

func (m ProgressModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.String() == "ctrl+c" || msg.String() == "q" {
			m.aborted = true
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.bar.Width = min(max(msg.Width-4, 10), 60)

	case statusMsg:
		st := binary.Status(msg)
		m = m.apply(st)
		if st.Terminal() {
			m.final = &st
			return m, tea.Quit
		}
		return m, waitForStatus(m.ch)

	case streamClosedMsg:
		return m, tea.Quit
	}
	return m, nil
}

func (m ProgressModel) apply(st binary.Status) ProgressModel {
	switch st.Kind {
	case binary.StatusProgress:
		m.phase = "downloading"
		m.percent = float64(st.Percent) / 100
		if st.TotalMB > 0 {
			m.detail = fmt.Sprintf("%.1f / %.1f MB", st.DownloadedMB, st.TotalMB)
		} else {
			m.detail = fmt.Sprintf("%.1f MB", st.DownloadedMB)
		}
	case binary.StatusInstalled, binary.StatusUpdated:
		m.phase = st.Kind.String()
		m.percent = 1
		m.detail = st.Version
	case binary.StatusError:
		m.phase = "failed"
		m.detail = st.Message
	default:
		m.phase = st.Kind.String()
	}
	return m
}

func (m ProgressModel) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render(m.title) + "\n")
	b.WriteString(m.bar.ViewAs(m.percent) + "\n")

	phase := valueStyle.Render(m.phase)
	if m.phase == "failed" {
		phase = errorStyle.Render(m.phase)
	}
	b.WriteString(labelStyle.Render("Phase:") + phase)
	if m.detail != "" {
		b.WriteString("  " + dimStyle.Render(m.detail))
	}
	b.WriteString("\n")
	return b.String()
}

// Final is the terminal event seen, if any.
func (m ProgressModel) Final() (binary.Status, bool) {
	if m.final == nil {
		return binary.Status{}, false
	}
	return *m.final, true
}

// RunProgress shows ch as a progress bar until it ends. When the user quits
// early the rest of the stream is drained in the background.
func RunProgress(title string, ch <-chan binary.Status) (binary.Status, error) {
	res, err := tea.NewProgram(NewProgressModel(title, ch)).Run()
	if err != nil {
		go drain(ch)
		return binary.Status{}, err
	}
	m := res.(ProgressModel)
	if m.aborted {
		go drain(ch)
		return binary.Status{}, ErrInterrupted
	}
	return finalOf(m.Final())
}

// PlainProgress writes one line per phase change and per 10% of download.
func PlainProgress(w io.Writer, ch <-chan binary.Status) (binary.Status, error) {
	lastBucket := -1
	var final *binary.Status
	for st := range ch {
		switch st.Kind {
		case binary.StatusProgress:
			bucket := st.Percent / 10
			if bucket == lastBucket {
				continue
			}
			lastBucket = bucket
			fmt.Fprintf(w, "progress %3d%% (%.1f MB)\n", st.Percent, st.DownloadedMB)
		case binary.StatusError:
			fmt.Fprintf(w, "error: %s\n", st.Message)
		case binary.StatusInstalled, binary.StatusUpdated:
			if st.Version != "" {
				fmt.Fprintf(w, "%s %s\n", st.Kind, st.Version)
			} else {
				fmt.Fprintln(w, st.Kind)
			}
		default:
			fmt.Fprintln(w, st.Kind)
		}
		if st.Terminal() {
			s := st
			final = &s
		}
	}
	if final == nil {
		return finalOf(binary.Status{}, false)
	}
	return finalOf(*final, true)
}

func finalOf(st binary.Status, ok bool) (binary.Status, error) {
	if !ok {
		return st, errors.New("status stream ended without a result")
	}
	if st.Kind == binary.StatusError {
		if st.Err != nil {
			return st, st.Err
		}
		return st, errors.New(st.Message)
	}
	return st, nil
}

func drain(ch <-chan binary.Status) {
	for range ch {
	}
}
