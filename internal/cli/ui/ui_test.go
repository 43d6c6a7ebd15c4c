package ui

import (
	"testing"

	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	progresspkg "flashkit/internal/progress"
)

func TestLogLineMsgAppendsAndScrolls(t *testing.T) {
	m := New("flashctl: fastboot", "")

	next, _ := m.Update(logLineMsg("first line"))
	m = next.(Model)
	next, _ = m.Update(logLineMsg("second line"))
	m = next.(Model)

	assert.Equal(t, []string{"first line", "second line"}, m.lines)
	assert.Contains(t, m.log.View(), "second line")
}

func TestProgressMsgSetsBarPercent(t *testing.T) {
	m := New("flashctl: ota", "")

	next, cmd := m.Update(progressMsg(progresspkg.Progress{BytesSent: 50, TotalBytes: 100}))
	m = next.(Model)
	require.NotNil(t, cmd)

	msg := cmd()
	frame, ok := msg.(progress.FrameMsg)
	require.True(t, ok, "SetPercent should queue an animation frame")

	next, _ = m.Update(frame)
	m = next.(Model)
	assert.Greater(t, m.bar.Percent(), 0.0)
}

func TestDoneMsgRecordsFailure(t *testing.T) {
	m := New("flashctl: mtk", "")

	next, _ := m.Update(doneMsg{err: assertErr("boom")})
	m = next.(Model)

	assert.True(t, m.done)
	assert.ErrorContains(t, m.err, "boom")
	assert.Contains(t, m.View(), "failed: boom")
}

func TestKeyMsgQuits(t *testing.T) {
	m := New("flashctl: sprd", "")

	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	require.NotNil(t, cmd)
	assert.IsType(t, tea.Quit(), cmd())
}

type stringError string

func (e stringError) Error() string { return string(e) }

func assertErr(s string) error { return stringError(s) }
