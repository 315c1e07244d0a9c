package kernel

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/jonian/libretro-panda3ds/panda/config"
	"github.com/stretchr/testify/assert"
)

func TestDebugSink(t *testing.T) {
	testCases := []struct {
		desc    string
		history int
		input   []string
		want    []string
	}{
		{desc: "newline and nul end lines", history: 8, input: []string{"one\ntw", "o\x00three\n"}, want: []string{"one", "two", "three"}},
		{desc: "partial line is held back", history: 8, input: []string{"no newline"}, want: nil},
		{desc: "history keeps the newest lines", history: 2, input: []string{"a\nb\nc\n"}, want: []string{"b", "c"}},
		{desc: "zero history keeps nothing", history: 0, input: []string{"a\nb\n"}, want: nil},
	}

	for _, tC := range testCases {
		t.Run(tC.desc, func(t *testing.T) {
			var buf bytes.Buffer
			s := NewDebugSink(WithLogger(slog.New(slog.NewTextHandler(&buf, nil))), WithHistory(tC.history))
			for _, in := range tC.input {
				n, err := s.Write([]byte(in))
				assert.NoError(t, err)
				assert.Equal(t, len(in), n)
			}
			assert.Equal(t, tC.want, s.Lines())
		})
	}
}

func TestDebugSinkLogsEveryLine(t *testing.T) {
	var buf bytes.Buffer
	s := NewDebugSink(WithLogger(slog.New(slog.NewTextHandler(&buf, nil))), WithHistory(0))
	s.Write([]byte("first\nsecond\n"))

	out := buf.String()
	assert.Contains(t, out, "line=first")
	assert.Contains(t, out, "line=second")
}

func TestSetConfigShrinksDebugHistory(t *testing.T) {
	k, _ := newTestKernel(t, nil, func(c *config.EmulatorConfig) { c.Log.DebugHistory = 4 })
	k.DebugOutput().Write([]byte("a\nb\nc\n"))
	assert.Equal(t, []string{"a", "b", "c"}, k.DebugOutput().Lines())

	cfg := config.Default()
	cfg.Log.DebugHistory = 1
	k.SetConfig(cfg)
	assert.Equal(t, []string{"c"}, k.DebugOutput().Lines())

	k.DebugOutput().Write([]byte("d\n"))
	assert.Equal(t, []string{"d"}, k.DebugOutput().Lines())
}
