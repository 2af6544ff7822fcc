package shared

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type bufHook struct {
	strings.Builder
	closed int
}

func (b *bufHook) Close() error {
	b.closed++
	return nil
}

func TestPrinterIndentsEveryLine(t *testing.T) {
	hook := &bufHook{}
	p, err := NewPrinter("│  ", hook)
	require.NoError(t, err)

	require.NoError(t, p.Writeln("model: gpt-realtime\nvoice: ash", 1))
	require.NoError(t, p.Write("done", 0))
	assert.Equal(t, "│  model: gpt-realtime\n│  voice: ash\ndone", hook.String())
}

func TestPrinterFanOutAndClose(t *testing.T) {
	a, b := &bufHook{}, &bufHook{}
	p, err := NewPrinter("  ", a, b)
	require.NoError(t, err)

	require.NoError(t, p.Writef(2, "%d calls", 3))
	assert.Equal(t, "    3 calls\n", a.String())
	assert.Equal(t, a.String(), b.String())

	require.NoError(t, p.Close())
	require.NoError(t, p.Close())
	assert.Equal(t, 1, a.closed)
	assert.Error(t, p.Writeln("late", 0))
}

func TestNewPrinterRejectsMissingHooks(t *testing.T) {
	_, err := NewPrinter("  ")
	assert.Error(t, err)
	_, err = NewPrinter("  ", nil)
	assert.Error(t, err)
	assert.Nil(t, NewWriteCloser(nil))
}
