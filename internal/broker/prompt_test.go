package broker

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/warden/internal/plugin/security"
	"github.com/dshills/warden/internal/plugin/trust"
)

func testPrompt() Prompt {
	return Prompt{
		PluginPath: "/p/foo.plugin",
		Name:       "Foo",
		Verdict:    trust.Unsigned,
		Risk:       security.Assess(trust.Unsigned, ""),
		Reason:     "wants io",
	}
}

func TestTerminalPrompterAnswers(t *testing.T) {
	var out bytes.Buffer
	p := &TerminalPrompter{In: strings.NewReader("yes\nn\n"), Out: &out, Interactive: true}

	ok, err := p.Confirm(context.Background(), testPrompt())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Contains(t, out.String(), `Plugin "Foo" requests elevated access.`)
	assert.Contains(t, out.String(), "reason:    wants io")

	ok, err = p.Confirm(context.Background(), testPrompt())
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = p.Confirm(context.Background(), testPrompt())
	assert.ErrorIs(t, err, io.EOF)
}

func TestTerminalPrompterNonInteractive(t *testing.T) {
	var out bytes.Buffer
	p := &TerminalPrompter{In: strings.NewReader("y\n"), Out: &out}

	ok, err := p.Confirm(context.Background(), testPrompt())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, out.String())
}

func TestTerminalPrompterCancel(t *testing.T) {
	r, w := io.Pipe()
	defer w.Close()
	p := &TerminalPrompter{In: r, Out: io.Discard, Interactive: true}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	ok, err := p.Confirm(ctx, testPrompt())
	assert.False(t, ok)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
