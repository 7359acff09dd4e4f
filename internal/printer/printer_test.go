package printer

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func capture(t *testing.T) (*bytes.Buffer, *bytes.Buffer) {
	t.Helper()
	var out, errOut bytes.Buffer
	oldOut, oldErr := Stdout, Stderr
	Stdout, Stderr = &out, &errOut
	t.Cleanup(func() { Stdout, Stderr = oldOut, oldErr })
	return &out, &errOut
}

func TestError(t *testing.T) {
	t.Run("returns error with title", func(t *testing.T) {
		_, errOut := capture(t)
		err := Error("Test Error", "This is a test error", []string{})
		require.Error(t, err)
		require.Equal(t, "Test Error", err.Error())
		assert.Contains(t, errOut.String(), "This is a test error")
	})

	t.Run("single suggestion is printed as is", func(t *testing.T) {
		_, errOut := capture(t)
		err := Error("Test Error", "Explanation", []string{"Try this fix"})
		require.Equal(t, "Test Error", err.Error())
		assert.Contains(t, errOut.String(), "Try this fix")
		assert.NotContains(t, errOut.String(), "Either:")
	})

	t.Run("multiple suggestions are numbered", func(t *testing.T) {
		_, errOut := capture(t)
		err := Error("Test Error", "Explanation", []string{"First option", "Second option"})
		require.Equal(t, "Test Error", err.Error())
		assert.Contains(t, errOut.String(), "Either:")
		assert.Contains(t, errOut.String(), "  2. Second option")
	})
}

func TestErrorWithContext(t *testing.T) {
	_, errOut := capture(t)
	context := map[string]string{
		"Scope": "runs:active:1:10",
		"Redis": "localhost:6379",
	}
	err := ErrorWithContext("Test Error", "Explanation", context, []string{"Fix it"})
	require.Equal(t, "Test Error", err.Error())

	out := errOut.String()
	assert.Less(t, bytes.Index([]byte(out), []byte("Redis:")), bytes.Index([]byte(out), []byte("Scope:")),
		"context is printed in key order")
}

func TestMessages(t *testing.T) {
	out, errOut := capture(t)

	Success("done\n")
	Step("working\n")
	Info("plain %d\n", 1)
	Warning("careful\n")

	assert.Contains(t, out.String(), "✓ done")
	assert.Contains(t, out.String(), "→ working")
	assert.Contains(t, out.String(), "plain 1")
	assert.Contains(t, errOut.String(), "careful")
}
