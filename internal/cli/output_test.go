package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/reflex/internal/errs"
)

func TestExitErrorMessage(t *testing.T) {
	plain := NewExitError(ExitFailure, "validation failed")
	assert.Equal(t, "validation failed", plain.Error())

	wrapped := WrapExitError(ExitCommandError, "load rules", errors.New("no such dir"))
	assert.Equal(t, "load rules: no such dir", wrapped.Error())
	assert.Equal(t, "no such dir", errors.Unwrap(wrapped).Error())
}

func TestGetExitCode(t *testing.T) {
	assert.Equal(t, ExitCommandError, GetExitCode(NewExitError(ExitCommandError, "bad path")))
	assert.Equal(t, ExitFailure, GetExitCode(NewExitError(ExitFailure, "failed")))
	assert.Equal(t, ExitFailure, GetExitCode(errors.New("plain error")))

	wrapped := fmt.Errorf("outer: %w", NewExitError(ExitCommandError, "inner"))
	assert.Equal(t, ExitCommandError, GetExitCode(wrapped))
}

func TestFormatterSuccessJSON(t *testing.T) {
	buf := &bytes.Buffer{}
	f := &OutputFormatter{Format: "json", Writer: buf}

	require.NoError(t, f.Success(map[string]int{"rules": 3}))

	var resp CLIResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Nil(t, resp.Error)
}

func TestFormatterSuccessText(t *testing.T) {
	buf := &bytes.Buffer{}
	f := &OutputFormatter{Format: "text", Writer: buf}

	require.NoError(t, f.Success("all good"))
	assert.Equal(t, "all good\n", buf.String())
}

func TestFormatterErrorJSON(t *testing.T) {
	buf := &bytes.Buffer{}
	f := &OutputFormatter{Format: "json", Writer: buf}

	require.NoError(t, f.Error("validation", "bad rule", nil))

	var resp CLIResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "validation", resp.Error.Code)
	assert.Equal(t, "bad rule", resp.Error.Message)
}

func TestFormatterErrorText(t *testing.T) {
	buf := &bytes.Buffer{}
	f := &OutputFormatter{Format: "text", Writer: buf}

	require.NoError(t, f.Error("not_found", "rule missing", nil))
	assert.Equal(t, "Error [not_found]: rule missing\n", buf.String())
}

func TestVerboseLogRouting(t *testing.T) {
	out := &bytes.Buffer{}
	errOut := &bytes.Buffer{}

	silent := &OutputFormatter{Format: "text", Writer: out, ErrWriter: errOut}
	silent.VerboseLog("hidden %d", 1)
	assert.Empty(t, out.String())
	assert.Empty(t, errOut.String())

	noisy := &OutputFormatter{Format: "json", Writer: out, ErrWriter: errOut, Verbose: true}
	noisy.VerboseLog("shown %d", 2)
	assert.Empty(t, out.String())
	assert.Equal(t, "shown 2\n", errOut.String())
}

func TestErrorCode(t *testing.T) {
	assert.Equal(t, "validation", errorCode(errs.Validationf("bad")))
	assert.Equal(t, "not_found", errorCode(errs.NotFoundf("missing")))
	assert.Equal(t, "internal", errorCode(errors.New("plain")))
}
