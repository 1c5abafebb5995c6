package log

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/warden/pkg/apierror"
)

func TestErrorfTagsKindFromApierror(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: ErrorLevel, JSONOutput: true, Output: &buf})

	Errorf("backup failed", apierror.New(apierror.Integrity, "checksum mismatch"))

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "integrity", record["kind"])
	assert.Equal(t, "backup failed", record["message"])
}

func TestErrorfTagsFatalForUnclassifiedError(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: ErrorLevel, JSONOutput: true, Output: &buf})

	Errorf("unexpected failure", assertPlainError{})

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "fatal", record["kind"])
}

func TestWithKindAddsKindField(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: InfoLevel, JSONOutput: true, Output: &buf})

	WithKind(apierror.Conflict).Info().Msg("rejected")

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "conflict", record["kind"])
}

type assertPlainError struct{}

func (assertPlainError) Error() string { return "plain error" }
