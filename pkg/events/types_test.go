package events

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEnvelopeIsValid(t *testing.T) {
	e := NewEnvelope(TypeExecutionUpdate, "acme/web", map[string]any{"status": "running"})
	require.NoError(t, e.Validate())
	assert.True(t, strings.HasSuffix(e.TS, "Z"))

	data, err := e.Marshal()
	require.NoError(t, err)
	assert.Contains(t, string(data), `"projectId":"acme/web"`)
}

func TestEnvelopeValidateRejections(t *testing.T) {
	base := NewEnvelope(TypeCompletion, "p1", map[string]any{})

	e := base
	e.Type = ""
	assert.Error(t, e.Validate())

	e = base
	e.Type = "not-a-type"
	assert.Error(t, e.Validate())

	e = base
	e.TS = time.Now().Format("2006-01-02 15:04:05")
	assert.Error(t, e.Validate(), "ts without Z suffix must be rejected")

	e = base
	e.ProjectID = ""
	assert.Error(t, e.Validate())

	e = base
	e.Payload = nil
	assert.Error(t, e.Validate())
}

func TestEnvelopeMarshalSizeCap(t *testing.T) {
	e := NewEnvelope(TypeExecutionLog, "p1", map[string]any{
		"chunk": strings.Repeat("x", maxEnvelopeBytes),
	})
	_, err := e.Marshal()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds")
}

func TestParseEnvelopeStrictness(t *testing.T) {
	good := []byte(`{"type":"completion","ts":"2026-08-24T10:00:00Z","projectId":"p1","payload":{"ok":true}}`)
	e, err := ParseEnvelope(good)
	require.NoError(t, err)
	assert.Equal(t, TypeCompletion, e.Type)

	extra := []byte(`{"type":"completion","ts":"2026-08-24T10:00:00Z","projectId":"p1","payload":{},"extra":1}`)
	_, err = ParseEnvelope(extra)
	assert.Error(t, err, "a fifth top-level field must be rejected")

	_, err = ParseEnvelope([]byte(`{"type":"completion"}`))
	assert.Error(t, err)

	_, err = ParseEnvelope([]byte(`not json`))
	assert.Error(t, err)
}

func TestProjectChannel(t *testing.T) {
	assert.Equal(t, "project:acme/web", ProjectChannel("acme/web"))
	assert.Equal(t, "acme/web", projectOf("project:acme/web"))
	assert.Equal(t, "weird", projectOf("weird"))
}
