package log

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRedactJSONFields(t *testing.T) {
	in := `{"username":"alice","password":"hunter2","apiKey":"abc123","client_secret":"sss"}`
	out := Redact(in)

	assert.NotContains(t, out, "hunter2")
	assert.NotContains(t, out, "abc123")
	assert.NotContains(t, out, "sss")
	assert.Contains(t, out, `"username":"alice"`)
}

func TestRedactFreeForm(t *testing.T) {
	out := Redact("Authorization: Bearer deadbeefcafe01 sent with password=pw123")
	assert.NotContains(t, out, "deadbeefcafe01")
	assert.NotContains(t, out, "pw123")
	assert.Contains(t, out, "Bearer [REDACTED]")
}

func TestRedactLeavesOrdinaryTextAlone(t *testing.T) {
	in := "tools/call routed to mock__echo in 3ms"
	assert.Equal(t, in, Redact(in))
}

func TestWriterRedacts(t *testing.T) {
	var buf bytes.Buffer
	SetWriter(Config{Level: "debug", Format: "json", RedactSecrets: true}, &buf)
	defer SetWriter(Config{RedactSecrets: true}, &buf)

	Logger().Info().Str("refresh_token", "supersecretvalue").Msg("grant issued")

	assert.NotContains(t, buf.String(), "supersecretvalue")
	assert.Contains(t, buf.String(), "grant issued")
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	SetWriter(Config{Level: "warn", Format: "json"}, &buf)
	defer SetWriter(Config{RedactSecrets: true}, &buf)

	Infof("not shown")
	Warnf("shown")

	assert.NotContains(t, buf.String(), "not shown")
	assert.Contains(t, buf.String(), "shown")
}
