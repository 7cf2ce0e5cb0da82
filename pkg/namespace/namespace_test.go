package namespace

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEncode(t *testing.T) {
	assert.Equal(t, "mock__echo", Encode("mock", "echo"))
	assert.Equal(t, "a__x", Encode("a", "x"))
}

func TestRoundTrip(t *testing.T) {
	for _, tc := range []struct {
		server string
		name   string
	}{
		{"mock", "echo"},
		{"srv", "name__with__separators"},
		{"a", "__leading"},
		{"filesystem", "read_file"},
		{"s", ""},
	} {
		encoded := Encode(tc.server, tc.name)
		assert.Equal(t, tc.name, Strip(tc.server, encoded), "server=%q name=%q", tc.server, tc.name)

		server, ok := Decode(encoded)
		assert.True(t, ok)
		assert.Equal(t, tc.server, server)
	}
}

func TestDecodeNotNamespaced(t *testing.T) {
	for _, s := range []string{"plain", "", "__x", "no-separator-here"} {
		_, ok := Decode(s)
		assert.False(t, ok, "%q should not decode", s)
	}
}

func TestCollisionFreedom(t *testing.T) {
	a := Encode("a", "x")
	b := Encode("b", "x")
	assert.NotEqual(t, a, b)
}

func TestDisabled(t *testing.T) {
	t.Setenv(skipEnvVar, "1")

	assert.Equal(t, "echo", Encode("mock", "echo"))
	assert.Equal(t, "echo", Strip("mock", "echo"))

	_, ok := Decode("mock__echo")
	assert.False(t, ok)
}
