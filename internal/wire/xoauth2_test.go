package wire

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestXOAuth2String(t *testing.T) {
	raw := XOAuth2String("someone@example.com", "ya29.token")
	assert.Equal(t, "user=someone@example.com\x01auth=Bearer ya29.token\x01\x01", raw)

	decoded, err := base64.StdEncoding.DecodeString(EncodeXOAuth2("someone@example.com", "ya29.token"))
	require.NoError(t, err)
	assert.Equal(t, raw, string(decoded))
}

func TestXOAuth2Client(t *testing.T) {
	c := NewXOAuth2Client("a@b.c", "tok")

	mech, ir, err := c.Start()
	require.NoError(t, err)
	assert.Equal(t, "XOAUTH2", mech)
	assert.Equal(t, "user=a@b.c\x01auth=Bearer tok\x01\x01", string(ir))

	// An error challenge gets an empty response so the server sends its final NO.
	resp, err := c.Next([]byte(`{"status":"401"}`))
	require.NoError(t, err)
	assert.Empty(t, resp)
	assert.NotNil(t, resp)
}

func TestXOAuth2Client_KeepsChallengeForErrors(t *testing.T) {
	c := newXOAuth2Client("a@b.c", "tok")
	assert.NoError(t, c.failure())

	_, err := c.Next([]byte(`{"status":"400"}`))
	require.NoError(t, err)
	assert.EqualError(t, c.failure(), `server challenge: {"status":"400"}`)
}
