package wire

import (
	"encoding/base64"
	"fmt"

	"github.com/emersion/go-sasl"
)

const XOAuth2 = "XOAUTH2"

// XOAuth2String is the raw SASL XOAUTH2 initial response.
func XOAuth2String(email, accessToken string) string {
	return fmt.Sprintf("user=%s\x01auth=Bearer %s\x01\x01", email, accessToken)
}

// EncodeXOAuth2 is XOAuth2String in base64, as sent on the wire.
func EncodeXOAuth2(email, accessToken string) string {
	return base64.StdEncoding.EncodeToString([]byte(XOAuth2String(email, accessToken)))
}

// xoauth2Client is a sasl.Client. A server challenge after the initial
// response carries a JSON error; it is answered with an empty response so the
// server can send its final failure, and kept for the error detail.
type xoauth2Client struct {
	email, token string
	challenge    []byte
}

func NewXOAuth2Client(email, accessToken string) sasl.Client {
	return newXOAuth2Client(email, accessToken)
}

func newXOAuth2Client(email, accessToken string) *xoauth2Client {
	return &xoauth2Client{email: email, token: accessToken}
}

func (c *xoauth2Client) Start() (string, []byte, error) {
	return XOAuth2, []byte(XOAuth2String(c.email, c.token)), nil
}

func (c *xoauth2Client) Next(challenge []byte) ([]byte, error) {
	c.challenge = challenge
	return []byte{}, nil
}

// failure is the error challenge the server sent, or nil.
func (c *xoauth2Client) failure() error {
	if len(c.challenge) == 0 {
		return nil
	}
	return fmt.Errorf("server challenge: %s", c.challenge)
}
