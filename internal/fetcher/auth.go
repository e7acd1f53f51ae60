package fetcher

import (
	"encoding/base64"
	"net/http"
)

// Authentication attaches credentials to every fetch and stream request
type Authentication interface {
	Apply(h http.Header)
}

// NoAuth sends no credentials
type NoAuth struct{}

func (NoAuth) Apply(http.Header) {}

// ClientToken authenticates with a static client token
type ClientToken struct {
	Token string
}

func (a ClientToken) Apply(h http.Header) {
	h.Set("Authorization", "Bearer "+a.Token)
}

// JWT authenticates with a JSON web token
type JWT struct {
	Token string
}

func (a JWT) Apply(h http.Header) {
	h.Set("Authorization", "JWT "+a.Token)
}

// Basic authenticates with a username and password
type Basic struct {
	Username string
	Password string
}

func (a Basic) Apply(h http.Header) {
	creds := base64.StdEncoding.EncodeToString([]byte(a.Username + ":" + a.Password))
	h.Set("Authorization", "Basic "+creds)
}
