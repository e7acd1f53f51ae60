package fliptengine

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"
)

// FetchMode selects how the engine receives snapshot updates.
type FetchMode string

const (
	FetchModePolling   FetchMode = "polling"
	FetchModeStreaming FetchMode = "streaming"
)

// ClientOptions is the serializable engine configuration accepted at the
// handle boundary.
//
// Example:
//
//	{
//	  "url": "https://flipt.example.com",
//	  "update_interval": 30,
//	  "authentication": {"client_token": "secret"},
//	  "reference": "main",
//	  "fetch_mode": "polling"
//	}
type ClientOptions struct {
	// URL is the base URL of the Flipt server
	URL string `json:"url,omitempty"`

	// UpdateInterval is the polling interval in seconds
	UpdateInterval int `json:"update_interval,omitempty"`

	// Authentication selects at most one credential strategy
	Authentication *Authentication `json:"authentication,omitempty"`

	// Reference names the evaluation reference, e.g. a branch
	Reference string `json:"reference,omitempty"`

	// FetchMode is "polling" (default) or "streaming"
	FetchMode FetchMode `json:"fetch_mode,omitempty"`
}

// Authentication holds the credentials for one strategy. Leave it nil for no
// authentication.
type Authentication struct {
	ClientToken string `json:"client_token,omitempty"`
	JWTToken    string `json:"jwt_token,omitempty"`
	Username    string `json:"username,omitempty"`
	Password    string `json:"password,omitempty"`
}

// ParseClientOptions decodes ClientOptions from JSON. Empty input yields the
// defaults.
func ParseClientOptions(data []byte) (ClientOptions, error) {
	var opts ClientOptions
	if len(data) == 0 {
		return opts, nil
	}
	if err := json.Unmarshal(data, &opts); err != nil {
		return opts, &ConfigError{Field: "options", Message: fmt.Sprintf("invalid JSON: %v", err)}
	}
	return opts, nil
}

// toOptions converts the serialized form into engine options
func (o ClientOptions) toOptions() ([]Option, error) {
	var opts []Option

	if o.URL != "" {
		opts = append(opts, WithURL(o.URL))
	}

	if o.UpdateInterval < 0 {
		return nil, &ConfigError{Field: "update_interval", Message: "must not be negative"}
	}
	if o.UpdateInterval > 0 {
		opts = append(opts, WithUpdateInterval(time.Duration(o.UpdateInterval)*time.Second))
	}

	if o.Reference != "" {
		opts = append(opts, WithReference(o.Reference))
	}
	if o.FetchMode != "" {
		opts = append(opts, WithFetchMode(o.FetchMode))
	}

	if o.Authentication != nil {
		auth, err := o.Authentication.option()
		if err != nil {
			return nil, err
		}
		if auth != nil {
			opts = append(opts, auth)
		}
	}

	return opts, nil
}

func (a Authentication) option() (Option, error) {
	strategies := 0
	if a.ClientToken != "" {
		strategies++
	}
	if a.JWTToken != "" {
		strategies++
	}
	if a.Username != "" || a.Password != "" {
		strategies++
	}
	if strategies > 1 {
		return nil, &ConfigError{Field: "authentication", Message: "only one strategy may be set"}
	}

	switch {
	case a.ClientToken != "":
		return WithClientToken(a.ClientToken), nil
	case a.JWTToken != "":
		return WithJWT(a.JWTToken), nil
	case a.Username != "" || a.Password != "":
		return WithBasicAuth(a.Username, a.Password), nil
	default:
		return nil, nil
	}
}
