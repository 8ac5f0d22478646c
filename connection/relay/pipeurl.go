package relay

import (
	"net/url"
	"strings"

	"github.com/anqori/anchorwatch/errors"
)

// Pipe roles.
const (
	RoleApp    = "app"
	RoleDevice = "device"
)

// Credentials address one boat on the relay.
type Credentials struct {
	BaseURL    string
	BoatID     string
	BoatSecret string
	DeviceID   string
}

// Complete reports whether the relay URL, boat id and boat secret are all set.
func (c Credentials) Complete() bool {
	return strings.TrimSpace(c.BaseURL) != "" && c.BoatID != "" && c.BoatSecret != ""
}

// CredentialsFunc supplies the current credentials. It is read on every
// connect, so updated onboarding data takes effect on the next attempt.
type CredentialsFunc func() Credentials

// Static returns a CredentialsFunc that always yields creds.
func Static(creds Credentials) CredentialsFunc {
	return func() Credentials { return creds }
}

// PipeURL builds the websocket URL of the relay pipe: https becomes wss and
// http becomes ws, the base path is kept without trailing slashes, and
// /v1/pipe?boatId&boatSecret&deviceId&role is appended.
func PipeURL(base, boatID, boatSecret, deviceID, role string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(base))
	if err != nil {
		return "", errors.WrapInvalid(err, "relay", "PipeURL", "parse base URL")
	}
	if u.Scheme == "" || u.Host == "" {
		return "", errors.WrapInvalid(errors.ErrInvalidConfig, "relay", "PipeURL", "parse base URL "+base)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}

	u.Path = strings.TrimRight(u.Path, "/") + "/v1/pipe"
	u.RawPath = ""
	u.Fragment = ""

	q := url.Values{}
	q.Set("boatId", boatID)
	q.Set("boatSecret", boatSecret)
	q.Set("deviceId", deviceID)
	q.Set("role", role)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// healthURL is <base>/health with the base path kept.
func healthURL(base string) string {
	return strings.TrimRight(strings.TrimSpace(base), "/") + "/health"
}
