package rotation

import (
	"fmt"
	"strings"
)

// Credential is the configured upstream proxy account. Per-session endpoints
// are derived from it; the engine never provisions credentials itself.
type Credential struct {
	Host     string
	Port     int
	Username string
	Password string
	Zone     string
	Country  string
}

// Validate rejects credentials that cannot produce a working endpoint.
func (c Credential) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("proxy.host must not be empty")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("proxy.port must be in 1..65535, got %d", c.Port)
	}
	if c.Username == "" {
		return fmt.Errorf("proxy.username must not be empty")
	}
	return nil
}

// EndpointFor derives the sticky endpoint for one session. Session-aware
// providers route all traffic for a username carrying the same -session-
// suffix through the same exit, so the suffix is what makes the session
// sticky. The zone and country suffixes are appended only when the
// configured username does not already carry them.
func (c Credential) EndpointFor(sessionID string) Endpoint {
	user := c.Username
	if c.Zone != "" && !strings.Contains(user, "-zone-") {
		user += "-zone-" + c.Zone
	}
	if c.Country != "" && !strings.Contains(user, "-country-") {
		user += "-country-" + strings.ToLower(c.Country)
	}
	user += "-session-" + sessionSuffix(sessionID)

	return Endpoint{
		Host:     c.Host,
		Port:     c.Port,
		Username: user,
		Password: c.Password,
		Zone:     c.Zone,
		Country:  strings.ToLower(c.Country),
	}
}

// sessionSuffix strips characters proxy providers reject in usernames.
func sessionSuffix(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return -1
		}
	}, id)
}

func hostPort(host string, port int) string {
	return fmt.Sprintf("%s:%d", host, port)
}
