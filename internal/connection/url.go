package connection

import (
	"fmt"
	"net/url"
	"strings"
)

// WebSocketURL derives the notification endpoint from the REST base URL:
// https becomes wss, http becomes ws, and "/ws" is appended to the path.
func WebSocketURL(apiBase string) (string, error) {
	u, err := url.Parse(apiBase)
	if err != nil {
		return "", fmt.Errorf("parse api base url: %w", err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("api base url %q has no host", apiBase)
	}

	switch u.Scheme {
	case "https", "wss":
		u.Scheme = "wss"
	case "http", "ws":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("unsupported api base url scheme %q", u.Scheme)
	}

	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	u.RawPath = ""
	u.RawQuery = ""
	u.Fragment = ""

	return u.String(), nil
}
