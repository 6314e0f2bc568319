package audit

import (
	"net"
	"net/url"
	"regexp"
	"strconv"
	"strings"
)

var hostnamePattern = regexp.MustCompile(`^[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)

// NormalizeURL validates a user-supplied target and returns its canonical
// form. A missing scheme defaults to https. Only http and https are accepted,
// and the host must be a dotted hostname, localhost, or an IP literal.
// Scheme and host are lowercased, default ports and fragments are dropped,
// query parameters are sorted, and an empty path becomes "/".
func NormalizeURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", &ValidationError{Field: "url", Reason: "must not be empty"}
	}
	if strings.ContainsAny(raw, " \t\n") {
		return "", &ValidationError{Field: "url", Reason: "must not contain whitespace"}
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", &ValidationError{Field: "url", Reason: "malformed"}
	}
	u.Scheme = strings.ToLower(u.Scheme)
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", &ValidationError{Field: "url", Reason: "scheme must be http or https"}
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return "", &ValidationError{Field: "url", Reason: "host is required"}
	}
	if !validHost(host) {
		return "", &ValidationError{Field: "url", Reason: "host is not a valid domain or IP address"}
	}
	port := u.Port()
	if port != "" {
		n, err := strconv.Atoi(port)
		if err != nil || n < 1 || n > 65535 {
			return "", &ValidationError{Field: "url", Reason: "port must be between 1 and 65535"}
		}
		if (u.Scheme == "http" && n == 80) || (u.Scheme == "https" && n == 443) {
			port = ""
		}
	}
	u.Host = host
	if strings.Contains(host, ":") {
		u.Host = "[" + host + "]"
	}
	if port != "" {
		u.Host = net.JoinHostPort(host, port)
	}
	u.User = nil
	u.Fragment = ""
	u.RawFragment = ""
	if u.Path == "" {
		u.Path = "/"
	}
	u.RawQuery = u.Query().Encode()
	return u.String(), nil
}

func validHost(host string) bool {
	if host == "localhost" {
		return true
	}
	if ip := net.ParseIP(host); ip != nil {
		return true
	}
	return hostnamePattern.MatchString(host)
}
