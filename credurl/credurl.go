package credurl

import (
	"strings"

	"github.com/pkg/errors"
)

// DefaultScheme is assumed for addresses given without a scheme.
const DefaultScheme = "rtsp"

var (
	// ErrInvalidURL is returned if scheme or host cannot be parsed from a clean address.
	ErrInvalidURL = errors.New("invalid stream url")

	// ErrEmbeddedCredentials is returned if a clean address already carries userinfo.
	// It wraps ErrInvalidURL.
	ErrEmbeddedCredentials = errors.Wrap(ErrInvalidURL, "credentials embedded")
)

const upperhex = "0123456789ABCDEF"

// unreserved reports whether c may appear verbatim in an encoded userinfo component.
// Only ALPHA / DIGIT / "-" / "." / "_" / "~" survive, everything else is escaped.
func unreserved(c byte) bool {
	switch {
	case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9':
		return true
	case c == '-', c == '.', c == '_', c == '~':
		return true
	}
	return false
}

// Encode percent-encodes every byte of s outside the unreserved set as uppercase %XX.
func Encode(s string) string {
	n := 0
	for i := 0; i < len(s); i++ {
		if !unreserved(s[i]) {
			n++
		}
	}
	if n == 0 {
		return s
	}

	var b strings.Builder
	b.Grow(len(s) + 2*n)
	for i := 0; i < len(s); i++ {
		c := s[i]
		if unreserved(c) {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('%')
		b.WriteByte(upperhex[c>>4])
		b.WriteByte(upperhex[c&0x0f])
	}
	return b.String()
}

// Address is a parsed clean stream address.
type Address struct {
	Scheme string
	Host   string // host[:port], may be a bracketed IPv6 literal
	Rest   string // path, query and fragment including the leading delimiter
}

func (a Address) String() string {
	return a.Scheme + "://" + a.Host + a.Rest
}

// Parse splits a clean address into scheme, authority and remainder.
// An address without scheme is treated as DefaultScheme.
func Parse(raw string) (Address, error) {
	raw = strings.TrimSpace(raw)
	scheme := DefaultScheme
	rest := raw
	if i := strings.Index(raw, "://"); i >= 0 {
		scheme = raw[:i]
		rest = raw[i+3:]
		if !validScheme(scheme) {
			return Address{}, ErrInvalidURL
		}
	}

	end := strings.IndexAny(rest, "/?#")
	if end < 0 {
		end = len(rest)
	}
	authority := rest[:end]
	if strings.Contains(authority, "@") {
		return Address{}, ErrEmbeddedCredentials
	}
	if !validHost(authority) {
		return Address{}, ErrInvalidURL
	}
	return Address{
		Scheme: strings.ToLower(scheme),
		Host:   authority,
		Rest:   rest[end:],
	}, nil
}

func validScheme(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z':
		case i > 0 && ('0' <= c && c <= '9' || c == '+' || c == '-' || c == '.'):
		default:
			return false
		}
	}
	return true
}

func validHost(authority string) bool {
	host := authority
	if strings.HasPrefix(host, "[") {
		end := strings.Index(host, "]")
		if end < 2 {
			return false
		}
		port := host[end+1:]
		if port != "" && !validPort(strings.TrimPrefix(port, ":"), port) {
			return false
		}
		return true
	}
	if i := strings.LastIndex(host, ":"); i >= 0 {
		if !validPort(host[i+1:], host[i:]) {
			return false
		}
		host = host[:i]
	}
	if host == "" {
		return false
	}
	return !strings.ContainsAny(host, " \t[]%")
}

func validPort(port string, withColon string) bool {
	if !strings.HasPrefix(withColon, ":") || port == "" {
		return false
	}
	for i := 0; i < len(port); i++ {
		if port[i] < '0' || port[i] > '9' {
			return false
		}
	}
	return true
}

// Build inserts percent-encoded credentials into a clean address.
// An empty username returns the address unchanged, an empty password yields "user@".
func Build(clean, username, password string) (string, error) {
	addr, err := Parse(clean)
	if err != nil {
		return "", err
	}
	if username == "" {
		return addr.String(), nil
	}
	userinfo := Encode(username)
	if password != "" {
		userinfo += ":" + Encode(password)
	}
	return addr.Scheme + "://" + userinfo + "@" + addr.Host + addr.Rest, nil
}

// IsClean reports whether raw parses as an address without embedded credentials.
func IsClean(raw string) bool {
	_, err := Parse(raw)
	return err == nil
}

// Redact replaces any userinfo in raw with "***" so the address can be logged.
func Redact(raw string) string {
	scheme := ""
	rest := raw
	if i := strings.Index(raw, "://"); i >= 0 {
		scheme = raw[:i+3]
		rest = raw[i+3:]
	}
	end := strings.IndexAny(rest, "/?#")
	if end < 0 {
		end = len(rest)
	}
	at := strings.LastIndex(rest[:end], "@")
	if at < 0 {
		return raw
	}
	return scheme + "***@" + rest[at+1:]
}
