package model

import (
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"
)

// privateIPRanges is the set of CIDR blocks considered non-public.
// Populated once at package init; used by ValidateSourceURI.
var privateIPRanges []*net.IPNet

func init() {
	for _, cidr := range []string{
		"10.0.0.0/8",
		"172.16.0.0/12",
		"192.168.0.0/16",
		"127.0.0.0/8",
		"169.254.0.0/16", // link-local
		"::1/128",
		"fc00::/7",  // unique-local IPv6
		"fe80::/10", // link-local IPv6
	} {
		_, network, err := net.ParseCIDR(cidr)
		if err == nil {
			privateIPRanges = append(privateIPRanges, network)
		}
	}
}

// ValidateSourceURI ensures an Item source is a safe, publicly-routable
// http/https URL. Rejects javascript:/file: schemes, embedded credentials,
// and private/loopback addresses (SSRF surface). Grounded on the teacher's
// internal/model/api.go of the same name.
func ValidateSourceURI(rawURI string) error {
	u, err := url.Parse(rawURI)
	if err != nil {
		return fmt.Errorf("invalid URI: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("source must use http or https scheme (got %q)", u.Scheme)
	}
	if u.User != nil {
		return fmt.Errorf("source must not include credentials")
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("source must include a host")
	}
	if strings.EqualFold(host, "localhost") {
		return fmt.Errorf("source must not point to localhost")
	}
	if ip := net.ParseIP(host); ip != nil {
		for _, r := range privateIPRanges {
			if r.Contains(ip) {
				return fmt.Errorf("source must not point to a private or loopback address")
			}
		}
	}
	return nil
}

// Envelope is the standard response shape for POST /api/tools/{name}, per
// SPEC_FULL.md §6: {success, result?, error?, duration}.
type Envelope struct {
	Success    bool          `json:"success"`
	Result     any           `json:"result,omitempty"`
	Error      *ErrorDetail  `json:"error,omitempty"`
	DurationMS int64         `json:"duration"`
}

// ErrorKind enumerates the language-neutral error kinds of SPEC_FULL.md §7.
type ErrorKind string

const (
	KindInvalidInput ErrorKind = "InvalidInput"
	KindNotFound      ErrorKind = "NotFound"
	KindStorageError  ErrorKind = "StorageError"
	KindChainError    ErrorKind = "ChainError"
	KindCancelled     ErrorKind = "Cancelled"
	KindUnavailable   ErrorKind = "Unavailable"
)

// ErrorDetail describes an API error using the fixed error-kind vocabulary.
type ErrorDetail struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

// HealthResponse is the response for GET /health.
type HealthResponse struct {
	Status       string            `json:"status"`
	Identity     string            `json:"identity"`
	Persistence  PersistenceHealth `json:"persistence"`
	ChainHead    int64             `json:"chainHead"`
	UptimeSecond int64             `json:"uptimeSeconds"`
}

// PersistenceHealth reports the active Persistence backend's status and
// declared capabilities (e.g. "fulltext", "vector").
type PersistenceHealth struct {
	Status       string   `json:"status"`
	Backend      string   `json:"backend"`
	Capabilities []string `json:"capabilities"`
}

// AuthTokenRequest is the request body for POST /auth/token.
type AuthTokenRequest struct {
	AgentName string `json:"agentName"`
	APIKey    string `json:"apiKey"`
}

// AuthTokenResponse is the response for POST /auth/token.
type AuthTokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// ToolDescriptor describes one registered operation, per the GET /api/tools
// response shape in SPEC_FULL.md §6.
type ToolDescriptor struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	InputSchema any    `json:"inputSchema"`
}
