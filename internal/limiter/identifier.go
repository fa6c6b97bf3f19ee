package limiter

import (
	"net"
	"net/http"
	"strings"
)

// controlChars is stripped from any candidate identifier before it ever
// reaches a cache key or a log line; it is the header-injection guard.
const controlChars = "\x00\x01\x02\x03\x04\x05\x06\x07\x08\t\n\x0b\x0c\r\x0e\x0f" +
	"\x10\x11\x12\x13\x14\x15\x16\x17\x18\x19\x1a\x1b\x1c\x1d\x1e\x1f" +
	"\x7f\x80\x81\x82\x83\x84\x85\x86\x87\x88\x89\x8a\x8b\x8c\x8d\x8e\x8f" +
	"\x90\x91\x92\x93\x94\x95\x96\x97\x98\x99\x9a\x9b\x9c\x9d\x9e\x9f"

const maxIdentifierBytes = 45

// Extractor derives a sanitized client identifier from request metadata.
type Extractor struct{}

// NewExtractor returns the default identifier extractor.
func NewExtractor() Extractor { return Extractor{} }

// Extract honours, in order, X-Forwarded-For, X-Real-IP, X-Client-IP,
// CF-Connecting-IP, then the raw remote address, taking the first
// candidate present and the first comma-separated element of it.
func (Extractor) Extract(r *http.Request) string {
	candidate, hadPort := firstCandidate(r)
	return sanitizeIdentifier(candidate, hadPort)
}

func firstCandidate(r *http.Request) (value string, hadPeerPort bool) {
	headers := []string{"X-Forwarded-For", "X-Real-IP", "X-Client-IP", "CF-Connecting-IP"}
	for _, h := range headers {
		v := r.Header.Get(h)
		if v == "" {
			continue
		}
		if idx := strings.IndexByte(v, ','); idx >= 0 {
			v = v[:idx]
		}
		return strings.TrimSpace(v), false
	}
	return r.RemoteAddr, true
}

func sanitizeIdentifier(raw string, fromRemoteAddr bool) string {
	s := strings.TrimSpace(raw)
	s = stripControlChars(s)
	if len(s) > maxIdentifierBytes {
		s = s[:maxIdentifierBytes]
	}
	if s == "" {
		return "unknown"
	}

	host := s
	var port string
	if fromRemoteAddr {
		if h, p, err := net.SplitHostPort(s); err == nil {
			host, port = h, p
		}
	}

	if isLoopback(host) {
		return host
	}

	if ip := net.ParseIP(host); ip != nil {
		if port != "" {
			return host + ":" + port
		}
		return host
	}

	// Not a recognised IPv4/IPv6 literal: keep as-is if non-empty, the
	// control-character and length stripping above already neutralised
	// any injection risk.
	return s
}

func stripControlChars(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r < 0x100 && strings.ContainsRune(controlChars, r) {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
