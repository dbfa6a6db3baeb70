package api

import (
	"bytes"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/onkernel/cdp-mux-proxy/internal/apierr"
)

// securityHeaders sets the baseline header set spec §4.7 point 1 requires on
// every response: no content sniffing, no framing, legacy XSS filter,
// conservative referrer policy, and a same-origin CSP. Server-identifying
// headers are stripped rather than left for a downstream handler to set.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-XSS-Protection", "1; mode=block")
		h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
		h.Set("Content-Security-Policy", "default-src 'self'")
		h.Del("Server")
		h.Del("X-Powered-By")
		next.ServeHTTP(w, r)
	})
}

// maxBodyBytes caps request bodies at max via http.MaxBytesReader, per spec
// §4.7 point 4. The body is drained up front so an oversize body is reported
// as 413 here instead of surfacing as an opaque json.Decode failure further
// down the handler chain.
func maxBodyBytes(max int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Body == nil || r.Body == http.NoBody {
				next.ServeHTTP(w, r)
				return
			}
			body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, max))
			if err != nil {
				var tooLarge *http.MaxBytesError
				if errors.As(err, &tooLarge) {
					writeErr(w, apierr.New(apierr.KindPayloadTooLarge, "request body exceeds maximum size"))
					return
				}
				writeErr(w, apierr.Wrap(apierr.KindBadRequest, "failed to read request body", err))
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))
			next.ServeHTTP(w, r)
		})
	}
}

// methodAllowlist rejects methods other than GET/POST/PUT/DELETE/OPTIONS
// with 405, matching spec §4.7 point 4's fixed verb set.
func methodAllowlist(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions:
			next.ServeHTTP(w, r)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	})
}

// requireJSONContentType enforces spec §4.7 point 4's rule that POST/PUT
// requests carrying a body declare Content-Type: application/json. Requests
// with no body (e.g. a bodiless POST) have nothing to type-check and pass
// through.
func requireJSONContentType(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if (r.Method == http.MethodPost || r.Method == http.MethodPut) && r.ContentLength != 0 {
			ct := r.Header.Get("Content-Type")
			if !strings.HasPrefix(ct, "application/json") {
				writeErr(w, apierr.New(apierr.KindBadRequest, "Content-Type must be application/json"))
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// sanitizeControlChars strips ASCII control characters other than tab
// (0x00-0x1F except 0x09, and 0x7F) and truncates to maxLen, applied to
// free-text filter params (textPattern, urlPattern) before they reach
// regexp.Compile.
func sanitizeControlChars(s string, maxLen int) string {
	var b strings.Builder
	for _, r := range s {
		if (r < 0x20 && r != '\t') || r == 0x7f {
			continue
		}
		b.WriteRune(r)
		if b.Len() >= maxLen {
			break
		}
	}
	return b.String()
}

const maxFilterInputLen = 10000

// HostAllowlist reports whether host is permitted for /api/connect, per
// spec §4.7 point 6: localhost, loopback and the RFC 1918 private ranges are
// always permitted, any explicitly configured host is permitted, and
// everything else is denied. Unlike a plain configured list, this allowlist
// is never empty in effect — the private-range baseline is the proxy's
// actual access control, not an opt-in hardening measure.
type HostAllowlist []string

func (a HostAllowlist) Allowed(host string) bool {
	if host == "localhost" {
		return true
	}
	for _, h := range a {
		if h == host {
			return true
		}
	}
	return isPrivateHost(host)
}

// isPrivateHost reports whether host is a literal IP in 127.0.0.0/8,
// 10.0.0.0/8, 172.16.0.0/12, or 192.168.0.0/16, or is the IPv6 loopback
// address. Hostnames other than
// "localhost" are never implicitly trusted.
func isPrivateHost(host string) bool {
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	v4 := ip.To4()
	if v4 == nil {
		return ip.IsLoopback()
	}
	switch {
	case v4[0] == 127:
		return true
	case v4[0] == 10:
		return true
	case v4[0] == 192 && v4[1] == 168:
		return true
	case v4[0] == 172 && v4[1] >= 16 && v4[1] <= 31:
		return true
	default:
		return false
	}
}
