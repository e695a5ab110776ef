package server

import (
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// rateLimit rejects clients that exceed their per-minute request budget.
// The websocket stream counts once, at upgrade.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow(clientIP(r, s.trustProxy)) {
			w.Header().Set("Retry-After", "60")
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientIP extracts the client IP from a request. X-Forwarded-For is only
// honored when the server sits behind a trusted proxy.
func clientIP(r *http.Request, trustProxy bool) string {
	if xff := r.Header.Get("X-Forwarded-For"); trustProxy && xff != "" {
		if idx := strings.Index(xff, ","); idx != -1 {
			return strings.TrimSpace(xff[:idx])
		}
		return strings.TrimSpace(xff)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// pathAddress parses the address path value name, writing a 400 if it is
// not a hex address.
func pathAddress(w http.ResponseWriter, r *http.Request, name string) (common.Address, bool) {
	v := r.PathValue(name)
	if !common.IsHexAddress(v) {
		writeError(w, http.StatusBadRequest, name+" must be a hex address")
		return common.Address{}, false
	}
	return common.HexToAddress(v), true
}

// pathUint parses the unsigned integer path value name, writing a 400 on
// failure.
func pathUint(w http.ResponseWriter, r *http.Request, name string) (uint64, bool) {
	n, err := strconv.ParseUint(r.PathValue(name), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, name+" must be an unsigned integer")
		return 0, false
	}
	return n, true
}

// queryUint parses an optional unsigned query parameter.
func queryUint(r *http.Request, name string, def uint64) (uint64, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	return strconv.ParseUint(v, 10, 64)
}
