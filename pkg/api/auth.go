package api

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	echo "github.com/labstack/echo/v5"

	"github.com/edgecoder/edgecoder/pkg/identity"
	"github.com/edgecoder/edgecoder/pkg/registry"
)

// HeaderMeshToken is the shared-secret header carried on every
// request-bearing route.
const HeaderMeshToken = "x-mesh-token"

const nonceCacheSize = 65536

// nonceCache remembers recently seen request nonces so a captured signed
// request cannot be replayed inside the timestamp skew window.
type nonceCache struct {
	ttl  time.Duration
	seen *lru.Cache[string, time.Time]
}

func newNonceCache(ttl time.Duration) *nonceCache {
	// lru.New only fails on a non-positive size.
	seen, _ := lru.New[string, time.Time](nonceCacheSize)
	return &nonceCache{ttl: ttl, seen: seen}
}

// record marks the nonce as used. It returns false when the nonce was
// already seen inside the TTL window.
func (n *nonceCache) record(nonce string) bool {
	if at, ok := n.seen.Get(nonce); ok && time.Since(at) < n.ttl {
		return false
	}
	n.seen.Add(nonce, time.Now())
	return true
}

// signed wraps a handler with Ed25519 request verification. The signature
// headers must check out against the agent's registered public key and the
// exact body bytes, the timestamp must be fresh, and the nonce single-use.
// The body is restored for the wrapped handler.
func (s *Server) signed(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c *echo.Context) error {
		rs := identity.FromRequest(c.Request().Header)
		if rs.AgentID == "" || rs.Signature == "" {
			return echo.NewHTTPError(http.StatusUnauthorized, "auth_invalid: missing signature headers")
		}

		body, err := io.ReadAll(c.Request().Body)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "failed to read request body")
		}
		c.Request().Body = io.NopCloser(bytes.NewReader(body))

		agent, err := s.catalog.Get(rs.AgentID)
		if err != nil {
			if errors.Is(err, registry.ErrAgentNotFound) {
				return echo.NewHTTPError(http.StatusUnauthorized, "auth_invalid: unknown agent")
			}
			return mapServiceError(err)
		}
		if s.catalog.IsBlacklisted(rs.AgentID) {
			return echo.NewHTTPError(http.StatusForbidden, "agent is blacklisted")
		}

		if err := identity.VerifyRequest(agent.PublicKey, rs, body, s.nonces.ttl); err != nil {
			return echo.NewHTTPError(http.StatusUnauthorized, "auth_invalid: "+err.Error())
		}
		if !s.nonces.record(rs.Nonce) {
			return echo.NewHTTPError(http.StatusUnauthorized, "auth_invalid: nonce replay")
		}
		return next(c)
	}
}
