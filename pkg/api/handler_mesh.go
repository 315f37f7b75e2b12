package api

import (
	"encoding/json"
	"net/http"

	"github.com/coder/websocket"
	echo "github.com/labstack/echo/v5"

	"github.com/edgecoder/edgecoder/pkg/models"
)

// registerPeerHandler handles POST /mesh/register-peer.
// A peer coordinator introduces itself; the response is our own identity so
// both sides end up in each other's peer table.
func (s *Server) registerPeerHandler(c *echo.Context) error {
	if s.mesh == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "mesh is not enabled")
	}

	// 1. Bind HTTP request
	var info models.PeerInfo
	if err := c.Bind(&info); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if info.PeerID == "" || info.PublicKey == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "peer_id and public_key are required")
	}

	// 2. Add to the peer table
	if err := s.mesh.RegisterPeer(info); err != nil {
		return mapServiceError(err)
	}

	// 3. Answer with our identity
	return c.JSON(http.StatusOK, s.mesh.SelfInfo())
}

// meshIngestHandler handles POST /mesh/ingest, the HTTP fallback for peers
// without a live WebSocket.
func (s *Server) meshIngestHandler(c *echo.Context) error {
	if s.mesh == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "mesh is not enabled")
	}

	// 1. Bind HTTP request
	var msg models.GossipMessage
	if err := c.Bind(&msg); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if msg.OriginPeerID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "origin_peer_id is required")
	}

	// 2. Ingest: dedup, rate limit, and signature checks happen inside
	if err := s.mesh.Ingest(c.Request().Context(), &msg); err != nil {
		return mapServiceError(err)
	}

	return c.JSON(http.StatusOK, &OKResponse{OK: true})
}

// meshPeersHandler handles GET /mesh/peers.
func (s *Server) meshPeersHandler(c *echo.Context) error {
	if s.mesh == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "mesh is not enabled")
	}
	return c.JSON(http.StatusOK, s.mesh.Peers())
}

// meshWSHandler handles GET /mesh/ws, the inbound half of peer gossip.
// Each text frame is one envelope; rejected envelopes are logged and the
// connection stays up, since one bad message must not sever the peer link.
func (s *Server) meshWSHandler(c *echo.Context) error {
	if s.mesh == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "mesh is not enabled")
	}

	// Peers are not browsers; the mesh token gate already ran.
	conn, err := websocket.Accept(c.Response(), c.Request(), &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		return err
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	ctx := c.Request().Context()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return nil
		}

		var msg models.GossipMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Warn("Invalid gossip envelope on mesh socket", "error", err)
			continue
		}
		if err := s.mesh.Ingest(ctx, &msg); err != nil {
			s.logger.Debug("Gossip envelope rejected", "origin", msg.OriginPeerID, "type", msg.Type, "error", err)
		}
	}
}
