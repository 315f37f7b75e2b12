package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/edgecoder/edgecoder/pkg/models"
)

// maxSyncBatch bounds one credit sync upload.
const maxSyncBatch = 500

// bleSyncHandler handles POST /credits/ble-sync. The route is
// signature-verified; each transaction inside additionally carries both
// parties' signatures, checked by the engine. Replays come back rejected as
// duplicates, so resending a batch is safe.
func (s *Server) bleSyncHandler(c *echo.Context) error {
	// 1. Bind HTTP request
	var req models.CreditSyncRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if len(req.Transactions) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "transactions are required")
	}
	if len(req.Transactions) > maxSyncBatch {
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, "sync batch exceeds 500 transactions")
	}

	// 2. Apply: per-transaction verdicts, never all-or-nothing
	resp := s.credits.ApplySync(c.Request().Context(), req.Transactions)
	return c.JSON(http.StatusOK, &resp)
}
