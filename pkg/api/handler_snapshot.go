package api

import (
	"io"
	"net/http"

	echo "github.com/labstack/echo/v5"
)

// getSnapshotHandler handles GET /snapshots/:ref. The body is the raw blob;
// the caller verifies content against the ref hash.
func (s *Server) getSnapshotHandler(c *echo.Context) error {
	if s.snapshots == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "snapshot store is not enabled")
	}

	ref := c.Param("ref")
	data, err := s.snapshots.Get(ref)
	if err != nil {
		return mapServiceError(err)
	}

	c.Response().Header().Set("Content-Type", "application/octet-stream")
	c.Response().WriteHeader(http.StatusOK)
	_, err = c.Response().Write(data)
	return err
}

// putSnapshotHandler handles POST /snapshots. The body is the raw workspace
// archive; the response carries its content-addressed ref. Storing the same
// bytes twice yields the same ref.
func (s *Server) putSnapshotHandler(c *echo.Context) error {
	if s.snapshots == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "snapshot store is not enabled")
	}

	data, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "failed to read request body")
	}
	if len(data) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "snapshot body is empty")
	}

	ref, err := s.snapshots.Put(data)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusCreated, &SnapshotPutResponse{Ref: ref})
}
