package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/edgecoder/edgecoder/pkg/router"
)

// chatHandler handles POST /chat.
// Non-streaming requests get the routed response as one JSON body. With
// stream=true the reply is an SSE stream of router frames: one route frame,
// content deltas, then a terminal done or error frame.
func (s *Server) chatHandler(c *echo.Context) error {
	// 1. Bind HTTP request
	var req ChatRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if len(req.Messages) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "messages are required")
	}

	rreq := router.Request{
		Messages:       req.Messages,
		Stream:         req.Stream,
		Temperature:    req.Temperature,
		MaxTokens:      req.MaxTokens,
		RequestedModel: req.RequestedModel,
	}

	// 2. Non-streaming: route and return
	if !req.Stream {
		resp, err := s.router.Route(c.Request().Context(), rreq)
		if err != nil {
			return mapServiceError(err)
		}
		return c.JSON(http.StatusOK, resp)
	}

	// 3. Streaming: bridge router frames onto SSE
	var w http.ResponseWriter = c.Response()
	flusher, ok := w.(http.Flusher)
	if !ok {
		return echo.NewHTTPError(http.StatusInternalServerError, "streaming unsupported")
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")

	// The first write sends the headers; until then an error can still turn
	// into a proper HTTP status.
	wrote := false
	rreq.OnFrame = func(f router.Frame) {
		data, err := json.Marshal(f)
		if err != nil {
			return
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			return
		}
		wrote = true
		flusher.Flush()
	}

	if _, err := s.router.Route(c.Request().Context(), rreq); err != nil {
		if !wrote {
			return mapServiceError(err)
		}
		// The router already emitted a terminal frame; the stream is done.
		s.logger.Debug("Chat stream ended with error", "error", err)
	}
	return nil
}
