package api

import (
	"github.com/edgecoder/edgecoder/pkg/models"
)

// ChatRequest is the HTTP request body for POST /chat.
type ChatRequest struct {
	Messages       []models.ChatMessage `json:"messages"`
	Stream         bool                 `json:"stream,omitempty"`
	Temperature    float64              `json:"temperature,omitempty"`
	MaxTokens      int                  `json:"max_tokens,omitempty"`
	RequestedModel string               `json:"requested_model,omitempty"`
}
