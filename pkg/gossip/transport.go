package gossip

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/edgecoder/edgecoder/pkg/models"
)

const (
	dialTimeout  = 5 * time.Second
	writeTimeout = 5 * time.Second
	postTimeout  = 10 * time.Second
)

// peerTransport sends envelopes to one peer: a persistent outbound WebSocket
// when it can be dialed, POST /mesh/ingest otherwise. The WebSocket is
// re-dialed lazily after a failure.
type peerTransport struct {
	peerURL   string
	meshToken string
	logger    *slog.Logger
	http      *http.Client

	mu   sync.Mutex
	conn *websocket.Conn
}

func newPeerTransport(peerURL, meshToken string, logger *slog.Logger) *peerTransport {
	return &peerTransport{
		peerURL:   strings.TrimRight(peerURL, "/"),
		meshToken: meshToken,
		logger:    logger,
		http:      &http.Client{Timeout: postTimeout},
	}
}

// send writes one envelope, preferring the WebSocket.
func (t *peerTransport) send(ctx context.Context, msg *models.GossipMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	if err := t.sendWS(ctx, data); err == nil {
		return nil
	}
	return t.sendHTTP(ctx, data)
}

func (t *peerTransport) sendWS(ctx context.Context, data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn == nil {
		dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
		conn, _, err := websocket.Dial(dialCtx, wsURL(t.peerURL), &websocket.DialOptions{
			HTTPHeader: meshAuthHeader(t.meshToken),
		})
		cancel()
		if err != nil {
			return fmt.Errorf("ws dial %s: %w", t.peerURL, err)
		}
		t.conn = conn
	}

	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := t.conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		_ = t.conn.CloseNow()
		t.conn = nil
		return fmt.Errorf("ws write %s: %w", t.peerURL, err)
	}
	return nil
}

func (t *peerTransport) sendHTTP(ctx context.Context, data []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.peerURL+"/mesh/ingest", bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-mesh-token", t.meshToken)

	resp, err := t.http.Do(req)
	if err != nil {
		return fmt.Errorf("ingest post %s: %w", t.peerURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("ingest post %s: status %d: %s", t.peerURL, resp.StatusCode, strings.TrimSpace(string(b)))
	}
	return nil
}

func (t *peerTransport) close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn != nil {
		_ = t.conn.Close(websocket.StatusNormalClosure, "")
		t.conn = nil
	}
}

// meshAuthHeader carries the shared swarm secret on outbound peer calls.
func meshAuthHeader(token string) http.Header {
	h := http.Header{}
	h.Set("x-mesh-token", token)
	return h
}

// wsURL rewrites an http(s) base into its ws(s) mesh endpoint.
func wsURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://") + "/mesh/ws"
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://") + "/mesh/ws"
	}
	return base + "/mesh/ws"
}

// registerWithPeer introduces our identity to a peer coordinator and decodes
// the identity it answers with.
func registerWithPeer(ctx context.Context, peerURL, meshToken string, self models.PeerInfo) (*models.PeerInfo, error) {
	body, err := json.Marshal(self)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(peerURL, "/")+"/mesh/register-peer", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-mesh-token", meshToken)

	client := &http.Client{Timeout: postTimeout}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("register with %s: %w", peerURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("register with %s: status %d", peerURL, resp.StatusCode)
	}

	var info models.PeerInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("register with %s: decode: %w", peerURL, err)
	}
	return &info, nil
}
