package shapestream

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/deskrelay/internal/deskapi"
)

// wsFrame is one server push on the WebSocket shape endpoint. It carries the
// same information as an HTTP response: position headers plus a message log.
type wsFrame struct {
	Handle   string    `json:"handle"`
	Offset   string    `json:"offset"`
	Cursor   string    `json:"cursor"`
	UpToDate bool      `json:"upToDate"`
	Messages []Message `json:"messages"`
}

// WebSocketTransport keeps one connection per stream open and reads pushed
// frames. A request for a position other than where the connection left off
// reconnects from that position.
type WebSocketTransport struct {
	baseURL    string
	tokens     deskapi.TokenSource
	httpClient *http.Client

	mu         sync.Mutex
	conn       *websocket.Conn
	nextHandle string
	nextOffset string
}

func NewWebSocketTransport(baseURL string, tokens deskapi.TokenSource, httpClient *http.Client) *WebSocketTransport {
	if tokens == nil {
		tokens = deskapi.StaticToken("")
	}
	return &WebSocketTransport{
		baseURL:    strings.TrimRight(baseURL, "/"),
		tokens:     tokens,
		httpClient: httpClient,
	}
}

func (t *WebSocketTransport) Fetch(ctx context.Context, req Request) (Batch, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn != nil && (req.Handle != t.nextHandle || req.Offset != t.nextOffset) {
		t.closeLocked(websocket.StatusNormalClosure, "repositioning")
	}
	if t.conn == nil {
		if err := t.dialLocked(ctx, req); err != nil {
			return Batch{}, err
		}
	}

	var frame wsFrame
	if err := wsjson.Read(ctx, t.conn, &frame); err != nil {
		t.closeLocked(websocket.StatusInternalError, "read failed")
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Batch{}, ctxErr
		}
		if websocket.CloseStatus(err) == statusMustRefetch {
			return Batch{}, ErrMustRefetch
		}
		return Batch{}, &deskapi.TransportError{Path: "/v1/shape/ws", Err: err}
	}

	batch := Batch{
		Handle:     frame.Handle,
		Offset:     frame.Offset,
		LiveCursor: frame.Cursor,
		UpToDate:   frame.UpToDate,
		Messages:   frame.Messages,
	}
	if batch.Handle == "" {
		batch.Handle = req.Handle
	}
	if batch.Offset == "" {
		batch.Offset = req.Offset
	}
	t.nextHandle, t.nextOffset = batch.Handle, batch.Offset
	return batch, nil
}

// statusMustRefetch is the close code a server uses to expire a handle.
const statusMustRefetch websocket.StatusCode = 4409

func (t *WebSocketTransport) dialLocked(ctx context.Context, req Request) error {
	requestPath := "/v1/shape/ws?" + shapeQuery(req).Encode()
	header := http.Header{}
	if token := t.tokens.Token(); token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	conn, resp, err := websocket.Dial(ctx, t.baseURL+requestPath, &websocket.DialOptions{
		HTTPClient: t.httpClient,
		HTTPHeader: header,
	})
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusConflict {
			return ErrMustRefetch
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if resp != nil && resp.StatusCode != http.StatusSwitchingProtocols {
			return &deskapi.HTTPError{StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode), Path: requestPath}
		}
		return &deskapi.TransportError{Path: requestPath, Err: err}
	}
	conn.SetReadLimit(8 << 20)
	t.conn = conn
	t.nextHandle, t.nextOffset = req.Handle, req.Offset
	return nil
}

func (t *WebSocketTransport) closeLocked(code websocket.StatusCode, reason string) {
	if t.conn == nil {
		return
	}
	_ = t.conn.Close(code, reason)
	t.conn = nil
}

func (t *WebSocketTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closeLocked(websocket.StatusNormalClosure, "")
	return nil
}

var _ Transport = (*WebSocketTransport)(nil)
var _ Transport = (*HTTPTransport)(nil)

func isMustRefetch(err error) bool {
	return errors.Is(err, ErrMustRefetch)
}
