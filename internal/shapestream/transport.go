package shapestream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/agentworkforce/deskrelay/internal/deskapi"
)

// ErrMustRefetch reports that the server no longer recognises the stream
// handle and the shape has to be read again from the start.
var ErrMustRefetch = errors.New("shape handle expired")

const (
	headerHandle   = "electric-handle"
	headerOffset   = "electric-offset"
	headerCursor   = "electric-cursor"
	headerUpToDate = "electric-up-to-date"
)

// Transport fetches the next batch of a shape log.
type Transport interface {
	Fetch(ctx context.Context, req Request) (Batch, error)
	Close() error
}

// HTTPTransport reads shapes with plain requests, long-polling once the
// stream is live.
type HTTPTransport struct {
	baseURL    string
	tokens     deskapi.TokenSource
	httpClient *http.Client
}

func NewHTTPTransport(baseURL string, tokens deskapi.TokenSource, httpClient *http.Client) *HTTPTransport {
	if httpClient == nil {
		// Live requests are held open by the server for up to ~20s.
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	if tokens == nil {
		tokens = deskapi.StaticToken("")
	}
	return &HTTPTransport{
		baseURL:    strings.TrimRight(baseURL, "/"),
		tokens:     tokens,
		httpClient: httpClient,
	}
}

func (t *HTTPTransport) Fetch(ctx context.Context, req Request) (Batch, error) {
	requestPath := "/v1/shape?" + shapeQuery(req).Encode()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, t.baseURL+requestPath, nil)
	if err != nil {
		return Batch{}, err
	}
	if token := t.tokens.Token(); token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := t.httpClient.Do(httpReq)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Batch{}, ctxErr
		}
		return Batch{}, &deskapi.TransportError{Path: requestPath, Err: err}
	}
	payload, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return Batch{}, &deskapi.TransportError{Path: requestPath, Err: readErr}
	}

	switch {
	case resp.StatusCode == http.StatusConflict:
		return Batch{}, ErrMustRefetch
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		var errPayload struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(payload, &errPayload)
		if errPayload.Message == "" {
			errPayload.Message = http.StatusText(resp.StatusCode)
		}
		return Batch{}, &deskapi.HTTPError{
			StatusCode: resp.StatusCode,
			Code:       errPayload.Code,
			Message:    errPayload.Message,
			Path:       requestPath,
		}
	}

	batch := Batch{
		Handle:     resp.Header.Get(headerHandle),
		Offset:     resp.Header.Get(headerOffset),
		LiveCursor: resp.Header.Get(headerCursor),
	}
	if _, ok := resp.Header[http.CanonicalHeaderKey(headerUpToDate)]; ok {
		batch.UpToDate = true
	}
	if batch.Handle == "" {
		batch.Handle = req.Handle
	}
	if batch.Offset == "" {
		batch.Offset = req.Offset
	}
	if len(strings.TrimSpace(string(payload))) > 0 {
		if err := json.Unmarshal(payload, &batch.Messages); err != nil {
			return Batch{}, &deskapi.SchemaError{Schema: "shape-log", Path: requestPath, Err: err}
		}
	}
	return batch, nil
}

func (t *HTTPTransport) Close() error { return nil }

func shapeQuery(req Request) url.Values {
	q := url.Values{}
	q.Set("table", req.Table)
	offset := req.Offset
	if offset == "" {
		offset = InitialOffset
	}
	q.Set("offset", offset)
	if req.Handle != "" {
		q.Set("handle", req.Handle)
	}
	if req.Live {
		q.Set("live", "true")
		if req.LiveCursor != "" {
			q.Set("cursor", req.LiveCursor)
		}
	}
	if req.WorkspaceID != "" {
		q.Set("where", fmt.Sprintf("workspace_id='%s'", strings.ReplaceAll(req.WorkspaceID, "'", "''")))
	}
	return q
}
