package deskapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentworkforce/deskrelay/pkg/logger"
)

type ClientOptions struct {
	HTTPClient *http.Client
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Validator  *Validator
	Logger     *logger.Logger
}

// Client reads workspace state from the REST API. Every successful body is
// validated against its schema before it is decoded.
type Client struct {
	baseURL    string
	tokens     TokenSource
	httpClient *http.Client
	maxRetries int
	backoff    Backoff
	validator  *Validator
	log        *logger.Logger
}

func NewClient(baseURL string, tokens TokenSource, opts ClientOptions) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	maxRetries := opts.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	} else if maxRetries == 0 {
		maxRetries = 3
	}
	if tokens == nil {
		tokens = StaticToken("")
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		tokens:     tokens,
		httpClient: httpClient,
		maxRetries: maxRetries,
		backoff:    Backoff{Base: opts.BaseDelay, Max: opts.MaxDelay},
		validator:  opts.Validator,
		log:        logger.OrNop(opts.Logger).Named("deskapi"),
	}
}

func (c *Client) GetWorkspace(ctx context.Context, workspaceID string) (WorkspaceResponse, error) {
	var out WorkspaceResponse
	err := c.getJSON(ctx, workspacePath(workspaceID, ""), SchemaWorkspace, &out)
	return out, err
}

func (c *Client) GetMe(ctx context.Context, workspaceID string) (MemberResponse, error) {
	var out MemberResponse
	err := c.getJSON(ctx, workspacePath(workspaceID, "members/me/"), SchemaMember, &out)
	return out, err
}

func (c *Client) GetThreadMetrics(ctx context.Context, workspaceID string) (ThreadMetricsResponse, error) {
	var out ThreadMetricsResponse
	err := c.getJSON(ctx, workspacePath(workspaceID, "threads/chat/metrics/"), SchemaMetrics, &out)
	return out, err
}

func (c *Client) ListThreads(ctx context.Context, workspaceID string) ([]ThreadResponse, error) {
	var out []ThreadResponse
	err := c.getJSON(ctx, workspacePath(workspaceID, "threads/chat/"), SchemaThreads, &out)
	return out, err
}

func (c *Client) ListLabels(ctx context.Context, workspaceID string) ([]LabelResponse, error) {
	var out []LabelResponse
	err := c.getJSON(ctx, workspacePath(workspaceID, "labels/"), SchemaLabels, &out)
	return out, err
}

func (c *Client) ListMembers(ctx context.Context, workspaceID string) ([]MemberResponse, error) {
	var out []MemberResponse
	err := c.getJSON(ctx, workspacePath(workspaceID, "members/"), SchemaMembers, &out)
	return out, err
}

func (c *Client) ListPats(ctx context.Context) ([]PatResponse, error) {
	var out []PatResponse
	err := c.getJSON(ctx, "/pats/", SchemaPats, &out)
	return out, err
}

func workspacePath(workspaceID, suffix string) string {
	return "/workspaces/" + url.PathEscape(workspaceID) + "/" + suffix
}

func (c *Client) getJSON(ctx context.Context, requestPath, schema string, out any) error {
	payload, err := c.do(ctx, http.MethodGet, requestPath)
	if err != nil {
		return err
	}
	validator := c.validator
	if validator == nil {
		validator, err = DefaultValidator()
		if err != nil {
			return err
		}
	}
	if err := validator.Validate(schema, payload); err != nil {
		return &SchemaError{Schema: schema, Path: requestPath, Err: err}
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return &SchemaError{Schema: schema, Path: requestPath, Err: err}
	}
	return nil
}

// do performs one logical request, retrying network failures, 429 and 5xx
// responses up to maxRetries times.
func (c *Client) do(ctx context.Context, method, requestPath string) ([]byte, error) {
	for attempt := 0; ; attempt++ {
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, nil)
		if err != nil {
			return nil, err
		}
		if token := c.tokens.Token(); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("X-Correlation-Id", uuid.NewString())

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			if attempt < c.maxRetries {
				c.log.Debug("request failed, retrying",
					zap.String("path", requestPath), zap.Int("attempt", attempt+1), zap.Error(err))
				if waitErr := Wait(ctx, c.backoff.Delay(attempt+1, "")); waitErr != nil {
					return nil, waitErr
				}
				continue
			}
			return nil, &TransportError{Path: requestPath, Err: err}
		}
		payload, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return nil, &TransportError{Path: requestPath, Err: readErr}
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			return payload, nil
		}

		if (resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)) && attempt < c.maxRetries {
			if waitErr := Wait(ctx, c.backoff.Delay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return nil, waitErr
			}
			continue
		}

		var errPayload struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(payload, &errPayload)
		if errPayload.Message == "" {
			errPayload.Message = http.StatusText(resp.StatusCode)
		}
		return nil, &HTTPError{
			StatusCode: resp.StatusCode,
			Code:       errPayload.Code,
			Message:    errPayload.Message,
			Path:       requestPath,
		}
	}
}

// IsNotFound reports whether err is an HTTP 404 from the API.
func IsNotFound(err error) bool {
	var httpErr *HTTPError
	return errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusNotFound
}
