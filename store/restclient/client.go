// Package restclient talks to the REST annotation store: search, create,
// update and delete, authenticated with the session's store token.
package restclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/gofrs/uuid/v5"
	"golang.org/x/time/rate"

	"github.com/zlnvch/marginalia/models"
	"github.com/zlnvch/marginalia/store"
)

const RequestIDHeader = "X-Request-Id"

var ErrStatus = errors.New("unexpected store status")

// StatusError carries the status and body of a failed store response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("store error: status=%d, body=%s", e.Code, e.Body)
}

func (e *StatusError) Is(target error) bool {
	if target == ErrStatus {
		return true
	}
	return target == store.ErrNotFound && e.Code == http.StatusNotFound
}

// Client is safe for concurrent use.
type Client struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// New returns a client for the store at baseURL. A nil limiter means unthrottled.
func New(baseURL string, httpClient *http.Client, limiter *rate.Limiter) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		limiter:    limiter,
	}
}

func (c *Client) BaseURL() string {
	return c.baseURL
}

// SearchParams is the store's search query. Zero-valued optional fields are
// left out of the request.
type SearchParams struct {
	ObjectId     string
	ContextId    string
	CollectionId string
	Media        models.Media
	Limit        int
	Offset       int
	UserId       string
	Username     string
	Text         string
	Tag          string
	ParentId     models.ID
}

// ForScope starts a query for the annotations of scope.
func ForScope(scope models.Scope) SearchParams {
	return SearchParams{
		ObjectId:     scope.ObjectId,
		ContextId:    scope.ContextId,
		CollectionId: scope.CollectionId,
		Media:        scope.Media,
	}
}

// WithFilter applies a normalized dashboard filter.
func (p SearchParams) WithFilter(f models.SearchFilter) SearchParams {
	f = f.Normalize()
	p.UserId = f.UserId
	p.Username = f.Username
	p.Text = f.Text
	p.Tag = f.Tag
	return p
}

func (p SearchParams) Values() url.Values {
	v := url.Values{}
	v.Set("uri", p.ObjectId)
	v.Set("contextId", p.ContextId)
	v.Set("collectionId", p.CollectionId)
	v.Set("media", string(p.Media))
	v.Set("limit", strconv.Itoa(p.Limit))
	v.Set("offset", strconv.Itoa(p.Offset))

	optional := map[string]string{
		"userid":   p.UserId,
		"username": p.Username,
		"text":     p.Text,
		"tag":      p.Tag,
		"parentid": string(p.ParentId),
	}
	for k, val := range optional {
		if val != "" {
			v.Set(k, val)
		}
	}
	return v
}

type SearchResponse struct {
	Rows  []*models.AnnotationRecord `json:"rows"`
	Total int                        `json:"total"`
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body any) (*http.Response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, target, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if id, err := uuid.NewV4(); err == nil {
		req.Header.Set(RequestIDHeader, id.String())
	}

	return c.httpClient.Do(req)
}

func decode(resp *http.Response, target any) error {
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{Code: resp.StatusCode, Body: string(body)}
	}

	if target == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(target); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// Search runs GET /search. A null body yields an empty response.
func (c *Client) Search(ctx context.Context, params SearchParams) (SearchResponse, error) {
	resp, err := c.do(ctx, http.MethodGet, "/search", params.Values(), nil)
	if err != nil {
		return SearchResponse{}, err
	}

	var result *SearchResponse
	if err := decode(resp, &result); err != nil {
		return SearchResponse{}, err
	}
	if result == nil {
		return SearchResponse{Rows: []*models.AnnotationRecord{}}, nil
	}
	if result.Rows == nil {
		result.Rows = []*models.AnnotationRecord{}
	}
	return *result, nil
}

func (c *Client) Create(ctx context.Context, r *models.AnnotationRecord) (*models.AnnotationRecord, error) {
	resp, err := c.do(ctx, http.MethodPost, "/annotations", nil, r)
	if err != nil {
		return nil, err
	}

	var created models.AnnotationRecord
	if err := decode(resp, &created); err != nil {
		return nil, err
	}
	if created.Id.IsZero() {
		return nil, errors.New("store returned annotation without id")
	}
	return &created, nil
}

func (c *Client) Update(ctx context.Context, r *models.AnnotationRecord) (*models.AnnotationRecord, error) {
	if r.Id.IsZero() {
		return nil, store.ErrPending
	}
	resp, err := c.do(ctx, http.MethodPut, "/annotations/"+url.PathEscape(string(r.Id)), nil, r)
	if err != nil {
		return nil, err
	}

	var updated models.AnnotationRecord
	if err := decode(resp, &updated); err != nil {
		return nil, err
	}
	// some stores answer 204 or an empty object
	if updated.Id.IsZero() {
		return r, nil
	}
	return &updated, nil
}

func (c *Client) Delete(ctx context.Context, id models.ID) error {
	if id.IsZero() {
		return store.ErrPending
	}
	resp, err := c.do(ctx, http.MethodDelete, "/annotations/"+url.PathEscape(string(id)), nil, nil)
	if err != nil {
		return err
	}
	return decode(resp, nil)
}
