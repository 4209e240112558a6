// Package salesforce implements datastore.Client over the Salesforce REST API.
package salesforce

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/lherron/sandcastle/internal/datastore"
	"github.com/lherron/sandcastle/internal/domain"
)

// DefaultAPIVersion is used when the credentials carry none
const DefaultAPIVersion = "62.0"

// MaxBatch is the most records a composite sobjects call accepts
const MaxBatch = 200

const retryMaxElapsed = 2 * time.Minute

func newRetryBackOff() backoff.BackOff {
	// BackOff implementations are stateful; always return a fresh instance.
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = retryMaxElapsed
	return bo
}

// APIError is a non-success response of the REST API
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("HTTP %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("HTTP %d: %s: %s", e.Status, e.Code, e.Message)
}

// retryable reports whether a failed call may succeed when repeated
func retryable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status == http.StatusTooManyRequests || apiErr.Status >= 500
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "broken pipe") ||
		strings.Contains(errStr, "eof")
}

// structural reports whether a failure means the org cannot be worked with at all
func structural(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status == http.StatusUnauthorized || apiErr.Status == http.StatusForbidden || retryable(err)
	}
	return retryable(err)
}

// Option configures a Client
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithLogger sets the logger
func WithLogger(log *zap.Logger) Option {
	return func(c *Client) { c.log = log }
}

// WithBackOff replaces the retry policy. fn must return a fresh instance per call.
func WithBackOff(fn func() backoff.BackOff) Option {
	return func(c *Client) { c.newBackOff = fn }
}

// Client talks to one org
type Client struct {
	name       string
	base       string
	token      string
	version    string
	http       *http.Client
	log        *zap.Logger
	newBackOff func() backoff.BackOff

	mu        sync.Mutex
	describes map[string][]datastore.FieldMeta
}

// New creates a client for an org. name labels the org in logs and errors.
func New(name string, creds Credentials, opts ...Option) (*Client, error) {
	if creds.InstanceURL == "" {
		return nil, fmt.Errorf("%s: instance URL not configured", name)
	}
	if creds.AccessToken == "" {
		return nil, fmt.Errorf("%s: access token not configured", name)
	}
	version := strings.TrimPrefix(creds.APIVersion, "v")
	if version == "" {
		version = DefaultAPIVersion
	}
	c := &Client{
		name:       name,
		base:       strings.TrimSuffix(creds.InstanceURL, "/"),
		token:      creds.AccessToken,
		version:    version,
		http:       &http.Client{Timeout: 60 * time.Second},
		log:        zap.NewNop(),
		newBackOff: newRetryBackOff,
		describes:  make(map[string][]datastore.FieldMeta),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.With(zap.String("org", name))
	return c, nil
}

// Name returns the org label
func (c *Client) Name() string { return c.name }

// InstanceURL returns the org base URL
func (c *Client) InstanceURL() string { return c.base }

func (c *Client) dataPath(suffix string) string {
	return fmt.Sprintf("/services/data/v%s/%s", c.version, strings.TrimPrefix(suffix, "/"))
}

// do executes an authenticated request, retrying transient failures, and
// decodes a successful JSON response into out (when non-nil).
func (c *Client) do(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	var data []byte
	if body != nil {
		var err error
		data, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
	}

	var respBody []byte
	op := func() error {
		b, err := c.roundTrip(ctx, method, path, data)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			if !retryable(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		respBody = b
		return nil
	}
	notify := func(err error, wait time.Duration) {
		c.log.Warn("retrying request",
			zap.String("method", method),
			zap.String("path", path),
			zap.Duration("wait", wait),
			zap.Error(err))
	}
	bo := backoff.WithContext(c.newBackOff(), ctx)
	if err := backoff.RetryNotify(op, bo, notify); err != nil {
		if structural(err) {
			return fmt.Errorf("%s: %s %s: %w: %w", c.name, method, path, datastore.ErrUnavailable, err)
		}
		return fmt.Errorf("%s: %s %s: %w", c.name, method, path, err)
	}

	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("%s: parse %s response: %w", c.name, path, err)
	}
	return nil
}

func (c *Client) roundTrip(ctx context.Context, method, path string, data []byte) ([]byte, error) {
	var bodyReader io.Reader
	if data != nil {
		bodyReader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "sandcastle")
	if data != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return b, nil
	}
	return nil, parseAPIError(resp.StatusCode, b)
}

func parseAPIError(status int, body []byte) *APIError {
	apiErr := &APIError{Status: status, Message: strings.TrimSpace(string(body))}
	var errs []struct {
		ErrorCode string `json:"errorCode"`
		Message   string `json:"message"`
	}
	if json.Unmarshal(body, &errs) == nil && len(errs) > 0 {
		apiErr.Code = errs[0].ErrorCode
		apiErr.Message = errs[0].Message
	}
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(status)
	}
	return apiErr
}

type queryResponse struct {
	TotalSize      int               `json:"totalSize"`
	Done           bool              `json:"done"`
	NextRecordsURL string            `json:"nextRecordsUrl"`
	Records        []json.RawMessage `json:"records"`
}

// soql runs a query and follows nextRecordsUrl until done
func (c *Client) soql(ctx context.Context, q string) ([]domain.Record, error) {
	path := c.dataPath("query") + "?q=" + url.QueryEscape(q)
	var out []domain.Record
	for path != "" {
		var page queryResponse
		if err := c.do(ctx, http.MethodGet, path, nil, &page); err != nil {
			return nil, err
		}
		for _, raw := range page.Records {
			var rec domain.Record
			if err := json.Unmarshal(raw, &rec); err != nil {
				return nil, fmt.Errorf("%s: decode record: %w", c.name, err)
			}
			out = append(out, rec)
		}
		if page.Done {
			break
		}
		path = page.NextRecordsURL
	}
	return out, nil
}

// Query implements datastore.Client
func (c *Client) Query(ctx context.Context, req datastore.QueryRequest) ([]domain.SourceRecord, error) {
	fields := req.Fields
	if len(fields) == 0 {
		meta, err := c.Describe(ctx, req.Entity)
		if err != nil {
			return nil, err
		}
		for _, f := range meta {
			fields = append(fields, f.Name)
		}
	}
	q, err := BuildQuery(req.Entity, fields, req.Filters, req.Limit)
	if err != nil {
		return nil, err
	}
	c.log.Debug("query", zap.String("soql", q))
	records, err := c.soql(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", req.Entity, err)
	}

	out := make([]domain.SourceRecord, 0, len(records))
	for _, rec := range records {
		idVal, _ := rec.Get("Id")
		id, ok := idVal.ID()
		if !ok {
			return nil, fmt.Errorf("%s: query %s: record without Id", c.name, req.Entity)
		}
		projected := domain.Record{}
		for _, f := range fields {
			if f == "Id" {
				continue
			}
			v, ok := rec.Get(f)
			if !ok {
				v = domain.Null()
			}
			projected.Set(f, v)
		}
		out = append(out, domain.SourceRecord{ID: id, Fields: projected})
	}
	return out, nil
}

type compositeRequest struct {
	AllOrNone bool                     `json:"allOrNone"`
	Records   []map[string]interface{} `json:"records"`
}

type compositeResult struct {
	ID      string `json:"id"`
	Success bool   `json:"success"`
	Errors  []struct {
		StatusCode string   `json:"statusCode"`
		Message    string   `json:"message"`
		Fields     []string `json:"fields"`
	} `json:"errors"`
}

func (c *Client) composite(ctx context.Context, method, entity string, records []domain.Record) ([]datastore.WriteResult, error) {
	if len(records) == 0 {
		return nil, nil
	}
	if len(records) > MaxBatch {
		return nil, fmt.Errorf("%s: %s batch of %d exceeds %d records", c.name, entity, len(records), MaxBatch)
	}
	body := compositeRequest{Records: make([]map[string]interface{}, len(records))}
	for i, rec := range records {
		m := rec.Map()
		m["attributes"] = map[string]string{"type": entity}
		body.Records[i] = m
	}

	var results []compositeResult
	if err := c.do(ctx, method, c.dataPath("composite/sobjects"), body, &results); err != nil {
		return nil, err
	}
	if len(results) != len(records) {
		return nil, fmt.Errorf("%s: %s %s: expected %d results, got %d", c.name, method, entity, len(records), len(results))
	}

	out := make([]datastore.WriteResult, len(results))
	for i, r := range results {
		var id string
		if idVal, ok := records[i].Get("Id"); ok {
			id, _ = idVal.ID()
		}
		out[i] = r.writeResult(i, id)
	}
	return out, nil
}

// writeResult converts one composite result. fallbackID is used when a
// successful result carries no id.
func (r compositeResult) writeResult(index int, fallbackID string) datastore.WriteResult {
	out := datastore.WriteResult{Index: index}
	if r.Success {
		out.ID = r.ID
		if out.ID == "" {
			out.ID = fallbackID
		}
		return out
	}
	werr := &datastore.WriteError{Code: "UNKNOWN_EXCEPTION", Message: "write failed"}
	if len(r.Errors) > 0 {
		werr.Code = r.Errors[0].StatusCode
		werr.Message = r.Errors[0].Message
		werr.Fields = r.Errors[0].Fields
	}
	out.Err = werr
	return out
}

// BulkInsert implements datastore.Client
func (c *Client) BulkInsert(ctx context.Context, entity string, records []domain.Record) ([]datastore.WriteResult, error) {
	payload := make([]domain.Record, len(records))
	for i, rec := range records {
		payload[i] = rec.Clone()
		payload[i].Delete("Id")
	}
	return c.composite(ctx, http.MethodPost, entity, payload)
}

// BulkUpdate implements datastore.Client
func (c *Client) BulkUpdate(ctx context.Context, entity string, records []domain.Record) ([]datastore.WriteResult, error) {
	for i, rec := range records {
		if v, ok := rec.Get("Id"); !ok || v.IsNull() {
			return nil, fmt.Errorf("%s: update %s: record %d has no Id", c.name, entity, i)
		}
	}
	return c.composite(ctx, http.MethodPatch, entity, records)
}

// BulkDelete implements datastore.Client
func (c *Client) BulkDelete(ctx context.Context, entity string, ids []string) ([]datastore.WriteResult, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	if len(ids) > MaxBatch {
		return nil, fmt.Errorf("%s: %s batch of %d exceeds %d records", c.name, entity, len(ids), MaxBatch)
	}
	path := c.dataPath("composite/sobjects") + "?allOrNone=false&ids=" + url.QueryEscape(strings.Join(ids, ","))

	var results []compositeResult
	if err := c.do(ctx, http.MethodDelete, path, nil, &results); err != nil {
		return nil, fmt.Errorf("delete %s: %w", entity, err)
	}
	if len(results) != len(ids) {
		return nil, fmt.Errorf("%s: DELETE %s: expected %d results, got %d", c.name, entity, len(ids), len(results))
	}
	out := make([]datastore.WriteResult, len(results))
	for i, r := range results {
		out[i] = r.writeResult(i, ids[i])
	}
	return out, nil
}

type describeResponse struct {
	Fields []struct {
		Name           string   `json:"name"`
		Type           string   `json:"type"`
		ReferenceTo    []string `json:"referenceTo"`
		Nillable       bool     `json:"nillable"`
		Createable     bool     `json:"createable"`
		Updateable     bool     `json:"updateable"`
		PicklistValues []struct {
			Value  string `json:"value"`
			Active bool   `json:"active"`
		} `json:"picklistValues"`
	} `json:"fields"`
}

// Describe implements datastore.Client. Results are cached per entity type.
func (c *Client) Describe(ctx context.Context, entity string) ([]datastore.FieldMeta, error) {
	c.mu.Lock()
	cached, ok := c.describes[entity]
	c.mu.Unlock()
	if ok {
		return append([]datastore.FieldMeta(nil), cached...), nil
	}

	var resp describeResponse
	if err := c.do(ctx, http.MethodGet, c.dataPath("sobjects/"+url.PathEscape(entity)+"/describe"), nil, &resp); err != nil {
		return nil, fmt.Errorf("describe %s: %w", entity, err)
	}
	meta := make([]datastore.FieldMeta, 0, len(resp.Fields))
	for _, f := range resp.Fields {
		fm := datastore.FieldMeta{
			Name:        f.Name,
			Type:        f.Type,
			ReferenceTo: f.ReferenceTo,
			Nillable:    f.Nillable,
			Createable:  f.Createable,
			Updateable:  f.Updateable,
		}
		for _, pv := range f.PicklistValues {
			if pv.Active {
				fm.PicklistValues = append(fm.PicklistValues, pv.Value)
			}
		}
		meta = append(meta, fm)
	}

	c.mu.Lock()
	c.describes[entity] = meta
	c.mu.Unlock()
	return append([]datastore.FieldMeta(nil), meta...), nil
}

// DescribeConstrainedFields implements datastore.Client. Only active values are allowed.
func (c *Client) DescribeConstrainedFields(ctx context.Context, entity string) (map[string][]string, error) {
	meta, err := c.Describe(ctx, entity)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]string)
	for _, f := range meta {
		if f.Type == "picklist" || f.Type == "multipicklist" {
			out[f.Name] = append([]string(nil), f.PicklistValues...)
		}
	}
	return out, nil
}

// GetDiscriminatorName implements datastore.Client. Record types are matched
// across orgs by DeveloperName.
func (c *Client) GetDiscriminatorName(ctx context.Context, entity, id string) (string, error) {
	q := fmt.Sprintf("SELECT Id, DeveloperName FROM RecordType WHERE Id = %s AND SobjectType = %s LIMIT 1",
		quote(id), quote(entity))
	records, err := c.soql(ctx, q)
	if err != nil {
		return "", fmt.Errorf("record type %s: %w", id, err)
	}
	if len(records) == 0 {
		return "", fmt.Errorf("%s: record type %s of %s: %w", c.name, id, entity, datastore.ErrNotFound)
	}
	v, _ := records[0].Get("DeveloperName")
	return v.Text(), nil
}

// FindDiscriminatorIDByName implements datastore.Client
func (c *Client) FindDiscriminatorIDByName(ctx context.Context, entity, name string) (string, bool, error) {
	q := fmt.Sprintf("SELECT Id FROM RecordType WHERE SobjectType = %s AND DeveloperName = %s LIMIT 1",
		quote(entity), quote(name))
	records, err := c.soql(ctx, q)
	if err != nil {
		return "", false, fmt.Errorf("record type %s: %w", name, err)
	}
	if len(records) == 0 {
		return "", false, nil
	}
	v, _ := records[0].Get("Id")
	id, ok := v.ID()
	return id, ok, nil
}

var _ datastore.Client = (*Client)(nil)
