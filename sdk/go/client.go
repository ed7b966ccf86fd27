package backlogwatchsdk

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
	"time"
)

// Client is a minimal Backlog Watch HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v0",
		Timeout:  30 * time.Second,
	}
}

// Window is the next (or delivered) batch of a partition, 1-based inclusive.
type Window struct {
	Partition string `json:"partition"`
	Offset    int    `json:"offset"`
	Start     int    `json:"start"`
	End       int    `json:"end"`
	Size      int    `json:"size"`
	BatchSize int    `json:"batch_size"`
	Exhausted bool   `json:"exhausted"`
}

type Board struct {
	Fingerprint string   `json:"fingerprint"`
	Orders      int      `json:"orders"`
	NoData      bool     `json:"no_data"`
	Reason      string   `json:"reason"`
	Partitions  []Window `json:"partitions"`
}

// Panel represents a dashboard panel (partial).
type Panel struct {
	ID              string  `json:"id"`
	Label           string  `json:"label"`
	Reference       string  `json:"reference"`
	Compare         string  `json:"compare"`
	Available       bool    `json:"available"`
	Reason          string  `json:"reason"`
	Total           int     `json:"total"`
	Treated         int     `json:"treated"`
	Persistent      int     `json:"persistent"`
	Entered         int     `json:"entered"`
	TreatedShare    float64 `json:"treated_share"`
	PersistentShare float64 `json:"persistent_share"`
}

type Dashboard struct {
	GeneratedAt string  `json:"generated_at"`
	Date        string  `json:"date"`
	Panels      []Panel `json:"panels"`
}

// File is a downloaded export batch.
type File struct {
	Name        string
	ContentType string
	ExportID    string
	Start       int
	End         int
	Size        int
	Data        []byte
}

// ErrExhausted is returned by ExportBatch once a partition has no rows left.
var ErrExhausted = errors.New("partition exhausted")

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Login exchanges the shared password for a bearer token and keeps it on the client.
func (c *Client) Login(ctx context.Context, password, actorID string) (string, error) {
	body := map[string]any{"password": password}
	if actorID != "" {
		body["actor_id"] = actorID
	}
	var resp struct {
		Token string `json:"token"`
	}
	if err := c.do(ctx, http.MethodPost, "auth/login", body, &resp); err != nil {
		return "", err
	}
	c.BearerToken = resp.Token
	return resp.Token, nil
}

// Dashboard returns the panels for date (YYYY-MM-DD); empty means today.
func (c *Client) Dashboard(ctx context.Context, date string) (Dashboard, error) {
	endpoint := "dashboard"
	if date != "" {
		endpoint += "?date=" + url.QueryEscape(date)
	}
	var resp Dashboard
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) Partitions(ctx context.Context) (Board, error) {
	var resp Board
	err := c.do(ctx, http.MethodGet, "partitions", nil, &resp)
	return resp, err
}

// ExportBatch downloads the next batch of partition and advances its cursor.
func (c *Client) ExportBatch(ctx context.Context, partition, format string) (File, error) {
	endpoint := fmt.Sprintf("partitions/%s/export", url.PathEscape(partition))
	if format != "" {
		endpoint += "?format=" + url.QueryEscape(format)
	}
	resp, err := c.send(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Code == "partition_exhausted" {
			return File{}, fmt.Errorf("%s: %w", partition, ErrExhausted)
		}
		return File{}, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return File{}, err
	}
	f := File{
		ContentType: resp.Header.Get("Content-Type"),
		ExportID:    resp.Header.Get("X-Export-Id"),
		Data:        data,
	}
	f.Start, _ = strconv.Atoi(resp.Header.Get("X-Batch-Start"))
	f.End, _ = strconv.Atoi(resp.Header.Get("X-Batch-End"))
	f.Size, _ = strconv.Atoi(resp.Header.Get("X-Partition-Size"))
	if disp := resp.Header.Get("Content-Disposition"); disp != "" {
		if i := strings.Index(disp, "filename="); i >= 0 {
			f.Name = strings.Trim(disp[i+len("filename="):], `"`)
		}
	}
	return f, nil
}

// CheckSource asks the server to re-hash the current snapshot.
func (c *Client) CheckSource(ctx context.Context) (bool, error) {
	var resp struct {
		Changed bool `json:"changed"`
	}
	err := c.do(ctx, http.MethodPost, "source/check", nil, &resp)
	return resp.Changed, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	resp, err := c.send(ctx, method, endpoint, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) send(ctx context.Context, method, endpoint string, body any) (*http.Response, error) {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return nil, err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.url(endpoint), &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		defer resp.Body.Close()
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		return nil, apiErr
	}
	return resp, nil
}

func (c *Client) url(endpoint string) string {
	base := strings.TrimRight(c.BaseURL, "/")
	if p := strings.Trim(c.BasePath, "/"); p != "" {
		base += "/" + p
	}
	return base + "/" + strings.TrimLeft(endpoint, "/")
}
