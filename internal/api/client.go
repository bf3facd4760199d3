package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/msfrecon/recond/internal/model"
	"github.com/msfrecon/recond/internal/registry"
	"github.com/msfrecon/recond/internal/scheduler"
)

// Client talks to a recond server.
type Client struct {
	baseURL   *url.URL
	token     string
	requester string
	client    *http.Client
}

func NewClient(serverURL, token, requester string) (*Client, error) {
	parsedURL, err := url.Parse(serverURL)
	if err != nil {
		return nil, err
	}
	parsedURL.Path = strings.TrimRight(parsedURL.Path, "/")

	if parsedURL.Scheme == "" || parsedURL.Host == "" || parsedURL.Path != "" {
		return nil, errors.New("please define the server url with a scheme and without path, e.g. `http://127.0.0.1:8000`")
	}
	return &Client{
		baseURL:   parsedURL,
		token:     token,
		requester: requester,
		client:    &http.Client{},
	}, nil
}

func (c *Client) Info(ctx context.Context) (Info, error) {
	var ret Info
	err := c.do(ctx, Endpoints()[EndpointInfo], nil, nil, nil, &ret)
	return ret, err
}

// Submit posts req. The idempotency key of req is sent as a header.
func (c *Client) Submit(ctx context.Context, req model.SubmitRequest) (SubmitResponse, error) {
	var hdr http.Header
	if req.IdempotencyKey != "" {
		hdr = http.Header{headerIdempotencyKey: []string{req.IdempotencyKey}}
	}
	var ret SubmitResponse
	err := c.do(ctx, Endpoints()[EndpointSubmit], nil, hdr, req, &ret)
	return ret, err
}

func (c *Client) Status(ctx context.Context, id string) (model.JobStatus, error) {
	var ret model.JobStatus
	err := c.do(ctx, Endpoints()[EndpointStatus], nil, nil, nil, &ret, id)
	return ret, err
}

func (c *Client) Results(ctx context.Context, id string) ([]model.ToolResult, error) {
	var ret []model.ToolResult
	err := c.do(ctx, Endpoints()[EndpointResults], nil, nil, nil, &ret, id)
	return ret, err
}

// BOM returns the CycloneDX document of job id.
func (c *Client) BOM(ctx context.Context, id string) (json.RawMessage, error) {
	var ret json.RawMessage
	q := url.Values{"format": []string{"cyclonedx"}}
	err := c.do(ctx, Endpoints()[EndpointResults], q, nil, nil, &ret, id)
	return ret, err
}

func (c *Client) Cancel(ctx context.Context, id string) (model.JobStatus, error) {
	var ret model.JobStatus
	err := c.do(ctx, Endpoints()[EndpointCancel], nil, nil, nil, &ret, id)
	return ret, err
}

func (c *Client) History(ctx context.Context, limit, offset int) (HistoryResponse, error) {
	q := url.Values{
		"limit":  []string{strconv.Itoa(limit)},
		"offset": []string{strconv.Itoa(offset)},
	}
	var ret HistoryResponse
	err := c.do(ctx, Endpoints()[EndpointHistory], q, nil, nil, &ret)
	return ret, err
}

func (c *Client) Tools(ctx context.Context) ([]registry.ToolInfo, error) {
	var ret []registry.ToolInfo
	err := c.do(ctx, Endpoints()[EndpointTools], nil, nil, nil, &ret)
	return ret, err
}

func (c *Client) SaveProfile(ctx context.Context, p model.Profile) error {
	return c.do(ctx, Endpoints()[EndpointSaveProfile], nil, nil, p, nil, p.Name)
}

func (c *Client) Profiles(ctx context.Context) ([]model.Profile, error) {
	var ret []model.Profile
	err := c.do(ctx, Endpoints()[EndpointProfiles], nil, nil, nil, &ret)
	return ret, err
}

// Watch streams the events of job id to fn until the job is terminal,
// the server closes the stream or ctx is done.
func (c *Client) Watch(ctx context.Context, id string, fn func(scheduler.Event)) error {
	u := *c.baseURL
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = Endpoints()[EndpointEvents].URL(id)

	hdr := c.header(nil)
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), hdr)
	if err != nil {
		if resp != nil {
			defer func() {
				_ = resp.Body.Close()
			}()
			if perr := decodeProblem(resp); perr != nil {
				return perr
			}
		}
		return err
	}
	defer func() {
		_ = conn.Close()
	}()
	stop := context.AfterFunc(ctx, func() {
		_ = conn.Close()
	})
	defer stop()

	for {
		var e scheduler.Event
		if err := conn.ReadJSON(&e); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		fn(e)
	}
}

func (c *Client) header(extra http.Header) http.Header {
	hdr := make(http.Header)
	for k, v := range extra {
		hdr[k] = v
	}
	if c.token != "" {
		hdr.Set("Authorization", "Bearer "+c.token)
	}
	if c.requester != "" {
		hdr.Set(headerRequester, c.requester)
	}
	return hdr
}

func (c *Client) do(ctx context.Context, e EndpointDefinition, q url.Values, hdr http.Header, in, out any, args ...string) error {
	u := *c.baseURL
	u.Path = e.URL(args...)
	u.RawQuery = q.Encode()

	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, e.Method, u.String(), body)
	if err != nil {
		return err
	}
	req.Header = c.header(hdr)
	if in != nil {
		req.Header.Set("Content-Type", contentTypeJSON)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode >= http.StatusBadRequest {
		if perr := decodeProblem(resp); perr != nil {
			return perr
		}
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("unknown error, status: %d, body: %s", resp.StatusCode, string(respBody))
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding json response failed: %w", err)
	}
	return nil
}

// decodeProblem returns the problem detail of resp, or nil when resp does
// not carry one.
func decodeProblem(resp *http.Response) *Problem {
	contentType, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil || contentType != contentTypeProblem {
		return nil
	}
	var p Problem
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
		return nil
	}
	return &p
}
