// Package cli implements the fundctl operator commands on top of the
// fundwatch control API.
package cli

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/coachpo/fundwatch/errs"
	"github.com/coachpo/fundwatch/internal/fund"
	"github.com/coachpo/fundwatch/internal/refresh"
)

const component = "cli/client"

// Client calls the control API.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient targets the API at baseURL. A nil httpClient gets a 30s timeout.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"), http: httpClient}
}

type apiError struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// do sends body as JSON and decodes a 2xx response into out. Error responses
// become errs envelopes carrying the server's code and status.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return errs.New(component, errs.CodeUnavailable,
			errs.WithMessage("control api unreachable"),
			errs.WithField("url", c.baseURL),
			errs.WithCause(err))
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		var apiErr apiError
		_ = json.Unmarshal(data, &apiErr)
		code, ok := errs.ParseCode(apiErr.Code)
		if !ok {
			code = errs.CodeUnknown
		}
		msg := strings.TrimSpace(apiErr.Error)
		if msg == "" {
			msg = resp.Status
		}
		return errs.New(component, code, errs.WithHTTP(resp.StatusCode), errs.WithMessage(msg))
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return errs.New(component, errs.CodeDataFormat, errs.WithMessage("undecodable response"), errs.WithCause(err))
	}
	return nil
}

// ListFunds returns tracked funds, optionally restricted to groupID.
func (c *Client) ListFunds(ctx context.Context, groupID string) ([]fund.Fund, error) {
	path := "/funds"
	if groupID != "" {
		path += "?group=" + url.QueryEscape(groupID)
	}
	var out struct {
		Funds []fund.Fund `json:"funds"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Funds, nil
}

// Track starts tracking code.
func (c *Client) Track(ctx context.Context, code, groupID string) (fund.Fund, error) {
	var out fund.Fund
	err := c.do(ctx, http.MethodPost, "/funds", map[string]string{"code": code, "groupId": groupID}, &out)
	return out, err
}

// Untrack stops tracking fund id.
func (c *Client) Untrack(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/funds/"+url.PathEscape(id), nil, nil)
}

// Assign moves fund id into groupID, or out of its group when blank.
func (c *Client) Assign(ctx context.Context, id, groupID string) (fund.Fund, error) {
	var out fund.Fund
	err := c.do(ctx, http.MethodPut, "/funds/"+url.PathEscape(id)+"/group", map[string]string{"groupId": groupID}, &out)
	return out, err
}

// RefreshOne refreshes fund id and returns its new state.
func (c *Client) RefreshOne(ctx context.Context, id string) (fund.Fund, error) {
	var out fund.Fund
	err := c.do(ctx, http.MethodPost, "/funds/"+url.PathEscape(id)+"/refresh", nil, &out)
	return out, err
}

// RefreshAll starts a bulk refresh. With wait it blocks and returns the final
// status; otherwise the returned status is the current one.
func (c *Client) RefreshAll(ctx context.Context, window int, wait bool) (refresh.Status, error) {
	query := url.Values{}
	if window > 0 {
		query.Set("window", strconv.Itoa(window))
	}
	if wait {
		query.Set("wait", "true")
	}
	path := "/refresh"
	if encoded := query.Encode(); encoded != "" {
		path += "?" + encoded
	}
	if wait {
		var st refresh.Status
		err := c.do(ctx, http.MethodPost, path, nil, &st)
		return st, err
	}
	if err := c.do(ctx, http.MethodPost, path, nil, nil); err != nil {
		return refresh.Status{}, err
	}
	return c.Status(ctx)
}

// Cancel aborts the running bulk refresh and returns how many pending
// requests were rejected.
func (c *Client) Cancel(ctx context.Context) (int, error) {
	var out struct {
		Rejected int `json:"rejected"`
	}
	err := c.do(ctx, http.MethodDelete, "/refresh", nil, &out)
	return out.Rejected, err
}

// Status returns the engine status.
func (c *Client) Status(ctx context.Context) (refresh.Status, error) {
	var st refresh.Status
	err := c.do(ctx, http.MethodGet, "/refresh/status", nil, &st)
	return st, err
}

// ListGroups returns every group with its fund count.
func (c *Client) ListGroups(ctx context.Context) ([]fund.Group, error) {
	var out struct {
		Groups []fund.Group `json:"groups"`
	}
	if err := c.do(ctx, http.MethodGet, "/groups", nil, &out); err != nil {
		return nil, err
	}
	return out.Groups, nil
}

// CreateGroup adds a group.
func (c *Client) CreateGroup(ctx context.Context, name string) (fund.Group, error) {
	var out fund.Group
	err := c.do(ctx, http.MethodPost, "/groups", map[string]string{"name": name}, &out)
	return out, err
}

// RenameGroup renames group id.
func (c *Client) RenameGroup(ctx context.Context, id, name string) (fund.Group, error) {
	var out fund.Group
	err := c.do(ctx, http.MethodPut, "/groups/"+url.PathEscape(id), map[string]string{"name": name}, &out)
	return out, err
}

// DeleteGroup removes group id; its funds become ungrouped.
func (c *Client) DeleteGroup(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/groups/"+url.PathEscape(id), nil, nil)
}

// FundByCode finds a tracked fund by its code.
func (c *Client) FundByCode(ctx context.Context, code string) (fund.Fund, error) {
	funds, err := c.ListFunds(ctx, "")
	if err != nil {
		return fund.Fund{}, err
	}
	for _, f := range funds {
		if f.Code == code {
			return f, nil
		}
	}
	return fund.Fund{}, fund.NotFound("code", code)
}

// GroupByName finds a group by its exact name.
func (c *Client) GroupByName(ctx context.Context, name string) (fund.Group, error) {
	groups, err := c.ListGroups(ctx)
	if err != nil {
		return fund.Group{}, err
	}
	name = strings.TrimSpace(name)
	for _, g := range groups {
		if g.Name == name {
			return g, nil
		}
	}
	return fund.Group{}, fund.NotFound("group", name)
}
