package hub

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"semaphore/offline/internal/model"
)

// Client talks to a Hub server over the local link. Transport failures come
// back as KindLinkFailure; hub rejections keep their kind.
type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: httpClient}
}

func (c *Client) BaseURL() string { return c.baseURL }

func (c *Client) Status(ctx context.Context) (Status, error) {
	var out Status
	err := c.do(ctx, "hub status", http.MethodGet, "/status", nil, &out)
	return out, err
}

func (c *Client) CreateSession(ctx context.Context, s model.Session) (model.Session, error) {
	var out createSessionResponse
	if err := c.do(ctx, "hub create session", http.MethodPost, "/session/create", s, &out); err != nil {
		return model.Session{}, err
	}
	return out.Session, nil
}

func (c *Client) MarkAttendance(ctx context.Context, m model.AttendanceMark) (model.AttendanceMark, error) {
	var out markResponse
	if err := c.do(ctx, "hub mark attendance", http.MethodPost, "/attendance/mark", m, &out); err != nil {
		return model.AttendanceMark{}, err
	}
	return out.Record, nil
}

func (c *Client) ListActiveSessions(ctx context.Context) ([]model.Session, error) {
	var out activeSessionsResponse
	err := c.do(ctx, "hub active sessions", http.MethodGet, "/sessions/active", nil, &out)
	return out.Sessions, err
}

func (c *Client) Attendance(ctx context.Context, sessionID string) (model.SessionRecord, error) {
	var out attendanceResponse
	if err := c.do(ctx, "hub attendance", http.MethodGet, "/attendance/"+url.PathEscape(sessionID), nil, &out); err != nil {
		return model.SessionRecord{}, err
	}
	return model.SessionRecord{Session: out.Session, Attendance: out.Attendance}, nil
}

func (c *Client) ExportAll(ctx context.Context) (Export, error) {
	var out Export
	err := c.do(ctx, "hub export", http.MethodGet, "/export/all", nil, &out)
	return out, err
}

func (c *Client) Clear(ctx context.Context, sessionIDs []string) (int, error) {
	var out clearResponse
	err := c.do(ctx, "hub clear", http.MethodPost, "/clear", clearRequest{SessionIDs: sessionIDs}, &out)
	return out.Remaining, err
}

func (c *Client) do(ctx context.Context, op, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return model.E(model.KindInvalid, op, err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return model.E(model.KindInvalid, op, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return model.E(model.KindLinkFailure, op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		kind := model.KindFromCode(apiErr.Error)
		if kind == model.KindUnknown && resp.StatusCode >= 500 {
			kind = model.KindLinkFailure
		}
		return model.E(kind, op, fmt.Errorf("status %d", resp.StatusCode))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return model.E(model.KindLinkFailure, op, err)
	}
	return nil
}
