package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"semaphore/offline/internal/model"
	"semaphore/offline/internal/probe"
	"semaphore/offline/internal/reconcile"
)

// Canonical is the device side of the canonical service: HTTP for session,
// mark and sync calls, and an optional gRPC connection for health probing.
type Canonical struct {
	HealthConn *grpc.ClientConn

	baseURL string
	token   string
	http    *http.Client
}

type Options struct {
	BaseURL     string
	GRPCAddr    string
	Token       string
	DialTimeout time.Duration
	HTTPClient  *http.Client
}

func New(ctx context.Context, opts Options) (*Canonical, error) {
	c := &Canonical{
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		token:   opts.Token,
		http:    opts.HTTPClient,
	}
	if c.http == nil {
		c.http = &http.Client{Timeout: 15 * time.Second}
	}
	if opts.GRPCAddr != "" {
		timeout := opts.DialTimeout
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		conn, err := dial(ctx, opts.GRPCAddr, timeout)
		if err != nil {
			return nil, err
		}
		c.HealthConn = conn
	}
	return c, nil
}

func (c *Canonical) Close() {
	if c == nil {
		return
	}
	if c.HealthConn != nil {
		_ = c.HealthConn.Close()
	}
}

// Prober checks the gRPC health service when a connection exists and falls
// back to GET /health otherwise.
func (c *Canonical) Prober() probe.Prober {
	if c.HealthConn != nil {
		return probe.GRPCHealthProber{Conn: c.HealthConn}
	}
	return probe.HTTPProber{Client: c.http, URL: c.baseURL + "/health"}
}

type createSessionRequest struct {
	CourseID        string `json:"courseId"`
	CourseName      string `json:"courseName,omitempty"`
	DurationMinutes int    `json:"durationMinutes,omitempty"`
}

type sessionResponse struct {
	Session model.Session `json:"session"`
}

type markRequest struct {
	SessionID     string `json:"sessionId"`
	ParticipantID string `json:"participantId,omitempty"`
	Name          string `json:"name,omitempty"`
	ExternalID    string `json:"externalId,omitempty"`
	Timestamp     int64  `json:"timestamp,omitempty"`
}

type markResponse struct {
	Record model.AttendanceMark `json:"record"`
}

type activeSessionsResponse struct {
	Sessions []model.Session `json:"sessions"`
}

type syncRequest struct {
	Sessions []model.SessionRecord `json:"sessions"`
}

type syncResponse struct {
	Message string           `json:"message"`
	Results reconcile.Result `json:"results"`
}

func (c *Canonical) CreateSession(ctx context.Context, courseID, courseName string, durationMinutes int) (model.Session, error) {
	var out sessionResponse
	req := createSessionRequest{CourseID: courseID, CourseName: courseName, DurationMinutes: durationMinutes}
	if err := c.do(ctx, "canonical create session", http.MethodPost, "/sessions", req, &out); err != nil {
		return model.Session{}, err
	}
	return out.Session, nil
}

func (c *Canonical) MarkAttendance(ctx context.Context, m model.AttendanceMark) (model.AttendanceMark, error) {
	var out markResponse
	req := markRequest{
		SessionID:     m.SessionID,
		ParticipantID: m.ParticipantID,
		Name:          m.Name,
		ExternalID:    m.ExternalID,
		Timestamp:     m.RecordedAt,
	}
	if err := c.do(ctx, "canonical mark attendance", http.MethodPost, "/attendance/mark", req, &out); err != nil {
		return model.AttendanceMark{}, err
	}
	return out.Record, nil
}

func (c *Canonical) ListActiveSessions(ctx context.Context) ([]model.Session, error) {
	var out activeSessionsResponse
	err := c.do(ctx, "canonical active sessions", http.MethodGet, "/sessions/active", nil, &out)
	return out.Sessions, err
}

// Sync submits records to the reconciler. Per-item failures are reported in
// the result, not as an error.
func (c *Canonical) Sync(ctx context.Context, records []model.SessionRecord) (reconcile.Result, error) {
	if records == nil {
		records = []model.SessionRecord{}
	}
	var out syncResponse
	if err := c.do(ctx, "canonical sync", http.MethodPost, "/offline/sync", syncRequest{Sessions: records}, &out); err != nil {
		return reconcile.Result{}, err
	}
	return out.Results, nil
}

func (c *Canonical) do(ctx context.Context, op, method, path string, body, out interface{}) error {
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
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
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
		switch {
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			kind = model.KindInvalid
		case kind == model.KindUnknown && resp.StatusCode >= 500:
			kind = model.KindLinkFailure
		}
		return model.E(kind, op, fmt.Errorf("status %d: %s", resp.StatusCode, apiErr.Error))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return model.E(model.KindLinkFailure, op, err)
	}
	return nil
}

func dial(ctx context.Context, addr string, timeout time.Duration) (*grpc.ClientConn, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return grpc.DialContext(ctx, addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
}
