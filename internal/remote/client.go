// Package remote is the agent's HTTP client for the clinicsync server entity
// store.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ortholife/clinicsync/internal/logging"
	"github.com/ortholife/clinicsync/internal/models"
	syncpkg "github.com/ortholife/clinicsync/internal/sync"
)

// DefaultTimeout bounds a single request.
const DefaultTimeout = 15 * time.Second

// maxBody caps how much of a response is read.
const maxBody = 4 << 20

// StatusError is a non-2xx answer other than 404.
type StatusError struct {
	Method     string
	Path       string
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s %s: %d %s", e.Method, e.Path, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s %s: %d", e.Method, e.Path, e.StatusCode)
}

// Client implements sync.EntityStore over the server REST API.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	log        zerolog.Logger
}

var _ syncpkg.EntityStore = (*Client)(nil)

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the underlying HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.httpClient = c }
}

// WithToken sends a bearer token on every request.
func WithToken(token string) Option {
	return func(cl *Client) { cl.token = token }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(cl *Client) { cl.log = l }
}

// New creates a Client for the server at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: DefaultTimeout},
		log:        logging.Component("remote"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// HealthURL returns the URL the connectivity prober polls.
func (c *Client) HealthURL() string {
	return c.baseURL + "/health"
}

// FetchConsultation implements sync.EntityStore.
func (c *Client) FetchConsultation(ctx context.Context, id string) (*models.ServerConsultation, error) {
	var out models.ServerConsultation
	if err := c.do(ctx, http.MethodGet, "/api/v1/consultations/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	if out.ID == "" {
		return nil, fmt.Errorf("%w: consultation without id", syncpkg.ErrMalformedResponse)
	}
	return &out, nil
}

// CommitConsultation implements sync.EntityStore.
func (c *Client) CommitConsultation(ctx context.Context, id string, payload *models.ConsultationPayload) (time.Time, error) {
	var out models.ServerConsultation
	if err := c.do(ctx, http.MethodPut, "/api/v1/consultations/"+url.PathEscape(id), payload, &out); err != nil {
		return time.Time{}, err
	}
	ts := out.LastModified()
	if ts.IsZero() {
		return time.Time{}, fmt.Errorf("%w: commit returned no updated_at", syncpkg.ErrMalformedResponse)
	}
	return ts, nil
}

type candidatesResponse struct {
	Patients []models.Patient `json:"patients"`
}

// FetchPatientCandidates implements sync.EntityStore.
func (c *Client) FetchPatientCandidates(ctx context.Context, q syncpkg.CandidateQuery) ([]models.Patient, error) {
	params := url.Values{}
	if q.Phone != "" {
		params.Set("phone", q.Phone)
	}
	if q.Name != "" {
		params.Set("name", q.Name)
	}
	if q.DOB != "" {
		params.Set("dob", q.DOB)
	}
	path := "/api/v1/patients/candidates"
	if len(params) > 0 {
		path += "?" + params.Encode()
	}

	var out candidatesResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Patients, nil
}

// CommitPatient implements sync.EntityStore.
func (c *Client) CommitPatient(ctx context.Context, req *models.RegistrationRequest) (*models.PatientCommit, error) {
	var out models.PatientCommit
	if err := c.do(ctx, http.MethodPost, "/api/v1/patients", req, &out); err != nil {
		return nil, err
	}
	if out.PatientID == "" || out.ConsultationID == "" {
		return nil, fmt.Errorf("%w: registration returned no ids", syncpkg.ErrMalformedResponse)
	}
	return &out, nil
}

type errorBody struct {
	Message string `json:"message"`
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return fmt.Errorf("read %s %s: %w", method, path, err)
	}
	c.log.Debug().
		Str("method", method).
		Str("path", path).
		Int("status", resp.StatusCode).
		Dur("took", time.Since(start)).
		Msg("server request")

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", syncpkg.ErrNotFound, path)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		se := &StatusError{Method: method, Path: path, StatusCode: resp.StatusCode}
		var eb errorBody
		if json.Unmarshal(raw, &eb) == nil {
			se.Message = eb.Message
		}
		return se
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: %s %s: %v", syncpkg.ErrMalformedResponse, method, path, err)
	}
	return nil
}

// IsStatus reports whether err is a StatusError with the given code.
func IsStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode == code
}
