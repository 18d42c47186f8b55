package knowledge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/iteam1/reviewbot/pkg/models"
)

// Endpoint queries an external knowledge service.
//
// Request:  POST {"provider", "project", "request_number", "paths"}
// Response: {"criteria": [...], "context": "..."}
type Endpoint struct {
	url        string
	httpClient *http.Client
}

// NewEndpoint creates an endpoint source. The augmenter bounds each lookup
// with its own timeout.
func NewEndpoint(url string, httpClient *http.Client) *Endpoint {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Endpoint{url: url, httpClient: httpClient}
}

func (e *Endpoint) Name() string { return "endpoint" }

type lookupRequest struct {
	Provider      string   `json:"provider"`
	Project       string   `json:"project"`
	RequestNumber int      `json:"request_number"`
	Paths         []string `json:"paths"`
}

type lookupResponse struct {
	Criteria []string `json:"criteria"`
	Context  string   `json:"context"`
}

func (e *Endpoint) Lookup(ctx context.Context, cs *models.Changeset) (*Knowledge, error) {
	req := lookupRequest{Paths: cs.Paths()}
	if cs.Event != nil {
		req.Provider = string(cs.Event.Provider)
		req.Project = cs.Event.ProjectPath
		req.RequestNumber = cs.Event.RequestNumber
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build knowledge request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := e.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("knowledge request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read knowledge response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("knowledge service returned %d: %s", resp.StatusCode, string(body))
	}

	var out lookupResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode knowledge response: %w", err)
	}
	return &Knowledge{Criteria: out.Criteria, Context: out.Context}, nil
}
