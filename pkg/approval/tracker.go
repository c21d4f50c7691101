package approval

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/codeready-toolchain/maestro/pkg/fault"
)

// trackerTimeout bounds every tracker HTTP call.
const trackerTimeout = 10 * time.Second

// TrackerClient talks to the external issue-like approval tracker over JSON
// HTTP with a bearer key. A nil *TrackerClient is valid and means the tracker
// integration is disabled: approvals are recorded locally and decisions only
// arrive through the API.
type TrackerClient struct {
	baseURL string
	key     string
	client  *http.Client
}

// NewTrackerClient returns nil when baseURL is empty (disabled mode).
func NewTrackerClient(baseURL, key string) *TrackerClient {
	if baseURL == "" {
		return nil
	}
	return &TrackerClient{
		baseURL: baseURL,
		key:     key,
		client:  &http.Client{Timeout: trackerTimeout},
	}
}

// createRequest is the tracker's issue creation payload.
type createRequest struct {
	WorkflowID string    `json:"workflow_id"`
	Summary    string    `json:"summary"`
	RiskLevel  string    `json:"risk_level"`
	Deadline   time.Time `json:"deadline"`
}

type createResponse struct {
	ApprovalID string `json:"approval_id"`
	Link       string `json:"link"`
}

// CreateIssue files an approval request and returns its id and display link.
func (t *TrackerClient) CreateIssue(ctx context.Context, workflowID, summary, riskLevel string, deadline time.Time) (approvalID, link string, err error) {
	var resp createResponse
	err = t.do(ctx, http.MethodPost, "/api/approvals", createRequest{
		WorkflowID: workflowID,
		Summary:    summary,
		RiskLevel:  riskLevel,
		Deadline:   deadline,
	}, &resp)
	if err != nil {
		return "", "", err
	}
	if resp.ApprovalID == "" {
		return "", "", fault.New(fault.UpstreamCorrupt, "tracker returned no approval id")
	}
	return resp.ApprovalID, resp.Link, nil
}

// decisionResponse is the tracker's approval status payload.
type decisionResponse struct {
	ApprovalID string     `json:"approval_id"`
	Decision   string     `json:"decision,omitempty"`
	Decider    string     `json:"decider,omitempty"`
	Reason     string     `json:"reason,omitempty"`
	DecidedAt  *time.Time `json:"decided_at,omitempty"`
}

// FetchDecision polls the tracker for a decision. Returns (nil, nil) while
// undecided.
func (t *TrackerClient) FetchDecision(ctx context.Context, approvalID string) (*decisionResponse, error) {
	var resp decisionResponse
	if err := t.do(ctx, http.MethodGet, "/api/approvals/"+approvalID, nil, &resp); err != nil {
		return nil, err
	}
	if resp.Decision == "" {
		return nil, nil
	}
	return &resp, nil
}

func (t *TrackerClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fault.Wrap(fault.Internal, err, "marshaling tracker request")
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, t.baseURL+path, reader)
	if err != nil {
		return fault.Wrap(fault.Internal, err, "building tracker request")
	}
	req.Header.Set("Content-Type", "application/json")
	if t.key != "" {
		req.Header.Set("Authorization", "Bearer "+t.key)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return fault.Wrap(fault.Unavailable, err, "calling approval tracker")
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fault.New(fault.NotFound, "tracker has no approval at %s", path)
	case resp.StatusCode >= 400:
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fault.New(fault.Unavailable, "tracker returned %d: %s", resp.StatusCode, payload)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fault.Wrap(fault.UpstreamCorrupt, err, "decoding tracker response")
		}
	}
	return nil
}

func (t *TrackerClient) String() string {
	return fmt.Sprintf("tracker(%s)", t.baseURL)
}
