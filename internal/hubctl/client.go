// Package hubctl implements the operator CLI for the hub's REST API.
package hubctl

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/codernetes/hub/internal/models"
)

// Client is a thin wrapper over the hub's REST API.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a client for the given base URL (scheme://host:port).
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

type apiError struct {
	Error string `json:"error"`
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.NewDecoder(resp.Body).Decode(&apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("hub: %s (%s)", apiErr.Error, resp.Status)
		}
		return fmt.Errorf("hub: unexpected status %s", resp.Status)
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// CreateJobRequest is the payload for job creation.
type CreateJobRequest struct {
	Prompt        string                  `json:"prompt"`
	TargetNodeID  string                  `json:"target_node_id,omitempty"`
	RequestedTags []string                `json:"requested_tags,omitempty"`
	Repositories  []models.RepositorySpec `json:"repositories,omitempty"`
	Metadata      map[string]string       `json:"metadata,omitempty"`
}

// CreateJob submits a new job.
func (c *Client) CreateJob(ctx context.Context, req CreateJobRequest) (*models.Job, error) {
	var j models.Job
	if err := c.do(ctx, http.MethodPost, "/api/jobs", req, &j); err != nil {
		return nil, err
	}
	return &j, nil
}

// ListJobs fetches jobs, optionally filtered by status.
func (c *Client) ListJobs(ctx context.Context, status string, limit int) ([]*models.Job, error) {
	query := url.Values{}
	if status != "" {
		query.Set("status", status)
	}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	path := "/api/jobs"
	if len(query) > 0 {
		path += "?" + query.Encode()
	}

	var out struct {
		Jobs []*models.Job `json:"jobs"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Jobs, nil
}

// GetJob fetches one job by id.
func (c *Client) GetJob(ctx context.Context, id string) (*models.Job, error) {
	var j models.Job
	if err := c.do(ctx, http.MethodGet, "/api/jobs/"+url.PathEscape(id), nil, &j); err != nil {
		return nil, err
	}
	return &j, nil
}

// UpdateJobStatus applies a lifecycle transition to a job.
func (c *Client) UpdateJobStatus(ctx context.Context, id, status, summary, errorMessage string) (*models.Job, error) {
	body := map[string]string{"status": status}
	if summary != "" {
		body["result_summary"] = summary
	}
	if errorMessage != "" {
		body["error_message"] = errorMessage
	}

	var j models.Job
	if err := c.do(ctx, http.MethodPost, "/api/jobs/"+url.PathEscape(id)+"/status", body, &j); err != nil {
		return nil, err
	}
	return &j, nil
}

// CancelJob requests cancellation of a job.
func (c *Client) CancelJob(ctx context.Context, id string) (*models.Job, error) {
	return c.UpdateJobStatus(ctx, id, string(models.JobStatusCancelled), "", "")
}

// JobLogs fetches log entries for a job after the given sequence number.
func (c *Client) JobLogs(ctx context.Context, id string, afterSeq int64, limit int) ([]models.LogEntry, error) {
	query := url.Values{}
	if afterSeq >= 0 {
		query.Set("after", strconv.FormatInt(afterSeq, 10))
	}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	path := "/api/jobs/" + url.PathEscape(id) + "/logs"
	if len(query) > 0 {
		path += "?" + query.Encode()
	}

	var out struct {
		Logs []models.LogEntry `json:"logs"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Logs, nil
}

// NodeView is a registered node joined with its live connection state.
type NodeView struct {
	models.RemoteNodeRecord
	Connected        bool                    `json:"connected"`
	ConnectionStatus models.ConnectionStatus `json:"connection_status,omitempty"`
}

// ListNodes fetches the node inventory.
func (c *Client) ListNodes(ctx context.Context) ([]NodeView, error) {
	var out struct {
		Nodes []NodeView `json:"nodes"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/nodes", nil, &out); err != nil {
		return nil, err
	}
	return out.Nodes, nil
}

// CreateNode registers a node record.
func (c *Client) CreateNode(ctx context.Context, record models.RemoteNodeRecord) (*models.RemoteNodeRecord, error) {
	var created models.RemoteNodeRecord
	if err := c.do(ctx, http.MethodPost, "/api/nodes", record, &created); err != nil {
		return nil, err
	}
	return &created, nil
}

// DeleteNode removes a node record.
func (c *Client) DeleteNode(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/nodes/"+url.PathEscape(id), nil, nil)
}

// NodeAction applies an administrative action to a node record.
func (c *Client) NodeAction(ctx context.Context, id, action string) (*models.RemoteNodeRecord, error) {
	var record models.RemoteNodeRecord
	body := map[string]string{"action": action}
	if err := c.do(ctx, http.MethodPost, "/api/nodes/"+url.PathEscape(id)+"/action", body, &record); err != nil {
		return nil, err
	}
	return &record, nil
}

// HubStatus is the hub's runtime snapshot.
type HubStatus struct {
	UptimeSeconds    int64          `json:"uptime_seconds"`
	ConnectedNodes   int            `json:"connected_nodes"`
	ConnectedBridges int            `json:"connected_bridges"`
	Jobs             map[string]int `json:"jobs"`
}

// Status fetches the hub's runtime snapshot.
func (c *Client) Status(ctx context.Context) (*HubStatus, error) {
	var status HubStatus
	if err := c.do(ctx, http.MethodGet, "/api/status", nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// Broadcast sends a text message to every connected session and returns
// the delivery count.
func (c *Client) Broadcast(ctx context.Context, text string) (int, error) {
	var out struct {
		Delivered int `json:"delivered"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/broadcast", map[string]string{"text": text}, &out); err != nil {
		return 0, err
	}
	return out.Delivered, nil
}

// SendText unicasts a text message to one connected session.
func (c *Client) SendText(ctx context.Context, nodeID, text string) error {
	body := map[string]string{"node_id": nodeID, "text": text}
	return c.do(ctx, http.MethodPost, "/api/send", body, nil)
}

// SetGithubToken stores a GitHub token for a user.
func (c *Client) SetGithubToken(ctx context.Context, userID, token string) error {
	body := map[string]string{"user_id": userID, "token": token}
	return c.do(ctx, http.MethodPost, "/api/github/token", body, nil)
}

// Repo is one entry from the GitHub repository listing.
type Repo struct {
	Name          string `json:"name"`
	FullName      string `json:"full_name"`
	URL           string `json:"url"`
	DefaultBranch string `json:"default_branch"`
}

// ListGithubRepos fetches the repositories visible to a user's token.
func (c *Client) ListGithubRepos(ctx context.Context, userID string) ([]Repo, error) {
	var out struct {
		Repos []Repo `json:"repos"`
	}
	path := "/api/github/repos?user_id=" + url.QueryEscape(userID)
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Repos, nil
}
