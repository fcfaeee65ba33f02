package apiclient

import (
	"context"
	"net/http"
	"net/url"
	"strconv"

	"pkt.systems/crewwatch/schema"
)

// ListExecutions returns one page of executions.
func (c *Client) ListExecutions(ctx context.Context, req schema.ExecutionListRequest) (schema.ExecutionList, error) {
	query := url.Values{}
	if req.Page > 0 {
		query.Set("page", strconv.Itoa(req.Page))
	}
	if req.PageSize > 0 {
		query.Set("page_size", strconv.Itoa(req.PageSize))
	}
	if req.Status != "" {
		query.Set("status", string(req.Status))
	}
	if req.CrewID != "" {
		query.Set("crew_id", string(req.CrewID))
	}
	if req.FlowID != "" {
		query.Set("flow_id", string(req.FlowID))
	}
	path := endpoint("executions") + "/"
	if len(query) > 0 {
		path += "?" + query.Encode()
	}
	var out schema.ExecutionList
	err := c.doJSON(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

// GetExecution returns one execution.
func (c *Client) GetExecution(ctx context.Context, id schema.ExecutionID) (schema.Execution, error) {
	var out schema.Execution
	if err := validID(string(id)); err != nil {
		return out, err
	}
	err := c.doJSON(ctx, http.MethodGet, endpoint("executions", string(id)), nil, &out)
	return out, err
}

// CancelExecution cancels a running execution.
func (c *Client) CancelExecution(ctx context.Context, id schema.ExecutionID) error {
	if err := validID(string(id)); err != nil {
		return err
	}
	return c.doJSON(ctx, http.MethodPost, endpoint("executions", string(id), "cancel"), nil, nil)
}

// ExecutionLogs returns persisted log lines of an execution.
func (c *Client) ExecutionLogs(ctx context.Context, id schema.ExecutionID, req schema.ExecutionLogsRequest) ([]schema.ExecutionLog, error) {
	if err := validID(string(id)); err != nil {
		return nil, err
	}
	query := url.Values{}
	if req.Level != "" {
		query.Set("level", req.Level)
	}
	if req.Limit > 0 {
		query.Set("limit", strconv.Itoa(req.Limit))
	}
	path := endpoint("executions", string(id), "logs")
	if len(query) > 0 {
		path += "?" + query.Encode()
	}
	var out []schema.ExecutionLog
	err := c.doJSON(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

// SubmitHumanFeedback answers an execution waiting for human input.
func (c *Client) SubmitHumanFeedback(ctx context.Context, id schema.ExecutionID, feedback map[string]any) error {
	if err := validID(string(id)); err != nil {
		return err
	}
	if feedback == nil {
		feedback = map[string]any{}
	}
	return c.doJSON(ctx, http.MethodPost, endpoint("executions", string(id), "human-feedback"), feedback, nil)
}

func validID(id string) error {
	if id == "" {
		return schema.ErrInvalidTarget
	}
	return nil
}
