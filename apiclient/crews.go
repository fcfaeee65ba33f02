package apiclient

import (
	"context"
	"net/http"

	"pkt.systems/crewwatch/schema"
)

// GetCrew returns a crew definition.
func (c *Client) GetCrew(ctx context.Context, id schema.CrewID) (schema.Crew, error) {
	var out schema.Crew
	if err := validID(string(id)); err != nil {
		return out, err
	}
	err := c.doJSON(ctx, http.MethodGet, endpoint("crews", string(id)), nil, &out)
	return out, err
}

// KickoffCrew starts a crew execution over REST.
func (c *Client) KickoffCrew(ctx context.Context, id schema.CrewID, req schema.KickoffRequest) (schema.KickoffResponse, error) {
	var out schema.KickoffResponse
	if err := validID(string(id)); err != nil {
		return out, err
	}
	if req.Inputs == nil {
		req.Inputs = map[string]any{}
	}
	err := c.doJSON(ctx, http.MethodPost, endpoint("crews", string(id), "kickoff"), req, &out)
	return out, err
}
