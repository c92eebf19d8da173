// Package graph is the HTTP/GraphQL client for the DefraDB-backed graph
// store: novel, chapter, character, location, organization, event, and
// plot nodes plus the typed edges connecting them (spec.md §3). Every
// mutation is an idempotent upsert keyed by each node type's stable
// key, so re-extracting a chapter never creates duplicate nodes.
package graph

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ErrUnhealthy is returned when the graph store health check fails.
var ErrUnhealthy = errors.New("graph store health check failed")

// Client is a GraphQL client bound to the graph store's HTTP API.
type Client struct {
	url        string
	httpClient *http.Client
}

// NewClient creates a new Client against url.
func NewClient(url string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		url:        strings.TrimSuffix(url, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// GQLRequest is a GraphQL request body.
type GQLRequest struct {
	Query         string         `json:"query"`
	OperationName string         `json:"operationName,omitempty"`
	Variables     map[string]any `json:"variables,omitempty"`
}

// GQLResponse is a GraphQL response body.
type GQLResponse struct {
	Data   map[string]any `json:"data,omitempty"`
	Errors []GQLError     `json:"errors,omitempty"`
}

// GQLError is one GraphQL error entry.
type GQLError struct {
	Message string `json:"message"`
	Path    []any  `json:"path,omitempty"`
}

// Error returns the first error message, or "" if there were none.
func (r *GQLResponse) Error() string {
	if len(r.Errors) == 0 {
		return ""
	}
	return r.Errors[0].Message
}

// HealthCheck reports whether the graph store is reachable and healthy.
func (c *Client) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url+"/health-check", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnhealthy, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: status %d", ErrUnhealthy, resp.StatusCode)
	}
	return nil
}

// Execute sends a GraphQL query or mutation and returns the response.
func (c *Client) Execute(ctx context.Context, query string, variables map[string]any) (*GQLResponse, error) {
	body, err := json.Marshal(GQLRequest{Query: query, Variables: variables})
	if err != nil {
		return nil, fmt.Errorf("graph: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url+"/api/v0/graphql", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("graph: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("graph: request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("graph: read response: %w", err)
	}

	var gqlResp GQLResponse
	if err := json.Unmarshal(respBody, &gqlResp); err != nil {
		return nil, fmt.Errorf("graph: unmarshal response: %w (body: %s)", err, string(respBody))
	}
	return &gqlResp, nil
}

// AddSchema registers collection, the graph store's SDL schema
// (schema.go's SchemaSDL), on first startup.
func (c *Client) AddSchema(ctx context.Context, schema string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url+"/api/v0/schema", strings.NewReader(schema))
	if err != nil {
		return fmt.Errorf("graph: create schema request: %w", err)
	}
	req.Header.Set("Content-Type", "text/plain")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("graph: schema request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("graph: schema error (status %d): %s", resp.StatusCode, string(body))
	}
	return nil
}

// Query runs a read-only query.
func (c *Client) Query(ctx context.Context, query string) (*GQLResponse, error) {
	return c.Execute(ctx, query, nil)
}

// Mutation runs a mutation with variables.
func (c *Client) Mutation(ctx context.Context, mutation string, variables map[string]any) (*GQLResponse, error) {
	return c.Execute(ctx, mutation, variables)
}

// Create creates a document in collection and returns its _docID.
func (c *Client) Create(ctx context.Context, collection string, input map[string]any) (string, error) {
	query := fmt.Sprintf(`mutation { create_%s(input: %s) { _docID } }`, collection, mapToGraphQLInput(input))

	resp, err := c.Execute(ctx, query, nil)
	if err != nil {
		return "", err
	}
	if msg := resp.Error(); msg != "" {
		return "", fmt.Errorf("graph: create error: %s", msg)
	}

	docs, ok := resp.Data["create_"+collection].([]any)
	if !ok || len(docs) == 0 {
		return "", fmt.Errorf("graph: unexpected create response: %+v", resp.Data)
	}
	doc, ok := docs[0].(map[string]any)
	if !ok {
		return "", fmt.Errorf("graph: unexpected create document: %+v", docs[0])
	}
	docID, ok := doc["_docID"].(string)
	if !ok {
		return "", fmt.Errorf("graph: create response missing _docID")
	}
	return docID, nil
}

// Update patches docID in collection with the given fields.
func (c *Client) Update(ctx context.Context, collection, docID string, input map[string]any) error {
	safeID, err := SafeID(docID)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`mutation { update_%s(docID: %q, input: %s) { _docID } }`, collection, safeID, mapToGraphQLInput(input))

	resp, err := c.Execute(ctx, query, nil)
	if err != nil {
		return err
	}
	if msg := resp.Error(); msg != "" {
		return fmt.Errorf("graph: update error: %s", msg)
	}
	return nil
}

// Delete removes docID from collection entirely.
func (c *Client) Delete(ctx context.Context, collection, docID string) error {
	safeID, err := SafeID(docID)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`mutation { delete_%s(docID: %q) { _docID } }`, collection, safeID)

	resp, err := c.Execute(ctx, query, nil)
	if err != nil {
		return err
	}
	if msg := resp.Error(); msg != "" {
		return fmt.Errorf("graph: delete error: %s", msg)
	}
	return nil
}

func mapToGraphQLInput(input map[string]any) string {
	var parts []string
	for k, v := range input {
		var valStr string
		switch val := v.(type) {
		case string:
			valStr = fmt.Sprintf("%q", val)
		case int, int64, float64:
			valStr = fmt.Sprintf("%v", val)
		case bool:
			valStr = fmt.Sprintf("%v", val)
		case []string:
			quoted := make([]string, len(val))
			for i, s := range val {
				quoted[i] = fmt.Sprintf("%q", s)
			}
			valStr = "[" + strings.Join(quoted, ", ") + "]"
		default:
			b, _ := json.Marshal(val)
			valStr = string(b)
		}
		parts = append(parts, fmt.Sprintf("%s: %s", k, valStr))
	}
	return "{" + strings.Join(parts, ", ") + "}"
}
