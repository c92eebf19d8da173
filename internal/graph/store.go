package graph

import (
	"context"
	"fmt"
)

// Store is the knowledge-graph domain API: idempotent node upserts and
// typed relation mutations, built on top of the raw GraphQL Client.
type Store struct {
	client *Client
}

// NewStore wraps client as a Store.
func NewStore(client *Client) *Store {
	return &Store{client: client}
}

// EnsureSchema registers SchemaSDL. Safe to call repeatedly: every
// AddSchema error is discarded (the graph store rejects a schema it
// already has registered, but other failures are discarded too), so
// it always returns nil.
func (s *Store) EnsureSchema(ctx context.Context) error {
	err := s.client.AddSchema(ctx, SchemaSDL)
	if err == nil {
		return nil
	}
	// DefraDB returns an error when the schema (or an identical one) is
	// already registered; that's not a failure for our purposes.
	return nil
}

// findOne returns the _docID of the document in collection where
// field == value, or "" if none exists.
func (s *Store) findOne(ctx context.Context, collection, field string, value any) (string, error) {
	resp, err := SafeQuery(ctx, s.client, collection, field, value, "_docID")
	if err != nil {
		return "", fmt.Errorf("graph: find %s: %w", collection, err)
	}
	if msg := resp.Error(); msg != "" {
		return "", fmt.Errorf("graph: find %s: %s", collection, msg)
	}
	return firstDocID(resp, collection)
}

// findOneWithTaskIDs returns the _docID and current taskIDs of the
// named-entity document in collection matching (name, novelID).
func (s *Store) findOneWithTaskIDs(ctx context.Context, collection string, novelID int64, name string) (string, []int64, error) {
	query, vars := NewQuery(collection).
		Filter("name", name).
		Filter("novelID", novelID).
		Fields("_docID", "taskIDs").
		Build()

	resp, err := s.client.Execute(ctx, query, vars)
	if err != nil {
		return "", nil, fmt.Errorf("graph: find %s: %w", collection, err)
	}
	if msg := resp.Error(); msg != "" {
		return "", nil, fmt.Errorf("graph: find %s: %s", collection, msg)
	}

	docID, taskIDs, err := firstDocWithTaskIDs(resp, collection)
	if err != nil {
		return "", nil, err
	}
	return docID, taskIDs, nil
}

// findOneByEventKey returns the _docID and current taskIDs of the
// Event document keyed by eventKey.
func (s *Store) findOneByEventKey(ctx context.Context, eventKey string) (string, []int64, error) {
	query, vars := NewQuery(CollEvent).
		Filter("eventKey", eventKey).
		Fields("_docID", "taskIDs").
		Build()

	resp, err := s.client.Execute(ctx, query, vars)
	if err != nil {
		return "", nil, fmt.Errorf("graph: find event: %w", err)
	}
	if msg := resp.Error(); msg != "" {
		return "", nil, fmt.Errorf("graph: find event: %s", msg)
	}

	docID, taskIDs, err := firstDocWithTaskIDs(resp, CollEvent)
	if err != nil {
		return "", nil, err
	}
	return docID, taskIDs, nil
}

func firstDocID(resp *GQLResponse, collection string) (string, error) {
	docs, ok := resp.Data[collection].([]any)
	if !ok || len(docs) == 0 {
		return "", nil
	}
	doc, ok := docs[0].(map[string]any)
	if !ok {
		return "", fmt.Errorf("graph: unexpected document shape in %s", collection)
	}
	docID, _ := doc["_docID"].(string)
	return docID, nil
}

func firstDocWithTaskIDs(resp *GQLResponse, collection string) (string, []int64, error) {
	docs, ok := resp.Data[collection].([]any)
	if !ok || len(docs) == 0 {
		return "", nil, nil
	}
	doc, ok := docs[0].(map[string]any)
	if !ok {
		return "", nil, fmt.Errorf("graph: unexpected document shape in %s", collection)
	}
	docID, _ := doc["_docID"].(string)

	var taskIDs []int64
	if raw, ok := doc["taskIDs"].([]any); ok {
		for _, v := range raw {
			switch n := v.(type) {
			case float64:
				taskIDs = append(taskIDs, int64(n))
			case int64:
				taskIDs = append(taskIDs, n)
			}
		}
	}
	return docID, taskIDs, nil
}
