package graph

import (
	"context"
	"fmt"
)

// UpsertRelation idempotently records an edge of relType from
// fromDocID to toDocID, merging taskID into the edge's taskIDs
// multiset like the node upserts do.
func (s *Store) UpsertRelation(ctx context.Context, novelID int64, fromDocID, toDocID, relType string, taskID int64) (string, error) {
	query, vars := NewQuery(CollRelation).
		Filter("fromDocID", fromDocID).
		Filter("toDocID", toDocID).
		Filter("relType", relType).
		Fields("_docID", "taskIDs").
		Build()

	resp, err := s.client.Execute(ctx, query, vars)
	if err != nil {
		return "", fmt.Errorf("graph: find relation: %w", err)
	}
	if msg := resp.Error(); msg != "" {
		return "", fmt.Errorf("graph: find relation: %s", msg)
	}

	docID, existingTaskIDs, err := firstDocWithTaskIDs(resp, CollRelation)
	if err != nil {
		return "", err
	}

	fields := map[string]any{
		"novelID":   novelID,
		"fromDocID": fromDocID,
		"toDocID":   toDocID,
		"relType":   relType,
		"taskIDs":   appendTaskIDOnce(existingTaskIDs, taskID),
	}
	if docID != "" {
		return docID, s.client.Update(ctx, CollRelation, docID, fields)
	}
	return s.client.Create(ctx, CollRelation, fields)
}

// RelationsFrom returns every edge docID originating at fromDocID.
func (s *Store) RelationsFrom(ctx context.Context, fromDocID string) ([]map[string]any, error) {
	resp, err := SafeQuery(ctx, s.client, CollRelation, "fromDocID", fromDocID, "_docID", "toDocID", "relType")
	if err != nil {
		return nil, fmt.Errorf("graph: list relations from %s: %w", fromDocID, err)
	}
	if msg := resp.Error(); msg != "" {
		return nil, fmt.Errorf("graph: list relations from %s: %s", fromDocID, msg)
	}

	docs, _ := resp.Data[CollRelation].([]any)
	out := make([]map[string]any, 0, len(docs))
	for _, d := range docs {
		if doc, ok := d.(map[string]any); ok {
			out = append(out, doc)
		}
	}
	return out, nil
}
