package graph

import (
	"context"
	"fmt"
)

// taskOwnedCollections lists every collection whose documents carry a
// taskIDs multiset, the set a restarted or cancelled task must be
// detached from (spec.md §4.6, S5: "nodes created exclusively by this
// task are deleted; nodes shared with another task have this task
// removed from their taskIDs multiset").
var taskOwnedCollections = []string{
	CollCharacter, CollLocation, CollOrganization, CollEvent, CollPlot, CollRelation,
}

// DetachResult reports what DetachTask did to a novel's graph.
type DetachResult struct {
	Deleted  int // nodes removed entirely, since taskID was their only contributor
	Detached int // nodes kept, with taskID removed from their taskIDs multiset
}

// DetachTask removes taskID's contribution from every node and
// relation belonging to novelID: a node whose taskIDs multiset held
// only taskID is deleted outright, one shared with other tasks has
// taskID stripped from the multiset and is otherwise left untouched.
// Called when a task is restarted or its graph output is otherwise
// discarded, so a previous run's work doesn't linger forever once the
// task that produced it is gone.
func (s *Store) DetachTask(ctx context.Context, novelID, taskID int64) (DetachResult, error) {
	var result DetachResult
	for _, collection := range taskOwnedCollections {
		docs, err := s.docsByNovelWithTaskIDs(ctx, collection, novelID)
		if err != nil {
			return result, fmt.Errorf("graph: detach task from %s: %w", collection, err)
		}
		for _, doc := range docs {
			if !containsTaskID(doc.taskIDs, taskID) {
				continue
			}
			remaining := removeTaskID(doc.taskIDs, taskID)
			if len(remaining) == 0 {
				if err := s.client.Delete(ctx, collection, doc.docID); err != nil {
					return result, fmt.Errorf("graph: delete %s %s: %w", collection, doc.docID, err)
				}
				result.Deleted++
				continue
			}
			if err := s.client.Update(ctx, collection, doc.docID, map[string]any{"taskIDs": remaining}); err != nil {
				return result, fmt.Errorf("graph: update %s %s: %w", collection, doc.docID, err)
			}
			result.Detached++
		}
	}
	return result, nil
}

type docWithTaskIDs struct {
	docID   string
	taskIDs []int64
}

func (s *Store) docsByNovelWithTaskIDs(ctx context.Context, collection string, novelID int64) ([]docWithTaskIDs, error) {
	query, vars := NewQuery(collection).
		Filter("novelID", novelID).
		Fields("_docID", "taskIDs").
		Build()

	resp, err := s.client.Execute(ctx, query, vars)
	if err != nil {
		return nil, err
	}
	if msg := resp.Error(); msg != "" {
		return nil, fmt.Errorf("%s", msg)
	}

	rawDocs, ok := resp.Data[collection].([]any)
	if !ok {
		return nil, nil
	}
	out := make([]docWithTaskIDs, 0, len(rawDocs))
	for _, d := range rawDocs {
		doc, ok := d.(map[string]any)
		if !ok {
			continue
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
		out = append(out, docWithTaskIDs{docID: docID, taskIDs: taskIDs})
	}
	return out, nil
}

func containsTaskID(ids []int64, taskID int64) bool {
	for _, id := range ids {
		if id == taskID {
			return true
		}
	}
	return false
}

func removeTaskID(ids []int64, taskID int64) []int64 {
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if id != taskID {
			out = append(out, id)
		}
	}
	return out
}
