package graph

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// EventKey derives the stable key for an Event node: a hash of
// (novelID, chapterID, name), since events have no other natural
// identity and the same event name can recur across chapters (spec.md
// §3's node-identity rules).
func EventKey(novelID, chapterID int64, name string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%d:%d:%s", novelID, chapterID, name)))
	return hex.EncodeToString(sum[:])[:32]
}

// UpsertNovel idempotently creates or updates the Novel node for
// novelID, keyed by novelID itself.
func (s *Store) UpsertNovel(ctx context.Context, novelID int64, title, author string) (string, error) {
	existing, err := s.findOne(ctx, CollNovel, "novelID", novelID)
	if err != nil {
		return "", err
	}
	if existing != "" {
		return existing, s.client.Update(ctx, CollNovel, existing, map[string]any{"title": title, "author": author})
	}
	return s.client.Create(ctx, CollNovel, map[string]any{"novelID": novelID, "title": title, "author": author})
}

// UpsertChapter idempotently creates or updates the Chapter node for
// chapterID, keyed by chapterID.
func (s *Store) UpsertChapter(ctx context.Context, novelID, chapterID int64, index int, title string) (string, error) {
	existing, err := s.findOne(ctx, CollChapter, "chapterID", chapterID)
	if err != nil {
		return "", err
	}
	fields := map[string]any{"novelID": novelID, "chapterID": chapterID, "index": index, "title": title}
	if existing != "" {
		return existing, s.client.Update(ctx, CollChapter, existing, fields)
	}
	return s.client.Create(ctx, CollChapter, fields)
}

// namedEntityUpsert is shared by Character/Location/Organization/Plot,
// which all key by (name, novelID) and carry an append-only taskIDs
// multiset recording every extraction task that has touched the node
// (spec.md §3: re-extracting never removes a prior task's
// contribution, it only adds to it).
func (s *Store) namedEntityUpsert(ctx context.Context, collection string, novelID int64, name, description string, taskID int64) (string, error) {
	docID, existingTaskIDs, err := s.findOneWithTaskIDs(ctx, collection, novelID, name)
	if err != nil {
		return "", err
	}

	merged := appendTaskIDOnce(existingTaskIDs, taskID)

	fields := map[string]any{
		"novelID":     novelID,
		"name":        name,
		"description": description,
		"taskIDs":     merged,
	}
	if docID != "" {
		return docID, s.client.Update(ctx, collection, docID, fields)
	}
	return s.client.Create(ctx, collection, fields)
}

// UpsertCharacter idempotently merges a Character node by (name, novelID).
func (s *Store) UpsertCharacter(ctx context.Context, novelID int64, name, description string, taskID int64) (string, error) {
	return s.namedEntityUpsert(ctx, CollCharacter, novelID, name, description, taskID)
}

// UpsertLocation idempotently merges a Location node by (name, novelID).
func (s *Store) UpsertLocation(ctx context.Context, novelID int64, name, description string, taskID int64) (string, error) {
	return s.namedEntityUpsert(ctx, CollLocation, novelID, name, description, taskID)
}

// UpsertOrganization idempotently merges an Organization node by (name, novelID).
func (s *Store) UpsertOrganization(ctx context.Context, novelID int64, name, description string, taskID int64) (string, error) {
	return s.namedEntityUpsert(ctx, CollOrganization, novelID, name, description, taskID)
}

// UpsertPlot idempotently merges a Plot node by (name, novelID).
func (s *Store) UpsertPlot(ctx context.Context, novelID int64, name, description string, taskID int64) (string, error) {
	return s.namedEntityUpsert(ctx, CollPlot, novelID, name, description, taskID)
}

// UpsertEvent idempotently merges an Event node keyed by
// EventKey(novelID, chapterID, name).
func (s *Store) UpsertEvent(ctx context.Context, novelID, chapterID int64, name, description string, taskID int64) (string, error) {
	key := EventKey(novelID, chapterID, name)
	docID, existingTaskIDs, err := s.findOneByEventKey(ctx, key)
	if err != nil {
		return "", err
	}

	merged := appendTaskIDOnce(existingTaskIDs, taskID)
	fields := map[string]any{
		"novelID":   novelID,
		"chapterID": chapterID,
		"eventKey":  key,
		"name":      name,
		"description": description,
		"taskIDs":   merged,
	}
	if docID != "" {
		return docID, s.client.Update(ctx, CollEvent, docID, fields)
	}
	return s.client.Create(ctx, CollEvent, fields)
}

// appendTaskIDOnce appends taskID to existing only if not already
// present, preserving the append-only multiset invariant.
func appendTaskIDOnce(existing []int64, taskID int64) []int64 {
	for _, id := range existing {
		if id == taskID {
			return existing
		}
	}
	return append(existing, taskID)
}
