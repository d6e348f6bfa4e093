// Package assembler reassembles continuation-chain contributions into a
// single document at the chain root's storage path.
package assembler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/c360studio/dialectic/storage"
)

// ContributionStore is the slice of the row store the assembler needs.
type ContributionStore interface {
	GetContribution(ctx context.Context, id string) (*storage.Contribution, error)
	ListContributionsBySession(ctx context.Context, sessionID string) ([]*storage.Contribution, error)
	RepairLatestEdit(ctx context.Context, lineageIDs []string, rootID string) error
}

// ContentGateway is the byte-level storage surface the assembler writes
// through.
type ContentGateway interface {
	Download(ctx context.Context, path string) ([]byte, error)
	Upload(ctx context.Context, path string, data []byte, opts storage.UploadOptions) (string, error)
}

// Assembler merges a continuation chain back into its root document.
type Assembler struct {
	store   ContributionStore
	gateway ContentGateway
	logger  *slog.Logger
}

// New creates an Assembler.
func New(store ContributionStore, gateway ContentGateway, logger *slog.Logger) *Assembler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Assembler{store: store, gateway: gateway, logger: logger}
}

// AssembleAndSave resolves the continuation chain containing contributionID,
// concatenates every chunk's bytes in creation order, writes the merged
// document to the root's document path, and repairs the lineage's
// latest-edit flags. Safe to re-run: every chunk, the root's included, is
// read from its immutable content path, never from the assembled document,
// so a second run reproduces the same output instead of concatenating onto
// it.
//
// The latest-edit repair only runs after the upload succeeds. A failed
// download or upload leaves both storage and flags exactly as they were.
func (a *Assembler) AssembleAndSave(ctx context.Context, contributionID string) error {
	node, err := a.store.GetContribution(ctx, contributionID)
	if err != nil {
		return fmt.Errorf("fetching contribution %s: %w", contributionID, err)
	}

	all, err := a.store.ListContributionsBySession(ctx, node.SessionID)
	if err != nil {
		return fmt.Errorf("listing contributions for session %s: %w", node.SessionID, err)
	}
	byID := make(map[string]*storage.Contribution, len(all))
	for _, c := range all {
		byID[c.ID] = c
	}

	lineage, root, err := collectLineage(node, byID)
	if err != nil {
		return err
	}

	rootPath := root.DocumentPath()
	if storage.IsWorkPath(rootPath) {
		return fmt.Errorf("refusing to assemble into staging path %s: %w", rootPath, storage.ErrWorkPathTarget)
	}

	sort.SliceStable(lineage, func(i, j int) bool {
		return lineage[i].CreatedAt.Before(lineage[j].CreatedAt)
	})

	var doc strings.Builder
	for _, chunk := range lineage {
		path := chunk.ContentPath()
		body, err := a.gateway.Download(ctx, path)
		if err != nil {
			return fmt.Errorf("downloading chunk %s from %s: %w", chunk.ID, path, err)
		}
		doc.Write(body)
	}

	if _, err := a.gateway.Upload(ctx, rootPath, []byte(doc.String()), storage.UploadOptions{Upsert: true}); err != nil {
		return fmt.Errorf("uploading assembled document to %s: %w", rootPath, err)
	}

	ids := make([]string, len(lineage))
	for i, chunk := range lineage {
		ids[i] = chunk.ID
	}
	if err := a.store.RepairLatestEdit(ctx, ids, root.ID); err != nil {
		return fmt.Errorf("repairing latest-edit flags for root %s: %w", root.ID, err)
	}

	a.logger.Info("assembled continuation chain",
		"root_id", root.ID,
		"chunks", len(lineage),
		"bytes", doc.Len(),
		"path", rootPath)
	return nil
}

// collectLineage returns the single chain through node: the backward walk
// from node to the chain root, plus node's unambiguous forward
// continuations. Sibling branches descending from the same root stay out of
// the set, so assembling one branch never disturbs another's flags.
func collectLineage(node *storage.Contribution, byID map[string]*storage.Contribution) ([]*storage.Contribution, *storage.Contribution, error) {
	// Backward pointer walk, iterative with a visited guard so a corrupt
	// cyclic chain fails instead of looping.
	visited := map[string]bool{node.ID: true}
	var back []*storage.Contribution
	cur := node
	for !cur.IsRoot() {
		parentID := *cur.TargetContributionID
		parent, ok := byID[parentID]
		if !ok {
			return nil, nil, fmt.Errorf("contribution %s targets missing contribution %s", cur.ID, parentID)
		}
		if visited[parent.ID] {
			return nil, nil, fmt.Errorf("continuation chain through %s contains a cycle at %s", node.ID, parent.ID)
		}
		visited[parent.ID] = true
		back = append(back, parent)
		cur = parent
	}
	root := cur

	// Root-first order.
	lineage := make([]*storage.Contribution, 0, len(back)+1)
	for i := len(back) - 1; i >= 0; i-- {
		lineage = append(lineage, back[i])
	}
	if node.ID != root.ID {
		lineage = append(lineage, node)
	} else {
		lineage = []*storage.Contribution{root}
	}

	// Forward walk past node: a continuation chain is linear, so follow
	// while exactly one child continues the current tip. A fork below the
	// tip means diverging edits and ends the chain being assembled.
	tip := node
	for {
		var children []*storage.Contribution
		for _, c := range byID {
			if c.TargetContributionID != nil && *c.TargetContributionID == tip.ID && !visited[c.ID] {
				children = append(children, c)
			}
		}
		if len(children) != 1 {
			break
		}
		visited[children[0].ID] = true
		lineage = append(lineage, children[0])
		tip = children[0]
	}

	return lineage, root, nil
}
