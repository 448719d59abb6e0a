package jobs

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fireflydesk/flydesk/internal/knowledge"
	"github.com/fireflydesk/flydesk/internal/models"
	"github.com/fireflydesk/flydesk/internal/storage"
)

// DocumentIndexer is the indexing surface the handlers use.
// *knowledge.Indexer satisfies it.
type DocumentIndexer interface {
	IndexDocument(ctx context.Context, docID string) error
}

// HandlerDeps carries the collaborators behind the built-in handlers.
type HandlerDeps struct {
	Docs    storage.KnowledgeStore
	Catalog storage.CatalogStore
	Indexer DocumentIndexer
}

// RegisterBuiltinHandlers installs the indexing, source_sync and
// process_discovery handlers on the runner.
func RegisterBuiltinHandlers(r *Runner, deps HandlerDeps) {
	r.Register("indexing", IndexingHandler(deps.Indexer))
	r.Register("source_sync", SourceSyncHandler(deps.Docs, deps.Indexer))
	r.Register("process_discovery", ProcessDiscoveryHandler(deps.Catalog, deps.Docs, deps.Indexer))
}

// IndexingHandler indexes a single document. Payload: {"document_id"}.
func IndexingHandler(indexer DocumentIndexer) Handler {
	return HandlerFunc(func(ctx context.Context, _ string, payload map[string]any, progress ProgressFunc) (map[string]any, error) {
		docID, _ := payload["document_id"].(string)
		if docID == "" {
			return nil, fmt.Errorf("payload missing document_id")
		}
		progress(10, "indexing document")
		if err := indexer.IndexDocument(ctx, docID); err != nil {
			return nil, err
		}
		progress(100, "indexed")
		return map[string]any{"document_id": docID, "indexed": true}, nil
	})
}

// SourceSyncHandler re-indexes every document carrying a tag. Payload:
// {"tag"}. Per-document failures are counted, not fatal: a stale source
// should not block the rest of the sync.
func SourceSyncHandler(docs storage.KnowledgeStore, indexer DocumentIndexer) Handler {
	return HandlerFunc(func(ctx context.Context, _ string, payload map[string]any, progress ProgressFunc) (map[string]any, error) {
		tag, _ := payload["tag"].(string)
		if tag == "" {
			return nil, fmt.Errorf("payload missing tag")
		}

		list, _, err := docs.ListDocuments(ctx, storage.DocumentFilter{Tags: []string{tag}})
		if err != nil {
			return nil, fmt.Errorf("list documents: %w", err)
		}
		if len(list) == 0 {
			progress(100, "no documents for tag")
			return map[string]any{"tag": tag, "indexed": 0, "failed": 0}, nil
		}

		indexed, failed := 0, 0
		for i, doc := range list {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			if err := indexer.IndexDocument(ctx, doc.ID); err != nil {
				failed++
			} else {
				indexed++
			}
			progress((i+1)*100/len(list), fmt.Sprintf("synced %d/%d documents", i+1, len(list)))
		}
		return map[string]any{"tag": tag, "indexed": indexed, "failed": failed}, nil
	})
}

// ProcessDiscoveryHandler scans the catalog and writes one process guide
// per active system into the knowledge base, tagged so search_processes
// can retrieve them. Re-running updates existing guides in place instead
// of duplicating them.
func ProcessDiscoveryHandler(catalog storage.CatalogStore, docs storage.KnowledgeStore, indexer DocumentIndexer) Handler {
	return HandlerFunc(func(ctx context.Context, _ string, _ map[string]any, progress ProgressFunc) (map[string]any, error) {
		systems, err := catalog.ListSystems(ctx)
		if err != nil {
			return nil, fmt.Errorf("list systems: %w", err)
		}

		existing, _, err := docs.ListDocuments(ctx, storage.DocumentFilter{Tags: []string{knowledge.ProcessTag}})
		if err != nil {
			return nil, fmt.Errorf("list process documents: %w", err)
		}
		byTitle := make(map[string]*models.KnowledgeDocument, len(existing))
		for _, d := range existing {
			byTitle[d.Title] = d
		}

		scanned, created, updated := 0, 0, 0
		for i, sys := range systems {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			if sys.Status != models.SystemActive {
				continue
			}
			scanned++

			endpoints, err := catalog.ListEndpoints(ctx, sys.ID)
			if err != nil {
				return nil, fmt.Errorf("list endpoints for %s: %w", sys.Name, err)
			}
			content := processGuide(sys, endpoints)
			if content == "" {
				continue
			}

			title := "Process guide: " + sys.Name
			now := time.Now().UTC()
			var docID string
			if prev, ok := byTitle[title]; ok {
				prev.Content = content
				prev.UpdatedAt = now
				if err := docs.UpdateDocument(ctx, prev); err != nil {
					return nil, fmt.Errorf("update guide for %s: %w", sys.Name, err)
				}
				docID = prev.ID
				updated++
			} else {
				doc := &models.KnowledgeDocument{
					ID:        uuid.NewString(),
					Title:     title,
					Content:   content,
					Type:      models.DocumentTypeMarkdown,
					Status:    models.DocumentDraft,
					Tags:      []string{knowledge.ProcessTag},
					CreatedAt: now,
					UpdatedAt: now,
				}
				if err := docs.CreateDocument(ctx, doc); err != nil {
					return nil, fmt.Errorf("create guide for %s: %w", sys.Name, err)
				}
				docID = doc.ID
				created++
			}
			if err := indexer.IndexDocument(ctx, docID); err != nil {
				return nil, fmt.Errorf("index guide for %s: %w", sys.Name, err)
			}
			progress((i+1)*100/len(systems), fmt.Sprintf("scanned %s", sys.Name))
		}

		progress(100, "discovery complete")
		return map[string]any{
			"systems_scanned": scanned,
			"guides_created":  created,
			"guides_updated":  updated,
		}, nil
	})
}

// processGuide renders a markdown summary of a system's enabled endpoints.
// Returns "" when the system has nothing enabled.
func processGuide(sys *models.ExternalSystem, endpoints []*models.ServiceEndpoint) string {
	enabled := make([]*models.ServiceEndpoint, 0, len(endpoints))
	for _, ep := range endpoints {
		if ep.Enabled {
			enabled = append(enabled, ep)
		}
	}
	if len(enabled) == 0 {
		return ""
	}
	sort.Slice(enabled, func(i, j int) bool { return enabled[i].Name < enabled[j].Name })

	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", sys.Name)
	if sys.Description != "" {
		b.WriteString(sys.Description)
		b.WriteString("\n\n")
	}
	b.WriteString("## Available operations\n\n")
	for _, ep := range enabled {
		fmt.Fprintf(&b, "### %s\n%s %s", ep.Name, ep.Method, ep.Path)
		if ep.Description != "" {
			fmt.Fprintf(&b, ": %s", ep.Description)
		}
		b.WriteString("\n")
		if ep.WhenToUse != "" {
			fmt.Fprintf(&b, "When to use: %s\n", ep.WhenToUse)
		}
		if ep.RiskLevel.RequiresConfirmation() {
			b.WriteString("Requires user confirmation before execution.\n")
		}
		b.WriteString("\n")
	}
	return b.String()
}
