package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/fireflydesk/flydesk/internal/models"
	"github.com/fireflydesk/flydesk/internal/storage"
)

// Fixed ids make seeding idempotent and removal exact.
const (
	seedSystemID         = "f3b1c6de-8a24-4c5b-9e71-2d80a4f6c9e3"
	seedEPListCustomers  = "0a7e4d2c-51f9-4b3e-8c6a-d49b07e1f582"
	seedEPCreateNote     = "9c2f8b64-7e05-4a1d-b3f7-58e60c24a9d1"
	seedEPRefundOrder    = "4e6a0d9f-3c82-47b5-a1e8-f70b5c3d2684"
	seedEPDeleteCustomer = "d18c5e72-b4f0-49a6-8d3b-0c6e92f7a145"
	seedToolOrderETA     = "7b3d92e0-6f14-4e8c-a5d0-1b8f4c7e6092"

	seedWorkspaceID   = "2d9f7c1e-8b50-4d36-9a84-e63f0b7d52c8"
	seedDocReturns    = "6e0b3f85-d29c-4f17-8e5a-74c1d0b9f326"
	seedDocEscalation = "a94d7e20-1c6f-48b3-b7e9-3f52c8a06d14"
	seedDocVendors    = "38c6f1d4-05e9-4a72-9c3b-8e17d64f0a25"
)

// seedCatalog installs a demo CRM with one endpoint per risk level, so
// read-only calls, plain writes and confirmation-gated writes can all be
// exercised against a fresh install.
func seedCatalog(ctx context.Context, store storage.CatalogStore, remove bool) (string, error) {
	if remove {
		// DeleteSystem cascades to its endpoints and credentials.
		if err := ignoreNotFound(store.DeleteSystem(ctx, seedSystemID)); err != nil {
			return "", err
		}
		if err := ignoreNotFound(store.DeleteCustomTool(ctx, seedToolOrderETA)); err != nil {
			return "", err
		}
		return "removed catalog seed data", nil
	}

	now := time.Now().UTC()
	sys := &models.ExternalSystem{
		ID:          seedSystemID,
		Name:        "Acme CRM",
		Description: "Demo customer relationship system. Calls go nowhere; the endpoints exist to exercise risk levels and confirmations.",
		BaseURL:     "https://crm.example.com/api/v1",
		Auth:        models.AuthConfig{Type: models.AuthNone},
		Status:      models.SystemActive,
		Tags:        []string{"demo", "crm"},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := upsertSystem(ctx, store, sys); err != nil {
		return "", err
	}

	endpoints := []*models.ServiceEndpoint{
		{
			ID:          seedEPListCustomers,
			SystemID:    seedSystemID,
			Name:        "list_customers",
			Method:      models.MethodGet,
			Path:        "/customers",
			Description: "Search customers by name or email fragment.",
			RiskLevel:   models.RiskRead,
			WhenToUse:   "Look up a customer record before acting on their account.",
			Examples:    []string{"find the customer jane@acme.com"},
			QueryParams: json.RawMessage(`{"type":"object","properties":{"query":{"type":"string","description":"name or email fragment"},"limit":{"type":"integer","maximum":50}}}`),
			Enabled:     true,
			CreatedAt:   now,
			UpdatedAt:   now,
		},
		{
			ID:          seedEPCreateNote,
			SystemID:    seedSystemID,
			Name:        "create_customer_note",
			Method:      models.MethodPost,
			Path:        "/customers/{customer_id}/notes",
			Description: "Attach an internal note to a customer record.",
			RiskLevel:   models.RiskLowWrite,
			WhenToUse:   "Record context from the conversation on the customer's account.",
			PathParams:  json.RawMessage(`{"type":"object","properties":{"customer_id":{"type":"string"}},"required":["customer_id"]}`),
			BodySchema:  json.RawMessage(`{"type":"object","properties":{"body":{"type":"string"}},"required":["body"]}`),
			Enabled:     true,
			CreatedAt:   now,
			UpdatedAt:   now,
		},
		{
			ID:                  seedEPRefundOrder,
			SystemID:            seedSystemID,
			Name:                "refund_order",
			Method:              models.MethodPost,
			Path:                "/orders/{order_id}/refund",
			Description:         "Issue a full or partial refund for an order.",
			RiskLevel:           models.RiskHighWrite,
			RequiredPermissions: []string{"billing:refund"},
			WhenToUse:           "Only after the customer has confirmed the order and amount.",
			PathParams:          json.RawMessage(`{"type":"object","properties":{"order_id":{"type":"string"}},"required":["order_id"]}`),
			BodySchema:          json.RawMessage(`{"type":"object","properties":{"amount_cents":{"type":"integer","minimum":1},"reason":{"type":"string"}},"required":["amount_cents","reason"]}`),
			Enabled:             true,
			CreatedAt:           now,
			UpdatedAt:           now,
		},
		{
			ID:                  seedEPDeleteCustomer,
			SystemID:            seedSystemID,
			Name:                "delete_customer",
			Method:              models.MethodDelete,
			Path:                "/customers/{customer_id}",
			Description:         "Permanently delete a customer and their history.",
			RiskLevel:           models.RiskDestructive,
			RequiredPermissions: []string{"customers:delete"},
			WhenToUse:           "Only for verified data deletion requests.",
			PathParams:          json.RawMessage(`{"type":"object","properties":{"customer_id":{"type":"string"}},"required":["customer_id"]}`),
			Enabled:             true,
			CreatedAt:           now,
			UpdatedAt:           now,
		},
	}
	for _, ep := range endpoints {
		if err := upsertEndpoint(ctx, store, ep); err != nil {
			return "", err
		}
	}

	tool := &models.CustomTool{
		ID:          seedToolOrderETA,
		Name:        "order_eta",
		Description: "Estimate delivery time for an order.",
		Language:    "python",
		Code: `import json, sys

params = json.load(sys.stdin)
order_id = params.get("order_id", "")
if not order_id:
    print(json.dumps({"error": "order_id is required"}))
else:
    print(json.dumps({"order_id": order_id, "eta_days": 3, "carrier": "DemoPost"}))
`,
		ParamsSchema: json.RawMessage(`{"type":"object","properties":{"order_id":{"type":"string"}},"required":["order_id"]}`),
		TimeoutSecs:  10,
		Enabled:      true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := upsertCustomTool(ctx, store, tool); err != nil {
		return "", err
	}

	return fmt.Sprintf("seeded catalog: 1 system, %d endpoints, 1 custom tool", len(endpoints)), nil
}

// seedKnowledge installs a support workspace and three help articles.
// Documents are created in draft; an indexing job publishes them once
// embeddings are configured.
func seedKnowledge(ctx context.Context, store storage.KnowledgeStore, remove bool) (string, error) {
	docIDs := []string{seedDocReturns, seedDocEscalation, seedDocVendors}
	if remove {
		for _, id := range docIDs {
			if err := ignoreNotFound(store.DeleteDocument(ctx, id)); err != nil {
				return "", err
			}
		}
		if err := ignoreNotFound(store.DeleteWorkspace(ctx, seedWorkspaceID)); err != nil {
			return "", err
		}
		return "removed knowledge seed data", nil
	}

	now := time.Now().UTC()
	ws := &models.Workspace{
		ID:          seedWorkspaceID,
		Name:        "Support",
		Description: "Demo workspace for customer support articles.",
		CreatedAt:   now,
	}
	if err := store.CreateWorkspace(ctx, ws); err != nil && !errors.Is(err, storage.ErrAlreadyExists) {
		return "", err
	}

	docs := []*models.KnowledgeDocument{
		{
			ID:    seedDocReturns,
			Title: "Returns and refund policy",
			Content: `# Returns and refund policy

Customers may return items within 30 days of delivery for a full refund.
Opened consumables and personalized items are excluded.

Refunds are issued to the original payment method within 5 business days
of the return arriving at the warehouse. Refunds above 500 EUR need a
team lead approval before the refund endpoint is called.

Exchanges follow the same window; shipping for the replacement is free.`,
			Type:   models.DocumentTypeMarkdown,
			Status: models.DocumentDraft,
			Tags:   []string{"demo", "policy"},
		},
		{
			ID:    seedDocEscalation,
			Title: "Escalation guide",
			Content: `# Escalation guide

Escalate to a human agent when the customer asks for one, when a refund
exceeds the approval threshold, or after two failed resolution attempts
in the same conversation.

Escalations go to the #support-escalations queue with the conversation
link, the customer id and a one-line summary. Do not promise timelines
beyond "within one business day".`,
			Type:   models.DocumentTypeMarkdown,
			Status: models.DocumentDraft,
			Tags:   []string{"demo", "process"},
		},
		{
			ID:    seedDocVendors,
			Title: "Vendor onboarding checklist",
			Content: `# Vendor onboarding checklist

New vendors need a signed data processing agreement, a tax form and a
bank verification before their first payout. Collect all three before
creating the vendor record.

Payout schedules default to monthly. Weekly payouts need approval from
finance and a minimum of three completed orders.`,
			Type:   models.DocumentTypeMarkdown,
			Status: models.DocumentDraft,
			Tags:   []string{"demo", "process"},
		},
	}
	for _, doc := range docs {
		doc.WorkspaceIDs = []string{seedWorkspaceID}
		doc.CreatedAt = now
		doc.UpdatedAt = now
		if err := upsertDocument(ctx, store, doc); err != nil {
			return "", err
		}
	}

	return fmt.Sprintf("seeded knowledge: 1 workspace, %d documents (draft until indexed)", len(docs)), nil
}

// seedRouting enables the two-tier router with Anthropic models on every
// tier. --remove resets the singleton to disabled rather than deleting
// it; the router treats both the same.
func seedRouting(ctx context.Context, store storage.RoutingStore, remove bool) (string, error) {
	if remove {
		cfg := &models.RoutingConfig{
			Enabled:     false,
			DefaultTier: models.TierBalanced,
			UpdatedAt:   time.Now().UTC(),
		}
		if err := store.Put(ctx, cfg); err != nil {
			return "", err
		}
		return "routing reset to disabled", nil
	}

	cfg := &models.RoutingConfig{
		Enabled:     true,
		DefaultTier: models.TierBalanced,
		TierMappings: map[models.ComplexityTier]string{
			models.TierFast:     "anthropic:claude-3-5-haiku-20241022",
			models.TierBalanced: "anthropic:claude-sonnet-4-20250514",
			models.TierPowerful: "anthropic:claude-opus-4-20250514",
		},
		UpdatedAt: time.Now().UTC(),
	}
	if err := store.Put(ctx, cfg); err != nil {
		return "", err
	}
	return "seeded routing: two-tier routing enabled", nil
}

func upsertSystem(ctx context.Context, store storage.CatalogStore, sys *models.ExternalSystem) error {
	err := store.CreateSystem(ctx, sys)
	if errors.Is(err, storage.ErrAlreadyExists) {
		return store.UpdateSystem(ctx, sys)
	}
	return err
}

func upsertEndpoint(ctx context.Context, store storage.CatalogStore, ep *models.ServiceEndpoint) error {
	err := store.CreateEndpoint(ctx, ep)
	if errors.Is(err, storage.ErrAlreadyExists) {
		return store.UpdateEndpoint(ctx, ep)
	}
	return err
}

func upsertCustomTool(ctx context.Context, store storage.CatalogStore, tool *models.CustomTool) error {
	err := store.CreateCustomTool(ctx, tool)
	if errors.Is(err, storage.ErrAlreadyExists) {
		return store.UpdateCustomTool(ctx, tool)
	}
	return err
}

func upsertDocument(ctx context.Context, store storage.KnowledgeStore, doc *models.KnowledgeDocument) error {
	err := store.CreateDocument(ctx, doc)
	if errors.Is(err, storage.ErrAlreadyExists) {
		return store.UpdateDocument(ctx, doc)
	}
	return err
}

func ignoreNotFound(err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	return err
}
