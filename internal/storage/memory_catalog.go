package storage

import (
	"context"
	"fmt"
	"sync"

	"github.com/fireflydesk/flydesk/internal/models"
)

// MemoryKnowledgeStore provides an in-memory KnowledgeStore.
type MemoryKnowledgeStore struct {
	mu         sync.RWMutex
	documents  map[string]*models.KnowledgeDocument
	docKeys    []string
	workspaces map[string]*models.Workspace
	wsKeys     []string
}

// NewMemoryKnowledgeStore creates an in-memory knowledge store.
func NewMemoryKnowledgeStore() *MemoryKnowledgeStore {
	return &MemoryKnowledgeStore{
		documents:  make(map[string]*models.KnowledgeDocument),
		workspaces: make(map[string]*models.Workspace),
	}
}

func (s *MemoryKnowledgeStore) CreateDocument(ctx context.Context, doc *models.KnowledgeDocument) error {
	if doc == nil || doc.ID == "" {
		return fmt.Errorf("document is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.documents[doc.ID]; exists {
		return ErrAlreadyExists
	}
	s.documents[doc.ID] = cloneDocument(doc)
	s.docKeys = append(s.docKeys, doc.ID)
	return nil
}

func (s *MemoryKnowledgeStore) GetDocument(ctx context.Context, id string) (*models.KnowledgeDocument, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.documents[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneDocument(doc), nil
}

func (s *MemoryKnowledgeStore) ListDocuments(ctx context.Context, f DocumentFilter) ([]*models.KnowledgeDocument, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.KnowledgeDocument
	for _, id := range s.docKeys {
		doc, ok := s.documents[id]
		if !ok {
			continue
		}
		if f.Status != "" && doc.Status != f.Status {
			continue
		}
		if len(f.Tags) > 0 && !anyTagMatch(doc.Tags, f.Tags) {
			continue
		}
		out = append(out, cloneDocument(doc))
	}
	total := len(out)
	return paginate(out, f.Limit, f.Offset), total, nil
}

func (s *MemoryKnowledgeStore) UpdateDocument(ctx context.Context, doc *models.KnowledgeDocument) error {
	if doc == nil || doc.ID == "" {
		return fmt.Errorf("document is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.documents[doc.ID]; !exists {
		return ErrNotFound
	}
	s.documents[doc.ID] = cloneDocument(doc)
	return nil
}

func (s *MemoryKnowledgeStore) DeleteDocument(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.documents[id]; !exists {
		return ErrNotFound
	}
	delete(s.documents, id)
	for i, k := range s.docKeys {
		if k == id {
			s.docKeys = append(s.docKeys[:i], s.docKeys[i+1:]...)
			break
		}
	}
	return nil
}

func (s *MemoryKnowledgeStore) SetDocumentStatus(ctx context.Context, id string, status models.DocumentStatus, detail string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.documents[id]
	if !ok {
		return ErrNotFound
	}
	doc.Status = status
	doc.StatusDetail = detail
	return nil
}

func (s *MemoryKnowledgeStore) CreateWorkspace(ctx context.Context, ws *models.Workspace) error {
	if ws == nil || ws.ID == "" {
		return fmt.Errorf("workspace is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.workspaces[ws.ID]; exists {
		return ErrAlreadyExists
	}
	copied := *ws
	s.workspaces[ws.ID] = &copied
	s.wsKeys = append(s.wsKeys, ws.ID)
	return nil
}

func (s *MemoryKnowledgeStore) ListWorkspaces(ctx context.Context) ([]*models.Workspace, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Workspace, 0, len(s.wsKeys))
	for _, id := range s.wsKeys {
		if ws, ok := s.workspaces[id]; ok {
			copied := *ws
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (s *MemoryKnowledgeStore) DeleteWorkspace(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.workspaces[id]; !exists {
		return ErrNotFound
	}
	delete(s.workspaces, id)
	for i, k := range s.wsKeys {
		if k == id {
			s.wsKeys = append(s.wsKeys[:i], s.wsKeys[i+1:]...)
			break
		}
	}
	return nil
}

// MemoryCatalogStore provides an in-memory CatalogStore.
type MemoryCatalogStore struct {
	mu          sync.RWMutex
	systems     map[string]*models.ExternalSystem
	sysKeys     []string
	endpoints   map[string]*models.ServiceEndpoint
	epKeys      []string
	credentials map[string]*models.Credential // keyed by system id
	customTools map[string]*models.CustomTool // keyed by id
	toolKeys    []string
}

// NewMemoryCatalogStore creates an in-memory catalog store.
func NewMemoryCatalogStore() *MemoryCatalogStore {
	return &MemoryCatalogStore{
		systems:     make(map[string]*models.ExternalSystem),
		endpoints:   make(map[string]*models.ServiceEndpoint),
		credentials: make(map[string]*models.Credential),
		customTools: make(map[string]*models.CustomTool),
	}
}

func (s *MemoryCatalogStore) CreateSystem(ctx context.Context, sys *models.ExternalSystem) error {
	if sys == nil || sys.ID == "" {
		return fmt.Errorf("system is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.systems[sys.ID]; exists {
		return ErrAlreadyExists
	}
	s.systems[sys.ID] = cloneSystem(sys)
	s.sysKeys = append(s.sysKeys, sys.ID)
	return nil
}

func (s *MemoryCatalogStore) GetSystem(ctx context.Context, id string) (*models.ExternalSystem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sys, ok := s.systems[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneSystem(sys), nil
}

func (s *MemoryCatalogStore) ListSystems(ctx context.Context) ([]*models.ExternalSystem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.ExternalSystem, 0, len(s.sysKeys))
	for _, id := range s.sysKeys {
		if sys, ok := s.systems[id]; ok {
			out = append(out, cloneSystem(sys))
		}
	}
	return out, nil
}

func (s *MemoryCatalogStore) UpdateSystem(ctx context.Context, sys *models.ExternalSystem) error {
	if sys == nil || sys.ID == "" {
		return fmt.Errorf("system is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.systems[sys.ID]; !exists {
		return ErrNotFound
	}
	s.systems[sys.ID] = cloneSystem(sys)
	return nil
}

func (s *MemoryCatalogStore) DeleteSystem(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.systems[id]; !exists {
		return ErrNotFound
	}
	delete(s.systems, id)
	for i, k := range s.sysKeys {
		if k == id {
			s.sysKeys = append(s.sysKeys[:i], s.sysKeys[i+1:]...)
			break
		}
	}
	// Cascade to endpoints and credentials.
	var keptEps []string
	for _, epID := range s.epKeys {
		ep, ok := s.endpoints[epID]
		if ok && ep.SystemID == id {
			delete(s.endpoints, epID)
			continue
		}
		keptEps = append(keptEps, epID)
	}
	s.epKeys = keptEps
	delete(s.credentials, id)
	return nil
}

func (s *MemoryCatalogStore) CreateEndpoint(ctx context.Context, ep *models.ServiceEndpoint) error {
	if ep == nil || ep.ID == "" || ep.SystemID == "" {
		return fmt.Errorf("endpoint is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.systems[ep.SystemID]; !exists {
		return ErrNotFound
	}
	if _, exists := s.endpoints[ep.ID]; exists {
		return ErrAlreadyExists
	}
	s.endpoints[ep.ID] = cloneEndpoint(ep)
	s.epKeys = append(s.epKeys, ep.ID)
	return nil
}

func (s *MemoryCatalogStore) GetEndpoint(ctx context.Context, id string) (*models.ServiceEndpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ep, ok := s.endpoints[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneEndpoint(ep), nil
}

func (s *MemoryCatalogStore) ListEndpoints(ctx context.Context, systemID string) ([]*models.ServiceEndpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.ServiceEndpoint
	for _, id := range s.epKeys {
		ep, ok := s.endpoints[id]
		if !ok {
			continue
		}
		if systemID != "" && ep.SystemID != systemID {
			continue
		}
		out = append(out, cloneEndpoint(ep))
	}
	return out, nil
}

func (s *MemoryCatalogStore) ListEnabledEndpoints(ctx context.Context) ([]*models.ServiceEndpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.ServiceEndpoint
	for _, id := range s.epKeys {
		ep, ok := s.endpoints[id]
		if !ok || !ep.Enabled {
			continue
		}
		sys, ok := s.systems[ep.SystemID]
		if !ok || sys.Status != models.SystemActive {
			continue
		}
		out = append(out, cloneEndpoint(ep))
	}
	return out, nil
}

func (s *MemoryCatalogStore) UpdateEndpoint(ctx context.Context, ep *models.ServiceEndpoint) error {
	if ep == nil || ep.ID == "" {
		return fmt.Errorf("endpoint is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.endpoints[ep.ID]; !exists {
		return ErrNotFound
	}
	s.endpoints[ep.ID] = cloneEndpoint(ep)
	return nil
}

func (s *MemoryCatalogStore) DeleteEndpoint(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.endpoints[id]; !exists {
		return ErrNotFound
	}
	delete(s.endpoints, id)
	for i, k := range s.epKeys {
		if k == id {
			s.epKeys = append(s.epKeys[:i], s.epKeys[i+1:]...)
			break
		}
	}
	return nil
}

func (s *MemoryCatalogStore) PutCredential(ctx context.Context, cred *models.Credential) error {
	if cred == nil || cred.SystemID == "" {
		return fmt.Errorf("credential is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.systems[cred.SystemID]; !exists {
		return ErrNotFound
	}
	copied := *cred
	s.credentials[cred.SystemID] = &copied
	return nil
}

func (s *MemoryCatalogStore) GetCredentialBySystem(ctx context.Context, systemID string) (*models.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cred, ok := s.credentials[systemID]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *cred
	return &copied, nil
}

func (s *MemoryCatalogStore) DeleteCredential(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for sysID, cred := range s.credentials {
		if cred.ID == id {
			delete(s.credentials, sysID)
			return nil
		}
	}
	return ErrNotFound
}

func (s *MemoryCatalogStore) CreateCustomTool(ctx context.Context, tool *models.CustomTool) error {
	if tool == nil || tool.ID == "" || tool.Name == "" {
		return fmt.Errorf("tool is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.customTools {
		if existing.Name == tool.Name {
			return ErrAlreadyExists
		}
	}
	s.customTools[tool.ID] = cloneCustomTool(tool)
	s.toolKeys = append(s.toolKeys, tool.ID)
	return nil
}

func (s *MemoryCatalogStore) GetCustomToolByName(ctx context.Context, name string) (*models.CustomTool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, tool := range s.customTools {
		if tool.Name == name {
			return cloneCustomTool(tool), nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryCatalogStore) ListCustomTools(ctx context.Context) ([]*models.CustomTool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.CustomTool, 0, len(s.toolKeys))
	for _, id := range s.toolKeys {
		if tool, ok := s.customTools[id]; ok {
			out = append(out, cloneCustomTool(tool))
		}
	}
	return out, nil
}

func (s *MemoryCatalogStore) UpdateCustomTool(ctx context.Context, tool *models.CustomTool) error {
	if tool == nil || tool.ID == "" {
		return fmt.Errorf("tool is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.customTools[tool.ID]; !exists {
		return ErrNotFound
	}
	s.customTools[tool.ID] = cloneCustomTool(tool)
	return nil
}

func (s *MemoryCatalogStore) DeleteCustomTool(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.customTools[id]; !exists {
		return ErrNotFound
	}
	delete(s.customTools, id)
	for i, k := range s.toolKeys {
		if k == id {
			s.toolKeys = append(s.toolKeys[:i], s.toolKeys[i+1:]...)
			break
		}
	}
	return nil
}

func anyTagMatch(have, want []string) bool {
	for _, h := range have {
		for _, w := range want {
			if h == w {
				return true
			}
		}
	}
	return false
}

func cloneDocument(d *models.KnowledgeDocument) *models.KnowledgeDocument {
	out := *d
	out.Tags = cloneStrings(d.Tags)
	out.WorkspaceIDs = cloneStrings(d.WorkspaceIDs)
	return &out
}

func cloneSystem(s *models.ExternalSystem) *models.ExternalSystem {
	out := *s
	out.Tags = cloneStrings(s.Tags)
	if s.Mappings != nil {
		out.Mappings = make([]models.AttributeMapping, len(s.Mappings))
		copy(out.Mappings, s.Mappings)
	}
	return &out
}

func cloneEndpoint(e *models.ServiceEndpoint) *models.ServiceEndpoint {
	out := *e
	out.RequiredPermissions = cloneStrings(e.RequiredPermissions)
	out.Examples = cloneStrings(e.Examples)
	return &out
}

func cloneCustomTool(t *models.CustomTool) *models.CustomTool {
	out := *t
	return &out
}
