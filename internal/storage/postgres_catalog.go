package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/lib/pq"

	"github.com/fireflydesk/flydesk/internal/models"
)

type pgKnowledgeStore struct {
	db *sql.DB
}

func (s *pgKnowledgeStore) CreateDocument(ctx context.Context, doc *models.KnowledgeDocument) error {
	if doc == nil || doc.ID == "" {
		return fmt.Errorf("document is required")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO knowledge_documents (id, title, content, type, status, status_detail, tags, workspace_ids, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		doc.ID, doc.Title, doc.Content, doc.Type, doc.Status, doc.StatusDetail,
		pq.Array(doc.Tags), pq.Array(doc.WorkspaceIDs), doc.CreatedAt, doc.UpdatedAt)
	if err != nil {
		if isDuplicateErr(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("create document: %w", err)
	}
	return nil
}

func (s *pgKnowledgeStore) GetDocument(ctx context.Context, id string) (*models.KnowledgeDocument, error) {
	var doc *models.KnowledgeDocument
	err := withReadRetry(ctx, func() error {
		row := s.db.QueryRowContext(ctx,
			`SELECT id, title, content, type, status, status_detail, tags, workspace_ids, created_at, updated_at
			 FROM knowledge_documents WHERE id = $1`, id)
		var err error
		doc, err = scanDocument(row)
		return err
	})
	if err != nil {
		return nil, err
	}
	return doc, nil
}

func (s *pgKnowledgeStore) ListDocuments(ctx context.Context, filter DocumentFilter) ([]*models.KnowledgeDocument, int, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}
	where := "1=1"
	args := []any{}
	idx := 1
	if filter.Status != "" {
		where += fmt.Sprintf(" AND status = $%d", idx)
		args = append(args, filter.Status)
		idx++
	}
	if len(filter.Tags) > 0 {
		where += fmt.Sprintf(" AND tags && $%d", idx)
		args = append(args, pq.Array(filter.Tags))
		idx++
	}
	countArgs := args
	listArgs := append(append([]any{}, args...), limit, offset)
	var out []*models.KnowledgeDocument
	var total int
	err := withReadRetry(ctx, func() error {
		if err := s.db.QueryRowContext(ctx,
			fmt.Sprintf(`SELECT count(*) FROM knowledge_documents WHERE %s`, where), countArgs...,
		).Scan(&total); err != nil {
			return fmt.Errorf("count documents: %w", err)
		}
		rows, err := s.db.QueryContext(ctx,
			fmt.Sprintf(`SELECT id, title, content, type, status, status_detail, tags, workspace_ids, created_at, updated_at
			 FROM knowledge_documents WHERE %s ORDER BY created_at LIMIT $%d OFFSET $%d`, where, idx, idx+1), listArgs...)
		if err != nil {
			return fmt.Errorf("list documents: %w", err)
		}
		defer rows.Close()
		var scanned []*models.KnowledgeDocument
		for rows.Next() {
			doc, err := scanDocument(rows)
			if err != nil {
				return err
			}
			scanned = append(scanned, doc)
		}
		if err := rows.Err(); err != nil {
			return err
		}
		out = scanned
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

func (s *pgKnowledgeStore) UpdateDocument(ctx context.Context, doc *models.KnowledgeDocument) error {
	if doc == nil || doc.ID == "" {
		return fmt.Errorf("document is required")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE knowledge_documents SET title=$2, content=$3, type=$4, status=$5, status_detail=$6, tags=$7, workspace_ids=$8, updated_at=$9
		 WHERE id=$1`,
		doc.ID, doc.Title, doc.Content, doc.Type, doc.Status, doc.StatusDetail,
		pq.Array(doc.Tags), pq.Array(doc.WorkspaceIDs), doc.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update document: %w", err)
	}
	return requireRow(res)
}

func (s *pgKnowledgeStore) DeleteDocument(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM knowledge_documents WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	return requireRow(res)
}

func (s *pgKnowledgeStore) SetDocumentStatus(ctx context.Context, id string, status models.DocumentStatus, detail string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE knowledge_documents SET status=$2, status_detail=$3, updated_at=now() WHERE id=$1`,
		id, status, detail)
	if err != nil {
		return fmt.Errorf("set document status: %w", err)
	}
	return requireRow(res)
}

func (s *pgKnowledgeStore) CreateWorkspace(ctx context.Context, ws *models.Workspace) error {
	if ws == nil || ws.ID == "" {
		return fmt.Errorf("workspace is required")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO workspaces (id, name, description, created_at) VALUES ($1,$2,$3,$4)`,
		ws.ID, ws.Name, ws.Description, ws.CreatedAt)
	if err != nil {
		if isDuplicateErr(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("create workspace: %w", err)
	}
	return nil
}

func (s *pgKnowledgeStore) ListWorkspaces(ctx context.Context) ([]*models.Workspace, error) {
	var out []*models.Workspace
	err := withReadRetry(ctx, func() error {
		rows, err := s.db.QueryContext(ctx,
			`SELECT id, name, description, created_at FROM workspaces ORDER BY created_at`)
		if err != nil {
			return fmt.Errorf("list workspaces: %w", err)
		}
		defer rows.Close()
		var scanned []*models.Workspace
		for rows.Next() {
			var ws models.Workspace
			if err := rows.Scan(&ws.ID, &ws.Name, &ws.Description, &ws.CreatedAt); err != nil {
				return fmt.Errorf("scan workspace: %w", err)
			}
			scanned = append(scanned, &ws)
		}
		if err := rows.Err(); err != nil {
			return err
		}
		out = scanned
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *pgKnowledgeStore) DeleteWorkspace(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM workspaces WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete workspace: %w", err)
	}
	return requireRow(res)
}

func scanDocument(row rowScanner) (*models.KnowledgeDocument, error) {
	var doc models.KnowledgeDocument
	var tags, workspaces pq.StringArray
	if err := row.Scan(&doc.ID, &doc.Title, &doc.Content, &doc.Type, &doc.Status, &doc.StatusDetail,
		&tags, &workspaces, &doc.CreatedAt, &doc.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan document: %w", err)
	}
	doc.Tags = tags
	doc.WorkspaceIDs = workspaces
	return &doc, nil
}

type pgCatalogStore struct {
	db *sql.DB
}

func (s *pgCatalogStore) CreateSystem(ctx context.Context, sys *models.ExternalSystem) error {
	if sys == nil || sys.ID == "" {
		return fmt.Errorf("system is required")
	}
	auth, err := marshalJSON(sys.Auth)
	if err != nil {
		return fmt.Errorf("marshal auth config: %w", err)
	}
	mappings, err := marshalJSON(sys.Mappings)
	if err != nil {
		return fmt.Errorf("marshal attribute mappings: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO external_systems (id, name, description, base_url, auth_config, status, tags, mappings, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		sys.ID, sys.Name, sys.Description, sys.BaseURL, auth, sys.Status, pq.Array(sys.Tags), mappings, sys.CreatedAt, sys.UpdatedAt)
	if err != nil {
		if isDuplicateErr(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("create system: %w", err)
	}
	return nil
}

func (s *pgCatalogStore) GetSystem(ctx context.Context, id string) (*models.ExternalSystem, error) {
	var sys *models.ExternalSystem
	err := withReadRetry(ctx, func() error {
		row := s.db.QueryRowContext(ctx,
			`SELECT id, name, description, base_url, auth_config, status, tags, mappings, created_at, updated_at
			 FROM external_systems WHERE id = $1`, id)
		var err error
		sys, err = scanSystem(row)
		return err
	})
	if err != nil {
		return nil, err
	}
	return sys, nil
}

func (s *pgCatalogStore) ListSystems(ctx context.Context) ([]*models.ExternalSystem, error) {
	var out []*models.ExternalSystem
	err := withReadRetry(ctx, func() error {
		rows, err := s.db.QueryContext(ctx,
			`SELECT id, name, description, base_url, auth_config, status, tags, mappings, created_at, updated_at
			 FROM external_systems ORDER BY created_at`)
		if err != nil {
			return fmt.Errorf("list systems: %w", err)
		}
		defer rows.Close()
		var scanned []*models.ExternalSystem
		for rows.Next() {
			sys, err := scanSystem(rows)
			if err != nil {
				return err
			}
			scanned = append(scanned, sys)
		}
		if err := rows.Err(); err != nil {
			return err
		}
		out = scanned
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *pgCatalogStore) UpdateSystem(ctx context.Context, sys *models.ExternalSystem) error {
	if sys == nil || sys.ID == "" {
		return fmt.Errorf("system is required")
	}
	auth, err := marshalJSON(sys.Auth)
	if err != nil {
		return fmt.Errorf("marshal auth config: %w", err)
	}
	mappings, err := marshalJSON(sys.Mappings)
	if err != nil {
		return fmt.Errorf("marshal attribute mappings: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE external_systems SET name=$2, description=$3, base_url=$4, auth_config=$5, status=$6, tags=$7, mappings=$8, updated_at=$9
		 WHERE id=$1`,
		sys.ID, sys.Name, sys.Description, sys.BaseURL, auth, sys.Status, pq.Array(sys.Tags), mappings, sys.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update system: %w", err)
	}
	return requireRow(res)
}

func (s *pgCatalogStore) DeleteSystem(ctx context.Context, id string) error {
	// Endpoints and credentials cascade via foreign keys.
	res, err := s.db.ExecContext(ctx, `DELETE FROM external_systems WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete system: %w", err)
	}
	return requireRow(res)
}

func scanSystem(row rowScanner) (*models.ExternalSystem, error) {
	var sys models.ExternalSystem
	var auth, mappings []byte
	var tags pq.StringArray
	if err := row.Scan(&sys.ID, &sys.Name, &sys.Description, &sys.BaseURL, &auth, &sys.Status,
		&tags, &mappings, &sys.CreatedAt, &sys.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan system: %w", err)
	}
	sys.Tags = tags
	if len(auth) > 0 {
		if err := json.Unmarshal(auth, &sys.Auth); err != nil {
			return nil, fmt.Errorf("unmarshal auth config: %w", err)
		}
	}
	if len(mappings) > 0 {
		if err := json.Unmarshal(mappings, &sys.Mappings); err != nil {
			return nil, fmt.Errorf("unmarshal attribute mappings: %w", err)
		}
	}
	return &sys, nil
}

func (s *pgCatalogStore) CreateEndpoint(ctx context.Context, ep *models.ServiceEndpoint) error {
	if ep == nil || ep.ID == "" || ep.SystemID == "" {
		return fmt.Errorf("endpoint is required")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO service_endpoints (id, system_id, name, method, path, description, risk_level, required_permissions,
		   when_to_use, examples, path_params, query_params, body_schema, enabled, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`,
		ep.ID, ep.SystemID, ep.Name, ep.Method, ep.Path, ep.Description, ep.RiskLevel,
		pq.Array(ep.RequiredPermissions), ep.WhenToUse, pq.Array(ep.Examples),
		nullRaw(ep.PathParams), nullRaw(ep.QueryParams), nullRaw(ep.BodySchema),
		ep.Enabled, ep.CreatedAt, ep.UpdatedAt)
	if err != nil {
		if isDuplicateErr(err) {
			return ErrAlreadyExists
		}
		if isForeignKeyErr(err) {
			return ErrNotFound
		}
		return fmt.Errorf("create endpoint: %w", err)
	}
	return nil
}

func (s *pgCatalogStore) GetEndpoint(ctx context.Context, id string) (*models.ServiceEndpoint, error) {
	var ep *models.ServiceEndpoint
	err := withReadRetry(ctx, func() error {
		row := s.db.QueryRowContext(ctx,
			`SELECT id, system_id, name, method, path, description, risk_level, required_permissions,
			   when_to_use, examples, path_params, query_params, body_schema, enabled, created_at, updated_at
			 FROM service_endpoints WHERE id = $1`, id)
		var err error
		ep, err = scanEndpoint(row)
		return err
	})
	if err != nil {
		return nil, err
	}
	return ep, nil
}

func (s *pgCatalogStore) ListEndpoints(ctx context.Context, systemID string) ([]*models.ServiceEndpoint, error) {
	query := `SELECT id, system_id, name, method, path, description, risk_level, required_permissions,
	            when_to_use, examples, path_params, query_params, body_schema, enabled, created_at, updated_at
	          FROM service_endpoints`
	args := []any{}
	if systemID != "" {
		query += ` WHERE system_id = $1`
		args = append(args, systemID)
	}
	query += ` ORDER BY created_at`
	var out []*models.ServiceEndpoint
	err := withReadRetry(ctx, func() error {
		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("list endpoints: %w", err)
		}
		defer rows.Close()
		out, err = collectEndpoints(rows)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *pgCatalogStore) ListEnabledEndpoints(ctx context.Context) ([]*models.ServiceEndpoint, error) {
	var out []*models.ServiceEndpoint
	err := withReadRetry(ctx, func() error {
		rows, err := s.db.QueryContext(ctx,
			`SELECT e.id, e.system_id, e.name, e.method, e.path, e.description, e.risk_level, e.required_permissions,
			   e.when_to_use, e.examples, e.path_params, e.query_params, e.body_schema, e.enabled, e.created_at, e.updated_at
			 FROM service_endpoints e
			 JOIN external_systems s ON s.id = e.system_id
			 WHERE e.enabled AND s.status = 'active'
			 ORDER BY e.created_at`)
		if err != nil {
			return fmt.Errorf("list enabled endpoints: %w", err)
		}
		defer rows.Close()
		out, err = collectEndpoints(rows)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *pgCatalogStore) UpdateEndpoint(ctx context.Context, ep *models.ServiceEndpoint) error {
	if ep == nil || ep.ID == "" {
		return fmt.Errorf("endpoint is required")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE service_endpoints SET name=$2, method=$3, path=$4, description=$5, risk_level=$6, required_permissions=$7,
		   when_to_use=$8, examples=$9, path_params=$10, query_params=$11, body_schema=$12, enabled=$13, updated_at=$14
		 WHERE id=$1`,
		ep.ID, ep.Name, ep.Method, ep.Path, ep.Description, ep.RiskLevel, pq.Array(ep.RequiredPermissions),
		ep.WhenToUse, pq.Array(ep.Examples), nullRaw(ep.PathParams), nullRaw(ep.QueryParams), nullRaw(ep.BodySchema),
		ep.Enabled, ep.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update endpoint: %w", err)
	}
	return requireRow(res)
}

func (s *pgCatalogStore) DeleteEndpoint(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM service_endpoints WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete endpoint: %w", err)
	}
	return requireRow(res)
}

func collectEndpoints(rows *sql.Rows) ([]*models.ServiceEndpoint, error) {
	var out []*models.ServiceEndpoint
	for rows.Next() {
		ep, err := scanEndpoint(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ep)
	}
	return out, rows.Err()
}

func scanEndpoint(row rowScanner) (*models.ServiceEndpoint, error) {
	var ep models.ServiceEndpoint
	var perms, examples pq.StringArray
	var pathParams, queryParams, bodySchema []byte
	if err := row.Scan(&ep.ID, &ep.SystemID, &ep.Name, &ep.Method, &ep.Path, &ep.Description, &ep.RiskLevel,
		&perms, &ep.WhenToUse, &examples, &pathParams, &queryParams, &bodySchema,
		&ep.Enabled, &ep.CreatedAt, &ep.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan endpoint: %w", err)
	}
	ep.RequiredPermissions = perms
	ep.Examples = examples
	ep.PathParams = pathParams
	ep.QueryParams = queryParams
	ep.BodySchema = bodySchema
	return &ep, nil
}

func (s *pgCatalogStore) PutCredential(ctx context.Context, cred *models.Credential) error {
	if cred == nil || cred.ID == "" || cred.SystemID == "" {
		return fmt.Errorf("credential is required")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO credentials (id, system_id, encrypted_value, expires_at, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6)
		 ON CONFLICT (system_id) DO UPDATE SET encrypted_value = EXCLUDED.encrypted_value,
		   expires_at = EXCLUDED.expires_at, updated_at = EXCLUDED.updated_at`,
		cred.ID, cred.SystemID, cred.EncryptedValue, nullTime(cred.ExpiresAt), cred.CreatedAt, cred.UpdatedAt)
	if err != nil {
		if isForeignKeyErr(err) {
			return ErrNotFound
		}
		return fmt.Errorf("put credential: %w", err)
	}
	return nil
}

func (s *pgCatalogStore) GetCredentialBySystem(ctx context.Context, systemID string) (*models.Credential, error) {
	var cred models.Credential
	err := withReadRetry(ctx, func() error {
		row := s.db.QueryRowContext(ctx,
			`SELECT id, system_id, encrypted_value, expires_at, created_at, updated_at
			 FROM credentials WHERE system_id = $1`, systemID)
		var expires sql.NullTime
		if err := row.Scan(&cred.ID, &cred.SystemID, &cred.EncryptedValue, &expires, &cred.CreatedAt, &cred.UpdatedAt); err != nil {
			if err == sql.ErrNoRows {
				return ErrNotFound
			}
			return fmt.Errorf("get credential: %w", err)
		}
		if expires.Valid {
			t := expires.Time
			cred.ExpiresAt = &t
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &cred, nil
}

func (s *pgCatalogStore) DeleteCredential(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM credentials WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete credential: %w", err)
	}
	return requireRow(res)
}

func (s *pgCatalogStore) CreateCustomTool(ctx context.Context, tool *models.CustomTool) error {
	if tool == nil || tool.ID == "" || tool.Name == "" {
		return fmt.Errorf("tool is required")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO custom_tools (id, name, description, language, code, params_schema, output_schema,
		   timeout_seconds, memory_mb, enabled, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		tool.ID, tool.Name, tool.Description, tool.Language, tool.Code,
		nullRaw(tool.ParamsSchema), nullRaw(tool.OutputSchema),
		tool.TimeoutSecs, tool.MemoryMB, tool.Enabled, tool.CreatedAt, tool.UpdatedAt)
	if err != nil {
		if isDuplicateErr(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("create custom tool: %w", err)
	}
	return nil
}

func (s *pgCatalogStore) GetCustomToolByName(ctx context.Context, name string) (*models.CustomTool, error) {
	var tool *models.CustomTool
	err := withReadRetry(ctx, func() error {
		row := s.db.QueryRowContext(ctx,
			`SELECT id, name, description, language, code, params_schema, output_schema,
			   timeout_seconds, memory_mb, enabled, created_at, updated_at
			 FROM custom_tools WHERE name = $1`, name)
		var err error
		tool, err = scanCustomTool(row)
		return err
	})
	if err != nil {
		return nil, err
	}
	return tool, nil
}

func (s *pgCatalogStore) ListCustomTools(ctx context.Context) ([]*models.CustomTool, error) {
	var out []*models.CustomTool
	err := withReadRetry(ctx, func() error {
		rows, err := s.db.QueryContext(ctx,
			`SELECT id, name, description, language, code, params_schema, output_schema,
			   timeout_seconds, memory_mb, enabled, created_at, updated_at
			 FROM custom_tools ORDER BY created_at`)
		if err != nil {
			return fmt.Errorf("list custom tools: %w", err)
		}
		defer rows.Close()
		var scanned []*models.CustomTool
		for rows.Next() {
			tool, err := scanCustomTool(rows)
			if err != nil {
				return err
			}
			scanned = append(scanned, tool)
		}
		if err := rows.Err(); err != nil {
			return err
		}
		out = scanned
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *pgCatalogStore) UpdateCustomTool(ctx context.Context, tool *models.CustomTool) error {
	if tool == nil || tool.ID == "" {
		return fmt.Errorf("tool is required")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE custom_tools SET name=$2, description=$3, language=$4, code=$5, params_schema=$6, output_schema=$7,
		   timeout_seconds=$8, memory_mb=$9, enabled=$10, updated_at=$11
		 WHERE id=$1`,
		tool.ID, tool.Name, tool.Description, tool.Language, tool.Code,
		nullRaw(tool.ParamsSchema), nullRaw(tool.OutputSchema),
		tool.TimeoutSecs, tool.MemoryMB, tool.Enabled, tool.UpdatedAt)
	if err != nil {
		if isDuplicateErr(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("update custom tool: %w", err)
	}
	return requireRow(res)
}

func (s *pgCatalogStore) DeleteCustomTool(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM custom_tools WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete custom tool: %w", err)
	}
	return requireRow(res)
}

func scanCustomTool(row rowScanner) (*models.CustomTool, error) {
	var tool models.CustomTool
	var params, output []byte
	if err := row.Scan(&tool.ID, &tool.Name, &tool.Description, &tool.Language, &tool.Code,
		&params, &output, &tool.TimeoutSecs, &tool.MemoryMB, &tool.Enabled,
		&tool.CreatedAt, &tool.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan custom tool: %w", err)
	}
	tool.ParamsSchema = params
	tool.OutputSchema = output
	return &tool, nil
}

func nullRaw(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}
