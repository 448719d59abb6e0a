package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fireflydesk/flydesk/internal/models"
)

type pgWorkflowStore struct {
	db *sql.DB
}

func (s *pgWorkflowStore) Create(ctx context.Context, wf *models.Workflow, steps []*models.WorkflowStep) error {
	if wf == nil || wf.ID == "" {
		return fmt.Errorf("workflow is required")
	}
	for i, step := range steps {
		if step.StepIndex != i {
			return fmt.Errorf("step_index must be dense: got %d at position %d", step.StepIndex, i)
		}
	}
	state, err := marshalJSON(wf.State)
	if err != nil {
		return fmt.Errorf("marshal workflow state: %w", err)
	}
	result, err := marshalJSON(wf.Result)
	if err != nil {
		return fmt.Errorf("marshal workflow result: %w", err)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create workflow: %w", err)
	}
	defer rollbackQuiet(tx)

	_, err = tx.ExecContext(ctx,
		`INSERT INTO workflows (id, user_id, conversation_id, type, status, current_step, state, result, error,
		   next_check_at, created_at, updated_at, completed_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		wf.ID, wf.UserID, nullString(wf.ConversationID), wf.Type, wf.Status, wf.CurrentStep,
		state, result, wf.Error, nullTime(wf.NextCheckAt), wf.CreatedAt, wf.UpdatedAt, nullTime(wf.CompletedAt))
	if err != nil {
		if isDuplicateErr(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("create workflow: %w", err)
	}
	for _, step := range steps {
		input, err := marshalJSON(step.Input)
		if err != nil {
			return fmt.Errorf("marshal step input: %w", err)
		}
		output, err := marshalJSON(step.Output)
		if err != nil {
			return fmt.Errorf("marshal step output: %w", err)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO workflow_steps (id, workflow_id, step_index, step_type, status, input, output, error, created_at, updated_at)
			 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
			step.ID, wf.ID, step.StepIndex, step.Type, step.Status, input, output, step.Error, step.CreatedAt, step.UpdatedAt)
		if err != nil {
			return fmt.Errorf("create workflow step %d: %w", step.StepIndex, err)
		}
	}
	return tx.Commit()
}

func (s *pgWorkflowStore) Get(ctx context.Context, id string) (*models.Workflow, error) {
	var wf *models.Workflow
	err := withReadRetry(ctx, func() error {
		row := s.db.QueryRowContext(ctx,
			`SELECT id, user_id, conversation_id, type, status, current_step, state, result, error,
			   next_check_at, created_at, updated_at, completed_at
			 FROM workflows WHERE id = $1`, id)
		var err error
		wf, err = scanWorkflow(row)
		return err
	})
	if err != nil {
		return nil, err
	}
	return wf, nil
}

func (s *pgWorkflowStore) GetSteps(ctx context.Context, workflowID string) ([]*models.WorkflowStep, error) {
	var out []*models.WorkflowStep
	err := withReadRetry(ctx, func() error {
		rows, err := s.db.QueryContext(ctx,
			`SELECT id, workflow_id, step_index, step_type, status, input, output, error, created_at, updated_at
			 FROM workflow_steps WHERE workflow_id = $1 ORDER BY step_index`, workflowID)
		if err != nil {
			return fmt.Errorf("list workflow steps: %w", err)
		}
		defer rows.Close()
		var scanned []*models.WorkflowStep
		for rows.Next() {
			var step models.WorkflowStep
			var input, output []byte
			if err := rows.Scan(&step.ID, &step.WorkflowID, &step.StepIndex, &step.Type, &step.Status,
				&input, &output, &step.Error, &step.CreatedAt, &step.UpdatedAt); err != nil {
				return fmt.Errorf("scan workflow step: %w", err)
			}
			if step.Input, err = unmarshalMap(input); err != nil {
				return fmt.Errorf("unmarshal step input: %w", err)
			}
			if step.Output, err = unmarshalMap(output); err != nil {
				return fmt.Errorf("unmarshal step output: %w", err)
			}
			scanned = append(scanned, &step)
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

func (s *pgWorkflowStore) Update(ctx context.Context, wf *models.Workflow) error {
	if wf == nil || wf.ID == "" {
		return fmt.Errorf("workflow is required")
	}
	state, err := marshalJSON(wf.State)
	if err != nil {
		return fmt.Errorf("marshal workflow state: %w", err)
	}
	result, err := marshalJSON(wf.Result)
	if err != nil {
		return fmt.Errorf("marshal workflow result: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE workflows SET status=$2, current_step=$3, state=$4, result=$5, error=$6,
		   next_check_at=$7, updated_at=$8, completed_at=$9
		 WHERE id=$1`,
		wf.ID, wf.Status, wf.CurrentStep, state, result, wf.Error,
		nullTime(wf.NextCheckAt), wf.UpdatedAt, nullTime(wf.CompletedAt))
	if err != nil {
		return fmt.Errorf("update workflow: %w", err)
	}
	return requireRow(res)
}

func (s *pgWorkflowStore) UpdateStep(ctx context.Context, step *models.WorkflowStep) error {
	if step == nil || step.ID == "" {
		return fmt.Errorf("step is required")
	}
	input, err := marshalJSON(step.Input)
	if err != nil {
		return fmt.Errorf("marshal step input: %w", err)
	}
	output, err := marshalJSON(step.Output)
	if err != nil {
		return fmt.Errorf("marshal step output: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE workflow_steps SET status=$2, input=$3, output=$4, error=$5, updated_at=$6 WHERE id=$1`,
		step.ID, step.Status, input, output, step.Error, step.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update workflow step: %w", err)
	}
	return requireRow(res)
}

func (s *pgWorkflowStore) List(ctx context.Context, userID string, limit, offset int) ([]*models.Workflow, int, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	var out []*models.Workflow
	var total int
	err := withReadRetry(ctx, func() error {
		if err := s.db.QueryRowContext(ctx,
			`SELECT count(*) FROM workflows WHERE user_id = $1`, userID,
		).Scan(&total); err != nil {
			return fmt.Errorf("count workflows: %w", err)
		}
		rows, err := s.db.QueryContext(ctx,
			`SELECT id, user_id, conversation_id, type, status, current_step, state, result, error,
			   next_check_at, created_at, updated_at, completed_at
			 FROM workflows WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`,
			userID, limit, offset)
		if err != nil {
			return fmt.Errorf("list workflows: %w", err)
		}
		defer rows.Close()
		var scanned []*models.Workflow
		for rows.Next() {
			wf, err := scanWorkflow(rows)
			if err != nil {
				return err
			}
			scanned = append(scanned, wf)
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

func (s *pgWorkflowStore) ListDuePolls(ctx context.Context, now time.Time) ([]*models.Workflow, error) {
	var out []*models.Workflow
	err := withReadRetry(ctx, func() error {
		rows, err := s.db.QueryContext(ctx,
			`SELECT id, user_id, conversation_id, type, status, current_step, state, result, error,
			   next_check_at, created_at, updated_at, completed_at
			 FROM workflows WHERE status = 'waiting' AND next_check_at IS NOT NULL AND next_check_at <= $1
			 ORDER BY next_check_at`, now)
		if err != nil {
			return fmt.Errorf("list due polls: %w", err)
		}
		defer rows.Close()
		var scanned []*models.Workflow
		for rows.Next() {
			wf, err := scanWorkflow(rows)
			if err != nil {
				return err
			}
			scanned = append(scanned, wf)
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

func (s *pgWorkflowStore) CreateWebhook(ctx context.Context, reg *models.WebhookRegistration) error {
	if reg == nil || reg.ID == "" || reg.Token == "" {
		return fmt.Errorf("registration is required")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO webhook_registrations (id, workflow_id, step_index, token, status, expires_at, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		reg.ID, reg.WorkflowID, reg.StepIndex, reg.Token, reg.Status, nullTime(reg.ExpiresAt), reg.CreatedAt)
	if err != nil {
		if isDuplicateErr(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("create webhook registration: %w", err)
	}
	return nil
}

func (s *pgWorkflowStore) GetWebhookByToken(ctx context.Context, token string) (*models.WebhookRegistration, error) {
	var reg *models.WebhookRegistration
	err := withReadRetry(ctx, func() error {
		row := s.db.QueryRowContext(ctx,
			`SELECT id, workflow_id, step_index, token, status, expires_at, created_at
			 FROM webhook_registrations WHERE token = $1`, token)
		var err error
		reg, err = scanWebhook(row)
		return err
	})
	if err != nil {
		return nil, err
	}
	return reg, nil
}

func (s *pgWorkflowStore) ConsumeWebhook(ctx context.Context, token string) (*models.WebhookRegistration, error) {
	// Single conditional UPDATE so exactly one concurrent delivery wins.
	row := s.db.QueryRowContext(ctx,
		`UPDATE webhook_registrations SET status = 'consumed'
		 WHERE token = $1 AND status = 'active'
		 RETURNING id, workflow_id, step_index, token, status, expires_at, created_at`, token)
	return scanWebhook(row)
}

func (s *pgWorkflowStore) ExpireWebhooks(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE webhook_registrations SET status = 'expired'
		 WHERE status = 'active' AND expires_at IS NOT NULL AND expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("expire webhooks: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return int(n), nil
}

func scanWorkflow(row rowScanner) (*models.Workflow, error) {
	var wf models.Workflow
	var convID sql.NullString
	var state, result []byte
	var nextCheck, completed sql.NullTime
	if err := row.Scan(&wf.ID, &wf.UserID, &convID, &wf.Type, &wf.Status, &wf.CurrentStep,
		&state, &result, &wf.Error, &nextCheck, &wf.CreatedAt, &wf.UpdatedAt, &completed); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan workflow: %w", err)
	}
	wf.ConversationID = convID.String
	var err error
	if wf.State, err = unmarshalMap(state); err != nil {
		return nil, fmt.Errorf("unmarshal workflow state: %w", err)
	}
	if wf.Result, err = unmarshalMap(result); err != nil {
		return nil, fmt.Errorf("unmarshal workflow result: %w", err)
	}
	if nextCheck.Valid {
		t := nextCheck.Time
		wf.NextCheckAt = &t
	}
	if completed.Valid {
		t := completed.Time
		wf.CompletedAt = &t
	}
	return &wf, nil
}

func scanWebhook(row rowScanner) (*models.WebhookRegistration, error) {
	var reg models.WebhookRegistration
	var expires sql.NullTime
	if err := row.Scan(&reg.ID, &reg.WorkflowID, &reg.StepIndex, &reg.Token, &reg.Status, &expires, &reg.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan webhook registration: %w", err)
	}
	if expires.Valid {
		t := expires.Time
		reg.ExpiresAt = &t
	}
	return &reg, nil
}

type pgJobStore struct {
	db *sql.DB
}

func (s *pgJobStore) Create(ctx context.Context, job *models.Job) error {
	if job == nil || job.ID == "" {
		return fmt.Errorf("job is required")
	}
	payload, err := marshalJSON(job.Payload)
	if err != nil {
		return fmt.Errorf("marshal job payload: %w", err)
	}
	result, err := marshalJSON(job.Result)
	if err != nil {
		return fmt.Errorf("marshal job result: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, type, status, progress_pct, progress_message, payload, result, error,
		   created_at, started_at, completed_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		job.ID, job.Type, job.Status, job.ProgressPct, job.ProgressMessage, payload, result, job.Error,
		job.CreatedAt, nullTime(job.StartedAt), nullTime(job.CompletedAt))
	if err != nil {
		if isDuplicateErr(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

func (s *pgJobStore) Get(ctx context.Context, id string) (*models.Job, error) {
	var job *models.Job
	err := withReadRetry(ctx, func() error {
		row := s.db.QueryRowContext(ctx,
			`SELECT id, type, status, progress_pct, progress_message, payload, result, error,
			   created_at, started_at, completed_at
			 FROM jobs WHERE id = $1`, id)
		var err error
		job, err = scanJob(row)
		return err
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

func (s *pgJobStore) List(ctx context.Context, jobType string, limit, offset int) ([]*models.Job, int, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	where := "1=1"
	args := []any{}
	idx := 1
	if jobType != "" {
		where = fmt.Sprintf("type = $%d", idx)
		args = append(args, jobType)
		idx++
	}
	countArgs := args
	listArgs := append(append([]any{}, args...), limit, offset)
	var out []*models.Job
	var total int
	err := withReadRetry(ctx, func() error {
		if err := s.db.QueryRowContext(ctx,
			fmt.Sprintf(`SELECT count(*) FROM jobs WHERE %s`, where), countArgs...,
		).Scan(&total); err != nil {
			return fmt.Errorf("count jobs: %w", err)
		}
		rows, err := s.db.QueryContext(ctx,
			fmt.Sprintf(`SELECT id, type, status, progress_pct, progress_message, payload, result, error,
			   created_at, started_at, completed_at
			 FROM jobs WHERE %s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, where, idx, idx+1), listArgs...)
		if err != nil {
			return fmt.Errorf("list jobs: %w", err)
		}
		defer rows.Close()
		var scanned []*models.Job
		for rows.Next() {
			job, err := scanJob(rows)
			if err != nil {
				return err
			}
			scanned = append(scanned, job)
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

func (s *pgJobStore) SetRunning(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = 'running', started_at = now()
		 WHERE id = $1 AND status NOT IN ('completed','failed','cancelled')`, id)
	if err != nil {
		return fmt.Errorf("set job running: %w", err)
	}
	// Terminal jobs silently ignore the transition, matching progress writes.
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return s.requireJob(ctx, id)
	}
	return nil
}

func (s *pgJobStore) SetProgress(ctx context.Context, id string, pct int, message string) error {
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	// Monotonic guard lives in the predicate so concurrent reporters never
	// move progress backwards.
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET progress_pct = $2, progress_message = $3
		 WHERE id = $1 AND status NOT IN ('completed','failed','cancelled') AND progress_pct <= $2`,
		id, pct, message)
	if err != nil {
		return fmt.Errorf("set job progress: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return s.requireJob(ctx, id)
	}
	return nil
}

func (s *pgJobStore) SetCompleted(ctx context.Context, id string, result map[string]any) error {
	data, err := marshalJSON(result)
	if err != nil {
		return fmt.Errorf("marshal job result: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = 'completed', progress_pct = 100, result = $2, completed_at = now()
		 WHERE id = $1 AND status NOT IN ('completed','failed','cancelled')`, id, data)
	if err != nil {
		return fmt.Errorf("set job completed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return s.requireJob(ctx, id)
	}
	return nil
}

func (s *pgJobStore) SetFailed(ctx context.Context, id string, errMsg string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = 'failed', error = $2, completed_at = now()
		 WHERE id = $1 AND status NOT IN ('completed','failed','cancelled')`, id, errMsg)
	if err != nil {
		return fmt.Errorf("set job failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return s.requireJob(ctx, id)
	}
	return nil
}

func (s *pgJobStore) SetCancelled(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = 'cancelled', completed_at = now()
		 WHERE id = $1 AND status NOT IN ('completed','failed','cancelled')`, id)
	if err != nil {
		return fmt.Errorf("set job cancelled: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return s.requireJob(ctx, id)
	}
	return nil
}

// requireJob distinguishes "conditional update skipped" from "no such job".
func (s *pgJobStore) requireJob(ctx context.Context, id string) error {
	var exists bool
	if err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM jobs WHERE id = $1)`, id,
	).Scan(&exists); err != nil {
		return fmt.Errorf("check job: %w", err)
	}
	if !exists {
		return ErrNotFound
	}
	return nil
}

func scanJob(row rowScanner) (*models.Job, error) {
	var job models.Job
	var payload, result []byte
	var started, completed sql.NullTime
	if err := row.Scan(&job.ID, &job.Type, &job.Status, &job.ProgressPct, &job.ProgressMessage,
		&payload, &result, &job.Error, &job.CreatedAt, &started, &completed); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan job: %w", err)
	}
	var err error
	if job.Payload, err = unmarshalMap(payload); err != nil {
		return nil, fmt.Errorf("unmarshal job payload: %w", err)
	}
	if job.Result, err = unmarshalMap(result); err != nil {
		return nil, fmt.Errorf("unmarshal job result: %w", err)
	}
	if started.Valid {
		t := started.Time
		job.StartedAt = &t
	}
	if completed.Valid {
		t := completed.Time
		job.CompletedAt = &t
	}
	return &job, nil
}

type pgCallbackStore struct {
	db *sql.DB
}

func (s *pgCallbackStore) Record(ctx context.Context, d *models.CallbackDelivery) error {
	if d == nil || d.ID == "" {
		return fmt.Errorf("delivery is required")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO callback_deliveries (id, callback_id, event, url, attempt, status, status_code, error, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		d.ID, d.CallbackID, d.Event, d.URL, d.Attempt, d.Status, d.StatusCode, d.Error, d.CreatedAt)
	if err != nil {
		return fmt.Errorf("record callback delivery: %w", err)
	}
	return nil
}

func (s *pgCallbackStore) ListByCallback(ctx context.Context, callbackID string) ([]*models.CallbackDelivery, error) {
	var out []*models.CallbackDelivery
	err := withReadRetry(ctx, func() error {
		rows, err := s.db.QueryContext(ctx,
			`SELECT id, callback_id, event, url, attempt, status, status_code, error, created_at
			 FROM callback_deliveries WHERE callback_id = $1 ORDER BY attempt`, callbackID)
		if err != nil {
			return fmt.Errorf("list callback deliveries: %w", err)
		}
		defer rows.Close()
		var scanned []*models.CallbackDelivery
		for rows.Next() {
			var d models.CallbackDelivery
			if err := rows.Scan(&d.ID, &d.CallbackID, &d.Event, &d.URL, &d.Attempt, &d.Status, &d.StatusCode, &d.Error, &d.CreatedAt); err != nil {
				return fmt.Errorf("scan callback delivery: %w", err)
			}
			scanned = append(scanned, &d)
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

type pgRoutingStore struct {
	db *sql.DB
}

func (s *pgRoutingStore) Get(ctx context.Context) (*models.RoutingConfig, error) {
	var cfg models.RoutingConfig
	err := withReadRetry(ctx, func() error {
		row := s.db.QueryRowContext(ctx,
			`SELECT enabled, classifier_model, default_tier, tier_mappings, updated_at FROM routing_config WHERE id = 1`)
		var mappings []byte
		if err := row.Scan(&cfg.Enabled, &cfg.ClassifierModel, &cfg.DefaultTier, &mappings, &cfg.UpdatedAt); err != nil {
			if err == sql.ErrNoRows {
				return ErrNotFound
			}
			return fmt.Errorf("get routing config: %w", err)
		}
		if len(mappings) > 0 {
			if err := json.Unmarshal(mappings, &cfg.TierMappings); err != nil {
				return fmt.Errorf("unmarshal tier mappings: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (s *pgRoutingStore) Put(ctx context.Context, cfg *models.RoutingConfig) error {
	if cfg == nil {
		return fmt.Errorf("config is required")
	}
	mappings, err := marshalJSON(cfg.TierMappings)
	if err != nil {
		return fmt.Errorf("marshal tier mappings: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO routing_config (id, enabled, classifier_model, default_tier, tier_mappings, updated_at)
		 VALUES (1,$1,$2,$3,$4,$5)
		 ON CONFLICT (id) DO UPDATE SET enabled = EXCLUDED.enabled,
		   classifier_model = EXCLUDED.classifier_model, default_tier = EXCLUDED.default_tier,
		   tier_mappings = EXCLUDED.tier_mappings, updated_at = EXCLUDED.updated_at`,
		cfg.Enabled, cfg.ClassifierModel, cfg.DefaultTier, mappings, cfg.UpdatedAt)
	if err != nil {
		return fmt.Errorf("put routing config: %w", err)
	}
	return nil
}
