package workflow

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/advflow/internal/clock"
	"github.com/pitabwire/advflow/model"
)

//go:embed schema.sql
var schemaSQL string

const instanceColumns = `id, title, status, definition_id, current_action_id,
	target_kind, target_id, assigned_users, assigned_groups, initiator_id,
	graph, actions, version, created_at, updated_at`

// PgStore is a PostgreSQL-backed Store and Bindings using pgx/v5. An instance's cloned
// graph and visit log are stored as JSONB alongside it; the live-target
// uniqueness rule is a partial unique index.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a PostgreSQL instance store.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// Migrate creates the instance tables if they do not exist.
func (s *PgStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("migrate instance schema: %w", err)
	}
	return nil
}

// HealthCheck pings the database.
func (s *PgStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Create inserts a new instance.
func (s *PgStore) Create(ctx context.Context, inst model.Instance) error {
	cols, err := encodeInstance(inst)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO workflow_instances (`+instanceColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		inst.ID, inst.Title, inst.Status, inst.DefinitionID, inst.CurrentActionID,
		inst.Target.Kind, inst.Target.ID, cols.users, cols.groups, inst.InitiatorID,
		cols.graph, cols.actions, inst.Version, inst.CreatedAt, inst.UpdatedAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		if pgErr.ConstraintName == "workflow_instances_live_target" {
			return model.NewExistingWorkflowError(inst.Target.Kind, inst.Target.ID)
		}
		return model.NewConflictError(fmt.Sprintf("workflow instance %q already exists", inst.ID))
	}
	if err != nil {
		return fmt.Errorf("insert workflow instance: %w", err)
	}
	return nil
}

// Get retrieves an instance by ID.
func (s *PgStore) Get(ctx context.Context, id string) (model.Instance, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+instanceColumns+` FROM workflow_instances WHERE id = $1`, id)
	if err != nil {
		return model.Instance{}, fmt.Errorf("query workflow instance: %w", err)
	}
	inst, err := pgx.CollectExactlyOneRow(rows, scanInstance)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Instance{}, instanceNotFound(id)
	}
	if err != nil {
		return model.Instance{}, fmt.Errorf("scan workflow instance: %w", err)
	}
	return inst, nil
}

// Update persists inst with optimistic locking.
func (s *PgStore) Update(ctx context.Context, inst *model.Instance) error {
	cols, err := encodeInstance(*inst)
	if err != nil {
		return err
	}
	now := clock.Now()
	tag, err := s.pool.Exec(ctx, `
		UPDATE workflow_instances SET
			title = $1, status = $2, current_action_id = $3,
			assigned_users = $4, assigned_groups = $5,
			graph = $6, actions = $7,
			version = version + 1, updated_at = $8
		WHERE id = $9 AND version = $10`,
		inst.Title, inst.Status, inst.CurrentActionID,
		cols.users, cols.groups, cols.graph, cols.actions,
		now, inst.ID, inst.Version,
	)
	if err != nil {
		return fmt.Errorf("update workflow instance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.Get(ctx, inst.ID); err != nil {
			return err
		}
		return model.NewConflictError(
			fmt.Sprintf("workflow instance %q version conflict (expected %d)", inst.ID, inst.Version),
		)
	}
	inst.Version++
	inst.UpdatedAt = now
	return nil
}

// FindLiveByTarget returns the live instance bound to ref.
func (s *PgStore) FindLiveByTarget(ctx context.Context, ref model.TargetRef) (model.Instance, error) {
	if ref.IsZero() {
		return model.Instance{}, model.NewNotFoundError("untargeted workflows cannot be looked up by target")
	}
	list, err := s.query(ctx, `
		SELECT `+instanceColumns+` FROM workflow_instances
		WHERE target_kind = $1 AND target_id = $2 AND status IN ('active', 'paused')`,
		ref.Kind, ref.ID,
	)
	if err != nil {
		return model.Instance{}, err
	}
	if len(list) == 0 {
		return model.Instance{}, model.NewNotFoundError(fmt.Sprintf("no workflow in progress for %s", ref))
	}
	return list[0], nil
}

// FindByDefinition returns the instances of a definition, newest first.
func (s *PgStore) FindByDefinition(ctx context.Context, definitionID string, liveOnly bool) ([]model.Instance, error) {
	return s.query(ctx, `
		SELECT `+instanceColumns+` FROM workflow_instances
		WHERE definition_id = $1 AND (NOT $2 OR status IN ('active', 'paused'))
		ORDER BY created_at DESC, id`,
		definitionID, liveOnly,
	)
}

// ListLive returns every live instance, newest first.
func (s *PgStore) ListLive(ctx context.Context) ([]model.Instance, error) {
	return s.query(ctx, `
		SELECT `+instanceColumns+` FROM workflow_instances
		WHERE status IN ('active', 'paused')
		ORDER BY created_at DESC, id`)
}

// DeleteLiveByDefinition removes live instances of a definition. Events go
// with them through the foreign key cascade.
func (s *PgStore) DeleteLiveByDefinition(ctx context.Context, definitionID string) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM workflow_instances
		WHERE definition_id = $1 AND status IN ('active', 'paused')`,
		definitionID,
	)
	if err != nil {
		return 0, fmt.Errorf("delete live instances: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// AppendEvent adds an event to the audit trail.
func (s *PgStore) AppendEvent(ctx context.Context, event model.WorkflowEvent) error {
	var data []byte
	if event.Data != nil {
		var err error
		if data, err = json.Marshal(event.Data); err != nil {
			return fmt.Errorf("marshal event data: %w", err)
		}
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO workflow_events (id, instance_id, action_id, event, actor_id, data, comment, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		event.ID, event.InstanceID, event.ActionID, event.Event,
		event.ActorID, data, event.Comment, event.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert workflow event: %w", err)
	}
	return nil
}

// Events returns the audit trail, oldest first.
func (s *PgStore) Events(ctx context.Context, instanceID string) ([]model.WorkflowEvent, error) {
	if _, err := s.Get(ctx, instanceID); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, instance_id, action_id, event, actor_id, data, comment, created_at
		FROM workflow_events
		WHERE instance_id = $1
		ORDER BY created_at, id`,
		instanceID,
	)
	if err != nil {
		return nil, fmt.Errorf("query workflow events: %w", err)
	}
	events, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.WorkflowEvent, error) {
		var ev model.WorkflowEvent
		var data []byte
		if err := row.Scan(&ev.ID, &ev.InstanceID, &ev.ActionID, &ev.Event,
			&ev.ActorID, &data, &ev.Comment, &ev.Timestamp); err != nil {
			return ev, err
		}
		if data != nil {
			if err := json.Unmarshal(data, &ev.Data); err != nil {
				return ev, fmt.Errorf("unmarshal event data: %w", err)
			}
		}
		return ev, nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan workflow events: %w", err)
	}
	return events, nil
}

func (s *PgStore) query(ctx context.Context, sql string, args ...any) ([]model.Instance, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query workflow instances: %w", err)
	}
	list, err := pgx.CollectRows(rows, scanInstance)
	if err != nil {
		return nil, fmt.Errorf("scan workflow instances: %w", err)
	}
	return list, nil
}

type encodedInstance struct {
	users, groups, graph, actions []byte
}

func encodeInstance(inst model.Instance) (encodedInstance, error) {
	var out encodedInstance
	var err error
	if out.users, err = json.Marshal(nonNil(inst.AssignedUsers)); err != nil {
		return out, fmt.Errorf("marshal assigned users: %w", err)
	}
	if out.groups, err = json.Marshal(nonNil(inst.AssignedGroups)); err != nil {
		return out, fmt.Errorf("marshal assigned groups: %w", err)
	}
	if out.graph, err = json.Marshal(inst.Graph); err != nil {
		return out, fmt.Errorf("marshal graph: %w", err)
	}
	if out.actions, err = json.Marshal(inst.Actions); err != nil {
		return out, fmt.Errorf("marshal action log: %w", err)
	}
	return out, nil
}

func scanInstance(row pgx.CollectableRow) (model.Instance, error) {
	var inst model.Instance
	var users, groups, graph, actions []byte
	err := row.Scan(
		&inst.ID, &inst.Title, &inst.Status, &inst.DefinitionID, &inst.CurrentActionID,
		&inst.Target.Kind, &inst.Target.ID, &users, &groups, &inst.InitiatorID,
		&graph, &actions, &inst.Version, &inst.CreatedAt, &inst.UpdatedAt,
	)
	if err != nil {
		return inst, err
	}
	for _, f := range []struct {
		raw  []byte
		into any
	}{
		{users, &inst.AssignedUsers},
		{groups, &inst.AssignedGroups},
		{graph, &inst.Graph},
		{actions, &inst.Actions},
	} {
		if err := json.Unmarshal(f.raw, f.into); err != nil {
			return inst, fmt.Errorf("unmarshal instance %s: %w", inst.ID, err)
		}
	}
	return inst, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// Binding returns the definition bound to ref.
func (s *PgStore) Binding(ctx context.Context, ref model.TargetRef) (string, error) {
	var id string
	err := s.pool.QueryRow(ctx, `
		SELECT definition_id FROM workflow_bindings
		WHERE target_kind = $1 AND target_id = $2`,
		ref.Kind, ref.ID,
	).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", model.NewNotFoundError(fmt.Sprintf("no definition bound to %s", ref))
	}
	if err != nil {
		return "", fmt.Errorf("query binding: %w", err)
	}
	return id, nil
}

// Bind binds ref to definitionID.
func (s *PgStore) Bind(ctx context.Context, ref model.TargetRef, definitionID string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO workflow_bindings (target_kind, target_id, definition_id, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (target_kind, target_id)
		DO UPDATE SET definition_id = EXCLUDED.definition_id, updated_at = EXCLUDED.updated_at`,
		ref.Kind, ref.ID, definitionID, clock.Now(),
	)
	if err != nil {
		return fmt.Errorf("upsert binding: %w", err)
	}
	return nil
}

// Unbind removes the binding of ref.
func (s *PgStore) Unbind(ctx context.Context, ref model.TargetRef) error {
	if _, err := s.pool.Exec(ctx, `
		DELETE FROM workflow_bindings WHERE target_kind = $1 AND target_id = $2`,
		ref.Kind, ref.ID,
	); err != nil {
		return fmt.Errorf("delete binding: %w", err)
	}
	return nil
}
