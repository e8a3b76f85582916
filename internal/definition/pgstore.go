package definition

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/advflow/model"
)

//go:embed schema.sql
var schemaSQL string

// PgStore is a PostgreSQL-backed Store using pgx/v5. Actions and
// transitions live in their own tables; Update rewrites the graph inside a
// transaction.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a PostgreSQL definition store.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// Migrate creates the definition tables if they do not exist.
func (s *PgStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("migrate definition schema: %w", err)
	}
	return nil
}

// HealthCheck pings the database.
func (s *PgStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Create implements Store.
func (s *PgStore) Create(ctx context.Context, def model.Definition) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		users, groups, err := marshalPair(def.DefaultUsers, def.DefaultGroups)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO workflow_definitions (
				id, title, description, sort, default_users, default_groups, created_at, updated_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			def.ID, def.Title, def.Description, def.Sort, users, groups, def.CreatedAt, def.UpdatedAt,
		)
		if isUniqueViolation(err) {
			return model.NewConflictError(fmt.Sprintf("definition %q already exists", def.ID))
		}
		if err != nil {
			return fmt.Errorf("insert definition: %w", err)
		}
		return insertGraph(ctx, tx, def)
	})
}

// Get implements Store.
func (s *PgStore) Get(ctx context.Context, id string) (model.Definition, error) {
	var def model.Definition
	var users, groups []byte
	err := s.pool.QueryRow(ctx, `
		SELECT id, title, description, sort, default_users, default_groups, created_at, updated_at
		FROM workflow_definitions
		WHERE id = $1`,
		id,
	).Scan(&def.ID, &def.Title, &def.Description, &def.Sort, &users, &groups, &def.CreatedAt, &def.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Definition{}, notFound(id)
	}
	if err != nil {
		return model.Definition{}, fmt.Errorf("query definition: %w", err)
	}
	if err := unmarshalPair(users, groups, &def.DefaultUsers, &def.DefaultGroups); err != nil {
		return model.Definition{}, err
	}
	if err := s.loadGraph(ctx, &def); err != nil {
		return model.Definition{}, err
	}
	return def, nil
}

// List implements Store.
func (s *PgStore) List(ctx context.Context) ([]model.Definition, error) {
	rows, err := s.pool.Query(ctx, `SELECT id FROM workflow_definitions ORDER BY sort, title`)
	if err != nil {
		return nil, fmt.Errorf("query definitions: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scan definition ids: %w", err)
	}

	defs := make([]model.Definition, 0, len(ids))
	for _, id := range ids {
		def, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, nil
}

// Update implements Store.
func (s *PgStore) Update(ctx context.Context, def model.Definition) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		users, groups, err := marshalPair(def.DefaultUsers, def.DefaultGroups)
		if err != nil {
			return err
		}
		tag, err := tx.Exec(ctx, `
			UPDATE workflow_definitions SET
				title = $1, description = $2, sort = $3,
				default_users = $4, default_groups = $5, updated_at = $6
			WHERE id = $7`,
			def.Title, def.Description, def.Sort, users, groups, def.UpdatedAt, def.ID,
		)
		if err != nil {
			return fmt.Errorf("update definition: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return notFound(def.ID)
		}
		// Cascades to transitions.
		if _, err := tx.Exec(ctx, `DELETE FROM workflow_actions WHERE definition_id = $1`, def.ID); err != nil {
			return fmt.Errorf("clear definition graph: %w", err)
		}
		return insertGraph(ctx, tx, def)
	})
}

// Delete implements Store.
func (s *PgStore) Delete(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM workflow_definitions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete definition: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return notFound(id)
	}
	return nil
}

// insertGraph writes all actions before any transition so that transition
// foreign keys resolve regardless of declaration order.
func insertGraph(ctx context.Context, tx pgx.Tx, def model.Definition) error {
	batch := &pgx.Batch{}
	for _, a := range def.Actions {
		params, err := json.Marshal(a.Params)
		if err != nil {
			return fmt.Errorf("marshal params for action %q: %w", a.ID, err)
		}
		batch.Queue(`
			INSERT INTO workflow_actions (
				id, definition_id, title, kind, behavior, sort, allow_editing, allow_commenting, params
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			a.ID, def.ID, a.Title, string(a.Kind), a.Behavior, a.Sort, string(a.AllowEditing), a.AllowCommenting, params,
		)
	}
	for _, a := range def.Actions {
		for _, t := range a.Transitions {
			users, groups, err := marshalPair(t.RestrictUsers, t.RestrictGroups)
			if err != nil {
				return err
			}
			batch.Queue(`
				INSERT INTO workflow_transitions (
					id, action_id, next_action_id, title, sort, condition, restrict_users, restrict_groups
				) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
				t.ID, a.ID, t.NextActionID, t.Title, t.Sort, t.Condition, users, groups,
			)
		}
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert definition graph: %w", err)
	}
	return nil
}

func (s *PgStore) loadGraph(ctx context.Context, def *model.Definition) error {
	rows, err := s.pool.Query(ctx, `
		SELECT id, title, kind, behavior, sort, allow_editing, allow_commenting, params
		FROM workflow_actions
		WHERE definition_id = $1
		ORDER BY sort, id`,
		def.ID,
	)
	if err != nil {
		return fmt.Errorf("query actions: %w", err)
	}
	defer rows.Close()

	index := make(map[string]int)
	for rows.Next() {
		a := model.Action{DefinitionID: def.ID}
		var kind, editing string
		var params []byte
		if err := rows.Scan(&a.ID, &a.Title, &kind, &a.Behavior, &a.Sort, &editing, &a.AllowCommenting, &params); err != nil {
			return fmt.Errorf("scan action: %w", err)
		}
		a.Kind = model.ActionKind(kind)
		a.AllowEditing = model.EditingPolicy(editing)
		if len(params) > 0 {
			if err := json.Unmarshal(params, &a.Params); err != nil {
				return fmt.Errorf("unmarshal params for action %q: %w", a.ID, err)
			}
		}
		index[a.ID] = len(def.Actions)
		def.Actions = append(def.Actions, a)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	trows, err := s.pool.Query(ctx, `
		SELECT t.id, t.action_id, t.next_action_id, t.title, t.sort, t.condition, t.restrict_users, t.restrict_groups
		FROM workflow_transitions t
		JOIN workflow_actions a ON a.id = t.action_id
		WHERE a.definition_id = $1
		ORDER BY t.sort, t.id`,
		def.ID,
	)
	if err != nil {
		return fmt.Errorf("query transitions: %w", err)
	}
	defer trows.Close()

	for trows.Next() {
		var t model.Transition
		var users, groups []byte
		if err := trows.Scan(&t.ID, &t.ActionID, &t.NextActionID, &t.Title, &t.Sort, &t.Condition, &users, &groups); err != nil {
			return fmt.Errorf("scan transition: %w", err)
		}
		if err := unmarshalPair(users, groups, &t.RestrictUsers, &t.RestrictGroups); err != nil {
			return err
		}
		if i, ok := index[t.ActionID]; ok {
			def.Actions[i].Transitions = append(def.Actions[i].Transitions, t)
		}
	}
	return trows.Err()
}

func marshalPair(a, b []string) ([]byte, []byte, error) {
	if a == nil {
		a = []string{}
	}
	if b == nil {
		b = []string{}
	}
	ja, err := json.Marshal(a)
	if err != nil {
		return nil, nil, err
	}
	jb, err := json.Marshal(b)
	if err != nil {
		return nil, nil, err
	}
	return ja, jb, nil
}

func unmarshalPair(ja, jb []byte, a, b *[]string) error {
	if len(ja) > 0 {
		if err := json.Unmarshal(ja, a); err != nil {
			return fmt.Errorf("unmarshal members: %w", err)
		}
	}
	if len(jb) > 0 {
		if err := json.Unmarshal(jb, b); err != nil {
			return fmt.Errorf("unmarshal groups: %w", err)
		}
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
