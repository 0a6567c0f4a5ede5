package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/vin-jex/archive-orchestrator/internal/request"
)

// Requests is the request ledger.
type Requests struct {
	s *Store
}

var _ request.Store = (*Requests)(nil)

const requestColumns = `
	id,
	request_id,
	tenant,
	kind,
	state,
	session_owner,
	session,
	errors,
	correlation_ids,
	job_id,
	payload,
	created_at,
	updated_at
`

func (r *Requests) Save(ctx context.Context, req *request.Request) error {
	payload, err := request.EncodePayload(req.Payload)
	if err != nil {
		return err
	}
	q := r.s.querier(ctx)

	if req.ID == 0 {
		return q.QueryRow(
			ctx,
			`
			INSERT INTO requests (
				request_id,
				tenant,
				kind,
				state,
				session_owner,
				session,
				step,
				target_package_id,
				errors,
				correlation_ids,
				job_id,
				payload
			)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
			RETURNING id, created_at, updated_at
			`,
			req.RequestID,
			req.Tenant,
			string(req.Kind),
			string(req.State),
			req.SessionOwner,
			req.Session,
			string(req.Step()),
			req.TargetPackage(),
			req.Errors,
			req.CorrelationIDs,
			req.JobID,
			payload,
		).Scan(&req.ID, &req.CreatedAt, &req.UpdatedAt)
	}

	err = q.QueryRow(
		ctx,
		`
		UPDATE requests
		SET state = $2,
			step = $3,
			target_package_id = $4,
			errors = $5,
			correlation_ids = $6,
			job_id = $7,
			payload = $8,
			updated_at = now()
		WHERE id = $1
		RETURNING updated_at
		`,
		req.ID,
		string(req.State),
		string(req.Step()),
		req.TargetPackage(),
		req.Errors,
		req.CorrelationIDs,
		req.JobID,
		payload,
	).Scan(&req.UpdatedAt)
	if err == pgx.ErrNoRows {
		return fmt.Errorf("save request %d: %w", req.ID, request.ErrRequestNotFound)
	}
	return err
}

func (r *Requests) SaveAll(ctx context.Context, requests []*request.Request) error {
	return r.s.WithTransaction(ctx, func(ctx context.Context) error {
		for _, req := range requests {
			if err := r.Save(ctx, req); err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *Requests) FindByID(ctx context.Context, id int64) (*request.Request, error) {
	found, err := r.query(ctx, `WHERE id = $1`, id)
	if err != nil || len(found) == 0 {
		return nil, err
	}
	return found[0], nil
}

func (r *Requests) FindAllByID(ctx context.Context, ids []int64) ([]*request.Request, error) {
	return r.query(ctx, `WHERE id = ANY($1) ORDER BY id`, ids)
}

func (r *Requests) FindByCorrelationID(ctx context.Context, correlationID string) ([]*request.Request, error) {
	return r.query(ctx, `WHERE $1 = ANY(correlation_ids) ORDER BY id FOR UPDATE`, correlationID)
}

func (r *Requests) FindPaged(ctx context.Context, filter request.Filter, page request.Page) (request.Result, error) {
	where, args := buildFilter(filter)
	clause := where + ` ORDER BY id`
	if page.Size > 0 {
		args = append(args, page.Size+1, page.Offset())
		clause += fmt.Sprintf(` LIMIT $%d OFFSET $%d`, len(args)-1, len(args))
	}

	found, err := r.query(ctx, clause, args...)
	if err != nil {
		return request.Result{}, err
	}

	result := request.Result{Requests: found}
	if page.Size > 0 && len(found) > page.Size {
		result.Requests = found[:page.Size]
		result.HasNext = true
	}
	return result, nil
}

func (r *Requests) Exists(ctx context.Context, filter request.Filter) (bool, error) {
	where, args := buildFilter(filter)

	var exists bool
	err := r.s.querier(ctx).QueryRow(
		ctx,
		`SELECT EXISTS (SELECT 1 FROM requests `+where+`)`,
		args...,
	).Scan(&exists)
	return exists, err
}

// LockScope takes a transaction scoped advisory lock on key. Conflict checks
// run under it so a concurrent transaction sees the rows they commit.
func (r *Requests) LockScope(ctx context.Context, key string, shared bool) error {
	statement := `SELECT pg_advisory_xact_lock(hashtext($1))`
	if shared {
		statement = `SELECT pg_advisory_xact_lock_shared(hashtext($1))`
	}
	_, err := r.s.querier(ctx).Exec(ctx, statement, key)
	return err
}

func (r *Requests) Delete(ctx context.Context, req *request.Request) error {
	return r.s.WithTransaction(ctx, func(ctx context.Context) error {
		q := r.s.querier(ctx)
		if _, err := q.Exec(
			ctx,
			`
			UPDATE jobs
			SET locked = FALSE,
				updated_at = now()
			WHERE id = (SELECT job_id FROM requests WHERE id = $1)
			`,
			req.ID,
		); err != nil {
			return err
		}

		_, err := q.Exec(ctx, `DELETE FROM requests WHERE id = $1`, req.ID)
		return err
	})
}

func (r *Requests) DeleteAll(ctx context.Context, requests []*request.Request) error {
	return r.s.WithTransaction(ctx, func(ctx context.Context) error {
		for _, req := range requests {
			if err := r.Delete(ctx, req); err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *Requests) query(ctx context.Context, clause string, args ...any) ([]*request.Request, error) {
	rows, err := r.s.querier(ctx).Query(
		ctx,
		`SELECT `+requestColumns+` FROM requests `+clause,
		args...,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var found []*request.Request
	for rows.Next() {
		var (
			req     request.Request
			kind    string
			state   string
			payload []byte
		)
		if err := rows.Scan(
			&req.ID,
			&req.RequestID,
			&req.Tenant,
			&kind,
			&state,
			&req.SessionOwner,
			&req.Session,
			&req.Errors,
			&req.CorrelationIDs,
			&req.JobID,
			&payload,
			&req.CreatedAt,
			&req.UpdatedAt,
		); err != nil {
			return nil, err
		}

		req.Kind = request.Kind(kind)
		req.State = request.State(state)
		if req.Payload, err = request.DecodePayload(req.Kind, payload); err != nil {
			return nil, fmt.Errorf("request %d: %w", req.ID, err)
		}
		found = append(found, &req)
	}
	return found, rows.Err()
}

// buildFilter renders filter as a WHERE clause with positional arguments.
func buildFilter(filter request.Filter) (string, []any) {
	var (
		conditions []string
		args       []any
	)
	add := func(condition string, arg any) {
		args = append(args, arg)
		conditions = append(conditions, fmt.Sprintf(condition, len(args)))
	}

	if len(filter.Kinds) > 0 {
		kinds := make([]string, 0, len(filter.Kinds))
		for _, kind := range filter.Kinds {
			kinds = append(kinds, string(kind))
		}
		add(`kind = ANY($%d)`, kinds)
	}
	if len(filter.States) > 0 {
		states := make([]string, 0, len(filter.States))
		for _, state := range filter.States {
			states = append(states, string(state))
		}
		add(`state = ANY($%d)`, states)
	}
	if filter.Tenant != "" {
		add(`tenant = $%d`, filter.Tenant)
	}
	if filter.SessionOwner != "" {
		add(`session_owner = $%d`, filter.SessionOwner)
	}
	if filter.Session != "" {
		add(`session = $%d`, filter.Session)
	}
	if filter.PackageID != "" {
		add(`target_package_id = $%d`, filter.PackageID)
	}
	if filter.JobID != nil {
		add(`job_id = $%d`, *filter.JobID)
	}
	if len(filter.ExcludeIDs) > 0 {
		add(`id <> ALL($%d)`, filter.ExcludeIDs)
	}
	if filter.AfterID > 0 {
		add(`id > $%d`, filter.AfterID)
	}
	if !filter.CreatedAfter.IsZero() {
		add(`created_at > $%d`, filter.CreatedAfter)
	}
	if !filter.CreatedBefore.IsZero() {
		add(`created_at < $%d`, filter.CreatedBefore)
	}

	if len(conditions) == 0 {
		return "", nil
	}
	return "WHERE " + strings.Join(conditions, " AND "), args
}
