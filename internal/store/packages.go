package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/vin-jex/archive-orchestrator/internal/archive"
)

// Packages is the archival package catalog.
type Packages struct {
	s *Store
}

var _ archive.Catalog = (*Packages)(nil)

const packageColumns = `
	id,
	tenant,
	product_id,
	version,
	state,
	last,
	tags,
	categories,
	locations,
	session_owner,
	session,
	created_at,
	updated_at
`

func (p *Packages) Get(ctx context.Context, id string) (*archive.Package, error) {
	found, err := p.query(ctx, `WHERE id = $1`, id)
	if err != nil {
		return nil, err
	}
	if len(found) == 0 {
		return nil, fmt.Errorf("package %s: %w", id, archive.ErrPackageNotFound)
	}
	return found[0], nil
}

func (p *Packages) Save(ctx context.Context, pkg *archive.Package) error {
	locations, err := json.Marshal(pkg.Locations)
	if err != nil {
		return err
	}
	if pkg.Locations == nil {
		locations = []byte("[]")
	}

	return p.s.querier(ctx).QueryRow(
		ctx,
		`
		INSERT INTO packages (
			id,
			tenant,
			product_id,
			version,
			state,
			last,
			tags,
			categories,
			locations,
			session_owner,
			session
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id)
		DO UPDATE
		SET state = EXCLUDED.state,
			last = EXCLUDED.last,
			tags = EXCLUDED.tags,
			categories = EXCLUDED.categories,
			locations = EXCLUDED.locations,
			updated_at = now()
		RETURNING created_at, updated_at
		`,
		pkg.ID,
		pkg.Tenant,
		pkg.ProductID,
		pkg.Version,
		string(pkg.State),
		pkg.Last,
		pkg.Tags,
		pkg.Categories,
		locations,
		pkg.SessionOwner,
		pkg.Session,
	).Scan(&pkg.CreatedAt, &pkg.UpdatedAt)
}

func (p *Packages) Delete(ctx context.Context, id string) error {
	_, err := p.s.querier(ctx).Exec(ctx, `DELETE FROM packages WHERE id = $1`, id)
	return err
}

func (p *Packages) LatestOf(ctx context.Context, tenant, productID string) (*archive.Package, error) {
	found, err := p.query(
		ctx,
		`WHERE tenant = $1 AND product_id = $2 AND last AND state = $3 ORDER BY version DESC LIMIT 1`,
		tenant,
		productID,
		string(archive.StateStored),
	)
	if err != nil || len(found) == 0 {
		return nil, err
	}
	return found[0], nil
}

func (p *Packages) Versions(ctx context.Context, tenant, productID string) ([]*archive.Package, error) {
	return p.query(ctx, `WHERE tenant = $1 AND product_id = $2 ORDER BY version, id`, tenant, productID)
}

func (p *Packages) Exists(ctx context.Context, tenant, productID string, version int) (bool, error) {
	var exists bool
	err := p.s.querier(ctx).QueryRow(
		ctx,
		`
		SELECT EXISTS (
			SELECT 1
			FROM packages
			WHERE tenant = $1
				AND product_id = $2
				AND version = $3
				AND state <> $4
		)
		`,
		tenant,
		productID,
		version,
		string(archive.StateDeleted),
	).Scan(&exists)
	return exists, err
}

func (p *Packages) Find(ctx context.Context, criteria archive.Criteria, offset, limit int) ([]*archive.Package, error) {
	var (
		conditions []string
		args       []any
	)
	add := func(condition string, arg any) {
		args = append(args, arg)
		conditions = append(conditions, fmt.Sprintf(condition, len(args)))
	}

	if criteria.Tenant != "" {
		add(`tenant = $%d`, criteria.Tenant)
	}
	if len(criteria.ProductIDs) > 0 {
		add(`product_id = ANY($%d)`, criteria.ProductIDs)
	}
	if len(criteria.Tags) > 0 {
		add(`tags @> $%d`, criteria.Tags)
	}
	if len(criteria.Categories) > 0 {
		add(`categories @> $%d`, criteria.Categories)
	}
	if criteria.SessionOwner != "" {
		add(`session_owner = $%d`, criteria.SessionOwner)
	}
	if criteria.Session != "" {
		add(`session = $%d`, criteria.Session)
	}
	if len(criteria.States) > 0 {
		states := make([]string, 0, len(criteria.States))
		for _, state := range criteria.States {
			states = append(states, string(state))
		}
		add(`state = ANY($%d)`, states)
	}

	clause := ""
	if len(conditions) > 0 {
		clause = "WHERE " + strings.Join(conditions, " AND ")
	}
	clause += " ORDER BY id"
	if limit > 0 {
		args = append(args, limit)
		clause += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	args = append(args, offset)
	clause += fmt.Sprintf(" OFFSET $%d", len(args))

	return p.query(ctx, clause, args...)
}

// LockProduct takes a transaction scoped advisory lock on the product. It is
// released when the carried transaction ends.
func (p *Packages) LockProduct(ctx context.Context, tenant, productID string) error {
	_, err := p.s.querier(ctx).Exec(
		ctx,
		`SELECT pg_advisory_xact_lock(hashtext($1 || '/' || $2))`,
		tenant,
		productID,
	)
	return err
}

func (p *Packages) query(ctx context.Context, clause string, args ...any) ([]*archive.Package, error) {
	rows, err := p.s.querier(ctx).Query(
		ctx,
		`SELECT `+packageColumns+` FROM packages `+clause,
		args...,
	)
	if err != nil {
		return nil, err
	}

	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (*archive.Package, error) {
		var (
			pkg       archive.Package
			state     string
			locations []byte
		)
		if err := row.Scan(
			&pkg.ID,
			&pkg.Tenant,
			&pkg.ProductID,
			&pkg.Version,
			&state,
			&pkg.Last,
			&pkg.Tags,
			&pkg.Categories,
			&locations,
			&pkg.SessionOwner,
			&pkg.Session,
			&pkg.CreatedAt,
			&pkg.UpdatedAt,
		); err != nil {
			return nil, err
		}

		pkg.State = archive.State(state)
		if err := json.Unmarshal(locations, &pkg.Locations); err != nil {
			return nil, fmt.Errorf("package %s locations: %w", pkg.ID, err)
		}
		return &pkg, nil
	})
}
