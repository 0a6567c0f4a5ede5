package memstore

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/vin-jex/archive-orchestrator/internal/request"
)

// requestRow is the stored form of a request. Rows are replaced, never
// mutated, so snapshots can share them.
type requestRow struct {
	id             int64
	requestID      string
	tenant         string
	kind           request.Kind
	state          request.State
	sessionOwner   string
	session        string
	createdAt      time.Time
	updatedAt      time.Time
	errors         []string
	correlationIDs []string
	jobID          *uuid.UUID
	targetPackage  string
	payload        []byte
}

var _ request.Store = (*Store)(nil)

func (s *Store) Save(ctx context.Context, r *request.Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked(r)
}

func (s *Store) SaveAll(ctx context.Context, requests []*request.Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range requests {
		if err := s.saveLocked(r); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) saveLocked(r *request.Request) error {
	payload, err := request.EncodePayload(r.Payload)
	if err != nil {
		return err
	}

	now := s.Now()
	if r.ID == 0 {
		s.nextRequestID++
		r.ID = s.nextRequestID
		r.CreatedAt = now
	} else if _, ok := s.requests[r.ID]; !ok {
		return fmt.Errorf("request %d: %w", r.ID, request.ErrRequestNotFound)
	}
	r.UpdatedAt = now

	var jobID *uuid.UUID
	if r.JobID != nil {
		id := *r.JobID
		jobID = &id
	}

	s.requests[r.ID] = requestRow{
		id:             r.ID,
		requestID:      r.RequestID,
		tenant:         r.Tenant,
		kind:           r.Kind,
		state:          r.State,
		sessionOwner:   r.SessionOwner,
		session:        r.Session,
		createdAt:      r.CreatedAt,
		updatedAt:      r.UpdatedAt,
		errors:         slices.Clone(r.Errors),
		correlationIDs: slices.Clone(r.CorrelationIDs),
		jobID:          jobID,
		targetPackage:  r.TargetPackage(),
		payload:        payload,
	}
	return nil
}

func (row requestRow) decode() (*request.Request, error) {
	payload, err := request.DecodePayload(row.kind, row.payload)
	if err != nil {
		return nil, fmt.Errorf("request %d: %w", row.id, err)
	}

	var jobID *uuid.UUID
	if row.jobID != nil {
		id := *row.jobID
		jobID = &id
	}

	return &request.Request{
		ID:             row.id,
		RequestID:      row.requestID,
		Tenant:         row.tenant,
		Kind:           row.kind,
		State:          row.state,
		SessionOwner:   row.sessionOwner,
		Session:        row.session,
		CreatedAt:      row.createdAt,
		UpdatedAt:      row.updatedAt,
		Errors:         slices.Clone(row.errors),
		CorrelationIDs: slices.Clone(row.correlationIDs),
		JobID:          jobID,
		Payload:        payload,
	}, nil
}

func (s *Store) FindByID(ctx context.Context, id int64) (*request.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.requests[id]
	if !ok {
		return nil, nil
	}
	return row.decode()
}

func (s *Store) FindAllByID(ctx context.Context, ids []int64) ([]*request.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sorted := slices.Clone(ids)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)

	var found []*request.Request
	for _, id := range sorted {
		row, ok := s.requests[id]
		if !ok {
			continue
		}
		r, err := row.decode()
		if err != nil {
			return nil, err
		}
		found = append(found, r)
	}
	return found, nil
}

func (s *Store) FindByCorrelationID(ctx context.Context, correlationID string) ([]*request.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var found []*request.Request
	for _, row := range s.sortedRows() {
		if !slices.Contains(row.correlationIDs, correlationID) {
			continue
		}
		r, err := row.decode()
		if err != nil {
			return nil, err
		}
		found = append(found, r)
	}
	return found, nil
}

func (s *Store) FindPaged(ctx context.Context, filter request.Filter, page request.Page) (request.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matching []requestRow
	for _, row := range s.sortedRows() {
		if matches(row, filter) {
			matching = append(matching, row)
		}
	}

	offset := min(page.Offset(), len(matching))
	end := len(matching)
	if page.Size > 0 {
		end = min(offset+page.Size, len(matching))
	}

	result := request.Result{HasNext: end < len(matching)}
	for _, row := range matching[offset:end] {
		r, err := row.decode()
		if err != nil {
			return request.Result{}, err
		}
		result.Requests = append(result.Requests, r)
	}
	return result, nil
}

func (s *Store) Exists(ctx context.Context, filter request.Filter) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, row := range s.requests {
		if matches(row, filter) {
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) Delete(ctx context.Context, r *request.Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleteLocked(r.ID)
	return nil
}

func (s *Store) DeleteAll(ctx context.Context, requests []*request.Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range requests {
		s.deleteLocked(r.ID)
	}
	return nil
}

func (s *Store) deleteLocked(id int64) {
	row, ok := s.requests[id]
	if !ok {
		return
	}
	if row.jobID != nil {
		if job, ok := s.jobs[*row.jobID]; ok {
			job.Locked = false
			s.jobs[job.ID] = job
		}
	}
	delete(s.requests, id)
}

func (s *Store) sortedRows() []requestRow {
	rows := make([]requestRow, 0, len(s.requests))
	for _, row := range s.requests {
		rows = append(rows, row)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].id < rows[j].id })
	return rows
}

func matches(row requestRow, filter request.Filter) bool {
	if len(filter.Kinds) > 0 && !slices.Contains(filter.Kinds, row.kind) {
		return false
	}
	if len(filter.States) > 0 && !slices.Contains(filter.States, row.state) {
		return false
	}
	if filter.Tenant != "" && row.tenant != filter.Tenant {
		return false
	}
	if filter.SessionOwner != "" && row.sessionOwner != filter.SessionOwner {
		return false
	}
	if filter.Session != "" && row.session != filter.Session {
		return false
	}
	if filter.PackageID != "" && row.targetPackage != filter.PackageID {
		return false
	}
	if filter.JobID != nil && (row.jobID == nil || *row.jobID != *filter.JobID) {
		return false
	}
	if slices.Contains(filter.ExcludeIDs, row.id) {
		return false
	}
	if filter.AfterID > 0 && row.id <= filter.AfterID {
		return false
	}
	if !filter.CreatedAfter.IsZero() && !row.createdAt.After(filter.CreatedAfter) {
		return false
	}
	if !filter.CreatedBefore.IsZero() && !row.createdAt.Before(filter.CreatedBefore) {
		return false
	}
	return true
}
