package api

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/vin-jex/archive-orchestrator/internal/request"
)

// parseListQuery reads the request listing filter. kind and state may be
// repeated; time bounds are RFC 3339.
func parseListQuery(req *http.Request) (request.Filter, request.Page, error) {
	query := req.URL.Query()

	filter := request.Filter{
		Tenant:       query.Get("tenant"),
		SessionOwner: query.Get("session_owner"),
		Session:      query.Get("session"),
		PackageID:    query.Get("package_id"),
	}

	for _, raw := range query["kind"] {
		kind, err := request.ParseKind(raw)
		if err != nil {
			return filter, request.Page{}, err
		}
		filter.Kinds = append(filter.Kinds, kind)
	}
	for _, raw := range query["state"] {
		state, err := request.ParseState(raw)
		if err != nil {
			return filter, request.Page{}, err
		}
		filter.States = append(filter.States, state)
	}

	var err error
	if filter.CreatedAfter, err = parseTime(query.Get("created_after")); err != nil {
		return filter, request.Page{}, err
	}
	if filter.CreatedBefore, err = parseTime(query.Get("created_before")); err != nil {
		return filter, request.Page{}, err
	}

	page := request.FirstPage(defaultPageSize)
	if raw := query.Get("page"); raw != "" {
		number, err := strconv.Atoi(raw)
		if err != nil || number < 0 {
			return filter, page, fmt.Errorf("invalid page %q", raw)
		}
		page.Number = number
	}
	if raw := query.Get("size"); raw != "" {
		size, err := strconv.Atoi(raw)
		if err != nil || size <= 0 {
			return filter, page, fmt.Errorf("invalid size %q", raw)
		}
		page.Size = min(size, maxPageSize)
	}

	return filter, page, nil
}

func parseTime(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time %q", raw)
	}
	return t, nil
}
