package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/habitplatform/matchsync/internal/domain"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		status = http.StatusInternalServerError
		data = []byte(`{"error":"internal server error"}`)
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// intParam returns the named query value, or def when it is missing, not a
// number or below floor.
func intParam(r *http.Request, name string, def, floor int) int {
	n, err := strconv.Atoi(r.URL.Query().Get(name))
	if err != nil || n < floor {
		return def
	}
	return n
}

// parseListOpts reads paging and filters from the query string. The limit
// defaults to 50 and is capped at 500.
func parseListOpts(r *http.Request) (domain.ListOpts, error) {
	q := r.URL.Query()
	limit := intParam(r, "limit", defaultPageSize, 1)
	offset := intParam(r, "offset", 0, 0)
	limit = min(limit, maxPageSize)

	opts := domain.ListOpts{Limit: limit, Offset: offset}
	if v := q.Get("status"); v != "" {
		st, err := domain.ParseStakeStatus(strings.ToLower(v))
		if err != nil {
			return opts, err
		}
		opts.Status = st
	}
	for _, p := range []struct {
		name string
		dst  **time.Time
	}{{"since", &opts.Since}, {"until", &opts.Until}} {
		if v := q.Get(p.name); v != "" {
			ts, err := time.Parse(time.RFC3339, v)
			if err != nil {
				return opts, errors.New(p.name + " must be RFC3339")
			}
			*p.dst = &ts
		}
	}
	return opts, nil
}

// queryAddress reads a required, canonicalized address query parameter.
func queryAddress(r *http.Request, name string) (domain.Address, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return domain.ZeroAddress, errors.New(name + " query parameter required")
	}
	return domain.ParseAddress(v)
}

func pathAddress(r *http.Request, name string) (domain.Address, error) {
	return domain.ParseAddress(r.PathValue(name))
}

func logHandler(logger *slog.Logger, handler string) *slog.Logger {
	return logger.With(slog.String("handler", handler))
}
