package httputil

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/telhawk-systems/telhawk-ledger/internal/models"
)

// MaxBodyBytes bounds JSON request bodies.
const MaxBodyBytes = 8 << 20

// HeaderActor names the reviewer or operator performing a write.
const HeaderActor = "X-Ledger-Actor"

// DecodeJSON decodes the request body into dst, rejecting unknown fields and
// trailing data. Failures are returned as ErrInvalidRequest.
func DecodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, MaxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return models.ErrInvalidRequest.WithDetail("malformed JSON body").Wrap(err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return models.ErrInvalidRequest.WithDetail("body must contain a single JSON value")
	}
	return nil
}

// QueryInt reads an integer query parameter, returning def when absent.
func QueryInt(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, models.ErrInvalidRequest.WithDetail("%s must be a non-negative integer", name)
	}
	return v, nil
}

// QueryTime reads an RFC 3339 timestamp query parameter. Absent yields the zero time.
func QueryTime(r *http.Request, name string) (time.Time, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, models.ErrInvalidRequest.WithDetail("%s: %v", name, fmt.Errorf("expected RFC 3339: %w", err))
	}
	return t, nil
}

// Actor returns the X-Ledger-Actor header, or fallback when it is empty.
func Actor(r *http.Request, fallback string) string {
	if a := r.Header.Get(HeaderActor); a != "" {
		return a
	}
	return fallback
}
