package cli

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/telhawk-systems/telhawk-ledger/internal/models"
)

// parseTime accepts RFC 3339 timestamps or plain dates (midnight UTC).
func parseTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time %q: use RFC 3339 or YYYY-MM-DD", s)
	}
	return t, nil
}

// parseAdjustments parses subject=units pairs.
func parseAdjustments(pairs []string) ([]models.UnitAdjustment, error) {
	out := make([]models.UnitAdjustment, 0, len(pairs))
	for _, p := range pairs {
		subject, raw, ok := strings.Cut(p, "=")
		if !ok || subject == "" {
			return nil, fmt.Errorf("invalid adjustment %q: want subject=units", p)
		}
		units, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid units in %q: %w", p, err)
		}
		out = append(out, models.UnitAdjustment{SubjectID: subject, Units: units})
	}
	return out, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func formatOptional(v *int64) string {
	if v == nil {
		return "-"
	}
	return strconv.FormatInt(*v, 10)
}

func formatSubject(s *string) string {
	if s == nil || *s == "" {
		return "(unresolved)"
	}
	return *s
}
