// Package facts is the append-only store of raw activity facts. It knows
// nothing about epochs, subjects or weights.
package facts

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/telhawk-systems/telhawk-ledger/internal/models"
)

// Namespace is the UUIDv5 namespace for fact identifiers. Changing it would
// re-key every fact, so it is fixed forever.
var Namespace = uuid.MustParse("6f1d2c3e-8a4b-5c6d-9e0f-1a2b3c4d5e6f")

// DeriveFactID returns the deterministic identifier of the fact with the
// given platform-native key. Re-ingesting the same activity always yields
// the same id.
func DeriveFactID(source, nativeKey string) string {
	return uuid.NewSHA1(Namespace, []byte(source+"\x00"+nativeKey)).String()
}

// CanonicalPayload re-encodes a JSON document with sorted object keys and no
// insignificant whitespace. Number literals are preserved as written.
func CanonicalPayload(payload json.RawMessage) (json.RawMessage, error) {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("payload is not valid JSON: %w", err)
	}
	if dec.More() {
		return nil, fmt.Errorf("payload must be a single JSON value")
	}
	out, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// HashPayload returns "sha256:<hex>" over the canonical form of payload.
func HashPayload(payload json.RawMessage) (string, error) {
	canonical, err := CanonicalPayload(payload)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}

// Validate rejects facts that are missing provenance. It does not mutate fact.
func Validate(fact *models.ActivityFact) error {
	if fact == nil {
		return models.ErrInvalidFact.WithDetail("fact is nil")
	}
	required := []struct {
		name  string
		value string
	}{
		{"scope_id", fact.ScopeID},
		{"source", fact.Source},
		{"native_key", fact.NativeKey},
		{"category", fact.Category},
		{"platform_user_id", fact.PlatformUserID},
		{"artifact_url", fact.ArtifactURL},
		{"producer_name", fact.ProducerName},
		{"producer_version", fact.ProducerVersion},
	}
	var missing []string
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			missing = append(missing, r.name)
		}
	}
	if len(fact.Payload) == 0 {
		missing = append(missing, "payload")
	}
	if fact.EventTime.IsZero() {
		missing = append(missing, "event_time")
	}
	if fact.RetrievedAt.IsZero() {
		missing = append(missing, "retrieved_at")
	}
	if len(missing) > 0 {
		return models.ErrInvalidFact.WithDetail("missing %s", strings.Join(missing, ", "))
	}

	if want := DeriveFactID(fact.Source, fact.NativeKey); fact.ID != "" && fact.ID != want {
		return models.ErrInvalidFact.WithDetail("id %s does not match derived id %s", fact.ID, want)
	}

	hash, err := HashPayload(fact.Payload)
	if err != nil {
		return models.ErrInvalidFact.Wrap(err)
	}
	if fact.PayloadHash != "" && fact.PayloadHash != hash {
		return models.ErrInvalidFact.WithDetail("payload hash %s does not match computed %s", fact.PayloadHash, hash)
	}
	return nil
}

// Normalize validates fact and returns a copy ready for storage: derived id,
// canonical payload and payload hash filled in.
func Normalize(fact *models.ActivityFact) (*models.ActivityFact, error) {
	if err := Validate(fact); err != nil {
		return nil, err
	}
	out := *fact
	canonical, err := CanonicalPayload(fact.Payload)
	if err != nil {
		return nil, models.ErrInvalidFact.Wrap(err)
	}
	out.Payload = canonical
	out.ID = DeriveFactID(fact.Source, fact.NativeKey)
	out.PayloadHash, err = HashPayload(canonical)
	if err != nil {
		return nil, models.ErrInvalidFact.Wrap(err)
	}
	out.EventTime = fact.EventTime.UTC()
	out.RetrievedAt = fact.RetrievedAt.UTC()
	return &out, nil
}
