// Package statedata offloads large state result payloads to object storage
// so the state history table stays small. Offloading happens after the
// transition has committed and never blocks it.
package statedata

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/orchon-labs/orchon-go/internal/domain"
)

const contentTypeJSON = "application/json"

// Archive stores and retrieves the data payload of committed states.
type Archive struct {
	store  Store
	bucket string
}

func NewArchive(store Store, bucket string) *Archive {
	if store == nil || strings.TrimSpace(bucket) == "" {
		return nil
	}
	return &Archive{store: store, bucket: bucket}
}

// Key is the object path for one state's payload.
func Key(kind domain.RunKind, runID, stateID uuid.UUID) string {
	return fmt.Sprintf("%s/%s/%s.json", kind, runID, stateID)
}

// Offload writes the state's data detail, when present, to the archive.
// It reports whether anything was written.
func (a *Archive) Offload(ctx context.Context, kind domain.RunKind, runID uuid.UUID, state domain.State) (bool, error) {
	if a == nil {
		return false, fmt.Errorf("archive not initialized")
	}
	payload, ok := state.Details[domain.DetailData]
	if !ok || payload == nil {
		return false, nil
	}
	blob, err := json.Marshal(payload)
	if err != nil {
		return false, fmt.Errorf("marshal state data: %w", err)
	}
	key := Key(kind, runID, state.ID)
	if err := a.store.Put(ctx, a.bucket, key, bytes.NewReader(blob), int64(len(blob)), contentTypeJSON); err != nil {
		return false, fmt.Errorf("put state data: %w", err)
	}
	return true, nil
}

// PresignFetch returns a time-limited URL for one state's archived payload,
// letting workers download large payloads straight from the object store.
func (a *Archive) PresignFetch(ctx context.Context, kind domain.RunKind, runID, stateID uuid.UUID, ttl time.Duration) (string, error) {
	if a == nil {
		return "", fmt.Errorf("archive not initialized")
	}
	url, err := a.store.PresignGet(ctx, a.bucket, Key(kind, runID, stateID), ttl)
	if err != nil {
		return "", fmt.Errorf("presign state data: %w", err)
	}
	return url, nil
}

// Remove deletes one state's archived payload.
func (a *Archive) Remove(ctx context.Context, kind domain.RunKind, runID, stateID uuid.UUID) error {
	if a == nil {
		return fmt.Errorf("archive not initialized")
	}
	if err := a.store.Delete(ctx, a.bucket, Key(kind, runID, stateID)); err != nil {
		return fmt.Errorf("delete state data: %w", err)
	}
	return nil
}

// Fetch reads one state's archived payload.
func (a *Archive) Fetch(ctx context.Context, kind domain.RunKind, runID, stateID uuid.UUID) ([]byte, error) {
	if a == nil {
		return nil, fmt.Errorf("archive not initialized")
	}
	body, _, err := a.store.Get(ctx, a.bucket, Key(kind, runID, stateID))
	if err != nil {
		return nil, fmt.Errorf("get state data: %w", err)
	}
	defer body.Close()
	blob, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("read state data: %w", err)
	}
	return blob, nil
}
