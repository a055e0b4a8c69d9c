// Package version appends immutable history records for entities. The
// checksum is a SHA-256 over a canonical JSON encoding with volatile
// bookkeeping fields removed, so a sync that changes nothing writes
// nothing. Changed entities get a dense version number and a structural
// diff against the previous snapshot.
package version

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tradewind/marketsync/internal/storage"
	"github.com/tradewind/marketsync/internal/types"
)

// volatileFields are excluded from the canonical encoding: they change on
// every sync pass without representing a content change.
var volatileFields = map[string]bool{
	"id":             true,
	"created_at":     true,
	"updated_at":     true,
	"last_sync_time": true,
	"sync_status":    true,
	"deleted_at":     true,
	"product_count":  true, // derived
}

// Canonical returns the canonical JSON bytes and checksum of an entity.
// encoding/json sorts map keys, which makes the encoding stable.
func Canonical(entity interface{}) ([]byte, string, error) {
	raw, err := json.Marshal(entity)
	if err != nil {
		return nil, "", fmt.Errorf("failed to encode entity: %w", err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, "", fmt.Errorf("failed to re-decode entity: %w", err)
	}
	for f := range volatileFields {
		delete(m, f)
	}
	canonical, err := json.Marshal(m)
	if err != nil {
		return nil, "", fmt.Errorf("failed to encode canonical form: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return canonical, hex.EncodeToString(sum[:]), nil
}

// FieldChange is one modified key in a structural diff.
type FieldChange struct {
	Before interface{} `json:"before"`
	After  interface{} `json:"after"`
}

// Diff is the structural difference between two snapshots.
type Diff struct {
	Added    map[string]interface{} `json:"added,omitempty"`
	Removed  map[string]interface{} `json:"removed,omitempty"`
	Modified map[string]FieldChange `json:"modified,omitempty"`
}

// Empty reports whether the diff carries no changes.
func (d *Diff) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Modified) == 0
}

// Compute diffs two canonical snapshots key by key.
func Compute(prev, curr []byte) (*Diff, error) {
	var before, after map[string]interface{}
	if len(prev) > 0 {
		if err := json.Unmarshal(prev, &before); err != nil {
			return nil, fmt.Errorf("failed to decode previous snapshot: %w", err)
		}
	}
	if len(curr) > 0 {
		if err := json.Unmarshal(curr, &after); err != nil {
			return nil, fmt.Errorf("failed to decode current snapshot: %w", err)
		}
	}

	d := &Diff{
		Added:    make(map[string]interface{}),
		Removed:  make(map[string]interface{}),
		Modified: make(map[string]FieldChange),
	}
	for k, av := range after {
		bv, ok := before[k]
		if !ok {
			d.Added[k] = av
			continue
		}
		if !jsonEqual(bv, av) {
			d.Modified[k] = FieldChange{Before: bv, After: av}
		}
	}
	for k, bv := range before {
		if _, ok := after[k]; !ok {
			d.Removed[k] = bv
		}
	}
	return d, nil
}

func jsonEqual(a, b interface{}) bool {
	ab, _ := json.Marshal(a)
	bb, _ := json.Marshal(b)
	return string(ab) == string(bb)
}

// Record writes a version for the entity if its content changed since
// the latest version. Returns true when a version was appended. Create,
// restore and delete changes always write, even with a trivial diff; an
// unchanged update is skipped.
func Record(ctx context.Context, tx storage.Transaction, et types.EntityType, entityID string, entity interface{}, author string, kind types.ChangeKind) (bool, error) {
	canonical, checksum, err := Canonical(entity)
	if err != nil {
		return false, err
	}

	latest, err := tx.LatestVersion(ctx, et, entityID)
	if err != nil && !errors.Is(err, types.ErrNotFound) {
		return false, err
	}

	v := &types.VersionRecord{
		EntityType: et,
		EntityID:   entityID,
		ChangeKind: kind,
		Author:     author,
		Checksum:   checksum,
		Snapshot:   canonical,
	}

	if latest == nil {
		// First version is a create regardless of the submitted kind.
		if kind == types.ChangeUpdate {
			v.ChangeKind = types.ChangeCreate
		}
		return true, tx.AppendVersion(ctx, v)
	}

	if latest.Checksum == checksum && kind == types.ChangeUpdate {
		return false, nil
	}

	diff, err := Compute(latest.Snapshot, canonical)
	if err != nil {
		return false, err
	}
	if !diff.Empty() || kind != types.ChangeUpdate {
		v.Diff, err = json.Marshal(diff)
		if err != nil {
			return false, fmt.Errorf("failed to encode diff: %w", err)
		}
		return true, tx.AppendVersion(ctx, v)
	}
	return false, nil
}
