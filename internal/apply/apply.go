// Package apply pushes a draft document to the live store with a
// backup-first protocol: the live document is snapshotted before the write,
// and the applied document is snapshotted after. A failed write leaves the
// backup in place so the pre-apply state is always recoverable.
package apply

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"autosmith/internal/fault"
	"autosmith/internal/hass"
	"autosmith/internal/logging"
	"autosmith/internal/snapshot"
)

// Applier runs the apply and revert protocols.
type Applier struct {
	store *hass.Client
	snaps *snapshot.Store
}

// Result reports one completed apply.
type Result struct {
	EntityID  string            `json:"entity_id"`
	RemoteRef string            `json:"remote_ref"`
	Created   bool              `json:"created"`
	Backup    *snapshot.Version `json:"backup,omitempty"`
	Version   *snapshot.Version `json:"version"`
}

func New(store *hass.Client, snaps *snapshot.Store) *Applier {
	return &Applier{store: store, snaps: snaps}
}

// Bootstrap seeds the version history from the live document. First access
// to an entity goes through here so listing versions always has a base.
func (a *Applier) Bootstrap(ctx context.Context, entityID string) (string, error) {
	doc, _, err := a.store.Get(ctx, entityID)
	if err != nil {
		return "", err
	}
	if _, err := a.snaps.EnsureSeed(entityID, doc); err != nil {
		return "", err
	}
	return doc, nil
}

// Apply writes doc to the live store. The live document is backed up first;
// the apply snapshot is only taken after the store accepted the write. When
// the store write fails the backup is retained and no apply snapshot exists.
func (a *Applier) Apply(ctx context.Context, entityID, doc, note string) (Result, error) {
	return a.applyAs(ctx, entityID, doc, note, snapshot.ReasonApply)
}

func (a *Applier) applyAs(ctx context.Context, entityID, doc, note, reason string) (Result, error) {
	doc = strings.TrimSpace(doc) + "\n"
	if strings.TrimSpace(doc) == "" {
		return Result{}, fmt.Errorf("missing document for %s", entityID)
	}

	live, _, err := a.store.Get(ctx, entityID)
	created := false
	if err != nil {
		if !errors.Is(err, fault.ErrNotFound) {
			return Result{}, err
		}
		created = true
	}

	var backup *snapshot.Version
	if !created {
		backup, err = a.snaps.CreateVersion(entityID, live, snapshot.ReasonPreApplyBackup, note)
		if err != nil {
			return Result{}, err
		}
	}

	ref, err := a.store.Write(ctx, entityID, doc)
	if err != nil {
		logging.Apply("store write failed for %s, backup retained: %v", entityID, err)
		return Result{EntityID: entityID, Backup: backup}, err
	}

	version, err := a.snaps.CreateVersion(entityID, doc, reason, note)
	if err != nil {
		return Result{EntityID: entityID, RemoteRef: ref, Created: created, Backup: backup}, err
	}

	if err := a.snaps.SetLastApplied(entityID, doc, version.ID); err != nil {
		logging.Apply("last-applied record failed for %s: %v", entityID, err)
	}

	logging.Apply("applied %s to %s (version %s)", version.Label, entityID, version.ID)
	return Result{
		EntityID:  entityID,
		RemoteRef: ref,
		Created:   created,
		Backup:    backup,
		Version:   version,
	}, nil
}

// Revert applies the previous version's document through the normal apply
// path, so the revert itself is backed up and versioned.
func (a *Applier) Revert(ctx context.Context, entityID string) (Result, error) {
	doc, prior, err := a.snaps.PriorDocument(entityID)
	if err != nil {
		return Result{}, err
	}
	note := fmt.Sprintf("revert to %s", prior.Label)
	res, err := a.applyAs(ctx, entityID, doc, note, snapshot.ReasonRevert)
	if err != nil {
		return res, err
	}
	logging.Apply("reverted %s to %s", entityID, prior.Label)
	return res, nil
}

// Restore applies an arbitrary stored version by id through the apply path.
func (a *Applier) Restore(ctx context.Context, entityID, versionID string) (Result, error) {
	doc, err := a.snaps.FetchDocument(entityID, versionID)
	if err != nil {
		return Result{}, err
	}
	return a.applyAs(ctx, entityID, doc, fmt.Sprintf("restore %s", versionID), snapshot.ReasonRevert)
}
