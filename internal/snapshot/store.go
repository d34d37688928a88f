// Package snapshot persists per-entity version history and conversation
// transcripts in a local SQLite database. Versions are append-only: once
// written, only the free-text description may change.
package snapshot

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"autosmith/internal/diff"
	"autosmith/internal/fault"
	"autosmith/internal/logging"
)

// Well-known version reasons.
const (
	ReasonLoadedSeed     = "loaded_seed"
	ReasonPreApplyBackup = "pre_apply_backup"
	ReasonApply          = "apply"
	ReasonManual         = "manual"
	ReasonCombine        = "combine"
	ReasonRevert         = "revert"
)

// Version is one immutable document snapshot.
type Version struct {
	ID          string    `json:"id"`
	EntityID    string    `json:"entity_id"`
	Label       string    `json:"label"`
	Reason      string    `json:"reason"`
	Note        string    `json:"note"`
	Description string    `json:"description"`
	Summary     string    `json:"summary"`
	Size        int       `json:"size"`
	CreatedAt   time.Time `json:"created_at"`
}

// Turn is one persisted conversation message.
type Turn struct {
	Role      string    `json:"role"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// Store manages the versions database.
type Store struct {
	db     *sql.DB
	dbPath string
	mu     sync.RWMutex
}

// NewStore creates or opens the versions database at dbPath.
func NewStore(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fault.StoreUnavailablef("failed to open database %s", dbPath)
	}
	db.SetMaxOpenConns(1)

	store := &Store{
		db:     db,
		dbPath: dbPath,
	}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	logging.Store("Opened versions database at %s", dbPath)
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.dbPath
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS versions (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		entity_id TEXT NOT NULL,
		label TEXT NOT NULL,
		reason TEXT NOT NULL,
		note TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		summary TEXT NOT NULL DEFAULT '',
		document TEXT NOT NULL,
		size INTEGER NOT NULL,
		created_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_versions_entity ON versions(entity_id, seq);

	CREATE TABLE IF NOT EXISTS conversation_turns (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		entity_id TEXT NOT NULL,
		role TEXT NOT NULL,
		text TEXT NOT NULL,
		created_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_turns_entity ON conversation_turns(entity_id, seq);

	CREATE TABLE IF NOT EXISTS conversations (
		entity_id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS last_applied (
		entity_id TEXT PRIMARY KEY,
		document TEXT NOT NULL,
		version_id TEXT NOT NULL,
		applied_at DATETIME NOT NULL
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// CreateVersion appends a new immutable version for the entity. The label and
// diff summary are derived from the latest stored version of the same entity.
func (s *Store) CreateVersion(entityID, document, reason, note string) (*Version, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createVersionLocked(entityID, document, reason, note)
}

func (s *Store) createVersionLocked(entityID, document, reason, note string) (*Version, error) {
	var prevDoc, prevLabel string
	err := s.db.QueryRow(`
		SELECT document, label FROM versions
		WHERE entity_id = ?
		ORDER BY seq DESC LIMIT 1
	`, entityID).Scan(&prevDoc, &prevLabel)
	if err != nil && err != sql.ErrNoRows {
		return nil, fault.StoreUnavailablef("failed to read latest version for %s", entityID)
	}

	var label string
	if err == sql.ErrNoRows {
		label = diff.FormatLabel(1, 0)
	} else {
		stats := diff.ComputeLineStats(prevDoc, document)
		label = diff.NextLabel(prevLabel, diff.IsMajor(stats))
	}
	summary := diff.ChangeSummary(prevDoc, document)

	v := &Version{
		ID:          uuid.NewString(),
		EntityID:    entityID,
		Label:       label,
		Reason:      reason,
		Note:        strings.TrimSpace(note),
		Description: strings.TrimSpace(note),
		Summary:     summary,
		Size:        len(document),
		CreatedAt:   time.Now().UTC(),
	}

	_, err = s.db.Exec(`
		INSERT INTO versions (id, entity_id, label, reason, note, description, summary, document, size, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, v.ID, v.EntityID, v.Label, v.Reason, v.Note, v.Description, v.Summary, document, v.Size, v.CreatedAt)
	if err != nil {
		return nil, fault.StoreUnavailablef("failed to write version for %s", entityID)
	}

	logging.Store("Created version %s (%s, %s) for %s", v.ID, v.Label, v.Reason, entityID)
	return v, nil
}

// EnsureSeed writes a first version from the entity's live document when no
// history exists yet. Safe to call repeatedly; an already-seeded entity is
// left untouched.
func (s *Store) EnsureSeed(entityID, document string) (*Version, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM versions WHERE entity_id = ?`, entityID).Scan(&count); err != nil {
		return nil, fault.StoreUnavailablef("failed to check history for %s", entityID)
	}
	if count > 0 {
		return nil, nil
	}
	return s.createVersionLocked(entityID, document, ReasonLoadedSeed, "")
}

// SetConversation records the entity's open agent conversation id so a
// session can resume it after a restart. An empty id forgets the conversation.
func (s *Store) SetConversation(entityID, conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var err error
	if conversationID == "" {
		_, err = s.db.Exec(`DELETE FROM conversations WHERE entity_id = ?`, entityID)
	} else {
		_, err = s.db.Exec(`
			INSERT INTO conversations (entity_id, conversation_id, updated_at)
			VALUES (?, ?, ?)
			ON CONFLICT(entity_id) DO UPDATE SET
				conversation_id = excluded.conversation_id,
				updated_at = excluded.updated_at
		`, entityID, conversationID, time.Now().UTC())
	}
	if err != nil {
		return fault.StoreUnavailablef("failed to record conversation for %s", entityID)
	}
	return nil
}

// Conversation returns the entity's stored conversation id, or "" when none
// is open.
func (s *Store) Conversation(entityID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var id string
	err := s.db.QueryRow(`SELECT conversation_id FROM conversations WHERE entity_id = ?`, entityID).Scan(&id)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fault.StoreUnavailablef("failed to read conversation for %s", entityID)
	}
	return id, nil
}

// SetLastApplied records the most recently applied document for the entity,
// replacing any earlier record.
func (s *Store) SetLastApplied(entityID, document, versionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO last_applied (entity_id, document, version_id, applied_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(entity_id) DO UPDATE SET
			document = excluded.document,
			version_id = excluded.version_id,
			applied_at = excluded.applied_at
	`, entityID, document, versionID, time.Now().UTC())
	if err != nil {
		return fault.StoreUnavailablef("failed to record last applied document for %s", entityID)
	}
	return nil
}

// LastApplied returns the most recently applied document and its version id.
func (s *Store) LastApplied(entityID string) (string, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var doc, versionID string
	err := s.db.QueryRow(`
		SELECT document, version_id FROM last_applied WHERE entity_id = ?
	`, entityID).Scan(&doc, &versionID)
	if err == sql.ErrNoRows {
		return "", "", fault.NotFoundf("no applied document for %s", entityID)
	}
	if err != nil {
		return "", "", fault.StoreUnavailablef("failed to read last applied document for %s", entityID)
	}
	return doc, versionID, nil
}

// ListVersions returns the entity's version metadata, newest first.
func (s *Store) ListVersions(entityID string) ([]Version, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, entity_id, label, reason, note, description, summary, size, created_at
		FROM versions
		WHERE entity_id = ?
		ORDER BY seq DESC
	`, entityID)
	if err != nil {
		return nil, fault.StoreUnavailablef("failed to list versions for %s", entityID)
	}
	defer rows.Close()

	var versions []Version
	for rows.Next() {
		var v Version
		if err := rows.Scan(&v.ID, &v.EntityID, &v.Label, &v.Reason, &v.Note,
			&v.Description, &v.Summary, &v.Size, &v.CreatedAt); err != nil {
			continue
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// FetchDocument returns the stored document for one version.
func (s *Store) FetchDocument(entityID, versionID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var document string
	err := s.db.QueryRow(`
		SELECT document FROM versions WHERE entity_id = ? AND id = ?
	`, entityID, versionID).Scan(&document)
	if err == sql.ErrNoRows {
		return "", fault.NotFoundf("version %s for %s", versionID, entityID)
	}
	if err != nil {
		return "", fault.StoreUnavailablef("failed to fetch version %s", versionID)
	}
	return document, nil
}

// LatestDocument returns the most recent stored document and its version,
// or ErrNotFound when the entity has no history.
func (s *Store) LatestDocument(entityID string) (string, *Version, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var v Version
	var document string
	err := s.db.QueryRow(`
		SELECT id, entity_id, label, reason, note, description, summary, size, created_at, document
		FROM versions
		WHERE entity_id = ?
		ORDER BY seq DESC LIMIT 1
	`, entityID).Scan(&v.ID, &v.EntityID, &v.Label, &v.Reason, &v.Note,
		&v.Description, &v.Summary, &v.Size, &v.CreatedAt, &document)
	if err == sql.ErrNoRows {
		return "", nil, fault.NotFoundf("no versions for %s", entityID)
	}
	if err != nil {
		return "", nil, fault.StoreUnavailablef("failed to read latest version for %s", entityID)
	}
	return document, &v, nil
}

// PriorDocument returns the document one step before latest, used by revert.
func (s *Store) PriorDocument(entityID string) (string, *Version, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var v Version
	var document string
	err := s.db.QueryRow(`
		SELECT id, entity_id, label, reason, note, description, summary, size, created_at, document
		FROM versions
		WHERE entity_id = ?
		ORDER BY seq DESC LIMIT 1 OFFSET 1
	`, entityID).Scan(&v.ID, &v.EntityID, &v.Label, &v.Reason, &v.Note,
		&v.Description, &v.Summary, &v.Size, &v.CreatedAt, &document)
	if err == sql.ErrNoRows {
		return "", nil, fault.NotFoundf("no prior version for %s", entityID)
	}
	if err != nil {
		return "", nil, fault.StoreUnavailablef("failed to read prior version for %s", entityID)
	}
	return document, &v, nil
}

// UpdateDescription replaces the free-text description of a version. Every
// other field is immutable after creation.
func (s *Store) UpdateDescription(entityID, versionID, text string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	text = strings.TrimSpace(text)
	result, err := s.db.Exec(`
		UPDATE versions SET description = ? WHERE entity_id = ? AND id = ?
	`, text, entityID, versionID)
	if err != nil {
		return "", fault.StoreUnavailablef("failed to update description for %s", versionID)
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return "", fault.NotFoundf("version %s for %s", versionID, entityID)
	}
	return text, nil
}

// AppendTurn persists one conversation message for the entity.
func (s *Store) AppendTurn(entityID, role, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO conversation_turns (entity_id, role, text, created_at)
		VALUES (?, ?, ?, ?)
	`, entityID, role, text, time.Now().UTC())
	if err != nil {
		return fault.StoreUnavailablef("failed to append turn for %s", entityID)
	}
	return nil
}

// History returns the entity's persisted conversation, oldest first.
func (s *Store) History(entityID string) ([]Turn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT role, text, created_at FROM conversation_turns
		WHERE entity_id = ?
		ORDER BY seq ASC
	`, entityID)
	if err != nil {
		return nil, fault.StoreUnavailablef("failed to read history for %s", entityID)
	}
	defer rows.Close()

	var turns []Turn
	for rows.Next() {
		var t Turn
		if err := rows.Scan(&t.Role, &t.Text, &t.CreatedAt); err != nil {
			continue
		}
		turns = append(turns, t)
	}
	return turns, rows.Err()
}

// ClearHistory removes the entity's persisted conversation.
func (s *Store) ClearHistory(entityID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`DELETE FROM conversation_turns WHERE entity_id = ?`, entityID)
	if err != nil {
		return fault.StoreUnavailablef("failed to clear history for %s", entityID)
	}
	return nil
}
