package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"coursepilot/internal/pool"
	"coursepilot/internal/unit"
	"coursepilot/internal/workflow"

	"gopkg.in/yaml.v3"
)

// SaveTemplate inserts or replaces a validated template.
func (s *Store) SaveTemplate(ctx context.Context, t *workflow.Template) error {
	if err := t.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return saveTemplate(ctx, s.db, t)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func saveTemplate(ctx context.Context, db execer, t *workflow.Template) error {
	body, err := yaml.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode template %s: %w", t.ID, err)
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO templates (id, name, body, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, body = excluded.body, updated_at = excluded.updated_at`,
		t.ID, t.Name, string(body), formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("save template %s: %w", t.ID, err)
	}
	return nil
}

// Template loads a template by id.
func (s *Store) Template(ctx context.Context, id string) (*workflow.Template, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var body string
	err := s.db.QueryRowContext(ctx, "SELECT body FROM templates WHERE id = ?", id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("template %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load template %s: %w", id, err)
	}
	var t workflow.Template
	if err := yaml.Unmarshal([]byte(body), &t); err != nil {
		return nil, fmt.Errorf("decode template %s: %w", id, err)
	}
	return &t, nil
}

// TemplateIDs lists stored template ids in order.
func (s *Store) TemplateIDs(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, "SELECT id FROM templates ORDER BY id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// SaveBatch stores a batch, its template and its credential list. An
// existing batch with the same number is replaced.
func (s *Store) SaveBatch(ctx context.Context, b *pool.Batch) error {
	if err := b.Validate(); err != nil {
		return err
	}
	launch, err := json.Marshal(b.Launch)
	if err != nil {
		return err
	}
	reauth, err := json.Marshal(b.Reauth)
	if err != nil {
		return err
	}
	session, err := json.Marshal(b.Session)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := saveTemplate(ctx, tx, b.Template); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO batches (no, template_id, launch, reauth, session, created_at) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(no) DO UPDATE SET template_id = excluded.template_id, launch = excluded.launch,
			reauth = excluded.reauth, session = excluded.session`,
		b.No, b.Template.ID, string(launch), string(reauth), string(session), formatTime(time.Now())); err != nil {
		return fmt.Errorf("save batch %d: %w", b.No, err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM credentials WHERE batch_no = ?", b.No); err != nil {
		return err
	}
	for i, c := range pool.Dedup(b.Credentials) {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO credentials (batch_no, position, username, password) VALUES (?, ?, ?, ?)",
			b.No, i, c.Username, c.Password); err != nil {
			return fmt.Errorf("save credential %s: %w", c.Username, err)
		}
	}
	return tx.Commit()
}

// LoadBatch reconstructs a stored batch.
func (s *Store) LoadBatch(ctx context.Context, no int) (*pool.Batch, error) {
	s.mu.RLock()
	var templateID, launch, reauth, session string
	err := s.db.QueryRowContext(ctx,
		"SELECT template_id, launch, reauth, session FROM batches WHERE no = ?", no).
		Scan(&templateID, &launch, &reauth, &session)
	s.mu.RUnlock()
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("batch %d: %w", no, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load batch %d: %w", no, err)
	}

	tmpl, err := s.Template(ctx, templateID)
	if err != nil {
		return nil, err
	}
	b := &pool.Batch{No: no, Template: tmpl}
	if err := json.Unmarshal([]byte(launch), &b.Launch); err != nil {
		return nil, fmt.Errorf("decode launch of batch %d: %w", no, err)
	}
	if err := json.Unmarshal([]byte(reauth), &b.Reauth); err != nil {
		return nil, fmt.Errorf("decode reauth of batch %d: %w", no, err)
	}
	if err := json.Unmarshal([]byte(session), &b.Session); err != nil {
		return nil, fmt.Errorf("decode session of batch %d: %w", no, err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.QueryContext(ctx,
		"SELECT username, password FROM credentials WHERE batch_no = ? ORDER BY position", no)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var c unit.Credential
		if err := rows.Scan(&c.Username, &c.Password); err != nil {
			return nil, err
		}
		b.Credentials = append(b.Credentials, c)
	}
	return b, rows.Err()
}

// BatchSummary is one row of ListBatches.
type BatchSummary struct {
	No          int       `json:"no"`
	TemplateID  string    `json:"template_id"`
	Credentials int       `json:"credentials"`
	CreatedAt   time.Time `json:"created_at"`
}

// ListBatches lists stored batches ordered by number.
func (s *Store) ListBatches(ctx context.Context) ([]BatchSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT b.no, b.template_id, b.created_at, COUNT(c.username)
		FROM batches b LEFT JOIN credentials c ON c.batch_no = b.no
		GROUP BY b.no ORDER BY b.no`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []BatchSummary
	for rows.Next() {
		var bs BatchSummary
		var created string
		if err := rows.Scan(&bs.No, &bs.TemplateID, &created, &bs.Credentials); err != nil {
			return nil, err
		}
		bs.CreatedAt = parseTime(created)
		out = append(out, bs)
	}
	return out, rows.Err()
}
