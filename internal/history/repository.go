// Package history stores settled classification requests in SQLite so
// operators can inspect what the classifier decided and how it failed.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/gray-logic-nlp/internal/classifier"
)

// Page size limits for List.
const (
	defaultLimit = 50
	maxLimit     = 200
)

// timeLayout is fixed-width UTC so created_at sorts lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Entry is one row of the classification history.
type Entry struct {
	ID        string             `json:"id"`
	RequestID string             `json:"request_id"`
	Sentence  string             `json:"sentence"`
	Status    string             `json:"status"`
	Class     string             `json:"class,omitempty"`
	Scores    map[string]float64 `json:"scores,omitempty"`
	Error     string             `json:"error,omitempty"`
	Duration  time.Duration      `json:"duration_ns"`
	CreatedAt time.Time          `json:"created_at"`
}

// Filter controls which entries List returns.
type Filter struct {
	Status    string    // optional: ok, classification_error, transport_error, canceled, timeout, rejected
	RequestID string    // optional: exact request id
	Since     time.Time // optional: entries created at or after
	Limit     int       // default 50, max 200
	Offset    int       // pagination offset
}

// ListResult contains one page of entries.
type ListResult struct {
	Entries []Entry `json:"entries"`
	Total   int     `json:"total"`
	Limit   int     `json:"limit"`
	Offset  int     `json:"offset"`
}

// Summary counts entries per status and per winning class.
type Summary struct {
	Since     time.Time      `json:"since"`
	Total     int            `json:"total"`
	ByStatus  map[string]int `json:"by_status"`
	ByClass   map[string]int `json:"by_class"`
	AvgMillis float64        `json:"avg_duration_ms"`
}

// Repository defines the classification history operations.
type Repository interface {
	Create(ctx context.Context, e *Entry) error
	List(ctx context.Context, filter Filter) (*ListResult, error)
	Summary(ctx context.Context, since time.Time) (*Summary, error)
}

// SQLiteRepository stores history in the classification_history table.
// It also satisfies classifier.Recorder.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a history repository on an open database.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// FromOutcome converts a service outcome into a history entry.
func FromOutcome(o classifier.Outcome) *Entry {
	e := &Entry{
		RequestID: o.RequestID,
		Sentence:  o.Sentence,
		Status:    string(o.Status),
		Duration:  o.Duration,
		CreatedAt: o.Time,
	}
	if o.Result != nil {
		e.Class = o.Class()
		e.Scores = o.Result.Scores()
	}
	if o.Err != nil {
		e.Error = o.Err.Error()
	}
	return e
}

// Record implements classifier.Recorder.
func (r *SQLiteRepository) Record(ctx context.Context, o classifier.Outcome) error {
	return r.Create(ctx, FromOutcome(o))
}

// Create inserts an entry. The ID and CreatedAt are generated if empty.
func (r *SQLiteRepository) Create(ctx context.Context, e *Entry) error {
	if e.ID == "" {
		e.ID = "cls-" + uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	e.CreatedAt = e.CreatedAt.UTC()

	var scoresJSON *string
	if len(e.Scores) > 0 {
		b, err := json.Marshal(e.Scores)
		if err != nil {
			return fmt.Errorf("marshalling scores: %w", err)
		}
		s := string(b)
		scoresJSON = &s
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO classification_history
		 (id, request_id, sentence, status, top_class, scores, error, duration_ms, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.RequestID, e.Sentence, e.Status,
		nullableString(e.Class), scoresJSON, nullableString(e.Error),
		e.Duration.Milliseconds(),
		e.CreatedAt.Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("inserting classification history: %w", err)
	}
	return nil
}

// nullableString maps "" to NULL for optional TEXT columns.
func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// List returns entries matching the filter, most recent first.
func (r *SQLiteRepository) List(ctx context.Context, filter Filter) (*ListResult, error) {
	if filter.Limit <= 0 {
		filter.Limit = defaultLimit
	}
	if filter.Limit > maxLimit {
		filter.Limit = maxLimit
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}

	var conditions []string
	var args []any

	if filter.Status != "" {
		conditions = append(conditions, "status = ?")
		args = append(args, filter.Status)
	}
	if filter.RequestID != "" {
		conditions = append(conditions, "request_id = ?")
		args = append(args, filter.RequestID)
	}
	if !filter.Since.IsZero() {
		conditions = append(conditions, "created_at >= ?")
		args = append(args, filter.Since.UTC().Format(timeLayout))
	}

	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}

	countQuery := "SELECT COUNT(*) FROM classification_history " + where //nolint:gosec // WHERE built from parameterised conditions
	var total int
	if err := r.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("counting classification history: %w", err)
	}

	query := "SELECT id, request_id, sentence, status, top_class, scores, error, duration_ms, created_at " + //nolint:gosec // WHERE built from parameterised conditions
		"FROM classification_history " + where + " ORDER BY created_at DESC, id LIMIT ? OFFSET ?"
	args = append(args, filter.Limit, filter.Offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying classification history: %w", err)
	}
	defer rows.Close()

	entries := []Entry{}
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating classification history: %w", err)
	}

	return &ListResult{
		Entries: entries,
		Total:   total,
		Limit:   filter.Limit,
		Offset:  filter.Offset,
	}, nil
}

func scanEntry(rows *sql.Rows) (Entry, error) {
	var e Entry
	var class, scores, errText sql.NullString
	var durationMS int64
	var createdAt string

	if err := rows.Scan(&e.ID, &e.RequestID, &e.Sentence, &e.Status,
		&class, &scores, &errText, &durationMS, &createdAt); err != nil {
		return Entry{}, fmt.Errorf("scanning classification history: %w", err)
	}

	e.Class = class.String
	e.Error = errText.String
	e.Duration = time.Duration(durationMS) * time.Millisecond
	if scores.Valid && scores.String != "" {
		if json.Unmarshal([]byte(scores.String), &e.Scores) != nil {
			e.Scores = nil
		}
	}

	t, err := time.Parse(timeLayout, createdAt)
	if err != nil {
		return Entry{}, fmt.Errorf("parsing history timestamp %q: %w", createdAt, err)
	}
	e.CreatedAt = t
	return e, nil
}

// Summary aggregates entries created at or after since.
func (r *SQLiteRepository) Summary(ctx context.Context, since time.Time) (*Summary, error) {
	s := &Summary{
		Since:    since,
		ByStatus: map[string]int{},
		ByClass:  map[string]int{},
	}
	sinceArg := since.UTC().Format(timeLayout)

	rows, err := r.db.QueryContext(ctx,
		`SELECT status, COALESCE(top_class, ''), COUNT(*), COALESCE(SUM(duration_ms), 0)
		 FROM classification_history
		 WHERE created_at >= ?
		 GROUP BY status, top_class`,
		sinceArg,
	)
	if err != nil {
		return nil, fmt.Errorf("summarising classification history: %w", err)
	}
	defer rows.Close()

	var totalMS int64
	for rows.Next() {
		var status, class string
		var count int
		var sumMS int64
		if err := rows.Scan(&status, &class, &count, &sumMS); err != nil {
			return nil, fmt.Errorf("scanning history summary: %w", err)
		}
		s.Total += count
		s.ByStatus[status] += count
		if class != "" {
			s.ByClass[class] += count
		}
		totalMS += sumMS
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating history summary: %w", err)
	}

	if s.Total > 0 {
		s.AvgMillis = float64(totalMS) / float64(s.Total)
	}
	return s, nil
}
