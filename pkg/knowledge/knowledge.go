// Package knowledge implements component H of the pattern intelligence
// core: a concurrent-safe discovery database shared across agents, with a
// composable query builder that compiles to a single parameterized SELECT
// (no N+1), grounded on the teacher's buildSearchQuery/filterByMetadata
// pair in pkg/core/store.go.
package knowledge

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/patterncore/intel/pkg/errs"
)

// DiscoveryType is the sum-type tag for a DiscoveryRecord.
type DiscoveryType string

const (
	BugPattern         DiscoveryType = "bug_pattern"
	PerformanceInsight DiscoveryType = "performance_insight"
	SecurityRisk       DiscoveryType = "security_risk"
	BestPractice       DiscoveryType = "best_practice"
)

// Severity is optional; applies to BugPattern and SecurityRisk discoveries.
type Severity string

const (
	SeverityNone     Severity = ""
	SeverityLow      Severity = "Low"
	SeverityMedium   Severity = "Medium"
	SeverityHigh     Severity = "High"
	SeverityCritical Severity = "Critical"
)

// Discovery is the caller-supplied payload for Record.
type Discovery struct {
	Type         DiscoveryType
	Description  string
	Severity     Severity
	RelatedFiles []string
	Tags         []string
	Domain       string
}

// Record is the durable DiscoveryRecord (spec.md §3).
type Record struct {
	ID             string
	Type           DiscoveryType
	Description    string
	Severity       Severity
	RelatedFiles   []string
	Tags           []string
	Domain         string
	Agent          string
	Timestamp      time.Time
	Validated      bool
	ReferenceCount int
}

// Query composes filters for the Store's query builder. Zero-value fields
// are omitted from the compiled SELECT.
type Query struct {
	Type          DiscoveryType
	Severity      Severity
	Domain        string
	Tags          []string // OR semantics
	Agent         string
	File          string
	ValidatedOnly bool
	Limit         int
}

// Store is the Shared Knowledge Store's sole implementation: a process-wide
// singleton with many-readers/one-writer semantics at this level (spec.md §5).
type Store struct {
	mu sync.Mutex // serializes writes; readers use the db's own pool
	db *sql.DB
}

// Open creates (or opens) the discoveries table at path.
func Open(ctx context.Context, path string) (*Store, error) {
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errs.New("knowledge.Open", errs.Fatal, err)
	}
	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS discoveries (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			severity TEXT,
			domain TEXT,
			payload TEXT NOT NULL,
			validated INTEGER NOT NULL DEFAULT 0,
			ref_count INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_discoveries_type ON discoveries(type);
		CREATE INDEX IF NOT EXISTS idx_discoveries_severity ON discoveries(severity);
		CREATE INDEX IF NOT EXISTS idx_discoveries_domain ON discoveries(domain);
	`); err != nil {
		return nil, errs.New("knowledge.Open", errs.Fatal, err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying handle.
func (s *Store) Close() error { return s.db.Close() }

type payload struct {
	Description  string   `json:"description"`
	RelatedFiles []string `json:"related_files"`
	Tags         []string `json:"tags"`
	Agent        string   `json:"agent"`
}

// Record appends a new discovery, merging into an existing near-duplicate
// within a 24-hour window instead of inserting a second row (spec.md §4.H
// conflict resolution).
func (s *Store) Record(ctx context.Context, d Discovery, agent string) (Record, error) {
	if d.Description == "" {
		return Record{}, errs.New("knowledge.record", errs.Validation, fmt.Errorf("description cannot be empty"))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if dup, ok, err := s.findDuplicate(ctx, d, agent); err != nil {
		return Record{}, err
	} else if ok {
		return s.merge(ctx, dup, d, agent)
	}

	rec := Record{
		ID:             uuid.NewString(),
		Type:           d.Type,
		Description:    d.Description,
		Severity:       d.Severity,
		RelatedFiles:   d.RelatedFiles,
		Tags:           d.Tags,
		Domain:         d.Domain,
		Agent:          agent,
		Timestamp:      time.Now(),
		Validated:      false,
		ReferenceCount: 0,
	}
	if err := s.insert(ctx, rec); err != nil {
		return Record{}, err
	}
	return rec, nil
}

func (s *Store) insert(ctx context.Context, rec Record) error {
	p := payload{Description: rec.Description, RelatedFiles: rec.RelatedFiles, Tags: rec.Tags, Agent: rec.Agent}
	body, err := json.Marshal(p)
	if err != nil {
		return errs.New("knowledge.insert", errs.Validation, err)
	}
	validated := 0
	if rec.Validated {
		validated = 1
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO discoveries (id, type, severity, domain, payload, validated, ref_count, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET payload = excluded.payload, validated = excluded.validated, ref_count = excluded.ref_count, created_at = excluded.created_at
	`, rec.ID, string(rec.Type), string(rec.Severity), rec.Domain, string(body), validated, rec.ReferenceCount, rec.Timestamp.Unix())
	if err != nil {
		return errs.New("knowledge.insert", errs.Transient, err)
	}
	return nil
}

func (s *Store) findDuplicate(ctx context.Context, d Discovery, agent string) (Record, bool, error) {
	cutoff := time.Now().Add(-24 * time.Hour).Unix()
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, type, severity, domain, payload, validated, ref_count, created_at
		FROM discoveries WHERE type = ? AND created_at >= ?
	`, string(d.Type), cutoff)
	if err != nil {
		return Record{}, false, errs.New("knowledge.find_duplicate", errs.Transient, err)
	}
	defer rows.Close()

	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			continue
		}
		if sharesFile(rec.RelatedFiles, d.RelatedFiles) && fuzzySimilar(rec.Description, d.Description) > 0.8 {
			return rec, true, nil
		}
	}
	return Record{}, false, rows.Err()
}

func (s *Store) merge(ctx context.Context, existing Record, d Discovery, agent string) (Record, error) {
	merged := existing
	merged.Tags = unionStrings(existing.Tags, d.Tags)
	merged.Timestamp = time.Now()
	merged.ReferenceCount++
	if d.Severity != SeverityNone && existing.Severity == SeverityNone {
		merged.Severity = d.Severity
	}
	if err := s.insert(ctx, merged); err != nil {
		return Record{}, err
	}
	return merged, nil
}

// Validate sets validated = true and increments reference_count.
func (s *Store) Validate(ctx context.Context, id, byAgent string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE discoveries SET validated = 1, ref_count = ref_count + 1 WHERE id = ?
	`, id)
	if err != nil {
		return errs.New("knowledge.validate", errs.Transient, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return errs.New("knowledge.validate", errs.NotFound, fmt.Errorf("discovery %q not found", id))
	}
	return nil
}

// Query compiles q into a single parameterized SELECT and returns records
// ranked by spec.md §4.H's formula, descending.
func (s *Store) Query(ctx context.Context, q Query) ([]Record, error) {
	sqlStr := "SELECT id, type, severity, domain, payload, validated, ref_count, created_at FROM discoveries WHERE 1=1"
	var args []interface{}

	if q.Type != "" {
		sqlStr += " AND type = ?"
		args = append(args, string(q.Type))
	}
	if q.Severity != "" {
		sqlStr += " AND severity = ?"
		args = append(args, string(q.Severity))
	}
	if q.Domain != "" {
		sqlStr += " AND domain = ?"
		args = append(args, q.Domain)
	}
	if q.ValidatedOnly {
		sqlStr += " AND validated = 1"
	}
	if len(q.Tags) > 0 {
		clauses := make([]string, len(q.Tags))
		for i, t := range q.Tags {
			clauses[i] = "payload LIKE ?"
			args = append(args, "%\""+t+"\"%")
		}
		sqlStr += " AND (" + strings.Join(clauses, " OR ") + ")"
	}
	if q.Agent != "" {
		sqlStr += " AND payload LIKE ?"
		args = append(args, "%\"agent\":\""+q.Agent+"\"%")
	}
	if q.File != "" {
		sqlStr += " AND payload LIKE ?"
		args = append(args, "%\""+q.File+"\"%")
	}

	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, errs.New("knowledge.query", errs.Transient, err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			continue
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.New("knowledge.query", errs.Transient, err)
	}

	type ranked struct {
		rec   Record
		score float64
	}
	out := make([]ranked, len(records))
	for i, r := range records {
		out[i] = ranked{rec: r, score: rankScore(r)}
	}
	sortRankedDesc(out)

	limit := q.Limit
	if limit <= 0 || limit > len(out) {
		limit = len(out)
	}
	result := make([]Record, limit)
	for i := 0; i < limit; i++ {
		result[i] = out[i].rec
	}
	return result, nil
}

func rankScore(r Record) float64 {
	ageDays := time.Since(r.Timestamp).Hours() / 24
	recencyBoost := 0.3 * math.Exp(-ageDays/30)
	validationBoost := 0.0
	if r.Validated {
		validationBoost = 0.5
	}
	referenceBoost := 0.1 * math.Log10(float64(r.ReferenceCount)+1)
	// severity_boost maps Low/Medium/High/Critical to {0, 0.1, 0.3, 0.4}
	// positionally (spec.md §4.H); absent severity contributes nothing.
	severityBoost := 0.0
	switch r.Severity {
	case SeverityLow:
		severityBoost = 0
	case SeverityMedium:
		severityBoost = 0.1
	case SeverityHigh:
		severityBoost = 0.3
	case SeverityCritical:
		severityBoost = 0.4
	}
	return 1 + recencyBoost + validationBoost + referenceBoost + severityBoost
}

func sortRankedDesc(items []struct {
	rec   Record
	score float64
}) {
	for i := 1; i < len(items); i++ {
		j := i
		for j > 0 && items[j-1].score < items[j].score {
			items[j-1], items[j] = items[j], items[j-1]
			j--
		}
	}
}

func scanRecord(rows *sql.Rows) (Record, error) {
	var id, typ string
	var severity, domain sql.NullString
	var payloadJSON string
	var validated, refCount int
	var createdAt int64
	if err := rows.Scan(&id, &typ, &severity, &domain, &payloadJSON, &validated, &refCount, &createdAt); err != nil {
		return Record{}, err
	}
	var p payload
	_ = json.Unmarshal([]byte(payloadJSON), &p)
	return Record{
		ID:             id,
		Type:           DiscoveryType(typ),
		Description:    p.Description,
		Severity:       Severity(severity.String),
		RelatedFiles:   p.RelatedFiles,
		Tags:           p.Tags,
		Domain:         domain.String,
		Agent:          p.Agent,
		Timestamp:      time.Unix(createdAt, 0),
		Validated:      validated == 1,
		ReferenceCount: refCount,
	}, nil
}

func sharesFile(a, b []string) bool {
	if len(a) == 0 || len(b) == 0 {
		return len(a) == 0 && len(b) == 0
	}
	set := make(map[string]struct{}, len(a))
	for _, f := range a {
		set[f] = struct{}{}
	}
	for _, f := range b {
		if _, ok := set[f]; ok {
			return true
		}
	}
	return false
}

// fuzzySimilar computes token-set Jaccard similarity between two
// descriptions, a lightweight stand-in for the spec's "fuzzy-similarity"
// comparator (spec.md §4.H).
func fuzzySimilar(a, b string) float64 {
	ta := tokenSet(a)
	tb := tokenSet(b)
	if len(ta) == 0 && len(tb) == 0 {
		return 1
	}
	inter := 0
	for t := range ta {
		if _, ok := tb[t]; ok {
			inter++
		}
	}
	union := len(ta) + len(tb) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

func tokenSet(s string) map[string]struct{} {
	fields := strings.Fields(strings.ToLower(s))
	set := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		set[f] = struct{}{}
	}
	return set
}

func unionStrings(a, b []string) []string {
	set := make(map[string]struct{}, len(a)+len(b))
	var out []string
	for _, s := range append(append([]string{}, a...), b...) {
		if _, ok := set[s]; !ok {
			set[s] = struct{}{}
			out = append(out, s)
		}
	}
	return out
}
