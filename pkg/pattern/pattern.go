// Package pattern implements component C of the pattern intelligence core:
// typed CRUD over Pattern values plus the validation and security scans
// spec.md §4.C and §7 require. It is grounded on the teacher's collection
// CRUD in pkg/core/store.go, adapted to the Pattern entity's own shape and
// Unicode-normalization requirement (spec.md §9).
package pattern

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"

	"github.com/patterncore/intel/pkg/errs"
)

const (
	minTitleLen   = 3
	maxTitleLen   = 100
	minContentLen = 50
	maxContentLen = 10_000
	maxTags       = 20
)

// Metadata carries the optional language/framework/domain classification.
type Metadata struct {
	Language  string
	Framework string
	Domain    string
}

// Pattern is the library's exclusively-owned entity (spec.md §3).
type Pattern struct {
	ID        string
	Title     string
	Content   string
	Tags      []string
	Metadata  Metadata
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ChangeEvent is emitted after any mutation so the Pattern Index can recompute
// embeddings (spec.md §4.C).
type ChangeEvent struct {
	PatternID string
	Kind      ChangeKind
}

// ChangeKind distinguishes the mutation that produced a ChangeEvent.
type ChangeKind int

const (
	Created ChangeKind = iota
	Updated
	Deleted
)

// Builder collects the fields needed to create a Pattern.
type Builder struct {
	Title    string
	Content  string
	Tags     []string
	Metadata Metadata
}

// Mutator edits an existing Pattern in place; return an error to abort the
// mutation (the stored Pattern is left unchanged).
type Mutator func(*Pattern) error

// Listener receives change events; it must not block.
type Listener func(ChangeEvent)

// Library is the process-wide singleton that owns every Pattern (spec.md §5).
type Library struct {
	mu        sync.RWMutex
	patterns  map[string]*Pattern
	listeners []Listener
}

// New constructs an empty, in-memory Library. It owns the authoritative copy
// of every Pattern and the change-event fan-out; patterns are not persisted
// and are lost when the process exits.
func New() *Library {
	return &Library{patterns: make(map[string]*Pattern)}
}

// Subscribe registers a listener for change events (consumed by the Pattern
// Index to recompute embeddings on Dirty).
func (l *Library) Subscribe(fn Listener) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.listeners = append(l.listeners, fn)
}

func (l *Library) emit(ev ChangeEvent) {
	for _, fn := range l.listeners {
		fn(ev)
	}
}

// Create validates and stores a new Pattern.
func (l *Library) Create(ctx context.Context, b Builder) (*Pattern, error) {
	if err := ctx.Err(); err != nil {
		return nil, errs.New("pattern.create", errs.Cancelled, err)
	}

	title := norm.NFC.String(strings.TrimSpace(b.Title))
	content := norm.NFC.String(b.Content)

	if err := validateTitle(title); err != nil {
		return nil, errs.New("pattern.create", errs.Validation, err)
	}
	if err := validateContent(content); err != nil {
		return nil, errs.New("pattern.create", errs.Validation, err)
	}
	tags, err := normalizeTags(b.Tags)
	if err != nil {
		return nil, errs.New("pattern.create", errs.Validation, err)
	}
	if err := scanSuspicious(content); err != nil {
		return nil, errs.New("pattern.create", errs.Validation, err)
	}
	if err := scanSecurity(title, content); err != nil {
		return nil, errs.New("pattern.create", errs.Validation, err)
	}

	now := time.Now()
	p := &Pattern{
		ID:        uuid.NewString(),
		Title:     title,
		Content:   content,
		Tags:      tags,
		Metadata:  b.Metadata,
		CreatedAt: now,
		UpdatedAt: now,
	}

	l.mu.Lock()
	l.patterns[p.ID] = p
	l.mu.Unlock()

	l.emit(ChangeEvent{PatternID: p.ID, Kind: Created})
	return p, nil
}

// Get returns a copy of the pattern with the given id.
func (l *Library) Get(ctx context.Context, id string) (*Pattern, error) {
	if err := ctx.Err(); err != nil {
		return nil, errs.New("pattern.get", errs.Cancelled, err)
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	p, ok := l.patterns[id]
	if !ok {
		return nil, errs.New("pattern.get", errs.NotFound, fmt.Errorf("pattern %q not found", id))
	}
	cp := *p
	return &cp, nil
}

// Update applies mutator to the pattern, re-validates, and bumps updated_at.
func (l *Library) Update(ctx context.Context, id string, mutator Mutator) (*Pattern, error) {
	if err := ctx.Err(); err != nil {
		return nil, errs.New("pattern.update", errs.Cancelled, err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	existing, ok := l.patterns[id]
	if !ok {
		return nil, errs.New("pattern.update", errs.NotFound, fmt.Errorf("pattern %q not found", id))
	}

	work := *existing
	if err := mutator(&work); err != nil {
		return nil, errs.New("pattern.update", errs.Validation, err)
	}

	work.Title = norm.NFC.String(strings.TrimSpace(work.Title))
	work.Content = norm.NFC.String(work.Content)
	if err := validateTitle(work.Title); err != nil {
		return nil, errs.New("pattern.update", errs.Validation, err)
	}
	if err := validateContent(work.Content); err != nil {
		return nil, errs.New("pattern.update", errs.Validation, err)
	}
	tags, err := normalizeTags(work.Tags)
	if err != nil {
		return nil, errs.New("pattern.update", errs.Validation, err)
	}
	if err := scanSuspicious(work.Content); err != nil {
		return nil, errs.New("pattern.update", errs.Validation, err)
	}
	if err := scanSecurity(work.Title, work.Content); err != nil {
		return nil, errs.New("pattern.update", errs.Validation, err)
	}
	work.Tags = tags
	work.ID = existing.ID
	work.CreatedAt = existing.CreatedAt
	work.UpdatedAt = time.Now()

	l.patterns[id] = &work
	cp := work

	l.emit(ChangeEvent{PatternID: id, Kind: Updated})
	return &cp, nil
}

// Delete removes the pattern, emitting a Deleted event.
func (l *Library) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return errs.New("pattern.delete", errs.Cancelled, err)
	}
	l.mu.Lock()
	_, ok := l.patterns[id]
	if ok {
		delete(l.patterns, id)
	}
	l.mu.Unlock()
	if !ok {
		return errs.New("pattern.delete", errs.NotFound, fmt.Errorf("pattern %q not found", id))
	}
	l.emit(ChangeEvent{PatternID: id, Kind: Deleted})
	return nil
}

// Iter returns a snapshot of every stored pattern.
func (l *Library) Iter(ctx context.Context) ([]*Pattern, error) {
	if err := ctx.Err(); err != nil {
		return nil, errs.New("pattern.iter", errs.Cancelled, err)
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]*Pattern, 0, len(l.patterns))
	for _, p := range l.patterns {
		cp := *p
		out = append(out, &cp)
	}
	return out, nil
}

func validateTitle(title string) error {
	n := len([]rune(title))
	if n < minTitleLen || n > maxTitleLen {
		return fmt.Errorf("title must be %d..%d characters, got %d", minTitleLen, maxTitleLen, n)
	}
	return nil
}

func validateContent(content string) error {
	n := len([]rune(content))
	if n < minContentLen || n > maxContentLen {
		return fmt.Errorf("content must be %d..%d characters, got %d", minContentLen, maxContentLen, n)
	}
	return nil
}

func normalizeTags(tags []string) ([]string, error) {
	if len(tags) > maxTags {
		return nil, fmt.Errorf("at most %d tags allowed, got %d", maxTags, len(tags))
	}
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

// suspiciousMarkers are a minimal set of patterns that indicate injected
// instructions or control characters smuggled into pattern content — the
// suspicious-content scan, run alongside ordinary validation and separate
// from scanSecurity.
var suspiciousMarkers = []string{
	"\x00",
	"ignore previous instructions",
	"<script",
}

func scanSuspicious(content string) error {
	lower := strings.ToLower(content)
	for _, marker := range suspiciousMarkers {
		if strings.Contains(lower, marker) {
			return fmt.Errorf("content failed suspicious-content scan: contains %q", marker)
		}
	}
	return nil
}

// securityCredentialMarkers are the hardcoded-credential literals the
// original SecurityScanner checks for (security.rs check_hardcoded_credentials).
var securityCredentialMarkers = []string{
	`password = "`,
	`apikey = "`,
	`secret = "`,
	`token = "`,
}

// securityWeakCryptoMarkers are the weak hashing algorithms the original
// SecurityScanner flags (security.rs check_insecure_crypto).
var securityWeakCryptoMarkers = []string{"md5", "sha1"}

// scanSecurity rejects patterns exhibiting the vulnerability classes
// security.rs's SecurityScanner checks for — zero tolerance, any match
// rejects the pattern (spec.md §4.C's security scan, distinct from
// scanSuspicious's prompt-injection check).
func scanSecurity(title, content string) error {
	combined := strings.ToLower(title + " " + content)

	if strings.Contains(combined, "select * from") && strings.Contains(combined, "+") &&
		!strings.Contains(combined, "?") && !strings.Contains(combined, "$") {
		return fmt.Errorf("security scan: SQL Injection: query uses string concatenation, not parameterization")
	}
	if strings.Contains(combined, "${") &&
		(strings.Contains(combined, "select") || strings.Contains(combined, "insert") || strings.Contains(combined, "update")) {
		return fmt.Errorf("security scan: SQL Injection: template literal used in SQL query")
	}

	if (strings.Contains(combined, "exec(") || strings.Contains(combined, "system(") || strings.Contains(combined, "spawn(")) &&
		(strings.Contains(combined, "input") || strings.Contains(combined, "user") || strings.Contains(combined, "request")) {
		return fmt.Errorf("security scan: Command Injection: shell command executed with user input")
	}

	if strings.Contains(combined, "../") &&
		(strings.Contains(combined, "open(") || strings.Contains(combined, "read") || strings.Contains(combined, "file")) {
		return fmt.Errorf("security scan: Path Traversal: directory traversal via ../")
	}

	for _, marker := range securityCredentialMarkers {
		if strings.Contains(combined, marker) {
			return fmt.Errorf("security scan: Hardcoded Credentials: literal %q found", strings.TrimSuffix(marker, ` = "`))
		}
	}

	for _, algo := range securityWeakCryptoMarkers {
		if strings.Contains(combined, algo) {
			return fmt.Errorf("security scan: Weak Cryptography: uses %s", strings.ToUpper(algo))
		}
	}
	if strings.Contains(combined, "math.random()") || strings.Contains(combined, "rand()") {
		return fmt.Errorf("security scan: Insecure Randomness: non-cryptographic RNG")
	}

	if strings.Contains(combined, "pickle.load") || strings.Contains(combined, "eval(") || strings.Contains(combined, "unserialize(") {
		return fmt.Errorf("security scan: Insecure Deserialization: unsafe deserialization call")
	}

	return nil
}
