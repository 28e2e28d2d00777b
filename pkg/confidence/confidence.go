// Package confidence implements component G of the pattern intelligence
// core: a multi-factor confidence scorer backed by a persisted calibration
// feedback loop. The scorer's factor arithmetic is grounded directly in
// spec.md §4.G; the durable calibration table follows the teacher's SQLite
// persistence idiom (pkg/core/store_init.go), trimmed to the spec's literal
// `calibration` schema (spec.md §6).
package confidence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/patterncore/intel/pkg/boundary"
	"github.com/patterncore/intel/pkg/errs"
)

// DefaultThreshold is the confidence floor below which verification_needed
// is set.
const DefaultThreshold = 0.70

const baseConfidence = 0.5

var (
	fileLineRe  = regexp.MustCompile(`[\w./\\-]+\.\w+:\d+`)
	fileOnlyRe  = regexp.MustCompile(`[\w./\\-]+\.\w+\b`)
	vagueLineRe = regexp.MustCompile(`(?i)around line \d+`)
	patternRefRe = regexp.MustCompile(`Pattern-[A-Za-z0-9]+-\d+|SOP-[A-Za-z0-9]+`)
)

var hedgePhrases = []string{"i think", "maybe", "probably", "not sure"}

// ScoreInput carries the signals spec.md §4.G's scoring contract accepts.
type ScoreInput struct {
	ResponseText    string
	AgentName       string
	Domain          string
	RecentlyRead    bool
	CanVerify       bool
	IsPrimaryDomain bool
}

// Scorer computes AgentResponse values and, via its embedded Calibrator,
// damps raw scores against historical accuracy.
type Scorer struct {
	cal       *Calibrator
	threshold float64
}

// NewScorer constructs a Scorer bound to cal.
func NewScorer(cal *Calibrator, threshold float64) *Scorer {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Scorer{cal: cal, threshold: threshold}
}

// Score implements the scoring contract of spec.md §4.G.
func (s *Scorer) Score(ctx context.Context, in ScoreInput) (boundary.AgentResponse, error) {
	var factors []boundary.FactorImpact
	confidence := baseConfidence

	if impact, desc, ok := specificityFactor(in.ResponseText); ok {
		factors = append(factors, boundary.FactorImpact{Category: "Specificity", Description: desc, Impact: impact})
		confidence += impact
	}

	if in.RecentlyRead {
		const impact = 0.18
		factors = append(factors, boundary.FactorImpact{Category: "Recency", Description: "content recently read", Impact: impact})
		confidence += impact
	}

	if in.CanVerify {
		const impact = 0.12
		factors = append(factors, boundary.FactorImpact{Category: "Verification", Description: "claim independently verifiable", Impact: impact})
		confidence += impact
	}

	if in.Domain != "" {
		if in.IsPrimaryDomain {
			const impact = 0.15
			factors = append(factors, boundary.FactorImpact{Category: "DomainExpertise", Description: "primary domain for agent", Impact: impact})
			confidence += impact
		} else {
			const impact = -0.05
			factors = append(factors, boundary.FactorImpact{Category: "DomainExpertise", Description: "secondary domain for agent", Impact: impact})
			confidence += impact
		}
	}

	if impact, phrase, ok := hedgingFactor(in.ResponseText); ok {
		factors = append(factors, boundary.FactorImpact{Category: "HedgingLanguage", Description: fmt.Sprintf("hedging phrase %q", phrase), Impact: impact})
		confidence += impact
	}

	if patternRefRe.MatchString(in.ResponseText) {
		const impact = 0.10
		factors = append(factors, boundary.FactorImpact{Category: "PatternReference", Description: "recognised pattern/SOP reference", Impact: impact})
		confidence += impact
	}

	confidence = clamp(confidence, 0, 1)

	factor := s.cal.AdjustmentFactor(ctx, in.AgentName, in.Domain)
	confidence = clamp(confidence*factor, 0, 1)

	verificationNeeded := confidence < s.threshold
	if confidence >= 0.90 && hasUnverifiableClaim(in.ResponseText, in.CanVerify) {
		factors = append(factors, boundary.FactorImpact{
			Category:    "PotentialHallucination",
			Description: "high confidence paired with an unverifiable claim",
			Impact:      0,
		})
	}

	return boundary.AgentResponse{
		Content:            in.ResponseText,
		Confidence:         confidence,
		UncertaintyFactors: factors,
		VerificationNeeded: verificationNeeded,
	}, nil
}

func specificityFactor(text string) (float64, string, bool) {
	switch {
	case fileLineRe.MatchString(text):
		return 0.20, "exact file:line reference", true
	case vagueLineRe.MatchString(text):
		return 0.05, "vague line reference", true
	case fileOnlyRe.MatchString(text):
		return 0.10, "file reference without line", true
	default:
		return 0, "", false
	}
}

func hedgingFactor(text string) (float64, string, bool) {
	lower := strings.ToLower(text)
	for _, phrase := range hedgePhrases {
		if strings.Contains(lower, phrase) {
			return -0.10, phrase, true
		}
	}
	return 0, "", false
}

func hasUnverifiableClaim(text string, canVerify bool) bool {
	return !canVerify && strings.TrimSpace(text) != ""
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Record is the durable CalibrationRecord (spec.md §3), immutable once written.
type Record struct {
	ID        string
	Agent     string
	Domain    string
	Claimed   float64
	Actual    bool
	Factors   map[string]float64
	Response  string
	Task      string
	Timestamp time.Time
}

// Bin is a derived ConfidenceBin (spec.md §3).
type Bin struct {
	RangeStart       float64
	Count            int
	Correct          int
	Accuracy         float64
	ExpectedAccuracy float64
	Error            float64
}

// Statistics is the result of Calibrator.GetStatistics.
type Statistics struct {
	Accuracy         float64
	BrierScore       float64
	MeanClaimed      float64
	CalibrationError float64
	Bins             []Bin
}

// Calibrator persists CalibrationRecords and computes statistics on demand.
type Calibrator struct {
	mu sync.Mutex
	db *sql.DB
}

// OpenCalibrator opens (or creates) the calibration table at path.
func OpenCalibrator(ctx context.Context, path string) (*Calibrator, error) {
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errs.New("confidence.OpenCalibrator", errs.Fatal, err)
	}
	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS calibration (
			id TEXT PRIMARY KEY,
			agent TEXT NOT NULL,
			domain TEXT,
			claimed REAL NOT NULL,
			actual INTEGER NOT NULL,
			factors TEXT,
			response TEXT,
			task TEXT,
			timestamp INTEGER NOT NULL
		);
	`); err != nil {
		return nil, errs.New("confidence.OpenCalibrator", errs.Fatal, err)
	}
	return &Calibrator{db: db}, nil
}

// Close releases the underlying handle.
func (c *Calibrator) Close() error { return c.db.Close() }

// RecordCalibration appends an immutable record.
func (c *Calibrator) RecordCalibration(ctx context.Context, r Record) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now()
	}
	factorsJSON, err := json.Marshal(r.Factors)
	if err != nil {
		return errs.New("confidence.record_calibration", errs.Validation, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	actual := 0
	if r.Actual {
		actual = 1
	}
	_, err = c.db.ExecContext(ctx, `
		INSERT INTO calibration (id, agent, domain, claimed, actual, factors, response, task, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, r.ID, r.Agent, r.Domain, r.Claimed, actual, string(factorsJSON), r.Response, r.Task, r.Timestamp.Unix())
	if err != nil {
		return errs.New("confidence.record_calibration", errs.Transient, err)
	}
	return nil
}

// GetStatistics computes CalibrationStatistics, optionally scoped to agent
// and/or domain (empty string means unscoped).
func (c *Calibrator) GetStatistics(ctx context.Context, agent, domain string) (Statistics, error) {
	records, err := c.fetch(ctx, agent, domain)
	if err != nil {
		return Statistics{}, err
	}
	return computeStatistics(records), nil
}

// AdjustmentFactor returns the calibrator's damping factor for the given
// scope, or 1.0 if there is insufficient history (spec.md §4.G).
func (c *Calibrator) AdjustmentFactor(ctx context.Context, agent, domain string) float64 {
	overall, err := c.fetch(ctx, "", "")
	if err != nil || len(overall) < 20 {
		return 1.0
	}
	scoped, err := c.fetch(ctx, agent, domain)
	if err != nil || len(scoped) < 5 {
		return 1.0
	}
	stats := computeStatistics(scoped)
	if stats.MeanClaimed == 0 {
		return 1.0
	}
	factor := stats.Accuracy / stats.MeanClaimed
	return clamp(factor, 0.5, 1.0)
}

func (c *Calibrator) fetch(ctx context.Context, agent, domain string) ([]Record, error) {
	query := "SELECT id, agent, domain, claimed, actual, factors, response, task, timestamp FROM calibration WHERE 1=1"
	var args []interface{}
	if agent != "" {
		query += " AND agent = ?"
		args = append(args, agent)
	}
	if domain != "" {
		query += " AND domain = ?"
		args = append(args, domain)
	}

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errs.New("confidence.fetch", errs.Transient, err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		var domainVal sql.NullString
		var actual int
		var factorsJSON string
		var ts int64
		if err := rows.Scan(&r.ID, &r.Agent, &domainVal, &r.Claimed, &actual, &factorsJSON, &r.Response, &r.Task, &ts); err != nil {
			continue
		}
		r.Domain = domainVal.String
		r.Actual = actual == 1
		r.Timestamp = time.Unix(ts, 0)
		_ = json.Unmarshal([]byte(factorsJSON), &r.Factors)
		out = append(out, r)
	}
	return out, rows.Err()
}

func computeStatistics(records []Record) Statistics {
	if len(records) == 0 {
		return Statistics{}
	}

	var correct int
	var brierSum, claimedSum float64
	bins := make(map[int]*Bin)

	for _, r := range records {
		actualVal := 0.0
		if r.Actual {
			actualVal = 1.0
			correct++
		}
		brierSum += (r.Claimed - actualVal) * (r.Claimed - actualVal)
		claimedSum += r.Claimed

		bucket := int(math.Min(r.Claimed, 0.999) * 10)
		b, ok := bins[bucket]
		if !ok {
			b = &Bin{RangeStart: float64(bucket) / 10, ExpectedAccuracy: float64(bucket)/10 + 0.05}
			bins[bucket] = b
		}
		b.Count++
		if r.Actual {
			b.Correct++
		}
	}

	n := float64(len(records))
	accuracy := float64(correct) / n
	meanClaimed := claimedSum / n

	binsOut := make([]Bin, 0, len(bins))
	for _, b := range bins {
		if b.Count > 0 {
			b.Accuracy = float64(b.Correct) / float64(b.Count)
			b.Error = math.Abs(b.Accuracy - b.ExpectedAccuracy)
		}
		binsOut = append(binsOut, *b)
	}

	return Statistics{
		Accuracy:         accuracy,
		BrierScore:       brierSum / n,
		MeanClaimed:      meanClaimed,
		CalibrationError: math.Abs(meanClaimed - accuracy),
		Bins:             binsOut,
	}
}
