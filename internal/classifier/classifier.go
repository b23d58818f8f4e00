// Package classifier identifies the controller family on a bus from a
// passive capture session by scoring known signatures against the
// session's per-id frequency counts.
package classifier

import (
	"math"

	"can-autoconfig/internal/models"
)

const (
	// DefaultMinConfidence is the minimum combined score a signature must
	// exceed to be accepted
	DefaultMinConfidence = 5.0

	// DefaultConfidenceDivisor maps a combined score onto the 0..100
	// confidence scale; a score of 50 or more reports full confidence
	DefaultConfidenceDivisor = 50.0

	// DefaultDiagnosticShare is the share of traffic on diagnostic ids
	// that classifies the bus as diagnostic-only
	DefaultDiagnosticShare = 0.10
)

// Options holds the tunable constants of the scoring rule
type Options struct {
	MinConfidence     float64
	ConfidenceDivisor float64
	DiagnosticShare   float64
}

// DefaultOptions returns the stock thresholds
func DefaultOptions() Options {
	return Options{
		MinConfidence:     DefaultMinConfidence,
		ConfidenceDivisor: DefaultConfidenceDivisor,
		DiagnosticShare:   DefaultDiagnosticShare,
	}
}

func (o Options) withDefaults() Options {
	if o.MinConfidence <= 0 {
		o.MinConfidence = DefaultMinConfidence
	}
	if o.ConfidenceDivisor <= 0 {
		o.ConfidenceDivisor = DefaultConfidenceDivisor
	}
	if o.DiagnosticShare <= 0 {
		o.DiagnosticShare = DefaultDiagnosticShare
	}
	return o
}

// Match is the scoring breakdown of one signature against a session
type Match struct {
	Matched    int
	MatchRatio float64
	Coverage   float64
	FreqScore  float64
	Combined   float64
}

// Score evaluates sig against per-id counts. total is the number of
// id-bearing frames and distinct the number of distinct ids observed.
//
//	match_ratio = matched / |sig ids|
//	coverage    = matched / distinct
//	freq_score  = Σ count_i × (1 + count_i / total)
//	combined    = freq_score × match_ratio + coverage × 100
//
// Matched ids are summed in signature order so the result is bit-for-bit
// repeatable.
func Score(sig Signature, counts map[uint32]int, total, distinct int) Match {
	var m Match
	if len(sig.IDs) == 0 || total == 0 || distinct == 0 {
		return m
	}

	seen := make(map[uint32]bool, len(sig.IDs))
	for _, id := range sig.IDs {
		if seen[id] {
			continue
		}
		seen[id] = true

		c, ok := counts[id]
		if !ok || c == 0 {
			continue
		}
		m.Matched++
		n := float64(c)
		m.FreqScore += n * (1 + n/float64(total))
	}
	if m.Matched == 0 {
		return m
	}

	m.MatchRatio = float64(m.Matched) / float64(len(seen))
	m.Coverage = float64(m.Matched) / float64(distinct)
	m.Combined = m.FreqScore*m.MatchRatio + m.Coverage*100
	return m
}

// Confidence normalises a combined score to 0..100
func Confidence(combined, divisor float64) float64 {
	if divisor <= 0 {
		divisor = DefaultConfidenceDivisor
	}
	return math.Min(100, combined/divisor*100)
}

// Classify returns the verdict for session. It is a pure function of the
// session and catalogue.
func Classify(session *models.CaptureSession, catalogue Catalogue, opts Options) models.ClassificationVerdict {
	opts = opts.withDefaults()

	verdict := models.ClassificationVerdict{Vendor: models.VendorUnknown}
	if session == nil {
		return verdict
	}

	anomalies := session.Anomalies()
	verdict.MalformedFrames = anomalies.MalformedFrames
	verdict.ErrorFrames = anomalies.ErrorFrames

	total := session.TotalFrames()
	if total == 0 {
		return verdict
	}

	counts := session.Counts()
	distinct := session.DistinctIDs()
	verdict.TotalFrames = total
	verdict.DistinctIDs = distinct

	// Diagnostic ids show up as background traffic on most buses, so they
	// take precedence over vendor signatures once they reach their share
	if diag := catalogue.Diagnostic; len(diag.IDs) > 0 {
		diagFrames := 0
		for _, id := range dedupe(diag.IDs) {
			diagFrames += counts[id]
		}
		if float64(diagFrames)/float64(total) >= opts.DiagnosticShare {
			m := Score(diag, counts, total, distinct)
			verdict.Vendor = diag.Vendor
			verdict.Score = m.Combined
			verdict.Confidence = Confidence(m.Combined, opts.ConfidenceDivisor)
			verdict.PatternHits = patternHits(session, diag)
			return verdict
		}
	}

	var (
		best      Match
		bestIndex = -1
	)
	for i, sig := range catalogue.Signatures {
		m := Score(sig, counts, total, distinct)
		if m.Matched == 0 {
			continue
		}
		if bestIndex < 0 || m.Combined > best.Combined {
			best = m
			bestIndex = i
		}
	}

	if bestIndex < 0 || best.Combined <= opts.MinConfidence {
		verdict.Vendor = models.VendorGeneric
		if bestIndex >= 0 {
			verdict.Score = best.Combined
			verdict.Confidence = Confidence(best.Combined, opts.ConfidenceDivisor)
		}
		return verdict
	}

	winner := catalogue.Signatures[bestIndex]
	verdict.Vendor = winner.Vendor
	verdict.Score = best.Combined
	verdict.Confidence = Confidence(best.Combined, opts.ConfidenceDivisor)
	verdict.PatternHits = patternHits(session, winner)
	return verdict
}

func patternHits(session *models.CaptureSession, sig Signature) int {
	if len(sig.Patterns) == 0 {
		return 0
	}
	hits := 0
	for _, f := range session.Frames() {
		if f.ErrorFrame {
			continue
		}
		for _, p := range sig.Patterns {
			if p.Matches(f) {
				hits++
				break
			}
		}
	}
	return hits
}

func dedupe(ids []uint32) []uint32 {
	seen := make(map[uint32]bool, len(ids))
	out := make([]uint32, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}
