// Package patientmatch scores how likely two patient records describe the
// same person. It backs duplicate detection for patients registered offline.
package patientmatch

import (
	"math"
	"sort"
	"strings"
	"unicode"

	"github.com/ortholife/clinicsync/internal/models"
)

// DefaultThreshold is the minimum score for a candidate to count as a
// possible duplicate.
const DefaultThreshold = 0.60

// Grade buckets a score.
type Grade string

const (
	GradeCertain  Grade = "certain"
	GradeProbable Grade = "probable"
	GradePossible Grade = "possible"
	GradeNone     Grade = "certainly-not"
)

// Weights configures the contribution of each field. They should sum to 1.
type Weights struct {
	Name      float64
	Phone     float64
	BirthDate float64
	Sex       float64
}

// DefaultWeights returns the default scoring weights. A matching phone plus a
// similar name, or an exact name plus date of birth, reaches the default
// threshold on its own.
func DefaultWeights() Weights {
	return Weights{
		Name:      0.35,
		Phone:     0.35,
		BirthDate: 0.25,
		Sex:       0.05,
	}
}

// Match is a scored candidate.
type Match struct {
	Patient models.Patient `json:"patient"`
	Score   float64        `json:"score"` // 0.0 to 1.0
	Grade   Grade          `json:"grade"`
}

// Matcher scores candidates against a patient.
type Matcher struct {
	weights   Weights
	threshold float64
}

// New creates a Matcher with default weights. A threshold outside (0, 1]
// falls back to DefaultThreshold.
func New(threshold float64) *Matcher {
	return NewWithWeights(threshold, DefaultWeights())
}

// NewWithWeights creates a Matcher with custom weights.
func NewWithWeights(threshold float64, weights Weights) *Matcher {
	if threshold <= 0 || threshold > 1 {
		threshold = DefaultThreshold
	}
	return &Matcher{weights: weights, threshold: threshold}
}

// Threshold returns the configured threshold.
func (m *Matcher) Threshold() float64 {
	return m.threshold
}

// Match scores every candidate and returns those at or above the threshold,
// best first. Candidates with the same id as input are skipped.
func (m *Matcher) Match(input models.Patient, candidates []models.Patient) []Match {
	var results []Match
	for _, candidate := range candidates {
		if input.ID != "" && candidate.ID == input.ID {
			continue
		}
		score := m.Score(input, candidate)
		if score < m.threshold {
			continue
		}
		results = append(results, Match{
			Patient: candidate,
			Score:   score,
			Grade:   m.grade(score),
		})
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
	return results
}

// Score computes a weighted similarity between two patients.
func (m *Matcher) Score(a, b models.Patient) float64 {
	score := 0.0

	// Fuzzy match: Name
	if na, nb := NormalizeName(a.Name), NormalizeName(b.Name); na != "" && nb != "" {
		score += m.weights.Name * JaroWinkler(na, nb)
	}

	// Exact match on normalized digits: Phone
	if pa, pb := NormalizePhone(a.Phone), NormalizePhone(b.Phone); pa != "" && pb != "" && pa == pb {
		score += m.weights.Phone
	}

	// Exact match: BirthDate
	if a.DOB != "" && b.DOB != "" && a.DOB == b.DOB {
		score += m.weights.BirthDate
	}

	// Exact match: Sex
	if a.Sex != "" && b.Sex != "" && strings.EqualFold(a.Sex, b.Sex) {
		score += m.weights.Sex
	}

	return math.Round(score*1000) / 1000
}

func (m *Matcher) grade(score float64) Grade {
	switch {
	case score >= 0.95:
		return GradeCertain
	case score >= 0.80:
		return GradeProbable
	case score >= m.threshold:
		return GradePossible
	default:
		return GradeNone
	}
}

// NormalizePhone keeps the digits of s and drops a leading country or trunk
// prefix so "+91 98765-43210" and "09876543210" compare equal.
func NormalizePhone(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	if len(digits) > 10 {
		digits = digits[len(digits)-10:]
	}
	return digits
}

// NormalizeName lowercases s, drops punctuation and collapses whitespace.
func NormalizeName(s string) string {
	s = strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsSpace(r) || unicode.IsDigit(r) {
			return unicode.ToLower(r)
		}
		return -1
	}, s)
	return strings.Join(strings.Fields(s), " ")
}

// JaroWinkler computes the Jaro-Winkler similarity between two strings,
// case-insensitively. Returns a value between 0.0 and 1.0.
func JaroWinkler(s1, s2 string) float64 {
	r1 := []rune(strings.ToLower(s1))
	r2 := []rune(strings.ToLower(s2))

	if len(r1) == 0 || len(r2) == 0 {
		return 0.0
	}
	if string(r1) == string(r2) {
		return 1.0
	}

	maxDist := len(r1)
	if len(r2) > maxDist {
		maxDist = len(r2)
	}
	maxDist = maxDist/2 - 1
	if maxDist < 0 {
		maxDist = 0
	}

	m1 := make([]bool, len(r1))
	m2 := make([]bool, len(r2))

	matches := 0
	for i := range r1 {
		start := i - maxDist
		if start < 0 {
			start = 0
		}
		end := i + maxDist + 1
		if end > len(r2) {
			end = len(r2)
		}
		for j := start; j < end; j++ {
			if m2[j] || r1[i] != r2[j] {
				continue
			}
			m1[i] = true
			m2[j] = true
			matches++
			break
		}
	}
	if matches == 0 {
		return 0.0
	}

	transpositions := 0
	k := 0
	for i := range r1 {
		if !m1[i] {
			continue
		}
		for !m2[k] {
			k++
		}
		if r1[i] != r2[k] {
			transpositions++
		}
		k++
	}

	jaro := (float64(matches)/float64(len(r1)) +
		float64(matches)/float64(len(r2)) +
		float64(matches-transpositions/2)/float64(matches)) / 3.0

	// Winkler adjustment: boost for common prefix (up to 4 runes).
	prefix := 0
	for i := 0; i < 4 && i < len(r1) && i < len(r2); i++ {
		if r1[i] != r2[i] {
			break
		}
		prefix++
	}

	return jaro + float64(prefix)*0.1*(1.0-jaro)
}
