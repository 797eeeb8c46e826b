package table

import (
	"strings"
	"unicode/utf8"

	"github.com/hbollon/go-edlib"
)

// Suggester finds a registered name close to a missed lookup. Distances are
// optimal string alignment (Damerau-Levenshtein without repeated edits of one
// substring), compared case-insensitively.
type Suggester struct {
	// MaxCandidates stops the scan once this many names have matched.
	MaxCandidates int
	// MaxInsertions is how many characters a name may have beyond the query.
	MaxInsertions int
	// MaxDeletions is how many characters the query may have beyond a name.
	MaxDeletions int
	// MaxSubstitutions and MaxTranspositions bound the edits that keep the
	// length unchanged.
	MaxSubstitutions  int
	MaxTranspositions int
	// MaxDistance caps the total edit distance.
	MaxDistance int
}

func DefaultSuggester() Suggester {
	return Suggester{
		MaxCandidates:     5,
		MaxInsertions:     2,
		MaxDeletions:      1,
		MaxSubstitutions:  1,
		MaxTranspositions: 1,
		MaxDistance:       3,
	}
}

// Suggest returns the best candidate among names, scanned in order. Ties go
// to the earliest name.
func (s Suggester) Suggest(query string, names []string) (string, bool) {
	q := strings.ToLower(query)
	qLen := utf8.RuneCountInString(q)
	if qLen == 0 || s.MaxCandidates <= 0 {
		return "", false
	}

	best, bestDist, found := "", 0, 0
	for _, name := range names {
		dist, ok := s.distance(q, qLen, name)
		if !ok {
			continue
		}
		if found == 0 || dist < bestDist {
			best, bestDist = name, dist
		}
		found++
		if found >= s.MaxCandidates {
			break
		}
	}
	return best, found > 0
}

func (s Suggester) distance(q string, qLen int, name string) (int, bool) {
	n := strings.ToLower(name)
	delta := utf8.RuneCountInString(n) - qLen
	if delta > s.MaxInsertions || -delta > s.MaxDeletions {
		return 0, false
	}
	dist := edlib.OSADamerauLevenshteinDistance(q, n)
	if dist > s.MaxDistance || dist >= qLen {
		return 0, false
	}
	if dist-abs(delta) > s.MaxSubstitutions+s.MaxTranspositions {
		return 0, false
	}
	return dist, true
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
