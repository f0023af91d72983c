package registration

import (
	"context"
	"sort"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/ehr/intake/internal/domain/registry"
)

const (
	// tokenMatchThreshold is the Jaro-Winkler similarity at which two name
	// tokens count as the same token.
	tokenMatchThreshold = 0.9

	defaultSearchLimit = 50
)

// Candidate is a saved person that looks like the draft.
type Candidate struct {
	Person *registry.Person
	Score  float64
}

// Matcher finds saved persons that are probably the person being
// registered: same sex and a name token overlap above the threshold.
type Matcher struct {
	reg       registry.Registry
	threshold float64
	limit     int
}

func NewMatcher(reg registry.Registry, threshold float64, limit int) *Matcher {
	if limit <= 0 {
		limit = defaultSearchLimit
	}
	return &Matcher{reg: reg, threshold: threshold, limit: limit}
}

// FindDuplicates returns matching candidates best first. Equal scores are
// kept as separate candidates.
func (m *Matcher) FindDuplicates(ctx context.Context, d *registry.PersonDraft) ([]Candidate, error) {
	if !d.HasName() {
		pref := d.PreferredIdentifier()
		if pref == nil || pref.Value == "" {
			return nil, nil
		}
		persons, err := m.reg.SearchPersonsByIdentifier(ctx, pref.Value, m.limit)
		if err != nil {
			return nil, err
		}
		var out []Candidate
		for _, p := range persons {
			if sameSex(d.Sex, p.Sex) {
				out = append(out, Candidate{Person: p, Score: 1})
			}
		}
		return out, nil
	}

	full := d.Name.Full()
	persons, err := m.reg.SearchPersonsByName(ctx, full, m.limit)
	if err != nil {
		return nil, err
	}

	var out []Candidate
	for _, p := range persons {
		if p.Name == nil || !sameSex(d.Sex, p.Sex) {
			continue
		}
		score := nameScore(full, p.Name.Full())
		if score > m.threshold {
			out = append(out, Candidate{Person: p, Score: score})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out, nil
}

func sameSex(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

// nameScore is the fraction of the draft's name tokens that have a close
// match among the candidate's tokens.
func nameScore(draft, candidate string) float64 {
	dt := nameTokens(draft)
	ct := nameTokens(candidate)
	if len(dt) == 0 || len(ct) == 0 {
		return 0
	}

	matched := 0
	for _, a := range dt {
		best := 0.0
		for _, b := range ct {
			if s := jaroWinklerSimilarity(a, b); s > best {
				best = s
			}
		}
		if best >= tokenMatchThreshold {
			matched++
		}
	}
	return float64(matched) / float64(len(dt))
}

// nameTokens lowercases, folds accents and drops punctuation.
func nameTokens(name string) []string {
	// A chain carries state, so each call builds its own.
	fold := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(fold, name)
	if err != nil {
		folded = name
	}
	folded = strings.ToLower(folded)
	folded = strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsSpace(r) {
			return r
		}
		if r == '-' {
			return ' '
		}
		return -1
	}, folded)
	return strings.Fields(folded)
}

// jaroWinklerSimilarity compares two tokens rune by rune. Returns a value
// between 0.0 and 1.0.
func jaroWinklerSimilarity(a, b string) float64 {
	s1 := []rune(a)
	s2 := []rune(b)
	s1Len := len(s1)
	s2Len := len(s2)

	if s1Len == 0 || s2Len == 0 {
		return 0.0
	}
	if a == b {
		return 1.0
	}

	maxDist := s1Len
	if s2Len > maxDist {
		maxDist = s2Len
	}
	maxDist = maxDist/2 - 1
	if maxDist < 0 {
		maxDist = 0
	}

	s1Matches := make([]bool, s1Len)
	s2Matches := make([]bool, s2Len)
	matches := 0
	for i := 0; i < s1Len; i++ {
		start := i - maxDist
		if start < 0 {
			start = 0
		}
		end := i + maxDist + 1
		if end > s2Len {
			end = s2Len
		}
		for j := start; j < end; j++ {
			if s2Matches[j] || s1[i] != s2[j] {
				continue
			}
			s1Matches[i] = true
			s2Matches[j] = true
			matches++
			break
		}
	}
	if matches == 0 {
		return 0.0
	}

	transpositions := 0
	k := 0
	for i := 0; i < s1Len; i++ {
		if !s1Matches[i] {
			continue
		}
		for !s2Matches[k] {
			k++
		}
		if s1[i] != s2[k] {
			transpositions++
		}
		k++
	}

	m := float64(matches)
	jaro := (m/float64(s1Len) + m/float64(s2Len) + (m-float64(transpositions/2))/m) / 3.0

	// Winkler boost for a common prefix of up to 4 runes.
	prefix := 0
	for i := 0; i < 4 && i < s1Len && i < s2Len; i++ {
		if s1[i] != s2[i] {
			break
		}
		prefix++
	}
	return jaro + float64(prefix)*0.1*(1.0-jaro)
}
