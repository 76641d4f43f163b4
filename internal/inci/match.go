package inci

import (
	"slices"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/agnivade/levenshtein"
)

// Match kinds, also stored on product links.
const (
	MatchExact  = "exact"
	MatchFuzzy  = "fuzzy"
	MatchCreate = "created"
)

// Decision is the resolution of one token against the known set.
type Decision struct {
	Kind     string
	Key      string // known key for exact/fuzzy, the token key for create
	ID       string // ingredient id, empty for create
	Distance int
}

type MatchOptions struct {
	// MaxDistance is the largest edit distance accepted as a fuzzy match.
	// Zero disables fuzzy matching.
	MaxDistance int
	// MinLength is the shortest token, in runes, eligible for fuzzy matching.
	MinLength int
}

// Matcher resolves normalized keys against known ingredients. It is not
// safe for concurrent use.
type Matcher struct {
	ids  map[string]string
	keys []string // sorted
	opts MatchOptions
}

func NewMatcher(known map[string]string, opts MatchOptions) *Matcher {
	m := &Matcher{ids: make(map[string]string, len(known)), opts: opts}
	for k, id := range known {
		m.ids[k] = id
		m.keys = append(m.keys, k)
	}
	slices.Sort(m.keys)
	return m
}

// Add registers a newly created ingredient.
func (m *Matcher) Add(key, id string) {
	if _, ok := m.ids[key]; ok {
		return
	}
	m.ids[key] = id
	i, _ := slices.BinarySearch(m.keys, key)
	m.keys = slices.Insert(m.keys, i, key)
}

func (m *Matcher) Len() int { return len(m.keys) }

// Resolve prefers an exact key, then the closest compatible known key within
// the distance limit (ties go to the lexicographically smaller key), then
// create. The limit is MaxDistance capped at one edit per five runes.
func (m *Matcher) Resolve(key string) Decision {
	if id, ok := m.ids[key]; ok {
		return Decision{Kind: MatchExact, Key: key, ID: id}
	}

	n := utf8.RuneCountInString(key)
	if m.opts.MaxDistance > 0 && n >= m.opts.MinLength {
		limit := min(m.opts.MaxDistance, max(1, n/5))
		best, bestDist := "", limit+1
		for _, k := range m.keys {
			kn := utf8.RuneCountInString(k)
			if kn < m.opts.MinLength || abs(kn-n) >= bestDist || !compatible(key, k) {
				continue
			}
			if d := levenshtein.ComputeDistance(key, k); d < bestDist {
				best, bestDist = k, d
			}
		}
		if best != "" {
			return Decision{Kind: MatchFuzzy, Key: best, ID: m.ids[best], Distance: bestDist}
		}
	}
	return Decision{Kind: MatchCreate, Key: key}
}

// chemSuffixes end names of distinct compound classes (tocopherol and
// tocopheryl, sulfate and sulfite). Longer entries come first.
var chemSuffixes = []string{"ate", "ite", "ide", "ine", "one", "ene", "ane", "ium", "ol", "yl", "ic"}

// compatible reports whether two keys may name the same ingredient despite
// differing spelling. Keys whose numbers differ (CI 77491, PEG-40) never
// match. Words in the same position must start with the same letter
// (methyl, ethyl) and must not carry different compound suffixes.
func compatible(a, b string) bool {
	if !slices.Equal(numbers(a), numbers(b)) {
		return false
	}
	wa, wb := words(a), words(b)
	if len(wa) != len(wb) {
		// Spacing differences: the distance limit alone decides.
		return true
	}
	for i := range wa {
		x, y := wa[i], wb[i]
		if x == y {
			continue
		}
		rx, _ := utf8.DecodeRuneInString(x)
		ry, _ := utf8.DecodeRuneInString(y)
		if rx != ry {
			return false
		}
		if sx, sy := suffix(x), suffix(y); sx != "" && sy != "" && sx != sy {
			return false
		}
	}
	return true
}

func numbers(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool { return !unicode.IsDigit(r) })
}

func words(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool { return !unicode.IsLetter(r) && !unicode.IsDigit(r) })
}

func suffix(w string) string {
	for _, sfx := range chemSuffixes {
		if len(w) > len(sfx) && strings.HasSuffix(w, sfx) {
			return sfx
		}
	}
	return ""
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}
