package persona

import (
	"strings"

	"github.com/antzucaro/matchr"
)

const (
	defaultPhoneticThreshold = 0.70
	defaultFuzzyThreshold    = 0.85
)

// MatcherOption configures a [Matcher].
type MatcherOption func(*Matcher)

// WithPhoneticThreshold sets the minimum Jaro-Winkler score for a candidate
// that also shares a Double Metaphone code with the input. Default: 0.70.
func WithPhoneticThreshold(threshold float64) MatcherOption {
	return func(m *Matcher) { m.phoneticThreshold = threshold }
}

// WithFuzzyThreshold sets the minimum Jaro-Winkler score for a candidate
// with no phonetic overlap. Default: 0.85.
func WithFuzzyThreshold(threshold float64) MatcherOption {
	return func(m *Matcher) { m.fuzzyThreshold = threshold }
}

// Matcher resolves spoken or misspelled persona names ("torin", "elera")
// against the known names. Phonetic candidates are found with Double
// Metaphone and ranked by Jaro-Winkler similarity; without a phonetic
// candidate a stricter pure Jaro-Winkler pass is used. Read-only after
// construction and safe for concurrent use.
type Matcher struct {
	phoneticThreshold float64
	fuzzyThreshold    float64
}

// NewMatcher returns a Matcher with the given options applied.
func NewMatcher(opts ...MatcherOption) *Matcher {
	m := &Matcher{
		phoneticThreshold: defaultPhoneticThreshold,
		fuzzyThreshold:    defaultFuzzyThreshold,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Match returns the candidate most similar to input. Multi-word candidates
// ("Thorin Ironforge") are compared token by token as well as whole.
func (m *Matcher) Match(input string, candidates []string) (best string, score float64, ok bool) {
	in := strings.ToLower(strings.TrimSpace(input))
	if in == "" || len(candidates) == 0 {
		return "", 0, false
	}
	inTokens := strings.Fields(in)
	inCodes := metaphones(inTokens)

	bestPhonetic := false
	for _, cand := range candidates {
		c := strings.ToLower(strings.TrimSpace(cand))
		if c == "" {
			continue
		}
		cTokens := strings.Fields(c)
		s := similarity(inTokens, cTokens, in, c)

		if overlaps(inCodes, metaphones(cTokens)) {
			if s >= m.phoneticThreshold && (!bestPhonetic || s > score) {
				best, score, bestPhonetic = cand, s, true
			}
		} else if !bestPhonetic && s >= m.fuzzyThreshold && s > score {
			best, score = cand, s
		}
	}
	return best, score, best != ""
}

// metaphones returns the union of primary and secondary Double Metaphone
// codes of tokens.
func metaphones(tokens []string) map[string]struct{} {
	codes := make(map[string]struct{}, len(tokens)*2)
	for _, t := range tokens {
		p, s := matchr.DoubleMetaphone(t)
		if p != "" {
			codes[p] = struct{}{}
		}
		if s != "" {
			codes[s] = struct{}{}
		}
	}
	return codes
}

func overlaps(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for code := range a {
		if _, ok := b[code]; ok {
			return true
		}
	}
	return false
}

// similarity is the best Jaro-Winkler score over the whole strings, the
// space-stripped strings and every token pair.
func similarity(aTokens, bTokens []string, a, b string) float64 {
	score := matchr.JaroWinkler(a, b, false)
	if len(aTokens) > 1 || len(bTokens) > 1 {
		if s := matchr.JaroWinkler(strings.Join(aTokens, ""), strings.Join(bTokens, ""), false); s > score {
			score = s
		}
	}
	for _, at := range aTokens {
		for _, bt := range bTokens {
			if s := matchr.JaroWinkler(at, bt, false); s > score {
				score = s
			}
		}
	}
	return score
}
