// Package transcript corrects speech-to-text output against a per-run
// vocabulary of domain terms.
//
// STT backends routinely mangle proper nouns and product or skill names
// ("vox line" for "Voxline", "jara" for "Jira"). The [Corrector] aligns
// transcript tokens against the vocabulary using Double Metaphone phonetic
// codes filtered through Jaro-Winkler similarity, entirely in process. Every
// substitution is itemised so callers can audit or surface the changes.
package transcript

import (
	"strings"

	"github.com/antzucaro/matchr"
)

const (
	defaultPhoneticThreshold = 0.70
	defaultFuzzyThreshold    = 0.85
)

// Correction is one substitution applied to a transcript.
type Correction struct {
	// Original is the token span as the STT backend produced it.
	Original string

	// Corrected is the vocabulary term that replaced it.
	Corrected string

	// Confidence is the similarity score in [0.0, 1.0] behind the
	// substitution.
	Confidence float64
}

// Result pairs the corrected text with the substitutions that produced it.
// When nothing matched, Text equals the input and Corrections is empty.
type Result struct {
	Text        string
	Corrections []Correction
}

// Option is a functional option for configuring a [Corrector].
type Option func(*Corrector)

// WithPhoneticThreshold sets the minimum Jaro-Winkler score a phonetically
// overlapping term needs to be accepted. Default: 0.70.
func WithPhoneticThreshold(threshold float64) Option {
	return func(c *Corrector) {
		c.phoneticThreshold = threshold
	}
}

// WithFuzzyThreshold sets the minimum Jaro-Winkler score for the pure
// string-similarity fallback used when no term overlaps phonetically.
// Default: 0.85.
func WithFuzzyThreshold(threshold float64) Option {
	return func(c *Corrector) {
		c.fuzzyThreshold = threshold
	}
}

// Corrector aligns transcript tokens against a vocabulary of known terms.
// It is read-only after construction and safe for concurrent use; the
// vocabulary itself arrives per call because it differs per run.
type Corrector struct {
	phoneticThreshold float64
	fuzzyThreshold    float64
}

// New returns a [Corrector] with the supplied options applied.
func New(opts ...Option) *Corrector {
	c := &Corrector{
		phoneticThreshold: defaultPhoneticThreshold,
		fuzzyThreshold:    defaultFuzzyThreshold,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Correct rewrites text against vocabulary and returns the corrected text
// with an itemised substitution list.
//
// The text is tokenised on whitespace. At each position the corrector tries
// n-gram windows from the longest vocabulary term down to a single token and
// accepts the longest window that matches, so multi-word terms win over
// partial single-word matches. Unmatched tokens pass through unchanged.
func (c *Corrector) Correct(text string, vocabulary []string) Result {
	res := Result{Text: text, Corrections: []Correction{}}

	tokens := strings.Fields(text)
	if len(tokens) == 0 || len(vocabulary) == 0 {
		return res
	}

	terms := prepareTerms(vocabulary)
	if terms.maxWords == 0 {
		return res
	}

	var out []string
	i := 0
	for i < len(tokens) {
		maxN := terms.maxWords
		if i+maxN > len(tokens) {
			maxN = len(tokens) - i
		}

		matched := false
		for n := maxN; n >= 1; n-- {
			window := strings.Join(tokens[i:i+n], " ")
			term, score, ok := c.match(window, terms)
			if !ok {
				continue
			}
			out = append(out, strings.Fields(term)...)
			res.Corrections = append(res.Corrections, Correction{
				Original:   window,
				Corrected:  term,
				Confidence: score,
			})
			i += n
			matched = true
			break
		}
		if !matched {
			out = append(out, tokens[i])
			i++
		}
	}

	res.Text = strings.Join(out, " ")
	return res
}

// Match tests a single token span against the vocabulary. When matched is
// false, term equals span unchanged and score is 0.
func (c *Corrector) Match(span string, vocabulary []string) (term string, score float64, matched bool) {
	if strings.TrimSpace(span) == "" || len(vocabulary) == 0 {
		return span, 0, false
	}
	return c.match(span, prepareTerms(vocabulary))
}

// match ranks precomputed terms against span. A term that shares at least one
// Double Metaphone code with span competes at the phonetic threshold;
// otherwise it needs the stricter fuzzy threshold. A phonetic hit always
// outranks a fuzzy one.
func (c *Corrector) match(span string, terms *termSet) (string, float64, bool) {
	spanLower := strings.ToLower(strings.TrimSpace(span))
	spanTokens := strings.Fields(spanLower)
	spanCodes := metaphoneCodes(spanTokens)

	var (
		bestTerm     string
		bestScore    float64
		bestPhonetic bool
	)

	for _, t := range terms.terms {
		// Identical spans need no correction.
		if t.lower == spanLower {
			return span, 0, false
		}

		score := similarity(spanTokens, t.tokens, spanLower, t.lower)
		phonetic := codesOverlap(spanCodes, t.codes)

		switch {
		case phonetic && score >= c.phoneticThreshold:
			if !bestPhonetic || score > bestScore {
				bestTerm, bestScore, bestPhonetic = t.original, score, true
			}
		case !phonetic && !bestPhonetic && score >= c.fuzzyThreshold:
			if score > bestScore {
				bestTerm, bestScore = t.original, score
			}
		}
	}

	if bestTerm == "" {
		return span, 0, false
	}
	return bestTerm, bestScore, true
}

// term is one vocabulary entry with its phonetic codes precomputed.
type term struct {
	original string
	lower    string
	tokens   []string
	codes    map[string]struct{}
}

// termSet is a prepared vocabulary, built once per Correct call so n-gram
// windows reuse the phonetic codes.
type termSet struct {
	terms    []term
	maxWords int
}

func prepareTerms(vocabulary []string) *termSet {
	ts := &termSet{terms: make([]term, 0, len(vocabulary))}
	for _, v := range vocabulary {
		lower := strings.ToLower(strings.TrimSpace(v))
		if lower == "" {
			continue
		}
		tokens := strings.Fields(lower)
		if len(tokens) > ts.maxWords {
			ts.maxWords = len(tokens)
		}
		ts.terms = append(ts.terms, term{
			original: strings.TrimSpace(v),
			lower:    lower,
			tokens:   tokens,
			codes:    metaphoneCodes(tokens),
		})
	}
	return ts
}

// metaphoneCodes returns the union of Double Metaphone codes over tokens.
// Empty codes (very short or vowel-only tokens) are excluded.
func metaphoneCodes(tokens []string) map[string]struct{} {
	codes := make(map[string]struct{}, len(tokens)*2)
	for _, t := range tokens {
		primary, secondary := matchr.DoubleMetaphone(t)
		if primary != "" {
			codes[primary] = struct{}{}
		}
		if secondary != "" {
			codes[secondary] = struct{}{}
		}
	}
	return codes
}

func codesOverlap(a, b map[string]struct{}) bool {
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

// similarity is the highest Jaro-Winkler score across three comparisons:
// full strings, space-stripped strings, and the best pairwise token score.
// The space-stripped pass handles word-boundary splits ("vox line" vs
// "voxline"). Pairwise tokens are only consulted when one side is a single
// token, so a multi-word window cannot ride on one strong token.
func similarity(spanTokens, termTokens []string, spanFull, termFull string) float64 {
	score := matchr.JaroWinkler(spanFull, termFull, false)

	if len(spanTokens) > 1 || len(termTokens) > 1 {
		joined := matchr.JaroWinkler(
			strings.Join(spanTokens, ""),
			strings.Join(termTokens, ""),
			false,
		)
		if joined > score {
			score = joined
		}
	}

	if len(spanTokens) == 1 || len(termTokens) == 1 {
		for _, st := range spanTokens {
			for _, tt := range termTokens {
				if s := matchr.JaroWinkler(st, tt, false); s > score {
					score = s
				}
			}
		}
	}

	return score
}
