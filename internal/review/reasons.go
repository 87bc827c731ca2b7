package review

import (
	"strings"

	"github.com/antzucaro/matchr"
)

// Reason is a categorical rejection tag.
type Reason string

const (
	ReasonEcho       Reason = "echo"
	ReasonHiss       Reason = "hiss"
	ReasonCutShort   Reason = "cut-short"
	ReasonVoiceShift Reason = "voice-shift"
	ReasonPace       Reason = "pace"
	ReasonOther      Reason = "other"
)

// Reasons lists every tag in prompt order.
var Reasons = []Reason{ReasonEcho, ReasonHiss, ReasonCutShort, ReasonVoiceShift, ReasonPace, ReasonOther}

// IsValid reports whether r is a known tag.
func (r Reason) IsValid() bool {
	for _, known := range Reasons {
		if r == known {
			return true
		}
	}
	return false
}

// reasonKeywords are the words a reviewer typically uses for each tag.
var reasonKeywords = map[Reason][]string{
	ReasonEcho:       {"echo", "echoey", "reverb", "room", "hall", "doubled", "ringing"},
	ReasonHiss:       {"hiss", "hissing", "noise", "noisy", "static", "buzz", "crackle", "sibilant"},
	ReasonCutShort:   {"cut", "clipped", "truncated", "short", "abrupt", "chopped", "missing", "ends"},
	ReasonVoiceShift: {"voice", "different", "shift", "accent", "pitch", "tone", "timbre", "speaker"},
	ReasonPace:       {"pace", "slow", "fast", "rushed", "speed", "dragging", "tempo", "hurried"},
}

const (
	defaultPhoneticThreshold = 0.80
	defaultFuzzyThreshold    = 0.88
)

// ReasonParser maps free text onto a [Reason]. Words are matched against
// each tag's keywords: a keyword sharing a Double Metaphone code with a word
// needs a Jaro-Winkler score of 0.80, any other keyword 0.88. Words
// shorter than three letters are ignored. Read-only
// after construction and safe for concurrent use.
type ReasonParser struct {
	phoneticThreshold float64
	fuzzyThreshold    float64
}

// NewReasonParser returns a parser with the default thresholds.
func NewReasonParser() *ReasonParser {
	return &ReasonParser{
		phoneticThreshold: defaultPhoneticThreshold,
		fuzzyThreshold:    defaultFuzzyThreshold,
	}
}

// Parse returns the tag that best matches text. The boolean is false when
// nothing matched and the tag is [ReasonOther]; the caller should then keep
// text as a note.
func (p *ReasonParser) Parse(text string) (Reason, bool) {
	lower := strings.ToLower(strings.TrimSpace(text))
	if lower == "" {
		return ReasonOther, false
	}
	if r := Reason(lower); r.IsValid() {
		return r, true
	}

	tokens := strings.FieldsFunc(lower, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r == '-')
	})

	var (
		best      Reason
		bestScore float64
		bestPhon  bool
	)
	for _, r := range Reasons {
		for _, kw := range reasonKeywords[r] {
			kwCodes := codesFor(kw)
			for _, tok := range tokens {
				if len(tok) < 3 {
					continue
				}
				score := matchr.JaroWinkler(tok, kw, false)
				phon := overlap(codesFor(tok), kwCodes)
				switch {
				case phon && score >= p.phoneticThreshold:
					if !bestPhon || score > bestScore {
						best, bestScore, bestPhon = r, score, true
					}
				case !bestPhon && score >= p.fuzzyThreshold && score > bestScore:
					best, bestScore = r, score
				}
			}
		}
	}
	if best == "" {
		return ReasonOther, false
	}
	return best, true
}

func codesFor(word string) []string {
	p, s := matchr.DoubleMetaphone(word)
	var out []string
	if p != "" {
		out = append(out, p)
	}
	if s != "" && s != p {
		out = append(out, s)
	}
	return out
}

func overlap(a, b []string) bool {
	for _, x := range a {
		for _, y := range b {
			if x == y {
				return true
			}
		}
	}
	return false
}
