package events

import (
	"regexp"
	"strings"
	"time"

	"github.com/pulseloop/coach/internal/types"
)

// keywordSet is the deterministic pattern layer for one event kind. Dialogue
// from this user base is mixed Chinese/English, so both vocabularies are
// matched.
type keywordSet struct {
	kind     types.EventKind
	keywords []string
	// strong keywords count double when scoring specificity
	strong []string
}

var patternSets = []keywordSet{
	{
		kind: types.EventIllness,
		keywords: []string{
			"感冒", "发烧", "生病", "不舒服", "咳嗽", "头疼", "拉肚子",
			"sick", "ill", "fever", "flu", "cough", "headache", "sore throat", "caught a cold", "not feeling well",
		},
		strong: []string{"发烧", "fever", "感冒", "flu"},
	},
	{
		kind: types.EventTravel,
		keywords: []string{
			"出差", "旅行", "旅游", "航班", "飞机", "机场", "酒店",
			"travel", "trip", "flight", "airport", "hotel", "vacation", "out of town", "business trip",
		},
		strong: []string{"出差", "航班", "flight", "business trip"},
	},
	{
		kind: types.EventSocial,
		keywords: []string{
			"聚餐", "应酬", "宴会", "喝酒", "聚会",
			"party", "banquet", "dinner party", "drinks", "wedding", "celebration", "get-together",
		},
		strong: []string{"应酬", "宴会", "banquet", "wedding"},
	},
	{
		kind: types.EventHighStress,
		keywords: []string{
			"加班", "压力", "好累", "太忙", "熬夜",
			"overtime", "deadline", "stressed", "pressure", "exhausted", "overwhelmed", "burned out",
		},
		strong: []string{"压力", "stressed", "deadline", "burned out"},
	},
}

// travelEndRe extracts an explicit travel end date ("until 2026-02-22",
// "回来 2026-02-22", bare ISO date).
var travelEndRe = regexp.MustCompile(`(\d{4}-\d{2}-\d{2})`)

// patternMatch is the pattern layer's finding for one kind.
type patternMatch struct {
	kind       types.EventKind
	confidence float64
	evidence   string
	travelEnd  time.Time // zero unless an explicit end date was found
}

// scanPatterns runs every keyword set over the dialogue text and returns a
// match per kind that fired. Confidence starts at 0.5 for a single hit and
// grows 0.2 per additional hit (strong keywords count double), capped 0.95.
func scanPatterns(text string) []patternMatch {
	lower := strings.ToLower(text)

	var out []patternMatch
	for _, set := range patternSets {
		hits := 0
		var evidence []string
		for _, kw := range set.keywords {
			if strings.Contains(lower, strings.ToLower(kw)) {
				hits++
				evidence = append(evidence, kw)
			}
		}
		for _, kw := range set.strong {
			if strings.Contains(lower, strings.ToLower(kw)) {
				hits++ // second count for specificity
			}
		}
		if hits == 0 {
			continue
		}

		conf := 0.5 + 0.2*float64(hits-1)
		if conf > 0.95 {
			conf = 0.95
		}

		m := patternMatch{
			kind:       set.kind,
			confidence: conf,
			evidence:   strings.Join(evidence, ","),
		}
		if set.kind == types.EventTravel {
			if d := travelEndRe.FindString(text); d != "" {
				if t, err := time.Parse("2006-01-02", d); err == nil {
					// Travel ends at the close of the named day.
					m.travelEnd = t.AddDate(0, 0, 1)
				}
			}
		}
		out = append(out, m)
	}
	return out
}
