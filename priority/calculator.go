package priority

import (
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/Nxdus/asf-fieldmap/services"
)

type Result struct {
	Score   int      `json:"score"`
	Level   string   `json:"level"`
	Reasons []string `json:"reasons"`
}

// Factors is the context a case is scored in.
type Factors struct {
	Now         time.Time
	NearbyCases int
}

func Calculate(rec services.CaseRecord, f Factors) Result {
	var score float64
	var reasons []string

	prob := Normalize(rec.Probability)
	label := strconv.FormatFloat(rec.Probability, 'f', -1, 64)
	switch {
	case prob >= 0.9:
		score += 55
		reasons = append(reasons, "test probability: "+label)
	case prob >= 0.75:
		score += 45
		reasons = append(reasons, "test probability: "+label)
	case prob >= 0.5:
		score += 30
		reasons = append(reasons, "test probability: "+label)
	case prob > 0:
		score += 15
		reasons = append(reasons, "test probability: "+label)
	}

	if f.NearbyCases > 0 {
		weight := float64(f.NearbyCases)
		if weight > 10 {
			weight = 10
		}
		score += weight * 2
		reasons = append(reasons, strconv.Itoa(f.NearbyCases)+" other cases nearby")
	}

	now := f.Now
	if now.IsZero() {
		now = time.Now()
	}
	if t, ok := ParseDate(rec.Date); ok {
		hours := now.Sub(t).Hours()
		switch {
		case hours <= 72:
			score += 15
			reasons = append(reasons, "reported in the last 72 hours")
		case hours <= 14*24:
			score += 8
			reasons = append(reasons, "reported in the last 14 days")
		case hours > 60*24:
			score -= 10
			reasons = append(reasons, "no report for over 60 days")
		}
	}

	if strings.TrimSpace(rec.Organization) == "" {
		score -= 5
		reasons = append(reasons, "reporter organization unknown")
	}

	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}

	return Result{
		Score:   int(math.Round(score)),
		Level:   Level(score),
		Reasons: reasons,
	}
}

func Level(score float64) string {
	switch {
	case score >= 75:
		return "critical"
	case score >= 55:
		return "high"
	case score >= 35:
		return "medium"
	}
	return "low"
}

// Normalize maps a probability reported as a percentage onto [0, 1].
func Normalize(p float64) float64 {
	if p > 1 {
		p /= 100
	}
	if p < 0 {
		return 0
	}
	if p > 1 {
		return 1
	}
	return p
}

var dateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
	"1/2/2006",
	"1/2/2006, 3:04:05 PM",
}

func ParseDate(val string) (time.Time, bool) {
	val = strings.TrimSpace(val)
	if val == "" {
		return time.Time{}, false
	}

	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, val); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
