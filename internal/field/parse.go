package field

import (
	"encoding/json"

	"github.com/JakeFAU/webaudit/internal/audit"
)

type psiResponse struct {
	LoadingExperience       *loadingExperience `json:"loadingExperience"`
	OriginLoadingExperience *loadingExperience `json:"originLoadingExperience"`
}

type loadingExperience struct {
	Metrics         map[string]psiMetric `json:"metrics"`
	OverallCategory string               `json:"overall_category"`
}

type psiMetric struct {
	Percentile    *float64 `json:"percentile"`
	Distributions []struct {
		Proportion float64 `json:"proportion"`
	} `json:"distributions"`
}

type thresholds struct {
	good, poor float64
}

var (
	lcpThresholds  = thresholds{good: 2500, poor: 4000}
	clsThresholds  = thresholds{good: 0.1, poor: 0.25}
	inpThresholds  = thresholds{good: 200, poor: 500}
	fcpThresholds  = thresholds{good: 1800, poor: 3000}
	ttfbThresholds = thresholds{good: 800, poor: 1800}
)

// Rate buckets v against the Core Web Vitals thresholds for t.
func (t thresholds) Rate(v float64) audit.Rating {
	switch {
	case v <= t.good:
		return audit.RatingGood
	case v <= t.poor:
		return audit.RatingNeedsImprovement
	default:
		return audit.RatingPoor
	}
}

var overallRatings = map[string]audit.Rating{
	"FAST":    audit.RatingGood,
	"AVERAGE": audit.RatingNeedsImprovement,
	"SLOW":    audit.RatingPoor,
}

// Parse converts a PSI response into a FieldResult, preferring URL-level
// data over the origin fallback.
func Parse(body []byte) (*audit.FieldResult, error) {
	var resp psiResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}
	exp := resp.LoadingExperience
	fallback := false
	if exp == nil || len(exp.Metrics) == 0 {
		exp = resp.OriginLoadingExperience
		fallback = true
	}
	if exp == nil || len(exp.Metrics) == 0 {
		return nil, ErrNoFieldData
	}

	result := &audit.FieldResult{
		LCP:            metric(exp.Metrics, "LARGEST_CONTENTFUL_PAINT_MS", 1, lcpThresholds),
		CLS:            metric(exp.Metrics, "CUMULATIVE_LAYOUT_SHIFT_SCORE", 100, clsThresholds),
		INP:            metric(exp.Metrics, "INTERACTION_TO_NEXT_PAINT", 1, inpThresholds),
		FCP:            metric(exp.Metrics, "FIRST_CONTENTFUL_PAINT_MS", 1, fcpThresholds),
		TTFB:           metric(exp.Metrics, "EXPERIMENTAL_TIME_TO_FIRST_BYTE", 1, ttfbThresholds),
		OriginFallback: fallback,
	}
	if r, ok := overallRatings[exp.OverallCategory]; ok {
		result.Overall = &r
	}
	return result, nil
}

// metric reads one PSI metric. PSI reports CLS multiplied by 100, so scale
// divides the raw percentile.
func metric(metrics map[string]psiMetric, key string, scale float64, t thresholds) *audit.FieldMetric {
	m, ok := metrics[key]
	if !ok || m.Percentile == nil {
		return nil
	}
	p75 := *m.Percentile / scale
	out := &audit.FieldMetric{
		P75:          p75,
		Distribution: []float64{},
		Rating:       t.Rate(p75),
	}
	if len(m.Distributions) >= 3 {
		for _, d := range m.Distributions[:3] {
			out.Distribution = append(out.Distribution, d.Proportion)
		}
	}
	return out
}
