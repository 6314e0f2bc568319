package lab

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/JakeFAU/webaudit/internal/audit"
)

type report struct {
	Categories map[string]struct {
		Score *float64 `json:"score"`
	} `json:"categories"`
	Audits map[string]struct {
		Title        string   `json:"title"`
		Description  string   `json:"description"`
		NumericValue *float64 `json:"numericValue"`
		Details      *struct {
			Type             string   `json:"type"`
			OverallSavingsMs *float64 `json:"overallSavingsMs"`
		} `json:"details"`
	} `json:"audits"`
}

var requiredCategories = []string{"performance", "accessibility", "best-practices", "seo"}

// ParseReport extracts scores, vitals and opportunities from a Lighthouse
// JSON report.
func ParseReport(data []byte, device audit.Device) (*audit.LabResult, error) {
	var r report
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("failed to parse lighthouse output (%s): %w", device, err)
	}
	if r.Categories == nil || r.Audits == nil {
		return nil, fmt.Errorf("lighthouse output (%s) is missing categories or audits", device)
	}
	for _, name := range requiredCategories {
		if _, ok := r.Categories[name]; !ok {
			return nil, fmt.Errorf("missing expected key in lighthouse output (%s): %s", device, name)
		}
	}

	numeric := func(id string) *float64 {
		a, ok := r.Audits[id]
		if !ok {
			return nil
		}
		return a.NumericValue
	}

	result := &audit.LabResult{
		Device: device,
		Categories: audit.CategoryScores{
			Performance:   r.Categories["performance"].Score,
			Accessibility: r.Categories["accessibility"].Score,
			BestPractices: r.Categories["best-practices"].Score,
			SEO:           r.Categories["seo"].Score,
		},
		Vitals: audit.LabVitals{
			LCPMs: numeric("largest-contentful-paint"),
			CLS:   numeric("cumulative-layout-shift"),
			INPMs: numeric("interaction-to-next-paint"),
			TBTMs: numeric("total-blocking-time"),
		},
		Opportunities: []audit.Opportunity{},
	}

	ids := make([]string, 0, len(r.Audits))
	for id := range r.Audits {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		a := r.Audits[id]
		if a.Details == nil || a.Details.Type != "opportunity" {
			continue
		}
		result.Opportunities = append(result.Opportunities, audit.Opportunity{
			ID:                 id,
			Title:              a.Title,
			Description:        a.Description,
			EstimatedSavingsMs: a.Details.OverallSavingsMs,
		})
	}
	return result, nil
}
