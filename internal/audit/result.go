package audit

// ResultSchemaVersion is bumped whenever the Result shape changes so stale
// cache entries stop matching.
const ResultSchemaVersion = "v1"

// ResultStatus is the overall outcome of a pipeline run.
type ResultStatus string

// Result statuses.
const (
	ResultSuccess ResultStatus = "success"
	ResultPartial ResultStatus = "partial"
	ResultFailed  ResultStatus = "failed"
)

// Result is the final payload of an audit. Every field is always present in
// the JSON form; stages that did not succeed are encoded as null.
type Result struct {
	Status     ResultStatus     `json:"status"`
	URL        string           `json:"url"`
	Lighthouse LighthouseResult `json:"lighthouse"`
	CrUX       *FieldResult     `json:"crux"`
	Insights   Insights         `json:"insights"`
	Error      *string          `json:"error"`
	Timing     map[string]int64 `json:"timing"`
}

// LighthouseResult groups the per-device lab runs.
type LighthouseResult struct {
	Mobile  *LabResult `json:"mobile"`
	Desktop *LabResult `json:"desktop"`
}

// Insights holds the derived metrics and the AI report.
type Insights struct {
	Metrics  *Metrics  `json:"metrics"`
	AIReport *AIReport `json:"ai_report"`
}

// CategoryScores are Lighthouse category scores in the 0..1 range.
type CategoryScores struct {
	Performance   *float64 `json:"performance"`
	Accessibility *float64 `json:"accessibility"`
	BestPractices *float64 `json:"best_practices"`
	SEO           *float64 `json:"seo"`
}

// LabVitals are the lab-measured Core Web Vitals.
type LabVitals struct {
	LCPMs *float64 `json:"lcp_ms"`
	CLS   *float64 `json:"cls"`
	INPMs *float64 `json:"inp_ms"`
	TBTMs *float64 `json:"tbt_ms"`
}

// Opportunity is a Lighthouse improvement suggestion.
type Opportunity struct {
	ID                 string   `json:"id"`
	Title              string   `json:"title"`
	Description        string   `json:"description"`
	EstimatedSavingsMs *float64 `json:"estimated_savings_ms"`
}

// LabResult is the output of one Lighthouse run.
type LabResult struct {
	Device        Device         `json:"device"`
	Categories    CategoryScores `json:"categories"`
	Vitals        LabVitals      `json:"vitals"`
	Opportunities []Opportunity  `json:"opportunities"`
}

// Rating is a Core Web Vitals bucket.
type Rating string

// Rating values.
const (
	RatingGood             Rating = "good"
	RatingNeedsImprovement Rating = "needs_improvement"
	RatingPoor             Rating = "poor"
)

// FieldMetric is the p75 value and distribution of one real-user metric.
type FieldMetric struct {
	P75          float64   `json:"p75"`
	Distribution []float64 `json:"distribution"`
	Rating       Rating    `json:"rating"`
}

// FieldResult is the real-user data returned by the field stage.
type FieldResult struct {
	LCP            *FieldMetric `json:"lcp"`
	CLS            *FieldMetric `json:"cls"`
	INP            *FieldMetric `json:"inp"`
	FCP            *FieldMetric `json:"fcp"`
	TTFB           *FieldMetric `json:"ttfb"`
	Overall        *Rating      `json:"overall_category"`
	OriginFallback bool         `json:"origin_fallback"`
}

// Metrics is the merged metric set fed to the AI stage and echoed in the
// result. Fields are nil when the source stage failed.
type Metrics struct {
	MobilePerformance  *float64 `json:"mobile_performance"`
	DesktopPerformance *float64 `json:"desktop_performance"`
	LCPMs              *float64 `json:"lcp_ms"`
	CLS                *float64 `json:"cls"`
	INPMs              *float64 `json:"inp_ms"`
	TBTMs              *float64 `json:"tbt_ms"`
	FieldLCPMs         *float64 `json:"field_lcp_ms"`
	FieldCLS           *float64 `json:"field_cls"`
	FieldINPMs         *float64 `json:"field_inp_ms"`
	FieldOverall       *Rating  `json:"field_overall"`
}

// SummaryInput carries only the stage outputs that succeeded.
type SummaryInput struct {
	URL     string
	Mobile  *LabResult
	Desktop *LabResult
	Field   *FieldResult
	Metrics Metrics
}

// BuildMetrics merges the successful stage outputs into a Metrics value.
// Mobile lab vitals take precedence over desktop ones.
func BuildMetrics(mobile, desktop *LabResult, field *FieldResult) Metrics {
	var m Metrics
	if desktop != nil {
		m.DesktopPerformance = desktop.Categories.Performance
		m.LCPMs, m.CLS, m.INPMs, m.TBTMs = desktop.Vitals.LCPMs, desktop.Vitals.CLS, desktop.Vitals.INPMs, desktop.Vitals.TBTMs
	}
	if mobile != nil {
		m.MobilePerformance = mobile.Categories.Performance
		m.LCPMs, m.CLS, m.INPMs, m.TBTMs = mobile.Vitals.LCPMs, mobile.Vitals.CLS, mobile.Vitals.INPMs, mobile.Vitals.TBTMs
	}
	if field != nil {
		if field.LCP != nil {
			m.FieldLCPMs = &field.LCP.P75
		}
		if field.CLS != nil {
			m.FieldCLS = &field.CLS.P75
		}
		if field.INP != nil {
			m.FieldINPMs = &field.INP.P75
		}
		m.FieldOverall = field.Overall
	}
	return m
}

// AIReport is the structured summary produced by the AI stage.
type AIReport struct {
	ExecutiveSummary      string                `json:"executive_summary"`
	PerformanceAnalysis   PerformanceAnalysis   `json:"performance_analysis"`
	CoreWebVitalsAnalysis CoreWebVitalsAnalysis `json:"core_web_vitals_analysis"`
	CategoryInsights      CategoryInsights      `json:"category_insights"`
	Strengths             []string              `json:"strengths"`
	Weaknesses            []string              `json:"weaknesses"`
	Opportunities         []AIOpportunity       `json:"opportunities"`
	Recommendations       []Recommendation      `json:"recommendations"`
	BusinessImpactSummary string                `json:"business_impact_summary"`
	NextSteps             []string              `json:"next_steps"`
}

// PerformanceAnalysis compares the device runs.
type PerformanceAnalysis struct {
	MobileSummary   string `json:"mobile_summary"`
	DesktopSummary  string `json:"desktop_summary"`
	MobileVsDesktop string `json:"mobile_vs_desktop"`
}

// CoreWebVitalsAnalysis explains each vital.
type CoreWebVitalsAnalysis struct {
	LCPAnalysis    string `json:"lcp_analysis"`
	CLSAnalysis    string `json:"cls_analysis"`
	INPTBTAnalysis string `json:"inp_tbt_analysis"`
}

// CategoryInsights holds one paragraph per Lighthouse category.
type CategoryInsights struct {
	Performance   string `json:"performance"`
	Accessibility string `json:"accessibility"`
	BestPractices string `json:"best_practices"`
	SEO           string `json:"seo"`
}

// AIOpportunity is an improvement suggested by the model.
type AIOpportunity struct {
	Title            string `json:"title"`
	Description      string `json:"description"`
	EstimatedSavings string `json:"estimated_savings"`
	Priority         string `json:"priority"`
	Effort           string `json:"effort"`
	BusinessImpact   string `json:"business_impact"`
}

// Recommendation is a prioritized action item.
type Recommendation struct {
	Priority                 int    `json:"priority"`
	Title                    string `json:"title"`
	Description              string `json:"description"`
	Rationale                string `json:"rationale"`
	ExpectedImpact           string `json:"expected_impact"`
	ImplementationComplexity string `json:"implementation_complexity"`
	QuickWin                 bool   `json:"quick_win"`
}
