package ai

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/fake"

	"github.com/JakeFAU/webaudit/internal/audit"
	"github.com/JakeFAU/webaudit/internal/breaker"
)

const validReport = `{
  "executive_summary": "The site is fast on desktop and slow on mobile.",
  "performance_analysis": {"mobile_summary": "slow", "desktop_summary": "fast", "mobile_vs_desktop": "gap"},
  "core_web_vitals_analysis": {"lcp_analysis": "lcp", "cls_analysis": "cls", "inp_tbt_analysis": "inp"},
  "category_insights": {"performance": "p", "accessibility": "a", "best_practices": "b", "seo": "s"},
  "strengths": ["good seo"],
  "weaknesses": ["large images"],
  "opportunities": [{"title": "Compress images", "priority": "High", "effort": "Low"}],
  "recommendations": [{"priority": 1, "title": "Use AVIF", "quick_win": true}],
  "business_impact_summary": "impact",
  "next_steps": ["ship it"]
}`

type recordingModel struct {
	mu       sync.Mutex
	messages []llms.MessageContent
	calls    int
	err      error
	reply    string
}

func (m *recordingModel) GenerateContent(_ context.Context, messages []llms.MessageContent, _ ...llms.CallOption) (*llms.ContentResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	m.messages = messages
	if m.err != nil {
		return nil, m.err
	}
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: m.reply}}}, nil
}

func (m *recordingModel) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, m, prompt, options...)
}

func ptr(v float64) *float64 { return &v }

func sampleInput() audit.SummaryInput {
	mobile := &audit.LabResult{
		Device:     audit.DeviceMobile,
		Categories: audit.CategoryScores{Performance: ptr(0.42)},
		Vitals:     audit.LabVitals{LCPMs: ptr(5100)},
	}
	return audit.SummaryInput{
		URL:     "https://example.com/",
		Mobile:  mobile,
		Metrics: audit.BuildMetrics(mobile, nil, nil),
	}
}

func TestSummarizeParsesReport(t *testing.T) {
	t.Parallel()

	s := New(fake.NewFakeLLM([]string{validReport}), Config{Provider: ProviderAnthropic})
	report, err := s.Summarize(context.Background(), sampleInput())
	require.NoError(t, err)
	require.Equal(t, "The site is fast on desktop and slow on mobile.", report.ExecutiveSummary)
	require.Equal(t, "fast", report.PerformanceAnalysis.DesktopSummary)
	require.Len(t, report.Recommendations, 1)
	require.True(t, report.Recommendations[0].QuickWin)
}

func TestSummarizePromptCarriesOnlyProvidedData(t *testing.T) {
	t.Parallel()

	model := &recordingModel{reply: validReport}
	s := New(model, Config{Provider: ProviderOpenAI})
	_, err := s.Summarize(context.Background(), sampleInput())
	require.NoError(t, err)

	require.Len(t, model.messages, 2)
	require.Equal(t, llms.ChatMessageTypeSystem, model.messages[0].Role)
	human, ok := model.messages[1].Parts[0].(llms.TextContent)
	require.True(t, ok)
	require.Contains(t, human.Text, `"url": "https://example.com/"`)
	require.Contains(t, human.Text, `"mobile_performance": 0.42`)
	require.Contains(t, human.Text, `"crux": null`)
	require.NotContains(t, human.Text, `"desktop":`)
	require.Contains(t, human.Text, "good < 2500ms")
}

func TestSummarizeMalformedOutputIsPermanent(t *testing.T) {
	t.Parallel()

	s := New(fake.NewFakeLLM([]string{"I cannot help with that."}), Config{})
	_, err := s.Summarize(context.Background(), sampleInput())
	require.Error(t, err)
	require.Equal(t, audit.ErrorKindPermanent, audit.Classify(err))
}

func TestSummarizeProviderErrors(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		err  error
		kind audit.ErrorKind
	}{
		{name: "network", err: errors.New("dial tcp: connection reset"), kind: audit.ErrorKindTransient},
		{name: "overloaded", err: errors.New("API returned unexpected status code: 529"), kind: audit.ErrorKindTransient},
		{name: "auth", err: errors.New("API returned unexpected status code: 401: invalid x-api-key"), kind: audit.ErrorKindPermanent},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			s := New(&recordingModel{err: tc.err}, Config{Provider: ProviderAnthropic})
			_, err := s.Summarize(context.Background(), sampleInput())
			require.Error(t, err)
			require.Equal(t, tc.kind, audit.Classify(err))
		})
	}
}

func TestSummarizeBreakerOpensAfterFailures(t *testing.T) {
	t.Parallel()

	model := &recordingModel{err: errors.New("upstream 503")}
	s := New(model, Config{Breaker: breaker.Config{FailureThreshold: 2, OpenTimeout: time.Minute}})
	for i := 0; i < 2; i++ {
		_, err := s.Summarize(context.Background(), sampleInput())
		require.Equal(t, audit.ErrorKindTransient, audit.Classify(err))
	}
	require.Equal(t, "open", s.Breaker().State)

	_, err := s.Summarize(context.Background(), sampleInput())
	require.Equal(t, audit.ErrorKindPermanent, audit.Classify(err))
	require.True(t, breaker.IsOpen(err))
	require.Equal(t, 2, model.calls)
}

func TestSummarizeWithoutModel(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{}).Summarize(context.Background(), sampleInput())
	require.ErrorIs(t, err, ErrNotConfigured)
	require.Equal(t, audit.ErrorKindPermanent, audit.Classify(err))
}

func TestParseReportStripsFences(t *testing.T) {
	t.Parallel()

	for _, wrapped := range []string{
		"```json\n" + validReport + "\n```",
		"```\n" + validReport + "\n```",
		"  " + validReport + "  ",
	} {
		report, err := ParseReport(wrapped)
		require.NoError(t, err)
		require.Equal(t, []string{"ship it"}, report.NextSteps)
	}

	_, err := ParseReport("```json\n```")
	require.Error(t, err)
	_, err = ParseReport(`{"strengths": []}`)
	require.ErrorContains(t, err, "executive_summary")
}

func TestNewModelRequiresCredentials(t *testing.T) {
	t.Parallel()

	for _, provider := range []string{"", ProviderAnthropic, ProviderOpenAI, ProviderGoogleAI} {
		_, err := NewModel(context.Background(), Config{Provider: provider, Model: "m"})
		require.ErrorIs(t, err, ErrNotConfigured, provider)
	}
	_, err := NewModel(context.Background(), Config{Provider: "bard"})
	require.Error(t, err)
	require.True(t, strings.Contains(err.Error(), "unsupported"))
}
