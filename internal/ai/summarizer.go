package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sony/gobreaker/v2"
	"github.com/tmc/langchaingo/llms"
	"go.uber.org/zap"

	"github.com/JakeFAU/webaudit/internal/audit"
	"github.com/JakeFAU/webaudit/internal/breaker"
	"github.com/JakeFAU/webaudit/internal/policy/ratelimit"
)

// Config selects the provider and guards outbound calls.
type Config struct {
	Provider        string
	Model           string
	AnthropicAPIKey string
	OpenAIAPIKey    string
	GoogleAPIKey    string
	OllamaHost      string
	MaxTokens       int
	Temperature     float64
	RatePerSecond   float64
	Burst           int
	Breaker         breaker.Config
}

// Summarizer implements audit.Summarizer on top of an llms.Model.
type Summarizer struct {
	cfg     Config
	model   llms.Model
	limiter *ratelimit.Limiter
	cb      *gobreaker.CircuitBreaker[string]
	logger  *zap.Logger
}

// Option customizes a Summarizer.
type Option func(*Summarizer)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Summarizer) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New wraps model. A nil model yields a summarizer that always fails with
// ErrNotConfigured.
func New(model llms.Model, cfg Config, opts ...Option) *Summarizer {
	s := &Summarizer{
		cfg:     cfg,
		model:   model,
		limiter: ratelimit.New(ratelimit.Config{DefaultRPS: cfg.RatePerSecond, DefaultBurst: cfg.Burst}),
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.cb = breaker.New[string]("ai", cfg.Breaker, s.logger)
	return s
}

// Breaker reports the circuit breaker state.
func (s *Summarizer) Breaker() breaker.Status {
	return breaker.Snapshot(s.cb)
}

// Summarize asks the model for a report over the stage outputs that
// succeeded. Malformed model output is permanent; provider failures are
// transient unless they look like credential problems.
func (s *Summarizer) Summarize(ctx context.Context, input audit.SummaryInput) (*audit.AIReport, error) {
	if s.model == nil {
		return nil, audit.Permanent(ErrNotConfigured)
	}
	prompt, err := userPrompt(input)
	if err != nil {
		return nil, audit.Permanent(err)
	}
	if err := s.limiter.Wait(ctx, s.cfg.Provider); err != nil {
		return nil, err
	}

	start := time.Now()
	text, err := s.cb.Execute(func() (string, error) {
		return s.generate(ctx, prompt)
	})
	if breaker.IsOpen(err) {
		return nil, audit.Permanent(fmt.Errorf("ai summary unavailable: %w", err))
	}
	if err != nil {
		return nil, err
	}

	report, err := ParseReport(text)
	if err != nil {
		return nil, audit.Permanent(err)
	}
	s.logger.Debug("ai report generated",
		zap.String("url", input.URL),
		zap.String("provider", s.cfg.Provider),
		zap.Duration("elapsed", time.Since(start)),
	)
	return report, nil
}

func (s *Summarizer) generate(ctx context.Context, prompt string) (string, error) {
	messages := []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, systemPrompt),
		llms.TextParts(llms.ChatMessageTypeHuman, prompt),
	}
	callOpts := []llms.CallOption{llms.WithJSONMode()}
	if s.cfg.MaxTokens > 0 {
		callOpts = append(callOpts, llms.WithMaxTokens(s.cfg.MaxTokens))
	}
	if s.cfg.Temperature > 0 {
		callOpts = append(callOpts, llms.WithTemperature(s.cfg.Temperature))
	}

	resp, err := s.model.GenerateContent(ctx, messages, callOpts...)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", classifyProviderError(err)
	}
	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Content) == "" {
		return "", audit.Transient(errors.New("model returned an empty response"))
	}
	return resp.Choices[0].Content, nil
}

func classifyProviderError(err error) error {
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"401", "403", "unauthorized", "forbidden", "invalid api key", "invalid_api_key", "permission denied"} {
		if strings.Contains(msg, marker) {
			return audit.Permanent(fmt.Errorf("ai provider rejected credentials: %w", err))
		}
	}
	return audit.Transient(fmt.Errorf("ai provider call failed: %w", err))
}

// ParseReport decodes model output into an AIReport, tolerating Markdown
// code fences around the JSON.
func ParseReport(text string) (*audit.AIReport, error) {
	body := stripFences(text)
	if body == "" {
		return nil, errors.New("empty ai report")
	}
	var report audit.AIReport
	if err := json.Unmarshal([]byte(body), &report); err != nil {
		return nil, fmt.Errorf("decode ai report: %w", err)
	}
	if report.ExecutiveSummary == "" {
		return nil, errors.New("ai report is missing executive_summary")
	}
	return &report, nil
}

func stripFences(text string) string {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "```") {
		return text
	}
	text = strings.TrimPrefix(text, "```")
	if i := strings.IndexByte(text, '\n'); i >= 0 {
		text = text[i+1:]
	} else {
		text = strings.TrimPrefix(text, "json")
	}
	text = strings.TrimSpace(text)
	text = strings.TrimSuffix(text, "```")
	return strings.TrimSpace(text)
}

type promptInput struct {
	URL        string             `json:"url"`
	Lighthouse promptLighthouse   `json:"lighthouse"`
	CrUX       *audit.FieldResult `json:"crux"`
	Metrics    audit.Metrics      `json:"metrics"`
}

type promptLighthouse struct {
	Mobile  *audit.LabResult `json:"mobile,omitempty"`
	Desktop *audit.LabResult `json:"desktop,omitempty"`
}

func userPrompt(input audit.SummaryInput) (string, error) {
	data, err := json.MarshalIndent(promptInput{
		URL:        input.URL,
		Lighthouse: promptLighthouse{Mobile: input.Mobile, Desktop: input.Desktop},
		CrUX:       input.Field,
		Metrics:    input.Metrics,
	}, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode ai input: %w", err)
	}
	return fmt.Sprintf(userPromptTemplate, data), nil
}
