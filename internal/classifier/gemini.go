package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/joshsymonds/codesnap/internal/metrics"
	"github.com/joshsymonds/codesnap/internal/rate"
)

const (
	DefaultEndpoint = "https://generativelanguage.googleapis.com/v1beta"
	DefaultModel    = "gemini-2.5-flash"
	defaultTimeout  = 20 * time.Second
)

const promptTemplate = `Analyze the following email text carefully. Search for login codes, 2FA codes, OTPs, or verification numbers.

Rules:
1. Look for 4-8 digit numbers (e.g., 123456, 123 456, 123-456).
2. Look for alphanumeric codes often used by games or services (e.g., R5T21, A1B2C3).
3. Ignore dates, phone numbers, or order numbers unless explicitly labeled as a verification code.
4. If multiple candidates exist, pick the one labeled "code" or "pin".

Email Body:
"""
%s
"""`

// Config configures a Gemini classifier.
type Config struct {
	Endpoint   string
	Model      string
	APIKey     string
	MaxChars   int
	Timeout    time.Duration
	Limiter    rate.Limiter
	Logger     *slog.Logger
	HTTPClient *http.Client
}

// Gemini calls the generateContent API with a JSON response schema.
type Gemini struct {
	endpoint string
	model    string
	apiKey   string
	maxChars int
	limiter  rate.Limiter
	logger   *slog.Logger
	client   *http.Client
	breaker  *gobreaker.CircuitBreaker
}

// NewGemini builds a classifier from cfg, filling defaults.
func NewGemini(cfg Config) *Gemini {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	client := cfg.HTTPClient
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		client = &http.Client{Timeout: timeout}
	}
	limiter := cfg.Limiter
	if limiter == nil {
		limiter = rate.Unlimited{}
	}
	endpoint := strings.TrimRight(cfg.Endpoint, "/")
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	model := cfg.Model
	if model == "" {
		model = DefaultModel
	}
	g := &Gemini{
		endpoint: endpoint,
		model:    model,
		apiKey:   cfg.APIKey,
		maxChars: ClampMaxChars(cfg.MaxChars),
		limiter:  limiter,
		logger:   logger,
		client:   client,
	}
	g.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "classifier",
		MaxRequests: 1,
		Interval:    5 * time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed", "name", name, "from", from.String(), "to", to.String())
		},
	})
	return g
}

// Analyze classifies text. It never returns an error; failures are logged
// and reported as nil.
func (g *Gemini) Analyze(ctx context.Context, text string) *Result {
	if g.apiKey == "" {
		g.logger.Warn("classify skipped", "error", ErrNotConfigured)
		return nil
	}
	if err := g.limiter.Wait(ctx); err != nil {
		g.logger.Warn("classify skipped", "error", err)
		return nil
	}
	start := time.Now()
	out, err := g.breaker.Execute(func() (interface{}, error) {
		return g.call(ctx, Truncate(text, g.maxChars))
	})
	if err != nil {
		outcome := "failed"
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			outcome = "breaker_open"
		}
		metrics.RecordClassification(outcome, time.Since(start))
		g.logger.Warn("classify failed", "error", err)
		return nil
	}
	res := out.(*Result)
	outcome := "negative"
	if res.HasCode {
		outcome = "positive"
	}
	metrics.RecordClassification(outcome, time.Since(start))
	return res
}

type part struct {
	Text string `json:"text"`
}

type content struct {
	Parts []part `json:"parts"`
}

type generateRequest struct {
	Contents         []content        `json:"contents"`
	GenerationConfig generationConfig `json:"generationConfig"`
}

type generationConfig struct {
	Temperature      float64        `json:"temperature"`
	ResponseMimeType string         `json:"responseMimeType"`
	ResponseSchema   map[string]any `json:"responseSchema"`
}

type generateResponse struct {
	Candidates []struct {
		Content content `json:"content"`
	} `json:"candidates"`
}

type apiErrorResponse struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

var responseSchema = map[string]any{
	"type": "OBJECT",
	"properties": map[string]any{
		"hasCode": map[string]any{
			"type":        "BOOLEAN",
			"description": "True if the text contains a 2FA, OTP, or verification code.",
		},
		"serviceName": map[string]any{
			"type":        "STRING",
			"description": "The name of the website or service sending the code.",
		},
		"code": map[string]any{
			"type":        "STRING",
			"description": "The verification code sequence found.",
		},
	},
	"required": []string{"hasCode"},
}

func (g *Gemini) call(ctx context.Context, text string) (*Result, error) {
	reqBody := generateRequest{
		Contents: []content{{Parts: []part{{Text: fmt.Sprintf(promptTemplate, text)}}}},
		GenerationConfig: generationConfig{
			Temperature:      0,
			ResponseMimeType: "application/json",
			ResponseSchema:   responseSchema,
		},
	}
	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	url := fmt.Sprintf("%s/models/%s:generateContent", g.endpoint, g.model)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", g.apiKey)

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call generateContent: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		var apiErr apiErrorResponse
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Error.Message != "" {
			return nil, fmt.Errorf("generateContent error (%d): %s", resp.StatusCode, apiErr.Error.Message)
		}
		return nil, fmt.Errorf("generateContent error (%d)", resp.StatusCode)
	}

	var gen generateResponse
	if err := json.Unmarshal(respBody, &gen); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(gen.Candidates) == 0 || len(gen.Candidates[0].Content.Parts) == 0 {
		return nil, errors.New("empty response")
	}
	raw := strings.TrimSpace(gen.Candidates[0].Content.Parts[0].Text)
	if raw == "" {
		return nil, errors.New("empty response")
	}
	var res Result
	if err := json.Unmarshal([]byte(raw), &res); err != nil {
		return nil, fmt.Errorf("decode classification: %w", err)
	}
	res.Code = strings.TrimSpace(res.Code)
	res.ServiceName = strings.TrimSpace(res.ServiceName)
	if res.HasCode && res.Code == "" {
		return nil, errors.New("hasCode without code")
	}
	return &res, nil
}

var _ Classifier = (*Gemini)(nil)
