package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"
	"unicode"

	"sqlinx/internal/core"
)

const (
	DefaultAIEndpoint    = "https://api.cohere.com/v2/chat"
	DefaultAIModel       = "command-a-03-2025"
	DefaultAITimeout     = 60 * time.Second
	DefaultAIMaxTokens   = 1000
	DefaultAITemperature = 0.3
	DefaultAISampleRows  = 5

	minAPIKeyLength = 20
	maxErrorBody    = 512
)

// InsightConfig configures the text-generation client.
type InsightConfig struct {
	Endpoint    string
	Model       string
	Timeout     time.Duration
	MaxTokens   int
	Temperature float64
	SampleRows  int
}

// InsightService builds prompts from query results and sends them to a chat endpoint.
type InsightService struct {
	cfg        InsightConfig
	httpClient *http.Client
	logger     *slog.Logger
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Message struct {
		Role    string `json:"role"`
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	} `json:"message"`
}

func NewInsightService(cfg InsightConfig, logger *slog.Logger) *InsightService {
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultAIEndpoint
	}
	if cfg.Model == "" {
		cfg.Model = DefaultAIModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultAITimeout
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultAIMaxTokens
	}
	if cfg.SampleRows <= 0 {
		cfg.SampleRows = DefaultAISampleRows
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &InsightService{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger,
	}
}

// ValidateAPIKey checks the shape of a key without contacting the service.
func ValidateAPIKey(key string) error {
	if key == "" {
		return &core.AIServiceError{Code: core.AIUnauthorized, Err: errors.New("API key is required")}
	}
	if len(key) < minAPIKeyLength {
		return &core.AIServiceError{Code: core.AIUnauthorized, Err: errors.New("API key is too short")}
	}
	for _, r := range key {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return &core.AIServiceError{Code: core.AIUnauthorized, Err: errors.New("API key contains whitespace or control characters")}
		}
	}
	return nil
}

// Generate makes exactly one call to the chat endpoint and returns its text unchanged.
func (s *InsightService) Generate(ctx context.Context, req core.InsightRequest) (string, error) {
	if err := ValidateAPIKey(req.APIKey); err != nil {
		return "", err
	}
	if req.Mode.NeedsResult() && req.Result == nil {
		return "", core.ErrNoResult
	}
	if req.Mode.NeedsQuestion() && strings.TrimSpace(req.Question) == "" {
		return "", &core.InputError{Err: core.ErrQuestionRequired}
	}

	system, user := s.BuildPrompt(req)
	body, err := json.Marshal(chatRequest{
		Model: s.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		MaxTokens:   s.cfg.MaxTokens,
		Temperature: s.cfg.Temperature,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+req.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := s.httpClient.Do(httpReq)
	if err != nil {
		return "", &core.AIServiceError{Code: core.AINetwork, Err: fmt.Errorf("failed to send request: %w", err)}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &core.AIServiceError{Code: core.AINetwork, Status: resp.StatusCode, Err: fmt.Errorf("failed to read response: %w", err)}
	}
	s.logger.Info("insight request", "mode", req.Mode, "status", resp.StatusCode, "duration", time.Since(start))

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return "", &core.AIServiceError{Code: core.AIUnauthorized, Status: resp.StatusCode, Err: apiError(respBody)}
	case resp.StatusCode == http.StatusTooManyRequests:
		return "", &core.AIServiceError{Code: core.AIRateLimited, Status: resp.StatusCode, Err: apiError(respBody)}
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return "", &core.AIServiceError{Code: core.AIMalformedResponse, Status: resp.StatusCode, Err: apiError(respBody)}
	}

	var chat chatResponse
	if err := json.Unmarshal(respBody, &chat); err != nil {
		return "", &core.AIServiceError{Code: core.AIMalformedResponse, Status: resp.StatusCode, Err: fmt.Errorf("failed to unmarshal response: %w", err)}
	}
	var text strings.Builder
	for _, part := range chat.Message.Content {
		text.WriteString(part.Text)
	}
	if strings.TrimSpace(text.String()) == "" {
		return "", &core.AIServiceError{Code: core.AIMalformedResponse, Status: resp.StatusCode, Err: errors.New("response contains no text")}
	}
	return text.String(), nil
}

// apiError extracts the message of an error body, falling back to its start.
func apiError(body []byte) error {
	var e struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &e); err == nil && e.Message != "" {
		return errors.New(e.Message)
	}
	s := strings.TrimSpace(string(body))
	if len(s) > maxErrorBody {
		s = s[:maxErrorBody]
	}
	if s == "" {
		return errors.New("empty response body")
	}
	return errors.New(s)
}

var systemMessages = map[core.InsightMode]string{
	core.ModeAnalyze: `You are a data analyst. Provide insights about datasets and query results.
Focus on:
- Data patterns and trends
- Potential data quality issues
- Suggested analyses
- Business implications`,
	core.ModeSuggestVisualization: `You are a data visualization expert. Recommend charts for query results.
Focus on:
- Chart types that fit the column types
- Which columns go on which axis or encoding
- What each chart would reveal`,
	core.ModeCustomQuestion: `You are a helpful SQL and data analysis assistant. Provide clear,
actionable responses based on the context provided.`,
	core.ModeGenerateSQL: `You are a SQL query generator. Create SQL queries based on user requirements.
Always:
- Write syntactically correct SQL
- Use appropriate database-specific syntax
- Include comments for complex logic
- Put the query in a single sql code block`,
	core.ModeExplainQuery: `You are a SQL expert assistant. Explain SQL queries in a clear, educational manner.
Focus on:
- What the query does
- Key SQL concepts used
- Potential optimizations
- Expected results`,
}

var instructions = map[core.InsightMode]string{
	core.ModeAnalyze:              "Please analyze this dataset and provide key insights, patterns, and recommendations.",
	core.ModeSuggestVisualization: "Based on the dataset structure and data types, suggest appropriate charts and visualizations that would be most effective for exploring this data.",
	core.ModeExplainQuery:         "Please explain this SQL query step by step.",
}

// BuildPrompt returns the system and user messages for req. The output depends only
// on req and the configured sample size.
func (s *InsightService) BuildPrompt(req core.InsightRequest) (string, string) {
	system, ok := systemMessages[req.Mode]
	if !ok {
		system = systemMessages[core.ModeCustomQuestion]
	}

	var b strings.Builder
	b.WriteString("Current context:\n")
	if req.Dialect != "" {
		fmt.Fprintf(&b, "- Database Type: %s\n", req.Dialect)
	}
	if q := strings.TrimSpace(req.Query); q != "" {
		fmt.Fprintf(&b, "- Last Query:\n%s\n", q)
	}

	if req.Mode == core.ModeGenerateSQL && len(req.Tables) > 0 {
		// Table order comes from the schema listing, which is sorted.
		if js, err := json.MarshalIndent(req.Tables, "", "  "); err == nil {
			fmt.Fprintf(&b, "- Available tables and columns:\n%s\n", js)
		}
	}

	if r := req.Result; r != nil && req.Mode != core.ModeGenerateSQL {
		fmt.Fprintf(&b, "- Dataset Shape: (%d, %d) (rows, columns)\n", r.RowCount, len(r.Columns))

		cols := make([]string, len(r.Columns))
		for i, c := range r.Columns {
			cols[i] = fmt.Sprintf("%s (%s)", c.Name, c.Type)
		}
		fmt.Fprintf(&b, "- Columns: %s\n", strings.Join(cols, ", "))

		n := min(s.cfg.SampleRows, len(r.Rows))
		sample := make([]map[string]any, n)
		for i := 0; i < n; i++ {
			rec := make(map[string]any, len(r.Columns))
			for j, c := range r.Columns {
				rec[c.Name] = promptValue(r.Rows[i][j])
			}
			sample[i] = rec
		}
		// encoding/json sorts map keys, which keeps the prompt stable.
		if js, err := json.MarshalIndent(sample, "", "  "); err == nil {
			fmt.Fprintf(&b, "- Sample Data (first %d rows):\n%s\n", n, js)
		}
	}

	b.WriteString("\n")
	switch req.Mode {
	case core.ModeCustomQuestion:
		fmt.Fprintf(&b, "User Query: Based on the provided dataset, please: %s", strings.TrimSpace(req.Question))
	case core.ModeGenerateSQL:
		fmt.Fprintf(&b, "User Query: Generate a SQL query for: %s\n\nPlease provide:\n1. The SQL query\n2. Brief explanation of what it does", strings.TrimSpace(req.Question))
	default:
		fmt.Fprintf(&b, "User Query: %s", instructions[req.Mode])
	}
	return system, b.String()
}

var sqlFence = regexp.MustCompile("(?s)```[ \t]*([a-zA-Z]*)[ \t]*\r?\n(.*?)```")

// ExtractSQL returns the first fenced code block of a generated answer, preferring
// one tagged sql. It returns "" when the answer carries no code block.
func ExtractSQL(text string) string {
	var first string
	for _, m := range sqlFence.FindAllStringSubmatch(text, -1) {
		code := strings.TrimSpace(m[2])
		if code == "" {
			continue
		}
		if strings.EqualFold(m[1], "sql") {
			return code
		}
		if first == "" {
			first = code
		}
	}
	return first
}

func promptValue(v any) any {
	switch x := v.(type) {
	case []byte:
		return fmt.Sprintf("<%d bytes>", len(x))
	case time.Time:
		return x.Format(time.RFC3339)
	}
	return v
}
