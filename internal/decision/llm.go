package decision

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/alphaarena/engine/internal/agents"
	"github.com/alphaarena/engine/internal/config"
)

// LLMProvider asks a chat-completion endpoint for each agent's vote.
type LLMProvider struct {
	endpoint   string
	apiKey     string
	model      string
	httpClient *http.Client
	logger     zerolog.Logger
}

// NewLLMProvider creates a provider from decision configuration.
func NewLLMProvider(cfg config.DecisionConfig) *LLMProvider {
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = "http://localhost:8080/v1/chat/completions"
	}
	model := cfg.Model
	if model == "" {
		model = "claude-sonnet-4-20250514"
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 2 * time.Second
	}

	return &LLMProvider{
		endpoint:   endpoint,
		apiKey:     cfg.APIKey,
		model:      model,
		httpClient: &http.Client{Timeout: timeout},
		logger:     config.NewLogger("decision_llm"),
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// voteSchema is the JSON shape the model must answer with.
type voteSchema struct {
	Signal     string  `json:"signal"`
	Confidence float64 `json:"confidence"`
	Rationale  string  `json:"rationale"`
}

// Decide sends the agent persona and market context to the model.
func (p *LLMProvider) Decide(ctx context.Context, agent *agents.Agent, mctx *MarketContext) (*Decision, error) {
	request := chatRequest{
		Model: p.model,
		Messages: []chatMessage{
			{Role: "system", Content: p.systemPrompt(agent)},
			{Role: "user", Content: p.userPrompt(mctx)},
		},
		Temperature: 0.3,
		MaxTokens:   300,
	}

	body, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewBuffer(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d: %s", ErrUnavailable, resp.StatusCode, string(respBody))
	}

	var chatResp chatResponse
	if err := json.Unmarshal(respBody, &chatResp); err != nil {
		return nil, fmt.Errorf("invalid completion response: %w", err)
	}
	if len(chatResp.Choices) == 0 {
		return nil, fmt.Errorf("%w: empty completion", ErrUnavailable)
	}

	vote, err := parseVote(chatResp.Choices[0].Message.Content)
	if err != nil {
		return nil, err
	}

	return &Decision{
		Ref:        uuid.NewString(),
		AgentID:    agent.ID,
		Symbol:     mctx.Symbol,
		Signal:     vote.signal,
		Confidence: vote.confidence,
		Rationale:  vote.rationale,
		Time:       time.Now(),
	}, nil
}

func (p *LLMProvider) systemPrompt(agent *agents.Agent) string {
	var b strings.Builder
	b.WriteString("You are a perpetual futures trading agent.\n")
	fmt.Fprintf(&b, "Style: %s\n", agent.Style)
	if agent.Persona != "" {
		b.WriteString(agent.Persona)
		b.WriteString("\n")
	}
	b.WriteString(`Answer with a single JSON object: {"signal":"LONG|SHORT|HOLD","confidence":0.0-1.0,"rationale":"one sentence"}`)
	return b.String()
}

func (p *LLMProvider) userPrompt(mctx *MarketContext) string {
	snap := mctx.Snapshot
	return fmt.Sprintf(
		"Symbol: %s\nPrice: %.6f\nEMA20: %.6f (%s)\nRSI: %.2f\nMACD hist: %.6f\n"+
			"Bollinger: %.6f / %.6f / %.6f\nATR fast/slow: %.6f / %.6f\n"+
			"Volatility regime: %s (VR %.3f)\nFunding rate: %.6f",
		mctx.Symbol, snap.LastClose, snap.EMA, snap.EMATrend, snap.RSI, snap.MACDHist,
		snap.BollUpper, snap.BollMiddle, snap.BollLower, snap.ATRFast, snap.ATRSlow,
		mctx.Regime.Regime, mctx.Regime.VolatilityRatio, mctx.FundingRate,
	)
}

type parsedVote struct {
	signal     Signal
	confidence float64
	rationale  string
}

// parseVote extracts the vote JSON, tolerating prose around it.
func parseVote(content string) (*parsedVote, error) {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON object in completion: %q", content)
	}

	var vote voteSchema
	if err := json.Unmarshal([]byte(content[start:end+1]), &vote); err != nil {
		return nil, fmt.Errorf("invalid vote JSON: %w", err)
	}

	signal := Signal(strings.ToUpper(strings.TrimSpace(vote.Signal)))
	switch signal {
	case SignalLong, SignalShort, SignalHold:
	default:
		return nil, fmt.Errorf("unknown signal %q", vote.Signal)
	}
	if vote.Confidence < 0 {
		vote.Confidence = 0
	}
	if vote.Confidence > 1 {
		vote.Confidence = 1
	}

	return &parsedVote{signal: signal, confidence: vote.Confidence, rationale: vote.Rationale}, nil
}
