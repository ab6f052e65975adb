package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/synaptica-ai/trialsim/pkg/common/httpclient"
	"github.com/synaptica-ai/trialsim/pkg/common/logger"
	"github.com/synaptica-ai/trialsim/pkg/common/models"
	"github.com/synaptica-ai/trialsim/pkg/terminology"
)

type ChatConfig struct {
	BaseURL     string
	APIKey      string
	Model       string
	Temperature float64
	Timeout     time.Duration
	// Catalog annotates comorbidities and medications with standard codes.
	// Nil uses terminology.DefaultCatalog.
	Catalog *terminology.Catalog
}

// ChatProvider asks an OpenAI-compatible chat-completions endpoint for a JSON
// judgment.
type ChatProvider struct {
	cfg    ChatConfig
	client *http.Client
}

func NewChatProvider(cfg ChatConfig) *ChatProvider {
	if cfg.Catalog == nil {
		cat := terminology.DefaultCatalog()
		cfg.Catalog = &cat
	}
	return &ChatProvider{
		cfg:    cfg,
		client: httpclient.New(cfg.Timeout),
	}
}

var outputContract = map[models.StageKind]string{
	models.StageInteraction:  `"interaction_detected" (boolean), "severity" (one of none, minor, moderate, major, contraindicated), "interacting_drugs" (array of strings), "confidence" (0-1)`,
	models.StageAdverseEvent: `"adverse_event_predicted" (boolean), "probability" (0-1), "serious" (boolean), "events" (array of objects with name and grade), "confidence" (0-1)`,
	models.StageDosing:       `"recommended_dose_mg" (number greater than 0), "adjustment_factor" (number greater than 0), "rationale" (string), "confidence" (0-1)`,
	models.StageCustom:       `"confidence" (0-1) plus any fields the task requires`,
}

func (p *ChatProvider) prompt(stage string, req models.StageRequest) (string, error) {
	patient, err := json.Marshal(req.Patient)
	if err != nil {
		return "", err
	}
	upstream, err := json.Marshal(req.Upstream)
	if err != nil {
		return "", err
	}
	params, err := json.Marshal(req.Params)
	if err != nil {
		return "", err
	}
	coded := "none"
	if req.Patient != nil {
		if d := p.cfg.Catalog.Describe(req.Patient.Comorbidities, req.Patient.Medications); len(d) > 0 {
			coded = strings.Join(d, "; ")
		}
	}
	contract, ok := outputContract[req.Kind]
	if !ok {
		contract = outputContract[models.StageCustom]
	}
	return fmt.Sprintf(`You are simulating the %q stage (%s) of a virtual clinical trial for one patient.

Patient: %s
Coded conditions and medications: %s
Results of earlier stages: %s
Stage parameters: %s

Respond with a single JSON object containing: %s.`, stage, req.Kind, patient, coded, upstream, params, contract), nil
}

func (p *ChatProvider) Invoke(ctx context.Context, stage string, req models.StageRequest) (map[string]interface{}, error) {
	prompt, err := p.prompt(stage, req)
	if err != nil {
		return nil, &ProviderError{Kind: ErrInvalidResponse, Message: "encode prompt", Err: err}
	}

	payload := map[string]interface{}{
		"model": p.cfg.Model,
		"messages": []map[string]string{
			{"role": "user", "content": prompt},
		},
		"temperature": p.cfg.Temperature,
	}
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, &ProviderError{Kind: ErrInvalidResponse, Message: "encode request", Err: err}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(p.cfg.BaseURL, "/")+"/chat/completions", bytes.NewReader(payloadBytes))
	if err != nil {
		return nil, &ProviderError{Kind: ErrUnavailable, Message: "build request", Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		if httpclient.IsRetriable(err) {
			return nil, &ProviderError{Kind: ErrTransient, Message: "chat request", Err: err}
		}
		return nil, &ProviderError{Kind: ErrUnavailable, Message: "chat request", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &ProviderError{Kind: ErrTransient, Message: "read response", Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		logger.Log.WithFields(map[string]interface{}{
			"stage":       stage,
			"status_code": resp.StatusCode,
		}).Debug("Chat provider returned non-OK status")
		return nil, classifyStatus(resp.StatusCode, body)
	}

	var result struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, &ProviderError{Kind: ErrInvalidResponse, Message: "decode completion", Err: err}
	}
	if len(result.Choices) == 0 {
		return nil, NewError(ErrInvalidResponse, "no choices in completion")
	}
	return parseJudgment(result.Choices[0].Message.Content)
}

func classifyStatus(code int, body []byte) *ProviderError {
	msg := fmt.Sprintf("status %d: %s", code, truncate(string(body), 200))
	switch {
	case code == http.StatusTooManyRequests:
		return NewError(ErrRateLimited, "%s", msg)
	case code == http.StatusServiceUnavailable:
		return NewError(ErrUnavailable, "%s", msg)
	case httpclient.IsRetriableStatus(code):
		return NewError(ErrTransient, "%s", msg)
	default:
		return NewError(ErrInvalidResponse, "%s", msg)
	}
}

// parseJudgment extracts the outermost JSON object from model output, which
// may be wrapped in prose or code fences.
func parseJudgment(content string) (map[string]interface{}, error) {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end < start {
		return nil, NewError(ErrInvalidResponse, "no JSON object in completion")
	}
	var out map[string]interface{}
	if err := json.Unmarshal([]byte(content[start:end+1]), &out); err != nil {
		return nil, &ProviderError{Kind: ErrInvalidResponse, Message: "parse judgment", Err: err}
	}
	return out, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
