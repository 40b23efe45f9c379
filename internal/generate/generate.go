// Package generate turns natural-language audience descriptions into filter
// trees using an OpenAI-compatible chat completion API.
//
// The model is asked for a JSON object in the {"filter": ...} root shape.
// Its output is never trusted: every response goes through segment.ParseRoot
// (sanitization) and segment.Validate (limits) before it is returned.
package generate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/jackcrane/eventpilot-v3-sub001/internal/segment"
)

// DefaultModel is used when Config.Model is empty.
const DefaultModel = "gpt-4o-mini"

// maxTitleRunes bounds suggested titles.
const maxTitleRunes = 80

var (
	// ErrNoAPIKey indicates the generator was configured without credentials.
	ErrNoAPIKey = errors.New("openai api key is not configured")

	// ErrEmptyCompletion indicates the model returned no usable content.
	ErrEmptyCompletion = errors.New("model returned no content")

	// ErrMalformedSegment indicates the model's output was not a JSON document.
	ErrMalformedSegment = errors.New("model returned malformed segment")
)

// Config selects the model endpoint.
type Config struct {
	APIKey  string
	BaseURL string
	Model   string
}

// Request is one generation.
type Request struct {
	Prompt      string
	Temperature *float32

	// Context is optional background (known saved segments, today's date)
	// appended to the system prompt.
	Context string
}

// Generator is safe for concurrent use.
type Generator struct {
	client *openai.Client
	model  string
	logger *zap.Logger
}

// New creates a generator.
func New(cfg Config, logger *zap.Logger) (*Generator, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, ErrNoAPIKey
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	model := cfg.Model
	if model == "" {
		model = DefaultModel
	}
	return &Generator{
		client: openai.NewClientWithConfig(oc),
		model:  model,
		logger: logger,
	}, nil
}

// Generate asks the model for a filter tree matching req.Prompt.
func (g *Generator) Generate(ctx context.Context, req Request) (segment.Root, error) {
	system := grammarPrompt
	if c := strings.TrimSpace(req.Context); c != "" {
		system += "\n\nContext:\n" + c
	}
	chat := openai.ChatCompletionRequest{
		Model: g.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: req.Prompt},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	}
	if req.Temperature != nil {
		chat.Temperature = *req.Temperature
	}

	content, err := g.complete(ctx, chat)
	if err != nil {
		return segment.Root{}, err
	}

	raw := []byte(stripFences(content))
	if !json.Valid(raw) {
		g.logger.Debug("model output is not json", zap.String("content", content))
		return segment.Root{}, ErrMalformedSegment
	}
	root := segment.ParseRoot(raw)
	if err := segment.Validate(root); err != nil {
		return segment.Root{}, fmt.Errorf("generated segment: %w", err)
	}
	return root, nil
}

// SuggestTitle asks the model for a short title for a segment.
func (g *Generator) SuggestTitle(ctx context.Context, prompt string, root segment.Root) (string, error) {
	chat := openai.ChatCompletionRequest{
		Model: g.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: titlePrompt},
			{Role: openai.ChatMessageRoleUser, Content: fmt.Sprintf("Request: %s\nFilter: %s", prompt, segment.Describe(root))},
		},
		Temperature: 0.2,
	}
	content, err := g.complete(ctx, chat)
	if err != nil {
		return "", err
	}
	title := cleanTitle(content)
	if title == "" {
		return "", ErrEmptyCompletion
	}
	return title, nil
}

func (g *Generator) complete(ctx context.Context, req openai.ChatCompletionRequest) (string, error) {
	resp, err := g.client.CreateChatCompletion(ctx, req)
	if err != nil {
		g.logger.Warn("chat completion failed", zap.String("model", g.model), zap.Error(err))
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", ErrEmptyCompletion
	}
	g.logger.Debug("chat completion finished",
		zap.String("model", g.model),
		zap.String("finish_reason", string(resp.Choices[0].FinishReason)),
		zap.Int("total_tokens", resp.Usage.TotalTokens),
	)
	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	if content == "" {
		return "", ErrEmptyCompletion
	}
	return content, nil
}

// stripFences removes a surrounding markdown code fence, if any.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

func cleanTitle(s string) string {
	s = strings.TrimSpace(strings.SplitN(s, "\n", 2)[0])
	s = strings.Trim(s, "\"'` ")
	s = strings.TrimSuffix(s, ".")
	if utf8.RuneCountInString(s) > maxTitleRunes {
		s = strings.TrimSpace(string([]rune(s)[:maxTitleRunes]))
	}
	return s
}

const titlePrompt = `You name audience segments for an event CRM.
Reply with a title of at most six words. No quotes, no trailing punctuation.`

const grammarPrompt = `You translate descriptions of event audiences into a JSON filter.
Reply with exactly one JSON object of the form {"filter": NODE}.

NODE is one of:
  {"type":"group","op":"and"|"or","not":true (optional),"conditions":[NODE,...]}
  {"type":"involvement","role":"participant"|"volunteer","iteration":ITERATION,"exists":true|false,
   "participant":{"tierId","tierName","periodId","periodName"} (optional, role participant only),
   "volunteer":{"minShifts":N} (optional, role volunteer only)}
  {"type":"transition","from":INVOLVEMENT,"to":INVOLVEMENT}
  {"type":"upsell","iteration":ITERATION,"exists":true|false,"upsellItemId","upsellItemName" (optional)}
  {"type":"email","direction":"outbound"|"inbound"|"either","withinDays":N,"exists":true|false}

ITERATION is one of:
  {"type":"current"} {"type":"previous"} {"type":"specific","instanceId":ID}
  {"type":"year","year":YYYY} {"type":"name","name":NAME}

Rules:
- exists:false means the person did NOT do the thing.
- Prefer names (tierName, periodName, upsellItemName) when the user gives names.
- Use a group with op "and" at the top level when combining conditions.
- Emit only keys listed above.`
