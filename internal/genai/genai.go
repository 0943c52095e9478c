// Package genai implements the intent classifier port on the OpenAI API.
package genai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/BTreeMap/TurnPipe/internal/models"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
)

// Defaults for classifier calls.
const (
	// DefaultModel is the chat model used for classification.
	DefaultModel = openai.ChatModelGPT4oMini
	// DefaultTimeout bounds one classification call.
	DefaultTimeout = 5 * time.Second
	// historyLinesForPrompt caps how much history is included in the prompt.
	historyLinesForPrompt = 10
)

// chatService is the minimal slice of the OpenAI client the classifier
// needs, so tests can inject a scripted implementation.
type chatService interface {
	New(ctx context.Context, body openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
}

// Client classifies inbound messages into intents and extracted entities.
type Client struct {
	chat    chatService
	model   shared.ChatModel
	timeout time.Duration
}

// Opts holds configuration options for the classifier client.
type Opts struct {
	APIKey  string
	Model   string
	Timeout time.Duration
}

// Option defines a configuration option for the classifier client.
type Option func(*Opts)

// WithAPIKey sets the OpenAI API key.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithModel overrides the chat model.
func WithModel(model string) Option {
	return func(o *Opts) { o.Model = model }
}

// WithTimeout overrides the per-call deadline.
func WithTimeout(d time.Duration) Option {
	return func(o *Opts) { o.Timeout = d }
}

// NewClient initializes a classifier client, falling back to the
// OPENAI_API_KEY environment variable when no key option is given.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY not set")
	}

	model := shared.ChatModel(cfg.Model)
	if cfg.Model == "" {
		model = DefaultModel
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	cli := openai.NewClient(option.WithAPIKey(cfg.APIKey))
	slog.Debug("genai.NewClient: classifier client created", "model", model, "timeout", timeout)
	return &Client{chat: &cli.Chat.Completions, model: model, timeout: timeout}, nil
}

// nluWire is the JSON shape the model is asked to produce.
type nluWire struct {
	PrimaryIntent   string            `json:"primary_intent"`
	SecondaryIntent string            `json:"secondary_intent,omitempty"`
	Entities        map[string]string `json:"entities,omitempty"`
	Confidence      float64           `json:"confidence"`
}

// Classify sends one classification request. When task is non-empty the
// model is told to focus extraction on that single field. Timeouts map to
// ErrClassifierTimeout and every other transport failure to
// ErrClassifierUnavailable so the recovery ladder can tell them apart.
func (c *Client) Classify(ctx context.Context, text string, cctx models.ClassifierContext, task string) (*models.NLUResult, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	params := openai.ChatCompletionNewParams{
		Model: c.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(c.systemPrompt(cctx, task)),
			openai.UserMessage(c.userPrompt(text, cctx)),
		},
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
		},
	}

	resp, err := c.chat.New(callCtx, params)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || callCtx.Err() == context.DeadlineExceeded {
			slog.Warn("genai.Classify: timed out", "timeout", c.timeout)
			return nil, fmt.Errorf("%w: %v", models.ErrClassifierTimeout, err)
		}
		slog.Warn("genai.Classify: request failed", "error", err)
		return nil, fmt.Errorf("%w: %v", models.ErrClassifierUnavailable, err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%w: no choices returned", models.ErrClassifierUnavailable)
	}

	return parseNLU(resp.Choices[0].Message.Content)
}

// parseNLU decodes and normalizes the model output. Unknown intents are
// mapped to unknown rather than rejected; confidence is clamped to [0,1].
func parseNLU(content string) (*models.NLUResult, error) {
	var wire nluWire
	if err := json.Unmarshal([]byte(strings.TrimSpace(content)), &wire); err != nil {
		slog.Warn("genai.parseNLU: unparseable classifier output", "error", err)
		return nil, fmt.Errorf("%w: unparseable output: %v", models.ErrClassifierUnavailable, err)
	}

	result := &models.NLUResult{
		PrimaryIntent:   normalizeIntent(wire.PrimaryIntent),
		SecondaryIntent: normalizeIntent(wire.SecondaryIntent),
		Entities:        wire.Entities,
		Confidence:      clamp01(wire.Confidence),
	}
	if wire.SecondaryIntent == "" {
		result.SecondaryIntent = ""
	}
	return result, nil
}

func normalizeIntent(raw string) models.Intent {
	intent := models.Intent(strings.ToLower(strings.TrimSpace(raw)))
	if !models.IsValidIntent(intent) {
		return models.IntentUnknown
	}
	return intent
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// systemPrompt describes the classification task. A non-empty task narrows
// extraction to a single field.
func (c *Client) systemPrompt(cctx models.ClassifierContext, task string) string {
	var b strings.Builder
	b.WriteString("You classify WhatsApp messages for a childcare center assistant.\n")
	b.WriteString("Respond with JSON only: {\"primary_intent\", \"secondary_intent\", \"entities\", \"confidence\"}.\n")
	b.WriteString("primary_intent is one of: greeting, qualification, information, scheduling, help, unknown.\n")
	b.WriteString("entities may include: parent_name, child_name, child_age, program_interest, preferred_day, preferred_time. Omit entities you are not sure about.\n")

	if task != "" {
		fmt.Fprintf(&b, "The assistant just asked for %q; focus on extracting that field from the answer.\n", task)
	}
	if cctx.State != nil && len(cctx.State.CollectedFields) > 0 {
		keys := make([]string, 0, len(cctx.State.CollectedFields))
		for k := range cctx.State.CollectedFields {
			keys = append(keys, k)
		}
		fmt.Fprintf(&b, "Already known fields: %s.\n", strings.Join(keys, ", "))
	}
	return b.String()
}

// userPrompt supplies recent history followed by the inbound message.
func (c *Client) userPrompt(text string, cctx models.ClassifierContext) string {
	var b strings.Builder
	history := cctx.History
	if len(history) > historyLinesForPrompt {
		history = history[len(history)-historyLinesForPrompt:]
	}
	for _, entry := range history {
		fmt.Fprintf(&b, "%s: %s\n", entry.Role, entry.Content)
	}
	fmt.Fprintf(&b, "user: %s", text)
	return b.String()
}
