package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	openai "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/afnanhaq/yaad/internal/timeutil"
)

// Client wraps the OpenAI SDK and provides intent parsing and voice note
// transcription.
type Client struct {
	apiKey string
	client *openai.Client
	model  openai.ChatModel
	loc    *time.Location
}

// ErrClientNotInitialised is returned when attempting to call the API without
// a configured client.
var ErrClientNotInitialised = errors.New("openai client not initialised")

// Exchange is one prior user/bot exchange fed to the parser as context.
type Exchange struct {
	User string
	Bot  string
}

// New returns an OpenAI client. Without an API key the client falls back to
// keyword heuristics for intent parsing and cannot transcribe audio.
func New(apiKey string, loc *time.Location) *Client {
	if apiKey == "" {
		return &Client{loc: loc}
	}
	client := openai.NewClient(option.WithAPIKey(apiKey))
	return &Client{
		apiKey: apiKey,
		client: &client,
		model:  openai.ChatModelGPT4oMini,
		loc:    loc,
	}
}

const systemPromptTemplate = `You are an AI assistant that parses WhatsApp messages about reminders.
Extract the user's intent and relevant entities from their message.

Current date and time in the user's timezone: %s

IMPORTANT RULES:
1. Output ONLY valid JSON, nothing else
2. All times must be ISO 8601 with the user's timezone offset
3. For relative times like "tomorrow at 9am", calculate the actual datetime
4. Be flexible with natural language - users may not be precise

Possible intents: create_reminder, update_reminder, delete_reminder,
pause_reminder, resume_reminder, list_reminders, opt_out_calls,
opt_in_calls, acknowledge, unknown.

Output JSON schema:
{
  "intent": "string (one of the intents above)",
  "title": "string or null",
  "description": "string or null",
  "scheduled_time": "string or null (ISO 8601 datetime)",
  "follow_up_minutes": "integer or null",
  "call_if_no_response": "boolean or null",
  "target_reminder": "string or null (keyword identifying an existing reminder)",
  "response_message": "string (friendly fallback message for the user)"
}

Examples:
- "Remind me to pay electricity bill tomorrow at 9am" -> create_reminder
- "Remind me to call Mark before 7pm. If I don't respond, call me." -> create_reminder with call_if_no_response=true and follow_up_minutes=10
- "Pause my wifi reminder" -> pause_reminder with target_reminder="wifi"
- "Do not call me if I don't respond" -> opt_out_calls
- "ok" or "done" or "thanks" -> acknowledge`

type parseResult struct {
	Intent           string  `json:"intent"`
	Title            *string `json:"title"`
	Description      *string `json:"description"`
	ScheduledTime    *string `json:"scheduled_time"`
	FollowUpMinutes  *int    `json:"follow_up_minutes"`
	CallIfNoResponse *bool   `json:"call_if_no_response"`
	TargetReminder   *string `json:"target_reminder"`
	ResponseMessage  string  `json:"response_message"`
}

// ParseIntent extracts a structured intent from a user message. History is
// optional prior context, oldest first.
func (c *Client) ParseIntent(ctx context.Context, message string, history []Exchange) (ParsedIntent, error) {
	if strings.TrimSpace(message) == "" {
		return ParsedIntent{Kind: IntentUnknown}, fmt.Errorf("message cannot be empty")
	}
	if c.client == nil {
		return c.parseHeuristic(message), nil
	}

	now := time.Now().In(c.loc)
	messages := []openai.ChatCompletionMessageParamUnion{
		systemMessage(fmt.Sprintf(systemPromptTemplate, now.Format("2006-01-02 15:04:05 MST"))),
	}
	for _, exchange := range history {
		messages = append(messages, userMessage(exchange.User), assistantMessage(exchange.Bot))
	}
	messages = append(messages, userMessage(message))

	req := openai.ChatCompletionNewParams{
		Model:               c.model,
		Messages:            messages,
		Temperature:         openai.Float(0.1),
		MaxCompletionTokens: openai.Int(500),
	}

	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	resp, err := c.client.Chat.Completions.New(ctx, req)
	if err != nil {
		return ParsedIntent{Kind: IntentUnknown}, err
	}
	if len(resp.Choices) == 0 {
		return ParsedIntent{Kind: IntentUnknown}, fmt.Errorf("no completion received")
	}

	var result parseResult
	if err := json.Unmarshal([]byte(stripCodeFences(resp.Choices[0].Message.Content)), &result); err != nil {
		return ParsedIntent{Kind: IntentUnknown}, fmt.Errorf("parse completion JSON: %w", err)
	}

	return c.toParsedIntent(result, now), nil
}

func (c *Client) toParsedIntent(result parseResult, now time.Time) ParsedIntent {
	intent := ParsedIntent{
		Kind:            normaliseKind(result.Intent),
		ResponseMessage: result.ResponseMessage,
	}
	if result.Title != nil {
		intent.Title = strings.TrimSpace(*result.Title)
	}
	if result.Description != nil {
		intent.Description = strings.TrimSpace(*result.Description)
	}
	if result.TargetReminder != nil {
		intent.Target = strings.TrimSpace(*result.TargetReminder)
	}
	if result.FollowUpMinutes != nil {
		intent.FollowUpMinutes = result.FollowUpMinutes
	}
	if result.CallIfNoResponse != nil {
		intent.CallOnNoResponse = result.CallIfNoResponse
	}
	if result.ScheduledTime != nil && *result.ScheduledTime != "" {
		if due, err := time.Parse(time.RFC3339, *result.ScheduledTime); err == nil {
			utc := due.UTC()
			intent.DueAt = &utc
		} else if due := timeutil.ParseNatural(*result.ScheduledTime, now, c.loc); !due.IsZero() {
			utc := due.UTC()
			intent.DueAt = &utc
		}
	}
	return intent
}

// Transcribe converts an audio voice note into text using Whisper.
func (c *Client) Transcribe(ctx context.Context, audio io.Reader, filename, contentType string) (string, error) {
	if c.client == nil {
		return "", ErrClientNotInitialised
	}

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	resp, err := c.client.Audio.Transcriptions.New(ctx, openai.AudioTranscriptionNewParams{
		Model: openai.AudioModelWhisper1,
		File:  openai.File(audio, filename, contentType),
	})
	if err != nil {
		return "", fmt.Errorf("transcribe audio: %w", err)
	}
	return strings.TrimSpace(resp.Text), nil
}

func systemMessage(content string) openai.ChatCompletionMessageParamUnion {
	return openai.ChatCompletionMessageParamUnion{
		OfSystem: &openai.ChatCompletionSystemMessageParam{
			Content: openai.ChatCompletionSystemMessageParamContentUnion{
				OfString: openai.String(content),
			},
		},
	}
}

func userMessage(content string) openai.ChatCompletionMessageParamUnion {
	return openai.ChatCompletionMessageParamUnion{
		OfUser: &openai.ChatCompletionUserMessageParam{
			Content: openai.ChatCompletionUserMessageParamContentUnion{
				OfString: openai.String(content),
			},
		},
	}
}

func assistantMessage(content string) openai.ChatCompletionMessageParamUnion {
	return openai.ChatCompletionMessageParamUnion{
		OfAssistant: &openai.ChatCompletionAssistantMessageParam{
			Content: openai.ChatCompletionAssistantMessageParamContentUnion{
				OfString: openai.String(content),
			},
		},
	}
}

// stripCodeFences removes a surrounding markdown code fence if the model
// wrapped its JSON in one.
func stripCodeFences(content string) string {
	content = strings.TrimSpace(content)
	if !strings.HasPrefix(content, "```") {
		return content
	}
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")
	return strings.TrimSpace(content)
}
