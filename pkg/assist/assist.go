package assist

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"guesthub/pkg/config"
	"guesthub/pkg/logger"
	"guesthub/pkg/metrics"
	"guesthub/pkg/models"
)

// ApplyFunc receives a finished enrichment for attachment to the stored
// message.
type ApplyFunc func(threadID string, seq uint64, e models.Enrichment)

// Client produces best-effort message enrichment (translation, intent,
// suggested reply) through an OpenAI-compatible completion API. Requests
// run on a small worker pool off the guest-visible path; anything that
// times out or fails is dropped, never retried.
type Client struct {
	cfg    *config.Config
	client *openai.Client
	apply  ApplyFunc
	jobs   chan models.Message
	stop   chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

func New(cfg *config.Config, apply ApplyFunc) *Client {
	conf := openai.DefaultConfig(cfg.Assist.APIKey)
	if cfg.Assist.BaseURL != "" {
		conf.BaseURL = cfg.Assist.BaseURL
	}
	return &Client{
		cfg:    cfg,
		client: openai.NewClientWithConfig(conf),
		apply:  apply,
		jobs:   make(chan models.Message, 256),
		stop:   make(chan struct{}),
	}
}

// Start launches the enrichment workers.
func (c *Client) Start(workers int) {
	if workers <= 0 {
		workers = 2
	}
	for i := 0; i < workers; i++ {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			for {
				select {
				case m := <-c.jobs:
					c.run(m)
				case <-c.stop:
					return
				}
			}
		}()
	}
	logger.Info("assist_started", "workers", workers, "model", c.model())
}

func (c *Client) Stop() {
	c.once.Do(func() { close(c.stop) })
	c.wg.Wait()
}

func (c *Client) model() string {
	if c.cfg.Assist.Model != "" {
		return c.cfg.Assist.Model
	}
	return openai.GPT4oMini
}

// EnrichAsync queues a message for enrichment; a full queue drops the job.
func (c *Client) EnrichAsync(m models.Message) {
	select {
	case c.jobs <- m:
	default:
		metrics.AssistRequests.WithLabelValues("dropped").Inc()
	}
}

type enrichmentReply struct {
	Translation    string `json:"translation"`
	Intent         string `json:"intent"`
	SuggestedReply string `json:"suggested_reply"`
}

const systemPrompt = `You assist hotel staff handling guest messages. For the guest message given, reply with a single JSON object and nothing else:
{"translation": "<the message translated to %s; empty if already in it>",
 "intent": "<one of: housekeeping, front_desk, food_beverage, maintenance, concierge, complaint, smalltalk, other>",
 "suggested_reply": "<one short, polite reply the staff member could send, in the guest's language>"}`

func (c *Client) run(m models.Message) {
	timeout := c.cfg.Assist.Timeout.Std()
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	lang := c.cfg.Assist.TargetLanguage
	if lang == "" {
		lang = "English"
	}
	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model(),
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: fmt.Sprintf(systemPrompt, lang)},
			{Role: openai.ChatMessageRoleUser, Content: m.Content.Body},
		},
		Temperature: 0.2,
		MaxTokens:   300,
	})
	if err != nil {
		metrics.AssistRequests.WithLabelValues("error").Inc()
		logger.Warn("assist_request_failed", "thread", m.Thread, "seq", m.Seq, "error", err)
		return
	}
	if len(resp.Choices) == 0 {
		metrics.AssistRequests.WithLabelValues("empty").Inc()
		return
	}
	e, err := parseReply(resp.Choices[0].Message.Content)
	if err != nil {
		metrics.AssistRequests.WithLabelValues("unparseable").Inc()
		logger.Warn("assist_reply_unparseable", "thread", m.Thread, "seq", m.Seq, "error", err)
		return
	}
	metrics.AssistRequests.WithLabelValues("ok").Inc()
	if c.apply != nil {
		c.apply(m.Thread, m.Seq, e)
	}
}

// parseReply tolerates code fences around the JSON body.
func parseReply(raw string) (models.Enrichment, error) {
	s := strings.TrimSpace(raw)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	var r enrichmentReply
	if err := json.Unmarshal([]byte(strings.TrimSpace(s)), &r); err != nil {
		return models.Enrichment{}, err
	}
	return models.Enrichment{
		TranslatedText: r.Translation,
		IntentLabel:    r.Intent,
		SuggestedReply: r.SuggestedReply,
	}, nil
}
