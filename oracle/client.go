package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	lru "github.com/hashicorp/golang-lru/v2"
	log "github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"github.com/brainops/engbrain/vcs"
)

const (
	defaultModel     = "claude-sonnet-4-5"
	defaultMaxTokens = 4096
	defaultTimeout   = time.Second * 30
	defaultCacheSize = 512
)

// Config configures the oracle Client.
type Config struct {
	// APIKey authenticates against the model provider.
	APIKey string
	// Model names the model to invoke. Defaults to a recent Sonnet.
	Model string
	// MaxTokens bounds the reply length. Defaults to 4096.
	MaxTokens int64
	// Endpoint overrides the provider base URL (tests).
	Endpoint string
	// Timeout is the per-call timeout. Defaults to 30s.
	Timeout time.Duration
	// CacheSize bounds the per-PR analysis memo. Defaults to 512.
	CacheSize int
}

// Client is the synchronous facade over the model provider. A circuit
// breaker isolates provider outages; repeated failures fail fast so sync
// cycles degrade instead of queueing on a dead dependency. A small LRU
// memoises pull-request analyses so a retried cycle does not re-bill the
// PRs it already classified.
type Client struct {
	llm       anthropic.Client
	model     anthropic.Model
	maxTokens int64
	timeout   time.Duration
	breaker   *gobreaker.CircuitBreaker
	prCache   *lru.Cache[string, ChangeAnalysis]
}

// NewClient builds a Client from cfg.
func NewClient(cfg Config) (*Client, error) {
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = defaultMaxTokens
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.CacheSize == 0 {
		cfg.CacheSize = defaultCacheSize
	}

	var opts = []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	}
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithBaseURL(cfg.Endpoint))
	}

	var cache, err = lru.New[string, ChangeAnalysis](cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("building analysis memo: %w", err)
	}

	var breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "oracle",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 4
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.WithFields(log.Fields{"from": from.String(), "to": to.String()}).
				Warn("oracle circuit breaker changed state")
		},
	})

	return &Client{
		llm:       anthropic.NewClient(opts...),
		model:     anthropic.Model(cfg.Model),
		maxTokens: cfg.MaxTokens,
		timeout:   cfg.Timeout,
		breaker:   breaker,
		prCache:   cache,
	}, nil
}

// AnalyzeRepository produces the structured analysis the materialiser
// consumes. Errors are recoverable: the caller degrades to a low-confidence
// skeleton and proceeds.
func (c *Client) AnalyzeRepository(ctx context.Context, repoKey string, signals vcs.RepoSignals) (RepoAnalysis, error) {
	var reply, err = c.complete(ctx, repoAnalysisPrompt(repoKey, signals))
	if err != nil {
		return RepoAnalysis{}, err
	}

	var analysis RepoAnalysis
	if err = decodeReply(reply, &analysis); err != nil {
		return RepoAnalysis{}, err
	}
	analysis.normalize(projectNameOf(repoKey))
	return analysis, nil
}

// AnalyzePR classifies one merged pull request. Results are memoised by
// repository and PR number for the lifetime of the process.
func (c *Client) AnalyzePR(ctx context.Context, repoKey string, pr *vcs.PRData) (ChangeAnalysis, error) {
	var memoKey = fmt.Sprintf("%s#%d", strings.ToLower(repoKey), pr.Number)
	if cached, ok := c.prCache.Get(memoKey); ok {
		return cached, nil
	}

	var reply, err = c.complete(ctx, changeAnalysisPrompt(repoKey, pr))
	if err != nil {
		return ChangeAnalysis{}, err
	}

	var analysis ChangeAnalysis
	if err = decodeReply(reply, &analysis); err != nil {
		return ChangeAnalysis{}, err
	}
	analysis.normalize()

	c.prCache.Add(memoKey, analysis)
	return analysis, nil
}

// AnalyzeCommits judges the significance of a direct-commit batch. The
// verdict is the sole gate on whether the batch is documented at all.
func (c *Client) AnalyzeCommits(ctx context.Context, repoKey string, commits []vcs.Commit, files []vcs.PRFile) (CommitSignificance, error) {
	var reply, err = c.complete(ctx, commitSignificancePrompt(repoKey, commits, files))
	if err != nil {
		return CommitSignificance{}, err
	}

	var significance CommitSignificance
	if err = decodeReply(reply, &significance); err != nil {
		return CommitSignificance{}, err
	}
	significance.normalize()
	return significance, nil
}

// complete invokes the model once through the circuit breaker and returns
// the concatenated text content of its reply.
func (c *Client) complete(ctx context.Context, prompt string) (string, error) {
	var reply, err = c.breaker.Execute(func() (interface{}, error) {
		var callCtx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()

		var msg, err = c.llm.Messages.New(callCtx, anthropic.MessageNewParams{
			Model:     c.model,
			MaxTokens: c.maxTokens,
			Messages: []anthropic.MessageParam{
				anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
			},
		})
		if err != nil {
			return nil, fmt.Errorf("invoking model: %w", err)
		}

		var text strings.Builder
		for _, block := range msg.Content {
			if block.Type == "text" {
				text.WriteString(block.Text)
			}
		}
		if text.Len() == 0 {
			return nil, errors.New("model reply carries no text content")
		}
		return text.String(), nil
	})
	if err != nil {
		return "", err
	}
	return reply.(string), nil
}

// decodeReply extracts, repairs, and parses the first JSON object of a
// model reply into out.
func decodeReply(reply string, out interface{}) error {
	var raw, ok = ExtractObject(reply)
	if !ok {
		return errors.New("model reply contains no JSON object")
	}
	if err := json.Unmarshal([]byte(Repair(raw)), out); err != nil {
		return fmt.Errorf("parsing repaired model reply: %w", err)
	}
	return nil
}

func projectNameOf(repoKey string) string {
	if idx := strings.IndexByte(repoKey, '/'); idx >= 0 {
		return repoKey[idx+1:]
	}
	return repoKey
}
