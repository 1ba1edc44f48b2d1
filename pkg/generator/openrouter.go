package generator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/shouni/gemini-scene-kit/pkg/config"
	"github.com/shouni/gemini-scene-kit/pkg/domain"
)

// OpenRouterDeriver は OpenAI 互換の Chat Completions API 経由で動画プロンプトを導出します。
// OpenRouter は画像生成に対応していないため、テキスト導出にのみ使います。
type OpenRouterDeriver struct {
	client  openai.Client
	model   string
	timeout time.Duration
}

// NewOpenRouterDeriver は設定から OpenRouterDeriver を作成します。
// SDK 側の再試行は無効化し、リトライラッパーに一本化します。
func NewOpenRouterDeriver(cfg config.ProviderConfig, extra ...option.RequestOption) (*OpenRouterDeriver, error) {
	key, err := cfg.ResolvedAPIKey()
	if err != nil {
		return nil, fmt.Errorf("OpenRouter API Key is required: %w", err)
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = config.DefaultOpenRouterURL
	}
	model := cfg.TextModel
	if model == "" {
		model = config.DefaultOpenRouterModel
	}

	opts := []option.RequestOption{
		option.WithAPIKey(key),
		option.WithBaseURL(baseURL),
		option.WithMaxRetries(0),
		option.WithHeader("X-Title", "gemini-scene-kit"),
	}
	opts = append(opts, extra...)

	return &OpenRouterDeriver{
		client:  openai.NewClient(opts...),
		model:   model,
		timeout: cfg.RequestTimeout,
	}, nil
}

// DeriveVideoPrompt は PromptDeriver を実装します。画像は data URL として送信します。
func (d *OpenRouterDeriver) DeriveVideoPrompt(ctx context.Context, image domain.ImageRef, aux []domain.ImageRef, instruction string) (string, error) {
	if instruction == "" {
		return "", fmt.Errorf("%w: instruction is empty", domain.ErrInvalidRequest)
	}
	if err := image.Validate(); err != nil {
		return "", err
	}

	content := []openai.ChatCompletionContentPartUnionParam{openai.TextContentPart(instruction)}
	for _, img := range append([]domain.ImageRef{image}, aux...) {
		content = append(content, openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{
			URL: dataURL(img),
		}))
	}

	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	resp, err := d.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(d.model),
		Messages: []openai.ChatCompletionMessageParamUnion{openai.UserMessage(content)},
	})
	if err != nil {
		return "", fmt.Errorf("OpenRouter Error: %w", classifyOpenAIError(err))
	}
	if len(resp.Choices) == 0 {
		return "", domain.NewError(domain.KindMalformed, "OpenRouter response has no choices", nil)
	}
	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return "", domain.NewError(domain.KindMalformed, "OpenRouter response contained no text", nil)
	}
	return text, nil
}

func classifyOpenAIError(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return &domain.GenerationError{Kind: kindForStatus(apiErr.StatusCode, ""), StatusCode: apiErr.StatusCode, Err: err}
	}
	return classifyError(err)
}

func dataURL(img domain.ImageRef) string {
	return "data:" + img.MimeType + ";base64," + img.Data
}

// NewDeriver は設定のプロバイダに応じて PromptDeriver を選択します。
// 画像生成は常に Gemini を使うため、google の場合は gen 自身を返します。
func NewDeriver(cfg config.ProviderConfig, gen *GeminiGenerator) (PromptDeriver, error) {
	switch cfg.Name {
	case config.ProviderOpenRouter:
		return NewOpenRouterDeriver(cfg)
	case config.ProviderGoogle, "":
		if gen == nil {
			return nil, fmt.Errorf("gen (*GeminiGenerator) is required for provider %q", config.ProviderGoogle)
		}
		return gen, nil
	default:
		return nil, fmt.Errorf("unknown provider: %q", cfg.Name)
	}
}
