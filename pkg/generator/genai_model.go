package generator

import (
	"context"
	"fmt"

	"github.com/shouni/gemini-scene-kit/pkg/config"
	"github.com/shouni/go-gemini-client/pkg/gemini"
	"google.golang.org/genai"
)

// safetySettings は4カテゴリすべてを BLOCK_ONLY_HIGH に緩和します。
var safetySettings = []*genai.SafetySetting{
	{Category: genai.HarmCategoryHarassment, Threshold: genai.HarmBlockThresholdBlockOnlyHigh},
	{Category: genai.HarmCategoryHateSpeech, Threshold: genai.HarmBlockThresholdBlockOnlyHigh},
	{Category: genai.HarmCategorySexuallyExplicit, Threshold: genai.HarmBlockThresholdBlockOnlyHigh},
	{Category: genai.HarmCategoryDangerousContent, Threshold: genai.HarmBlockThresholdBlockOnlyHigh},
}

// GenAIModel は genai SDK を直接使って Model を実装します。
// AspectRatio が指定された呼び出しは画像モード、空の場合はテキストモードで送信します。
type GenAIModel struct {
	models *genai.Models
}

// NewGenAIModel は設定から Gemini API バックエンドのクライアントを作成します。
func NewGenAIModel(ctx context.Context, cfg config.ProviderConfig, httpOpts ...genai.HTTPOptions) (*GenAIModel, error) {
	key, err := cfg.ImageKey()
	if err != nil {
		return nil, err
	}
	cc := &genai.ClientConfig{
		APIKey:  key,
		Backend: genai.BackendGeminiAPI,
	}
	if len(httpOpts) > 0 {
		cc.HTTPOptions = httpOpts[0]
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}
	return &GenAIModel{models: client.Models}, nil
}

// GenerateWithParts は Model を実装します。
func (m *GenAIModel) GenerateWithParts(ctx context.Context, model string, parts []*genai.Part, opts gemini.GenerateOptions) (*gemini.Response, error) {
	contents := []*genai.Content{genai.NewContentFromParts(parts, genai.RoleUser)}

	resp, err := m.models.GenerateContent(ctx, model, contents, buildContentConfig(opts))
	if err != nil {
		return nil, err
	}
	return &gemini.Response{RawResponse: resp}, nil
}

func buildContentConfig(opts gemini.GenerateOptions) *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{
		SafetySettings: safetySettings,
		Seed:           seedToPtrInt32(opts.Seed),
	}
	if opts.SystemPrompt != "" {
		cfg.SystemInstruction = genai.NewContentFromText(opts.SystemPrompt, genai.RoleUser)
	}
	if opts.AspectRatio != "" {
		cfg.ResponseModalities = []string{string(genai.ModalityImage)}
		cfg.ImageConfig = &genai.ImageConfig{AspectRatio: opts.AspectRatio}
	}
	return cfg
}
