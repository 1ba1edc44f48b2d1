package generator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/shouni/gemini-scene-kit/pkg/config"
	"github.com/shouni/gemini-scene-kit/pkg/domain"
	"github.com/shouni/go-gemini-client/pkg/gemini"
	"google.golang.org/genai"
)

// GeminiGenerator は1回の呼び出しで1回だけ通信するリモート生成クライアントなのだ。
// 再試行はここでは行わず、呼び出し側のリトライラッパーに任せるのだ。
type GeminiGenerator struct {
	model      Model
	imageModel string
	textModel  string
	timeout    time.Duration
	limiter    *rate.Limiter
}

// NewGeminiGenerator は GeminiGenerator を初期化するのだ。
func NewGeminiGenerator(model Model, cfg config.ProviderConfig) (*GeminiGenerator, error) {
	if model == nil {
		return nil, fmt.Errorf("model (generator.Model) is required")
	}
	if cfg.RequestTimeout < 0 {
		return nil, fmt.Errorf("request timeout must not be negative")
	}

	g := &GeminiGenerator{
		model:      model,
		imageModel: cfg.ImageModel,
		textModel:  cfg.TextModel,
		timeout:    cfg.RequestTimeout,
	}
	if g.imageModel == "" {
		g.imageModel = config.DefaultImageModel
	}
	if g.textModel == "" {
		g.textModel = config.DefaultTextModel
	}
	if cfg.RequestsPerMinute > 0 {
		g.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.RequestsPerMinute)), 1)
	}
	return g, nil
}

// Generate はプロンプトと参照画像から画像を1枚生成するのだ。
func (g *GeminiGenerator) Generate(ctx context.Context, req domain.GenerationRequest) (*domain.GenerationResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	parts, err := buildParts(req.Prompt, req.PrimaryImage, req.AuxiliaryImages)
	if err != nil {
		return nil, err
	}

	modelName := req.Provider.Model
	if modelName == "" {
		modelName = g.imageModel
	}
	opts := gemini.GenerateOptions{
		AspectRatio:  string(req.AspectRatio.OrDefault()),
		SystemPrompt: req.Provider.SystemPrompt,
		Seed:         req.Provider.Seed,
	}

	slog.DebugContext(ctx, "Gemini画像生成リクエスト", "model", modelName, "parts", len(parts), "aspect_ratio", opts.AspectRatio)

	resp, err := g.call(ctx, modelName, parts, opts)
	if err != nil {
		return nil, fmt.Errorf("Gemini画像生成エラー: %w", err)
	}

	out := classifyResponse(resp)
	if err := out.err(); err != nil {
		return nil, fmt.Errorf("Gemini画像生成エラー: %w", err)
	}

	return &domain.GenerationResult{
		Image:        out.image,
		SourcePrompt: req.Prompt,
	}, nil
}

// DeriveVideoPrompt は生成済み画像を解析して動画生成用のテキストを返すのだ。
func (g *GeminiGenerator) DeriveVideoPrompt(ctx context.Context, image domain.ImageRef, aux []domain.ImageRef, instruction string) (string, error) {
	if instruction == "" {
		return "", fmt.Errorf("%w: instruction is empty", domain.ErrInvalidRequest)
	}
	if err := image.Validate(); err != nil {
		return "", err
	}

	parts, err := buildParts(instruction, &image, aux)
	if err != nil {
		return "", err
	}

	// AspectRatio を空にするとテキスト応答として扱われるのだ
	resp, err := g.call(ctx, g.textModel, parts, gemini.GenerateOptions{})
	if err != nil {
		return "", fmt.Errorf("動画プロンプト生成エラー: %w", err)
	}
	if resp == nil || resp.RawResponse == nil || len(resp.RawResponse.Candidates) == 0 {
		return "", domain.NewError(domain.KindMalformed, "empty response for video prompt", nil)
	}

	candidate := resp.RawResponse.Candidates[0]
	if abnormalFinish(candidate.FinishReason) {
		return "", domain.NewError(domain.KindBlocked, string(candidate.FinishReason), nil)
	}
	text := candidateText(candidate)
	if text == "" {
		return "", domain.NewError(domain.KindMalformed, "video prompt response contained no text", nil)
	}
	return text, nil
}

// call は送信レート制限とタイムアウトを適用してから1回だけ通信するのだ。
func (g *GeminiGenerator) call(ctx context.Context, modelName string, parts []*genai.Part, opts gemini.GenerateOptions) (*gemini.Response, error) {
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return nil, &domain.GenerationError{Kind: domain.KindTransport, Reason: "rate limiter wait aborted", Err: err}
		}
	}

	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	resp, err := g.model.GenerateWithParts(ctx, modelName, parts, opts)
	if err != nil {
		return nil, classifyError(err)
	}
	return resp, nil
}
