package generator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shouni/gemini-scene-kit/pkg/config"
	"github.com/shouni/gemini-scene-kit/pkg/domain"
	"github.com/shouni/go-gemini-client/pkg/gemini"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"
)

func newTestGenerator(t *testing.T, m Model, cfg config.ProviderConfig) *GeminiGenerator {
	t.Helper()
	gen, err := NewGeminiGenerator(m, cfg)
	require.NoError(t, err)
	return gen
}

func TestNewGeminiGenerator(t *testing.T) {
	t.Run("nilチェック: モデルがない場合はエラーを返すのだ", func(t *testing.T) {
		_, err := NewGeminiGenerator(nil, config.ProviderConfig{})
		assert.Error(t, err)
	})

	t.Run("モデル名が空なら既定値を使うのだ", func(t *testing.T) {
		gen := newTestGenerator(t, &mockModel{}, config.ProviderConfig{})
		assert.Equal(t, config.DefaultImageModel, gen.imageModel)
		assert.Equal(t, config.DefaultTextModel, gen.textModel)
		assert.Nil(t, gen.limiter)
		assert.Zero(t, gen.timeout)
	})
}

func TestGeminiGenerator_Generate(t *testing.T) {
	ctx := context.Background()
	primary := domain.NewImageRef([]byte("primary"), "image/jpeg")
	aux := domain.NewImageRef([]byte("product"), "image/png")

	t.Run("成功: 画像、補助画像、テキストの順でパーツが渡されるのだ", func(t *testing.T) {
		m := &mockModel{}
		gen := newTestGenerator(t, m, config.ProviderConfig{ImageModel: "image-model"})

		req := domain.GenerationRequest{
			Prompt:          "ずんだもん、走る",
			PrimaryImage:    &primary,
			AuxiliaryImages: []domain.ImageRef{aux},
			AspectRatio:     domain.AspectTall,
		}
		res, err := gen.Generate(ctx, req)
		require.NoError(t, err)

		require.Equal(t, 1, m.callCount(), "通信はちょうど1回なのだ")
		call := m.calls[0]
		assert.Equal(t, "image-model", call.model)
		assert.Equal(t, "9:16", call.opts.AspectRatio)
		require.Len(t, call.parts, 3)
		assert.Equal(t, []byte("primary"), call.parts[0].InlineData.Data)
		assert.Equal(t, "image/jpeg", call.parts[0].InlineData.MIMEType)
		assert.Equal(t, []byte("product"), call.parts[1].InlineData.Data)
		assert.Equal(t, req.Prompt, call.parts[2].Text)

		raw, err := res.Image.Bytes()
		require.NoError(t, err)
		assert.Equal(t, []byte("fake"), raw)
		assert.Equal(t, "image/png", res.Image.MimeType)
		assert.Equal(t, req.Prompt, res.SourcePrompt)
		assert.Nil(t, res.VideoPrompt)
	})

	t.Run("縦横比が空なら 1:1、リクエストのモデル指定が優先されるのだ", func(t *testing.T) {
		m := &mockModel{}
		gen := newTestGenerator(t, m, config.ProviderConfig{})
		seed := int64(42)

		_, err := gen.Generate(ctx, domain.GenerationRequest{
			Prompt:   "p",
			Provider: domain.ProviderOptions{Model: "override", SystemPrompt: "sys", Seed: &seed},
		})
		require.NoError(t, err)
		assert.Equal(t, "override", m.calls[0].model)
		assert.Equal(t, "1:1", m.calls[0].opts.AspectRatio)
		assert.Equal(t, "sys", m.calls[0].opts.SystemPrompt)
	})

	t.Run("入力検証に失敗したら通信しないのだ", func(t *testing.T) {
		m := &mockModel{}
		gen := newTestGenerator(t, m, config.ProviderConfig{})

		_, err := gen.Generate(ctx, domain.GenerationRequest{Prompt: ""})
		assert.ErrorIs(t, err, domain.ErrInvalidRequest)

		_, err = gen.Generate(ctx, domain.GenerationRequest{Prompt: "p", PrimaryImage: &domain.ImageRef{Data: "!!", MimeType: "image/png"}})
		assert.ErrorIs(t, err, domain.ErrInvalidRequest)
		assert.Zero(t, m.callCount())
	})

	t.Run("テキストのみの応答は Malformed なのだ", func(t *testing.T) {
		m := &mockModel{generateFunc: func(ctx context.Context, model string, parts []*genai.Part, opts gemini.GenerateOptions) (*gemini.Response, error) {
			return textResponse("I cannot draw that"), nil
		}}
		gen := newTestGenerator(t, m, config.ProviderConfig{})

		_, err := gen.Generate(ctx, domain.GenerationRequest{Prompt: "p"})
		require.Error(t, err)
		kind, ok := domain.KindOf(err)
		require.True(t, ok)
		assert.Equal(t, domain.KindMalformed, kind)
		assert.Contains(t, err.Error(), "I cannot draw that")
	})

	t.Run("SAFETY による終了は Blocked で理由を保持するのだ", func(t *testing.T) {
		m := &mockModel{generateFunc: func(ctx context.Context, model string, parts []*genai.Part, opts gemini.GenerateOptions) (*gemini.Response, error) {
			return &gemini.Response{RawResponse: &genai.GenerateContentResponse{
				Candidates: []*genai.Candidate{{FinishReason: genai.FinishReasonSafety}},
			}}, nil
		}}
		gen := newTestGenerator(t, m, config.ProviderConfig{})

		_, err := gen.Generate(ctx, domain.GenerationRequest{Prompt: "p"})
		var ge *domain.GenerationError
		require.True(t, errors.As(err, &ge))
		assert.Equal(t, domain.KindBlocked, ge.Kind)
		assert.Contains(t, ge.Reason, string(genai.FinishReasonSafety))
	})

	t.Run("通信エラーは分類されてラップされるのだ", func(t *testing.T) {
		m := &mockModel{generateFunc: func(ctx context.Context, model string, parts []*genai.Part, opts gemini.GenerateOptions) (*gemini.Response, error) {
			return nil, genai.APIError{Code: 429, Status: "RESOURCE_EXHAUSTED", Message: "quota"}
		}}
		gen := newTestGenerator(t, m, config.ProviderConfig{})

		_, err := gen.Generate(ctx, domain.GenerationRequest{Prompt: "p"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "Gemini画像生成エラー")
		assert.True(t, domain.IsTransient(err))
	})

	t.Run("タイムアウト設定時は期限付きのコンテキストで呼ばれるのだ", func(t *testing.T) {
		m := &mockModel{generateFunc: func(ctx context.Context, model string, parts []*genai.Part, opts gemini.GenerateOptions) (*gemini.Response, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}}
		gen := newTestGenerator(t, m, config.ProviderConfig{RequestTimeout: 10 * time.Millisecond})

		_, err := gen.Generate(ctx, domain.GenerationRequest{Prompt: "p"})
		require.Error(t, err)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		kind, _ := domain.KindOf(err)
		assert.Equal(t, domain.KindTransport, kind)
		assert.False(t, domain.IsTransient(err))
	})

	t.Run("タイムアウト未設定なら期限なしで呼ばれるのだ", func(t *testing.T) {
		m := &mockModel{generateFunc: func(ctx context.Context, model string, parts []*genai.Part, opts gemini.GenerateOptions) (*gemini.Response, error) {
			_, hasDeadline := ctx.Deadline()
			assert.False(t, hasDeadline)
			return imageResponse("image/png", []byte("x")), nil
		}}
		gen := newTestGenerator(t, m, config.ProviderConfig{})
		_, err := gen.Generate(ctx, domain.GenerationRequest{Prompt: "p"})
		require.NoError(t, err)
	})

	t.Run("送信レート制限はキャンセルされると Transport になるのだ", func(t *testing.T) {
		m := &mockModel{}
		gen := newTestGenerator(t, m, config.ProviderConfig{RequestsPerMinute: 1})

		_, err := gen.Generate(ctx, domain.GenerationRequest{Prompt: "first"})
		require.NoError(t, err)

		cctx, cancel := context.WithCancel(ctx)
		cancel()
		_, err = gen.Generate(cctx, domain.GenerationRequest{Prompt: "second"})
		require.Error(t, err)
		kind, _ := domain.KindOf(err)
		assert.Equal(t, domain.KindTransport, kind)
		assert.Equal(t, 1, m.callCount())
	})
}

func TestGeminiGenerator_DeriveVideoPrompt(t *testing.T) {
	ctx := context.Background()
	img := domain.NewImageRef([]byte("frame"), "image/png")

	t.Run("テキストモードでテキストモデルに送るのだ", func(t *testing.T) {
		m := &mockModel{generateFunc: func(ctx context.Context, model string, parts []*genai.Part, opts gemini.GenerateOptions) (*gemini.Response, error) {
			return textResponse("  A slow dolly-in shot.  "), nil
		}}
		gen := newTestGenerator(t, m, config.ProviderConfig{TextModel: "text-model"})

		got, err := gen.DeriveVideoPrompt(ctx, img, nil, "describe motion")
		require.NoError(t, err)
		assert.Equal(t, "A slow dolly-in shot.", got)
		assert.Equal(t, "text-model", m.calls[0].model)
		assert.Empty(t, m.calls[0].opts.AspectRatio)
		require.Len(t, m.calls[0].parts, 2)
		assert.Equal(t, "describe motion", m.calls[0].parts[1].Text)
	})

	t.Run("空の応答は Malformed なのだ", func(t *testing.T) {
		m := &mockModel{generateFunc: func(ctx context.Context, model string, parts []*genai.Part, opts gemini.GenerateOptions) (*gemini.Response, error) {
			return textResponse(""), nil
		}}
		gen := newTestGenerator(t, m, config.ProviderConfig{})

		_, err := gen.DeriveVideoPrompt(ctx, img, nil, "describe")
		kind, ok := domain.KindOf(err)
		require.True(t, ok)
		assert.Equal(t, domain.KindMalformed, kind)
	})

	t.Run("指示が空なら入力エラーなのだ", func(t *testing.T) {
		gen := newTestGenerator(t, &mockModel{}, config.ProviderConfig{})
		_, err := gen.DeriveVideoPrompt(ctx, img, nil, "")
		assert.ErrorIs(t, err, domain.ErrInvalidRequest)
	})
}
