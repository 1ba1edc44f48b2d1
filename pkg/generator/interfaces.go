package generator

import (
	"context"
	"time"

	"github.com/shouni/gemini-scene-kit/pkg/domain"
	"github.com/shouni/go-gemini-client/pkg/gemini"
	"google.golang.org/genai"
)

// Model はリモートの生成モデルへの通信を抽象化します。
// gemini.GenerativeModel と GenAIModel のどちらもこのインターフェースを満たします。
type Model interface {
	GenerateWithParts(ctx context.Context, model string, parts []*genai.Part, opts gemini.GenerateOptions) (*gemini.Response, error)
}

var _ Model = (gemini.GenerativeModel)(nil)

// ImageGenerator はバッチ処理層が利用する画像生成の窓口です。
type ImageGenerator interface {
	Generate(ctx context.Context, req domain.GenerationRequest) (*domain.GenerationResult, error)
}

// PromptDeriver は生成済み画像から動画用プロンプトを導出します。
type PromptDeriver interface {
	DeriveVideoPrompt(ctx context.Context, image domain.ImageRef, aux []domain.ImageRef, instruction string) (string, error)
}

// ImageCacher は、参照画像をキャッシュするためのインターフェースです。
type ImageCacher interface {
	// Get は、指定されたキーに紐づくアイテムを取得します。
	Get(key string) (any, bool)
	// Set は、指定されたキーと値、有効期限でアイテムを保存します。
	Set(key string, value any, d time.Duration)
}
