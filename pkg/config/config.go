package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	ProviderGoogle     = "google"
	ProviderOpenRouter = "openrouter"

	DefaultImageModel      = "gemini-2.5-flash-image"
	DefaultTextModel       = "gemini-2.5-flash"
	DefaultOpenRouterURL   = "https://openrouter.ai/api/v1"
	DefaultOpenRouterModel = "google/gemini-2.0-flash-exp:free"
)

// Config はキット全体の設定です。グローバルには保持せず、各コンストラクタへ明示的に渡します。
type Config struct {
	Provider ProviderConfig `yaml:"provider"`
	Retry    RetryConfig    `yaml:"retry"`
	Pacing   PacingConfig   `yaml:"pacing"`
}

// ProviderConfig はリモート生成 API への接続設定です。
type ProviderConfig struct {
	Name       string `yaml:"name"`
	APIKey     string `yaml:"api_key"`
	TextModel  string `yaml:"text_model"`
	ImageModel string `yaml:"image_model"`
	BaseURL    string `yaml:"base_url,omitempty"`
	// ImageAPIKey は画像生成用の Gemini キーです。画像生成は常に Gemini を使うため、
	// google 以外のプロバイダでのみ参照されます。
	ImageAPIKey string `yaml:"image_api_key,omitempty"`
	// RequestTimeout は1回の呼び出しの上限です。0 はタイムアウトなし（トランスポート任せ）です。
	RequestTimeout time.Duration `yaml:"request_timeout"`
	// RequestsPerMinute はプロバイダ全体の送信レート上限です。0 で無制限です。
	RequestsPerMinute int `yaml:"requests_per_minute"`
}

// RetryConfig は一過性エラーに対する再試行設定です。
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"` // 0 は上限なし
	Jitter      bool          `yaml:"jitter"`
}

// PacingConfig はバッチ種別ごとのステップ間待機時間です。
type PacingConfig struct {
	Variant      time.Duration `yaml:"variant"`
	Scene        time.Duration `yaml:"scene"`
	Continuation time.Duration `yaml:"continuation"`
}

// Default は観測された既定値で Config を返します。
func Default() Config {
	return Config{
		Provider: ProviderConfig{
			Name:       ProviderGoogle,
			ImageModel: DefaultImageModel,
		},
		Retry: RetryConfig{
			MaxAttempts: 10,
			BaseDelay:   5 * time.Second,
		},
		Pacing: PacingConfig{
			Variant:      6 * time.Second,
			Scene:        1500 * time.Millisecond,
			Continuation: 2 * time.Second,
		},
	}
}

// Load は .env、YAML ファイル、環境変数の順に設定を読み込みます。
// path が空、またはファイルが存在しない場合は既定値から始めます。
func Load(path string) (Config, error) {
	// .env は任意
	_ = godotenv.Load()

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return Config{}, fmt.Errorf("設定ファイルの読み込みに失敗しました: %w", err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("設定ファイルの解析に失敗しました (%s): %w", path, err)
			}
		}
	}

	applyEnv(&cfg)
	cfg.fillDefaults()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Save はプロバイダ設定を含む Config を YAML として保存します。
func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("設定のエンコードに失敗しました: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("設定ディレクトリの作成に失敗しました: %w", err)
		}
	}
	// API キーを含むため所有者のみ読み書き可能にする
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("設定ファイルの書き込みに失敗しました: %w", err)
	}
	return nil
}

// Validate は設定値の整合性を確認します。
func (c Config) Validate() error {
	switch c.Provider.Name {
	case ProviderGoogle, ProviderOpenRouter:
	default:
		return fmt.Errorf("unknown provider: %q", c.Provider.Name)
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be >= 1, got %d", c.Retry.MaxAttempts)
	}
	if c.Retry.BaseDelay < 0 || c.Retry.MaxDelay < 0 {
		return fmt.Errorf("retry delays must not be negative")
	}
	if c.Provider.RequestTimeout < 0 {
		return fmt.Errorf("provider.request_timeout must not be negative")
	}
	if c.Provider.RequestsPerMinute < 0 {
		return fmt.Errorf("provider.requests_per_minute must not be negative")
	}
	if c.Pacing.Variant < 0 || c.Pacing.Scene < 0 || c.Pacing.Continuation < 0 {
		return fmt.Errorf("pacing durations must not be negative")
	}
	return nil
}

func (c *Config) fillDefaults() {
	if c.Provider.Name == "" {
		c.Provider.Name = ProviderGoogle
	}
	if c.Provider.ImageModel == "" {
		c.Provider.ImageModel = DefaultImageModel
	}
	if c.Provider.TextModel == "" {
		if c.Provider.Name == ProviderOpenRouter {
			c.Provider.TextModel = DefaultOpenRouterModel
		} else {
			c.Provider.TextModel = DefaultTextModel
		}
	}
	if c.Provider.Name == ProviderOpenRouter && c.Provider.BaseURL == "" {
		c.Provider.BaseURL = DefaultOpenRouterURL
	}
}

func applyEnv(c *Config) {
	if v := getEnv("GEMINI_IMAGE_MODEL", ""); v != "" {
		c.Provider.ImageModel = v
	}
	if v := getEnv("GEMINI_TEXT_MODEL", ""); v != "" {
		c.Provider.TextModel = v
	}

	systemKey := getEnv("GEMINI_API_KEY", getEnv("API_KEY", ""))
	if c.Provider.Name == ProviderOpenRouter && strings.TrimSpace(c.Provider.ImageAPIKey) == "" {
		c.Provider.ImageAPIKey = systemKey
	}

	// ユーザー指定のキーが空ならシステムキーにフォールバックする
	if strings.TrimSpace(c.Provider.APIKey) != "" {
		return
	}
	switch c.Provider.Name {
	case ProviderOpenRouter:
		c.Provider.APIKey = getEnv("OPENROUTER_API_KEY", "")
	default:
		c.Provider.APIKey = systemKey
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// ResolvedAPIKey は利用可能なキーを返し、なければエラーにします。
func (p ProviderConfig) ResolvedAPIKey() (string, error) {
	key := strings.TrimSpace(p.APIKey)
	if key == "" {
		return "", fmt.Errorf("no API key available for provider %q", p.Name)
	}
	return key, nil
}

// ImageKey は画像生成 (Gemini) に使うキーを返します。
// google 以外のプロバイダでは APIKey ではなく ImageAPIKey を使います。
func (p ProviderConfig) ImageKey() (string, error) {
	if p.Name == "" || p.Name == ProviderGoogle {
		return p.ResolvedAPIKey()
	}
	key := strings.TrimSpace(p.ImageAPIKey)
	if key == "" {
		return "", fmt.Errorf("no Gemini API key available for image generation (provider %q)", p.Name)
	}
	return key, nil
}
