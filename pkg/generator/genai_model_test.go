package generator

import (
	"context"
	"testing"

	"github.com/shouni/go-gemini-client/pkg/gemini"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"

	"github.com/shouni/gemini-scene-kit/pkg/config"
)

func TestNewGenAIModel_KeySelection(t *testing.T) {
	t.Run("失敗: openrouter のキーを Gemini に渡さないのだ", func(t *testing.T) {
		_, err := NewGenAIModel(context.Background(), config.ProviderConfig{Name: config.ProviderOpenRouter, APIKey: "or-key"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "image generation")
	})

	t.Run("成功: openrouter でも画像用のキーがあれば作成できるのだ", func(t *testing.T) {
		m, err := NewGenAIModel(context.Background(), config.ProviderConfig{Name: config.ProviderOpenRouter, APIKey: "or-key", ImageAPIKey: "system-key"})
		require.NoError(t, err)
		assert.NotNil(t, m)
	})
}

func TestBuildContentConfig(t *testing.T) {
	t.Run("画像モード", func(t *testing.T) {
		seed := int64(7)
		cfg := buildContentConfig(gemini.GenerateOptions{AspectRatio: "16:9", SystemPrompt: "style", Seed: &seed})

		require.NotNil(t, cfg.ImageConfig)
		assert.Equal(t, "16:9", cfg.ImageConfig.AspectRatio)
		assert.Equal(t, []string{string(genai.ModalityImage)}, cfg.ResponseModalities)
		require.NotNil(t, cfg.Seed)
		assert.Equal(t, int32(7), *cfg.Seed)
		require.NotNil(t, cfg.SystemInstruction)
		assert.Equal(t, "style", cfg.SystemInstruction.Parts[0].Text)
	})

	t.Run("テキストモード", func(t *testing.T) {
		cfg := buildContentConfig(gemini.GenerateOptions{})
		assert.Nil(t, cfg.ImageConfig)
		assert.Empty(t, cfg.ResponseModalities)
		assert.Nil(t, cfg.Seed)
		assert.Nil(t, cfg.SystemInstruction)
	})

	t.Run("安全設定は4カテゴリとも BLOCK_ONLY_HIGH", func(t *testing.T) {
		cfg := buildContentConfig(gemini.GenerateOptions{})
		require.Len(t, cfg.SafetySettings, 4)
		for _, s := range cfg.SafetySettings {
			assert.Equal(t, genai.HarmBlockThresholdBlockOnlyHigh, s.Threshold)
		}
	})
}
