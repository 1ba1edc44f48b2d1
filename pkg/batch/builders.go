package batch

import (
	"fmt"
	"strconv"

	"github.com/shouni/gemini-scene-kit/pkg/config"
	"github.com/shouni/gemini-scene-kit/pkg/domain"
	"github.com/shouni/gemini-scene-kit/pkg/scene"
)

// VariantPlan は1枚の主画像から固定のプロンプト一覧でバリエーションを生成するプランを作ります。
// プロンプトの文言は呼び出し側で用意します。
func VariantPlan(sceneID string, base domain.GenerationRequest, prompts []string, pacing config.PacingConfig) Plan {
	steps := make([]Step, len(prompts))
	for i, prompt := range prompts {
		req := base.Clone()
		req.Prompt = prompt
		steps[i] = Step{Name: "variant-" + strconv.Itoa(i+1), Request: req}
	}
	return Plan{
		Kind:     KindVariant,
		SceneID:  sceneID,
		Metadata: map[string]string{"kind": KindVariant},
		Mode:     ModeMulti,
		Pacing:   pacing.Variant,
		Steps:    steps,
	}
}

// ExtractionTarget は抽出対象1件分の名前とプロンプトです。
type ExtractionTarget struct {
	Name   string
	Prompt string
}

// ExtractionPlan は参照画像から対象物を抽出するプランを作ります。
// 対象が1件なら単一出力モードになり、失敗はそのまま呼び出し側に返ります。
func ExtractionPlan(sceneID string, base domain.GenerationRequest, targets []ExtractionTarget, pacing config.PacingConfig) Plan {
	steps := make([]Step, len(targets))
	for i, target := range targets {
		req := base.Clone()
		req.Prompt = target.Prompt
		name := target.Name
		if name == "" {
			name = "extraction-" + strconv.Itoa(i+1)
		}
		steps[i] = Step{Name: name, Request: req}
	}
	mode := ModeMulti
	if len(targets) == 1 {
		mode = ModeSingle
	}
	return Plan{
		Kind:     KindExtraction,
		SceneID:  sceneID,
		Metadata: map[string]string{"kind": KindExtraction},
		Mode:     mode,
		Pacing:   pacing.Variant,
		Steps:    steps,
	}
}

// SceneSpec はシーン1件分の生成内容です。
type SceneSpec struct {
	Name             string
	Prompt           string
	VideoInstruction string
	AudioContext     string
}

// SceneFanOutPlan はシーンごとに1フレームずつ生成するプランを作ります。シーン ID は自動で採番されます。
func SceneFanOutPlan(base domain.GenerationRequest, scenes []SceneSpec, pacing config.PacingConfig) Plan {
	steps := make([]Step, len(scenes))
	for i, s := range scenes {
		req := base.Clone()
		req.Prompt = s.Prompt
		name := s.Name
		if name == "" {
			name = "scene-" + strconv.Itoa(i+1)
		}
		steps[i] = Step{
			Name:    name,
			SceneID: scene.NewID(),
			Request: req,
			VideoPrompt: &VideoPromptSpec{
				Instruction:  s.VideoInstruction,
				Fallback:     fmt.Sprintf("Cinematic video of %s scene.", name),
				AudioContext: s.AudioContext,
			},
		}
	}
	return Plan{
		Kind:     KindScene,
		Metadata: map[string]string{"kind": KindScene},
		Mode:     ModeMulti,
		Pacing:   pacing.Scene,
		Steps:    steps,
	}
}

// ContinuationPlan は既存シーンの最後のフレームを起点に、フレームを順に追記するプランを作ります。
// 各ステップは直前のフレームを主画像として使うため、途中で失敗すると以降のステップは実行されません。
// audioContext は追記されるすべてのフレームに付与されます。
func ContinuationPlan(sceneID string, base domain.GenerationRequest, prompts []string, videoInstruction, audioContext string, pacing config.PacingConfig) Plan {
	steps := make([]Step, len(prompts))
	for i, prompt := range prompts {
		req := base.Clone()
		req.Prompt = prompt
		req.PrimaryImage = nil
		steps[i] = Step{
			Name:                 "continuation-" + strconv.Itoa(i+1),
			Request:              req,
			ContinueFromPrevious: true,
			VideoPrompt: &VideoPromptSpec{
				Instruction:      videoInstruction,
				FallbackForFrame: continuationFallback,
				AudioContext:     audioContext,
			},
		}
	}
	return Plan{
		Kind:         KindContinuation,
		SceneID:      sceneID,
		Mode:         ModeMulti,
		Continuation: true,
		Pacing:       pacing.Continuation,
		Steps:        steps,
	}
}

func continuationFallback(frameIndex int) string {
	return fmt.Sprintf("Continuation video frame %d.", frameIndex)
}
