package batch

import (
	"errors"
	"fmt"
	"time"

	"github.com/shouni/gemini-scene-kit/pkg/domain"
)

var (
	ErrInvalidPlan = errors.New("invalid batch plan")
	// ErrNoResults はすべてのステップが失敗したバッチで返されます。
	ErrNoResults = errors.New("batch produced no results")
	// ErrStepSkipped は中断や連鎖の停止により実行されなかったステップに記録されます。
	ErrStepSkipped = errors.New("step skipped")
	// ErrMissingInput は継続ステップの入力となる前フレームが存在しないことを示します。
	ErrMissingInput = errors.New("no previous frame to continue from")
)

// Mode はバッチの期待出力数による失敗時の扱いです。
type Mode int

const (
	// ModeMulti は失敗したステップを空きスロットとして扱い、次のステップへ進みます。
	ModeMulti Mode = iota
	// ModeSingle は1件だけの出力を期待し、失敗でバッチ全体を中断します。
	ModeSingle
)

func (m Mode) String() string {
	switch m {
	case ModeMulti:
		return "multi"
	case ModeSingle:
		return "single"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// プランの種類。メトリクスのラベルとログに使います。
const (
	KindVariant      = "variant"
	KindExtraction   = "extraction"
	KindScene        = "scene"
	KindContinuation = "continuation"
)

// VideoPromptSpec は生成画像から動画用プロンプトを導出する指示です。
// 導出に失敗した場合は Fallback が使われます。
type VideoPromptSpec struct {
	Instruction string
	Fallback    string
	// FallbackForFrame が設定されていれば、追記されるフレーム番号から既定の文言を作ります。
	FallbackForFrame func(frameIndex int) string
	AudioContext     string
}

func (s *VideoPromptSpec) fallback(frameIndex int) string {
	if s.FallbackForFrame != nil {
		return s.FallbackForFrame(frameIndex)
	}
	return s.Fallback
}

// Step はバッチ内の1回の生成要求です。
type Step struct {
	Name string
	// SceneID が空の場合は Plan.SceneID に追加されます。
	SceneID string
	Request domain.GenerationRequest
	// ContinueFromPrevious が true の場合、同じシーンの最後のフレームを主画像として使います。
	ContinueFromPrevious bool
	VideoPrompt          *VideoPromptSpec
}

// Plan は1回の操作として順番に実行されるステップ列です。
type Plan struct {
	Kind     string
	SceneID  string
	Metadata map[string]string
	Mode     Mode
	// Continuation が true の場合、既存のシーンを再開してフレームを追記します。
	Continuation bool
	// Pacing は最後以外の各ステップの後に挟む待機時間です。
	Pacing time.Duration
	Steps  []Step
}

// Validate はプランの構造を検証します。
func (p Plan) Validate() error {
	if len(p.Steps) == 0 {
		return fmt.Errorf("%w: no steps", ErrInvalidPlan)
	}
	switch p.Mode {
	case ModeMulti:
	case ModeSingle:
		if len(p.Steps) != 1 {
			return fmt.Errorf("%w: single mode expects exactly one step, got %d", ErrInvalidPlan, len(p.Steps))
		}
	default:
		return fmt.Errorf("%w: unknown mode %s", ErrInvalidPlan, p.Mode)
	}
	if p.Pacing < 0 {
		return fmt.Errorf("%w: pacing must not be negative", ErrInvalidPlan)
	}
	if p.Continuation && p.SceneID == "" {
		return fmt.Errorf("%w: continuation requires a scene id", ErrInvalidPlan)
	}

	seen := make(map[string]bool)
	for i, step := range p.Steps {
		id := p.sceneFor(step)
		if id == "" {
			return fmt.Errorf("%w: step %d (%s) has no scene id", ErrInvalidPlan, i, step.Name)
		}
		if p.Continuation && id != p.SceneID {
			return fmt.Errorf("%w: continuation step %d targets %s instead of %s", ErrInvalidPlan, i, id, p.SceneID)
		}
		if step.ContinueFromPrevious && !p.Continuation && !seen[id] {
			return fmt.Errorf("%w: step %d (%s) continues from a frame that does not exist yet", ErrInvalidPlan, i, step.Name)
		}
		seen[id] = true
	}
	return nil
}

func (p Plan) sceneFor(s Step) string {
	if s.SceneID != "" {
		return s.SceneID
	}
	return p.SceneID
}

// sceneIDs は登場順のシーン ID と、各シーンの最後のステップ位置を返します。
func (p Plan) sceneIDs() ([]string, map[string]int) {
	var ids []string
	last := make(map[string]int)
	for i, s := range p.Steps {
		id := p.sceneFor(s)
		if _, ok := last[id]; !ok {
			ids = append(ids, id)
		}
		last[id] = i
	}
	return ids, last
}

// StepReport は1ステップの実行結果です。
type StepReport struct {
	Name     string
	SceneID  string
	Attempts int
	// FrameIndex は追記されたフレーム番号です。失敗時は 0 です。
	FrameIndex int
	// Diagnostic は失敗した空きスロットに表示する短い説明です。
	Diagnostic string
	Err        error
}

// OK はステップが成功したかどうかを返します。
func (r StepReport) OK() bool { return r.Err == nil }

// Report はバッチ全体の実行結果です。
type Report struct {
	Kind    string
	Status  domain.BatchStatus
	Results []domain.GenerationResult
	Steps   []StepReport
	Err     error
}
