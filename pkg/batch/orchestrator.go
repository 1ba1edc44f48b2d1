package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shouni/gemini-scene-kit/pkg/domain"
	"github.com/shouni/gemini-scene-kit/pkg/generator"
	"github.com/shouni/gemini-scene-kit/pkg/retry"
	"github.com/shouni/gemini-scene-kit/pkg/scene"
)

const maxDiagnosticLen = 160

// Orchestrator はステップ列を1つずつ順番に実行し、成功した結果をシーンに追記します。
type Orchestrator struct {
	gen      generator.ImageGenerator
	deriver  generator.PromptDeriver
	tracker  *scene.Tracker
	policy   retry.Policy
	sleep    func(ctx context.Context, d time.Duration) error
	recorder Recorder
}

// Option は Orchestrator の設定を変更します。
type Option func(*Orchestrator)

// WithRetryPolicy は各ステップに適用する再試行方針を設定します。
func WithRetryPolicy(p retry.Policy) Option {
	return func(o *Orchestrator) { o.policy = p }
}

// WithDeriver は動画プロンプトの導出に使うクライアントを設定します。
// 未設定の場合は VideoPromptSpec の代替文言がそのまま使われます。
func WithDeriver(d generator.PromptDeriver) Option {
	return func(o *Orchestrator) { o.deriver = d }
}

// WithSleep はステップ間の待機処理を差し替えます。
// 再試行方針に Sleep が無ければ、バックオフの待機にも使われます。
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(o *Orchestrator) { o.sleep = fn }
}

// WithRecorder はメトリクスの記録先を設定します。
func WithRecorder(r Recorder) Option {
	return func(o *Orchestrator) { o.recorder = r }
}

// NewOrchestrator は依存関係を注入して Orchestrator を初期化します。
func NewOrchestrator(gen generator.ImageGenerator, tracker *scene.Tracker, opts ...Option) (*Orchestrator, error) {
	if gen == nil {
		return nil, fmt.Errorf("gen (generator.ImageGenerator) is required")
	}
	if tracker == nil {
		return nil, fmt.Errorf("tracker is required")
	}

	o := &Orchestrator{
		gen:      gen,
		tracker:  tracker,
		policy:   retry.DefaultPolicy(),
		sleep:    retry.Sleep,
		recorder: NopRecorder{},
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.policy.Sleep == nil {
		o.policy.Sleep = o.sleep
	}
	if o.recorder == nil {
		o.recorder = NopRecorder{}
	}
	return o, nil
}

// Tracker はシーンの状態を読み出すための Tracker を返します。
func (o *Orchestrator) Tracker() *scene.Tracker {
	return o.tracker
}

// Run はプランのステップを宣言順に1つずつ実行します。
// 成功したステップごとに onStepComplete を同期的に呼び出し、それまでの結果一覧のコピーを渡します。
//
// 複数出力のバッチでは失敗したステップを空きスロットとして扱い、少なくとも1件成功すれば nil を返します。
// 単一出力のバッチではステップのエラーをそのまま返します。
// すべて失敗した場合は ErrNoResults でラップした最後のエラーを返します。
func (o *Orchestrator) Run(ctx context.Context, plan Plan, onStepComplete func([]domain.GenerationResult)) (*Report, error) {
	if err := plan.Validate(); err != nil {
		return nil, err
	}
	ids, lastStepOf := plan.sceneIDs()
	if err := o.openScenes(plan, ids); err != nil {
		return nil, err
	}

	slog.InfoContext(ctx, "バッチを開始します", "kind", plan.Kind, "mode", plan.Mode.String(), "steps", len(plan.Steps), "scenes", len(ids))

	report := &Report{
		Kind:   plan.Kind,
		Status: domain.StatusRunning,
		Steps:  make([]StepReport, 0, len(plan.Steps)),
	}
	produced := make(map[string]int, len(ids))
	diagnostics := make(map[string]string, len(ids))
	finished := make(map[string]bool, len(ids))
	finish := func(id string) {
		if finished[id] {
			return
		}
		finished[id] = true
		// 1件も追記できなかったシーンだけにエラーを残す
		if produced[id] == 0 && diagnostics[id] != "" {
			_ = o.tracker.MarkError(id, diagnostics[id])
		}
		_ = o.tracker.MarkDone(id)
	}

	var lastErr, abortErr error
	stopped := false
	executed := false
	// broken は直前のフレームが得られず連鎖を続けられないシーンです
	broken := make(map[string]bool, len(ids))
	skip := func(step Step, sceneID string) {
		report.Steps = append(report.Steps, StepReport{Name: step.Name, SceneID: sceneID, Err: ErrStepSkipped})
		o.recorder.StepFinished(plan.Kind, outcomeSkipped, 0, 0)
	}

	for i, step := range plan.Steps {
		sceneID := plan.sceneFor(step)
		switch {
		case stopped:
			skip(step, sceneID)
		case step.ContinueFromPrevious && broken[sceneID]:
			slog.WarnContext(ctx, "フレームの連鎖が途切れたためスキップします", "scene_id", sceneID, "step", step.Name)
			skip(step, sceneID)
		default:
			// ペーシングは実行済みのステップと次のステップの間にだけ挟む
			if err := o.pace(ctx, plan.Pacing, executed); err != nil {
				abortErr = fmt.Errorf("バッチが中断されました: %w", err)
				stopped = true
				skip(step, sceneID)
				break
			}
			executed = true

			sr := o.runStep(ctx, plan, step, sceneID)
			report.Steps = append(report.Steps, sr.StepReport)
			if sr.Err == nil {
				produced[sceneID]++
				broken[sceneID] = false
				report.Results = append(report.Results, sr.result)
				if onStepComplete != nil {
					onStepComplete(cloneResults(report.Results))
				}
				break
			}

			lastErr = sr.Err
			broken[sceneID] = true
			diagnostics[sceneID] = sr.Diagnostic
			slog.WarnContext(ctx, "ステップの生成に失敗しました",
				"kind", plan.Kind,
				"scene_id", sceneID,
				"step", step.Name,
				"attempts", sr.Attempts,
				"error", sr.Err,
			)
			if plan.Mode == ModeSingle {
				abortErr = sr.Err
				stopped = true
			}
		}

		if lastStepOf[sceneID] == i {
			finish(sceneID)
		}
	}
	// 最後のステップの待機中に中断された場合もここで拾う
	if abortErr == nil && len(report.Results) < len(report.Steps) {
		if err := ctx.Err(); err != nil {
			abortErr = fmt.Errorf("バッチが中断されました: %w", err)
		}
	}
	for _, id := range ids {
		finish(id)
	}

	report.Status = batchStatus(report)
	switch {
	case abortErr != nil:
		report.Err = abortErr
	case report.Status == domain.StatusFailedEmpty:
		report.Err = fmt.Errorf("%w: %w", ErrNoResults, lastErr)
	}
	o.recorder.BatchFinished(plan.Kind, report.Status)

	slog.InfoContext(ctx, "バッチが終了しました",
		"kind", plan.Kind,
		"status", string(report.Status),
		"results", len(report.Results),
		"steps", len(plan.Steps),
	)
	return report, report.Err
}

// pace は中断を確認し、前のステップを実行済みであれば d だけ待機します。
func (o *Orchestrator) pace(ctx context.Context, d time.Duration, executed bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !executed || d <= 0 {
		return nil
	}
	return o.sleep(ctx, d)
}

type stepOutcome struct {
	StepReport
	result domain.GenerationResult
}

// runStep は1ステップを再試行つきで実行し、成功した場合はフレームを追記します。
func (o *Orchestrator) runStep(ctx context.Context, plan Plan, step Step, sceneID string) stepOutcome {
	out := stepOutcome{StepReport: StepReport{Name: step.Name, SceneID: sceneID}}
	start := time.Now()
	defer func() {
		o.recorder.StepFinished(plan.Kind, outcomeLabel(out.Err), out.Attempts, time.Since(start))
	}()

	req := step.Request.Clone()
	if step.ContinueFromPrevious {
		prev, ok := o.tracker.LastFrame(sceneID)
		if !ok {
			out.Err = fmt.Errorf("%w: scene %s", ErrMissingInput, sceneID)
			out.Diagnostic = diagnostic(out.Err)
			return out
		}
		req = req.WithPrimaryImage(prev.Result.Image)
	}

	res, attempts, err := retry.DoCounted(ctx, o.policyFor(plan.Kind), func(ctx context.Context) (*domain.GenerationResult, error) {
		return o.gen.Generate(ctx, req)
	})
	out.Attempts = attempts
	if err == nil && res == nil {
		err = domain.NewError(domain.KindMalformed, "generator returned no result", nil)
	}
	if err != nil {
		out.Err = err
		out.Diagnostic = diagnostic(err)
		return out
	}

	result := res.Clone()
	frame := domain.Frame{Result: result}
	if spec := step.VideoPrompt; spec != nil {
		// シーンへ書き込むのはこのバッチだけなので、次の番号は最後のフレームから決まる
		next := 1
		if last, ok := o.tracker.LastFrame(sceneID); ok {
			next = last.Index + 1
		}
		if vp := o.videoPrompt(ctx, plan.Kind, spec, next, result.Image, req.AuxiliaryImages); vp != "" {
			result.VideoPrompt = &vp
			frame.Result = result.Clone()
		}
		frame.AudioContext = spec.AudioContext
	}

	appended, err := o.tracker.AppendFrame(sceneID, frame)
	if err != nil {
		out.Err = fmt.Errorf("フレームの追記に失敗しました: %w", err)
		out.Diagnostic = diagnostic(out.Err)
		return out
	}
	out.FrameIndex = appended.Index
	out.result = result
	return out
}

// videoPrompt は動画プロンプトを導出します。失敗してもステップは失敗させず Fallback を返します。
func (o *Orchestrator) videoPrompt(ctx context.Context, kind string, spec *VideoPromptSpec, frameIndex int, img domain.ImageRef, aux []domain.ImageRef) string {
	if o.deriver == nil || spec.Instruction == "" {
		return spec.fallback(frameIndex)
	}
	text, err := retry.Do(ctx, o.policyFor(kind), func(ctx context.Context) (string, error) {
		return o.deriver.DeriveVideoPrompt(ctx, img, aux, spec.Instruction)
	})
	if err != nil {
		slog.WarnContext(ctx, "動画プロンプトの導出に失敗したため既定の文言を使います", "frame", frameIndex, "error", err)
		return spec.fallback(frameIndex)
	}
	return text
}

// RegeneratePrompt は既存フレームの画像から動画プロンプトを導出し直します。
// フレームは追記のみのため書き換えず、新しい文字列を返します。
func (o *Orchestrator) RegeneratePrompt(ctx context.Context, sceneID string, frameIndex int, instruction string) (string, error) {
	frame, ok := o.tracker.Frame(sceneID, frameIndex)
	if !ok {
		return "", fmt.Errorf("%w: %s frame %d", scene.ErrSceneNotFound, sceneID, frameIndex)
	}
	return o.derive(ctx, frame.Result.Image, instruction)
}

// NextFramePrompt はシーンの最後のフレームから次のフレーム用のプロンプトを導出します。
func (o *Orchestrator) NextFramePrompt(ctx context.Context, sceneID, instruction string) (string, error) {
	frame, ok := o.tracker.LastFrame(sceneID)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrMissingInput, sceneID)
	}
	return o.derive(ctx, frame.Result.Image, instruction)
}

func (o *Orchestrator) derive(ctx context.Context, img domain.ImageRef, instruction string) (string, error) {
	if o.deriver == nil {
		return "", fmt.Errorf("prompt deriver is not configured")
	}
	text, err := retry.Do(ctx, o.policyFor(KindContinuation), func(ctx context.Context) (string, error) {
		return o.deriver.DeriveVideoPrompt(ctx, img, nil, instruction)
	})
	if err != nil {
		return "", fmt.Errorf("プロンプトの再生成に失敗しました: %w", err)
	}
	return text, nil
}

func (o *Orchestrator) openScenes(plan Plan, ids []string) error {
	if plan.Continuation {
		if err := o.tracker.Reopen(plan.SceneID); err != nil {
			return fmt.Errorf("シーンを再開できません: %w", err)
		}
		return nil
	}
	for i, id := range ids {
		if err := o.tracker.CreateScene(id, plan.Metadata); err != nil {
			// 作成済みのシーンは終了状態にしておく
			for _, created := range ids[:i] {
				_ = o.tracker.MarkError(created, err.Error())
				_ = o.tracker.MarkDone(created)
			}
			return fmt.Errorf("シーンを作成できません: %w", err)
		}
	}
	return nil
}

func (o *Orchestrator) policyFor(kind string) retry.Policy {
	p := o.policy
	prev := p.OnRetry
	p.OnRetry = func(attempt int, err error, wait time.Duration) {
		o.recorder.RetryScheduled(kind, retryLabel(err))
		if prev != nil {
			prev(attempt, err, wait)
		}
	}
	return p
}

func batchStatus(r *Report) domain.BatchStatus {
	switch {
	case len(r.Results) == 0:
		return domain.StatusFailedEmpty
	case len(r.Results) == len(r.Steps):
		return domain.StatusCompleted
	default:
		return domain.StatusPartiallyCompleted
	}
}

func cloneResults(in []domain.GenerationResult) []domain.GenerationResult {
	out := make([]domain.GenerationResult, len(in))
	for i, r := range in {
		out[i] = r.Clone()
	}
	return out
}

// diagnostic は空きスロットに表示する短い説明を作ります。
func diagnostic(err error) string {
	var ge *domain.GenerationError
	msg := err.Error()
	if errors.As(err, &ge) {
		msg = ge.Kind.String()
		if ge.Reason != "" {
			msg += ": " + ge.Reason
		}
	}
	if r := []rune(msg); len(r) > maxDiagnosticLen {
		msg = string(r[:maxDiagnosticLen]) + "…"
	}
	return msg
}
