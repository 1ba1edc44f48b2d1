package batch

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/shouni/gemini-scene-kit/pkg/domain"
)

// RunConcurrent は異なるシーンを対象とする独立したプランを並行に実行します。
// 各プランの中ではステップは順番に実行されます。同じシーン ID に触れるプランの組み合わせは受け付けません。
// onStepComplete は複数の goroutine から呼ばれるため、呼び出し側で排他してください。
// 返り値の Report はプランと同じ順序で、最初に失敗したプランのエラーを返します。
func (o *Orchestrator) RunConcurrent(ctx context.Context, plans []Plan, onStepComplete func(plan int, results []domain.GenerationResult)) ([]*Report, error) {
	owner := make(map[string]int)
	for i, p := range plans {
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("plan %d: %w", i, err)
		}
		ids, _ := p.sceneIDs()
		for _, id := range ids {
			if j, ok := owner[id]; ok && j != i {
				return nil, fmt.Errorf("%w: plans %d and %d both target scene %s", ErrInvalidPlan, j, i, id)
			}
			owner[id] = i
		}
	}

	reports := make([]*Report, len(plans))
	var g errgroup.Group
	for i, p := range plans {
		g.Go(func() error {
			var cb func([]domain.GenerationResult)
			if onStepComplete != nil {
				cb = func(results []domain.GenerationResult) { onStepComplete(i, results) }
			}
			report, err := o.Run(ctx, p, cb)
			reports[i] = report
			if err != nil {
				return fmt.Errorf("plan %d (%s): %w", i, p.Kind, err)
			}
			return nil
		})
	}
	err := g.Wait()
	return reports, err
}
