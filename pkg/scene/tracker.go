package scene

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/shouni/gemini-scene-kit/pkg/domain"
)

var (
	ErrSceneNotFound   = errors.New("scene not found")
	ErrSceneExists     = errors.New("scene already exists")
	ErrSceneBusy       = errors.New("scene is already in progress")
	ErrSceneNotRunning = errors.New("scene is not in progress")
)

// NewID はシーン用の一意なトークンを生成します。
func NewID() string {
	return "scene-" + uuid.NewString()
}

// Tracker はシーンとフレームの状態を保持するコンテナです。
// シーンやフレームを削除する操作は持ちません。
// 異なる ID への操作は並行に呼び出せますが、同じ ID への追記は呼び出し側で直列化します。
type Tracker struct {
	mu     sync.RWMutex
	scenes map[string]*domain.SceneState
	order  []string
}

// NewTracker は空の Tracker を作成します。
func NewTracker() *Tracker {
	return &Tracker{scenes: make(map[string]*domain.SceneState)}
}

// CreateScene は空のフレーム列を持つ実行中のシーンを作成します。
func (t *Tracker) CreateScene(id string, metadata map[string]string) error {
	if id == "" {
		return fmt.Errorf("scene id is required")
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.scenes[id]; ok {
		return fmt.Errorf("%w: %s", ErrSceneExists, id)
	}
	md := make(map[string]string, len(metadata))
	for k, v := range metadata {
		md[k] = v
	}
	t.scenes[id] = &domain.SceneState{
		ID:         id,
		Metadata:   md,
		Frames:     []domain.Frame{},
		InProgress: true,
	}
	t.order = append(t.order, id)
	return nil
}

// AppendFrame は実行中のシーンの末尾にフレームを追加し、採番したフレームを返します。
func (t *Tracker) AppendFrame(id string, frame domain.Frame) (domain.Frame, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, err := t.running(id)
	if err != nil {
		return domain.Frame{}, err
	}
	frame.Index = len(s.Frames) + 1
	frame.Result = frame.Result.Clone()
	s.Frames = append(s.Frames, frame)
	return frame, nil
}

// MarkError は直近のエラーを記録します。実行状態は変わりません。
func (t *Tracker) MarkError(id, message string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.scenes[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSceneNotFound, id)
	}
	s.LastError = message
	return nil
}

// MarkDone はシーンを終了状態にします。すでに終了していれば何もしません。
func (t *Tracker) MarkDone(id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.scenes[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSceneNotFound, id)
	}
	s.InProgress = false
	return nil
}

// Reopen は終了済みのシーンをフレーム追加のために再び実行中にします。
// 実行中のシーンに対しては ErrSceneBusy を返すため、同じシーンで二重に実行されることはありません。
func (t *Tracker) Reopen(id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.scenes[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSceneNotFound, id)
	}
	if s.InProgress {
		return fmt.Errorf("%w: %s", ErrSceneBusy, id)
	}
	s.InProgress = true
	s.LastError = ""
	return nil
}

// Get はシーンのコピーを返します。
func (t *Tracker) Get(id string) (domain.SceneState, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	s, ok := t.scenes[id]
	if !ok {
		return domain.SceneState{}, false
	}
	return s.Clone(), true
}

// LastFrame はシーンの最後のフレームを返します。
func (t *Tracker) LastFrame(id string) (domain.Frame, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	s, ok := t.scenes[id]
	if !ok || len(s.Frames) == 0 {
		return domain.Frame{}, false
	}
	f := s.Frames[len(s.Frames)-1]
	f.Result = f.Result.Clone()
	return f, true
}

// Frame は指定インデックス (1 始まり) のフレームを返します。
func (t *Tracker) Frame(id string, index int) (domain.Frame, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	s, ok := t.scenes[id]
	if !ok || index < 1 || index > len(s.Frames) {
		return domain.Frame{}, false
	}
	f := s.Frames[index-1]
	f.Result = f.Result.Clone()
	return f, true
}

// List は作成順にすべてのシーンのコピーを返します。
func (t *Tracker) List() []domain.SceneState {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]domain.SceneState, 0, len(t.order))
	for _, id := range t.order {
		out = append(out, t.scenes[id].Clone())
	}
	return out
}

func (t *Tracker) running(id string) (*domain.SceneState, error) {
	s, ok := t.scenes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSceneNotFound, id)
	}
	if !s.InProgress {
		return nil, fmt.Errorf("%w: %s", ErrSceneNotRunning, id)
	}
	return s, nil
}
