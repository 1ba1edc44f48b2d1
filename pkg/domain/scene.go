package domain

// Frame はシーンに属する1枚の生成結果です。Index は 1 始まりの連番です。
type Frame struct {
	Index        int              `json:"index"`
	Result       GenerationResult `json:"result"`
	AudioContext string           `json:"audio_context,omitempty"`
}

// SceneState は段階的に増えていく生成結果の単位です。
// Frames は追記のみで、並べ替えや削除はされません。
type SceneState struct {
	ID         string            `json:"id"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	Frames     []Frame           `json:"frames"`
	InProgress bool              `json:"in_progress"`
	LastError  string            `json:"last_error,omitempty"`
}

// Clone はスライスとマップを共有しない深いコピーを返します。
func (s SceneState) Clone() SceneState {
	out := s
	if s.Metadata != nil {
		out.Metadata = make(map[string]string, len(s.Metadata))
		for k, v := range s.Metadata {
			out.Metadata[k] = v
		}
	}
	out.Frames = make([]Frame, len(s.Frames))
	for i, f := range s.Frames {
		f.Result = f.Result.Clone()
		out.Frames[i] = f
	}
	return out
}

// BatchStatus はバッチ単位の状態です。
type BatchStatus string

const (
	StatusIdle               BatchStatus = "idle"
	StatusRunning            BatchStatus = "running"
	StatusCompleted          BatchStatus = "completed"
	StatusPartiallyCompleted BatchStatus = "partially_completed"
	StatusFailedEmpty        BatchStatus = "failed_empty"
)

// Terminal は終了状態かどうかを返します。
func (s BatchStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusPartiallyCompleted || s == StatusFailedEmpty
}
