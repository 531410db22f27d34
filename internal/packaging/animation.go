package packaging

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/Justin21523/game-dialogue-simulator-sub000/internal/domain"
)

const (
	animationFPS           = 12
	animationHoldLastFrame = 3
)

// AnimationSpec is a playback plan over frames already on disk.
type AnimationSpec struct {
	CharacterID string           `json:"character_id"`
	From        string           `json:"from"`
	To          string           `json:"to"`
	FPS         int              `json:"fps"`
	Loop        bool             `json:"loop"`
	Frames      []AnimationFrame `json:"frames"`
}

// AnimationFrame references one persisted transformation frame.
type AnimationFrame struct {
	Index      int    `json:"index"`
	Path       string `json:"path"`
	DurationMS int    `json:"duration_ms"`
}

// PlanAnimations builds playback plans from the transformation frames that
// were persisted. Missing frames are skipped, a plan needs at least two.
func PlanAnimations(cfg domain.PackageConfig, items []domain.AssetManifestItem) []Call {
	t := cfg.Transformation
	if t == nil {
		return nil
	}
	var frames []AnimationFrame
	for _, item := range items {
		if item.AssetType != domain.AssetTypeTransformation {
			continue
		}
		if id, _ := item.Metadata["character_id"].(string); id != t.CharacterID {
			continue
		}
		frames = append(frames, AnimationFrame{Index: frameIndex(item.Metadata["frame"]), Path: item.Path})
	}
	if len(frames) < 2 {
		return nil
	}
	sort.SliceStable(frames, func(i, j int) bool { return frames[i].Index < frames[j].Index })
	base := 1000 / animationFPS
	for i := range frames {
		frames[i].DurationMS = base
	}
	frames[len(frames)-1].DurationMS = base * animationHoldLastFrame

	spec := &AnimationSpec{
		CharacterID: t.CharacterID,
		From:        t.From,
		To:          t.To,
		FPS:         animationFPS,
		Frames:      frames,
	}
	return []Call{{
		Phase:     domain.PhaseAnimations,
		AssetType: domain.AssetTypeAnimationPlan,
		AssetID:   assetID(t.CharacterID, "transformation", "animation"),
		Key:       "animations/" + domain.Slug(t.CharacterID) + "_transformation",
		Animation: spec,
		Metadata: map[string]any{
			"character_id": t.CharacterID,
			"frames":       len(frames),
			"requested":    t.Frames,
			"fps":          animationFPS,
		},
	}}
}

// Encode renders the plan as indented JSON.
func (a *AnimationSpec) Encode() ([]byte, error) {
	data, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("packaging: encode animation plan: %w", err)
	}
	return data, nil
}

// frameIndex accepts the int stored by the planner and the float64 a JSON
// round trip produces.
func frameIndex(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}
