package domain

import "time"

// AssetType enumerates the asset categories recorded in a manifest.
type AssetType string

const (
	AssetTypePortrait       AssetType = "character_portrait"
	AssetTypeState          AssetType = "character_state"
	AssetTypeExpression     AssetType = "character_expression"
	AssetTypeBackground     AssetType = "background"
	AssetTypeUIIcon         AssetType = "ui_icon"
	AssetTypeTransformation AssetType = "transformation_frame"
	AssetTypeScene          AssetType = "scene"
	AssetTypeVoiceLine      AssetType = "voice_line"
	AssetTypeSoundEffect    AssetType = "sound_effect"
	AssetTypeAnimationPlan  AssetType = "animation_plan"
)

// AssetManifestItem records one persisted asset. Path is relative to the
// package output directory.
type AssetManifestItem struct {
	AssetType   AssetType      `json:"asset_type"`
	AssetID     string         `json:"asset_id"`
	Filename    string         `json:"filename"`
	Path        string         `json:"path"`
	Size        int64          `json:"size"`
	Checksum    string         `json:"checksum"`
	GeneratedAt time.Time      `json:"generated_at"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// PhaseStats summarizes one orchestrator phase.
type PhaseStats struct {
	Phase     Phase         `json:"phase"`
	Requested int           `json:"requested"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	Skipped   bool          `json:"skipped,omitempty"`
	Duration  time.Duration `json:"duration_ns"`
}

// AssetManifest is the ordered record of every asset in a package.
type AssetManifest struct {
	PackageID   string              `json:"package_id"`
	MissionID   string              `json:"mission_id"`
	CreatedAt   time.Time           `json:"created_at"`
	TotalAssets int                 `json:"total_assets"`
	TotalBytes  int64               `json:"total_bytes"`
	Items       []AssetManifestItem `json:"items"`
	Phases      []PhaseStats        `json:"phases"`
	Partial     bool                `json:"partial,omitempty"`
	Signature   string              `json:"signature,omitempty"`
}

// Clone returns a deep copy so callers never share the builder's slices.
func (m *AssetManifest) Clone() *AssetManifest {
	if m == nil {
		return nil
	}
	out := *m
	out.Items = make([]AssetManifestItem, len(m.Items))
	for i, item := range m.Items {
		if item.Metadata != nil {
			meta := make(map[string]any, len(item.Metadata))
			for k, v := range item.Metadata {
				meta[k] = v
			}
			item.Metadata = meta
		}
		out.Items[i] = item
	}
	out.Phases = append([]PhaseStats(nil), m.Phases...)
	return &out
}
