package domain

import (
	"slices"
	"strings"
	"time"
)

// Phase is one category of assets processed as a unit.
type Phase string

const (
	PhaseCharacters     Phase = "characters"
	PhaseBackgrounds    Phase = "backgrounds"
	PhaseUI             Phase = "ui"
	PhaseTransformation Phase = "transformation"
	PhaseScenes         Phase = "scenes"
	PhaseVoice          Phase = "voice"
	PhaseSounds         Phase = "sounds"
	PhaseAnimations     Phase = "animations"
	PhaseFinalize       Phase = "finalize"
)

// PhaseOrder is the fixed execution order. Phases may be skipped, never
// reordered.
var PhaseOrder = []Phase{
	PhaseCharacters,
	PhaseBackgrounds,
	PhaseUI,
	PhaseTransformation,
	PhaseScenes,
	PhaseVoice,
	PhaseSounds,
	PhaseAnimations,
	PhaseFinalize,
}

// GenerationDefaults are applied to every image call of a package.
type GenerationDefaults struct {
	Checkpoint     string  `json:"checkpoint" yaml:"checkpoint"`
	Sampler        string  `json:"sampler" yaml:"sampler"`
	Scheduler      string  `json:"scheduler" yaml:"scheduler"`
	Steps          int     `json:"steps" yaml:"steps"`
	CFGScale       float64 `json:"cfg_scale" yaml:"cfg_scale"`
	NegativePrompt string  `json:"negative_prompt" yaml:"negative_prompt"`
	Seed           *int64  `json:"seed,omitempty" yaml:"seed,omitempty"`
}

type VoiceLineSpec struct {
	ID      string `json:"id" yaml:"id"`
	Text    string `json:"text" yaml:"text"`
	Emotion string `json:"emotion,omitempty" yaml:"emotion,omitempty"`
}

type CharacterSpec struct {
	ID          string          `json:"id" yaml:"id"`
	Name        string          `json:"name" yaml:"name"`
	Description string          `json:"description" yaml:"description"`
	LoRAPath    string          `json:"lora_path,omitempty" yaml:"lora_path,omitempty"`
	LoRAWeight  float64         `json:"lora_weight,omitempty" yaml:"lora_weight,omitempty"`
	Portraits   []string        `json:"portraits,omitempty" yaml:"portraits,omitempty"`
	States      []string        `json:"states,omitempty" yaml:"states,omitempty"`
	Expressions []string        `json:"expressions,omitempty" yaml:"expressions,omitempty"`
	Voice       string          `json:"voice,omitempty" yaml:"voice,omitempty"`
	VoiceLines  []VoiceLineSpec `json:"voice_lines,omitempty" yaml:"voice_lines,omitempty"`
}

type LocationSpec struct {
	ID          string   `json:"id" yaml:"id"`
	Name        string   `json:"name" yaml:"name"`
	Description string   `json:"description" yaml:"description"`
	Variants    []string `json:"variants,omitempty" yaml:"variants,omitempty"`
}

type UIIconSpec struct {
	ID      string `json:"id" yaml:"id"`
	Subject string `json:"subject" yaml:"subject"`
}

type TransformationSpec struct {
	CharacterID string `json:"character_id" yaml:"character_id"`
	From        string `json:"from" yaml:"from"`
	To          string `json:"to" yaml:"to"`
	Frames      int    `json:"frames" yaml:"frames"`
}

type SceneSpec struct {
	ID           string   `json:"id" yaml:"id"`
	LocationID   string   `json:"location_id" yaml:"location_id"`
	CharacterIDs []string `json:"character_ids" yaml:"character_ids"`
	Action       string   `json:"action" yaml:"action"`
}

type SoundEffectSpec struct {
	ID              string  `json:"id" yaml:"id"`
	Description     string  `json:"description" yaml:"description"`
	DurationSeconds float64 `json:"duration_seconds,omitempty" yaml:"duration_seconds,omitempty"`
}

// PackageConfig describes everything one mission package needs.
type PackageConfig struct {
	PackageID       string              `json:"package_id,omitempty" yaml:"package_id,omitempty"`
	MissionID       string              `json:"mission_id" yaml:"mission_id"`
	MissionName     string              `json:"mission_name" yaml:"mission_name"`
	Style           string              `json:"style,omitempty" yaml:"style,omitempty"`
	Defaults        GenerationDefaults  `json:"defaults" yaml:"defaults"`
	Characters      []CharacterSpec     `json:"characters,omitempty" yaml:"characters,omitempty"`
	Locations       []LocationSpec      `json:"locations,omitempty" yaml:"locations,omitempty"`
	UIIcons         []UIIconSpec        `json:"ui_icons,omitempty" yaml:"ui_icons,omitempty"`
	Transformation  *TransformationSpec `json:"transformation,omitempty" yaml:"transformation,omitempty"`
	Scenes          []SceneSpec         `json:"scenes,omitempty" yaml:"scenes,omitempty"`
	SoundEffects    []SoundEffectSpec   `json:"sound_effects,omitempty" yaml:"sound_effects,omitempty"`
	Animations      bool                `json:"animations" yaml:"animations"`
	SkipPhases      []Phase             `json:"skip_phases,omitempty" yaml:"skip_phases,omitempty"`
	Archive         bool                `json:"archive" yaml:"archive"`
	Concurrency     int                 `json:"concurrency,omitempty" yaml:"concurrency,omitempty"`
	JobTimeoutSecs  int                 `json:"job_timeout_seconds,omitempty" yaml:"job_timeout_seconds,omitempty"`
	DeadlineSeconds int                 `json:"deadline_seconds,omitempty" yaml:"deadline_seconds,omitempty"`
}

// PhaseEnabled reports whether the phase runs for this package. Finalize
// always runs.
func (c PackageConfig) PhaseEnabled(p Phase) bool {
	if p == PhaseFinalize {
		return true
	}
	return !slices.Contains(c.SkipPhases, p)
}

// Character looks up a character by id.
func (c PackageConfig) Character(id string) (CharacterSpec, bool) {
	for _, ch := range c.Characters {
		if ch.ID == id {
			return ch, true
		}
	}
	return CharacterSpec{}, false
}

// Location looks up a location by id.
func (c PackageConfig) Location(id string) (LocationSpec, bool) {
	for _, loc := range c.Locations {
		if loc.ID == id {
			return loc, true
		}
	}
	return LocationSpec{}, false
}

// Validate checks ids and cross references before any remote work starts.
func (c PackageConfig) Validate() error {
	if strings.TrimSpace(c.MissionID) == "" {
		return Validationf("mission_id is required")
	}
	for _, p := range c.SkipPhases {
		if !slices.Contains(PhaseOrder, p) {
			return Validationf("unknown phase %q in skip_phases", p)
		}
		if p == PhaseFinalize {
			return Validationf("finalize phase cannot be skipped")
		}
	}
	seen := map[string]struct{}{}
	unique := func(kind, id string) error {
		if strings.TrimSpace(id) == "" {
			return Validationf("%s id is required", kind)
		}
		key := kind + "/" + Slug(id)
		if _, ok := seen[key]; ok {
			return Validationf("duplicate %s id %q", kind, id)
		}
		seen[key] = struct{}{}
		return nil
	}
	for _, ch := range c.Characters {
		if err := unique("character", ch.ID); err != nil {
			return err
		}
		if err := distinctNames(ch.ID, "portrait", ch.Portraits); err != nil {
			return err
		}
		if err := distinctNames(ch.ID, "state", ch.States); err != nil {
			return err
		}
		if err := distinctNames(ch.ID, "expression", ch.Expressions); err != nil {
			return err
		}
		for _, line := range ch.VoiceLines {
			if err := unique("voice line", ch.ID+"/"+line.ID); err != nil {
				return err
			}
		}
	}
	for _, loc := range c.Locations {
		if err := unique("location", loc.ID); err != nil {
			return err
		}
		if err := distinctNames(loc.ID, "variant", loc.Variants); err != nil {
			return err
		}
	}
	for _, icon := range c.UIIcons {
		if err := unique("ui icon", icon.ID); err != nil {
			return err
		}
	}
	for _, sfx := range c.SoundEffects {
		if err := unique("sound effect", sfx.ID); err != nil {
			return err
		}
	}
	for _, scene := range c.Scenes {
		if err := unique("scene", scene.ID); err != nil {
			return err
		}
		if _, ok := c.Location(scene.LocationID); !ok {
			return Validationf("scene %q references unknown location %q", scene.ID, scene.LocationID)
		}
		for _, id := range scene.CharacterIDs {
			if _, ok := c.Character(id); !ok {
				return Validationf("scene %q references unknown character %q", scene.ID, id)
			}
		}
	}
	if t := c.Transformation; t != nil {
		if _, ok := c.Character(t.CharacterID); !ok {
			return Validationf("transformation references unknown character %q", t.CharacterID)
		}
		if t.Frames <= 0 {
			return Validationf("transformation frames must be positive")
		}
	}
	if c.Concurrency < 0 || c.JobTimeoutSecs < 0 || c.DeadlineSeconds < 0 {
		return Validationf("concurrency and timeouts must not be negative")
	}
	return nil
}

// distinctNames rejects names that map to the same asset key once slugged,
// such as "Front View" and "front_view".
func distinctNames(owner, kind string, names []string) error {
	seen := make(map[string]string, len(names))
	for _, name := range names {
		key := Slug(name)
		if key == "" {
			return Validationf("%s %q of %q has no usable characters", kind, name, owner)
		}
		if prev, ok := seen[key]; ok {
			return Validationf("%s %q of %q collides with %q", kind, name, owner, prev)
		}
		seen[key] = name
	}
	return nil
}

// Slug keeps lowercase letters, digits, dash and underscore. Everything else
// becomes an underscore. Asset ids and file keys are built from slugs.
func Slug(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return strings.Trim(b.String(), "_")
}

// PackageState is the coarse lifecycle of a package run.
type PackageState string

const (
	PackageStateQueued    PackageState = "queued"
	PackageStateRunning   PackageState = "running"
	PackageStateCompleted PackageState = "completed"
	PackageStateCancelled PackageState = "cancelled"
	PackageStateFailed    PackageState = "failed"
)

// GenerationProgress is the externally visible progress of a package.
type GenerationProgress struct {
	PackageID    string       `json:"package_id"`
	State        PackageState `json:"state"`
	Phase        Phase        `json:"phase"`
	CurrentStep  int          `json:"current_step"`
	TotalSteps   int          `json:"total_steps"`
	CurrentAsset string       `json:"current_asset,omitempty"`
	Percentage   float64      `json:"percentage"`
	Message      string       `json:"message,omitempty"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// FailureRecord captures one failed generation call.
type FailureRecord struct {
	Phase   Phase     `json:"phase"`
	AssetID string    `json:"asset_id"`
	Status  JobStatus `json:"status"`
	Error   string    `json:"error"`
}

// PackageResult summarizes a finished package. A result with failures is
// still a valid package.
type PackageResult struct {
	PackageID    string          `json:"package_id"`
	OutputDir    string          `json:"output_dir"`
	ManifestPath string          `json:"manifest_path"`
	Manifest     *AssetManifest  `json:"manifest,omitempty"`
	Requested    int             `json:"requested"`
	Succeeded    int             `json:"succeeded"`
	Failed       int             `json:"failed"`
	Failures     []FailureRecord `json:"failures"`
	ArchivePath  string          `json:"archive_path,omitempty"`
	Cancelled    bool            `json:"cancelled,omitempty"`
	Duration     time.Duration   `json:"duration_ns"`
}
