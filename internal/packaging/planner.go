package packaging

import (
	"fmt"
	"strings"

	"github.com/Justin21523/game-dialogue-simulator-sub000/internal/domain"
	"github.com/Justin21523/game-dialogue-simulator-sub000/internal/providers/audio"
	"github.com/Justin21523/game-dialogue-simulator-sub000/internal/providers/prompt"
)

// Call is one unit of work inside a phase. Exactly one of Image, Speech,
// Effect or Animation is set.
type Call struct {
	Phase     domain.Phase
	AssetType domain.AssetType
	AssetID   string
	// Key is the output path relative to the package directory, without
	// extension.
	Key       string
	Image     *domain.GenerationRequest
	Speech    *audio.SpeechRequest
	Effect    *audio.EffectRequest
	Animation *AnimationSpec
	Metadata  map[string]any
}

// Planner expands a package config into the calls of each phase.
type Planner struct {
	composer prompt.Composer
	defaults domain.GenerationDefaults
}

// NewPlanner returns a planner filling unset package defaults from base.
func NewPlanner(composer prompt.Composer, base domain.GenerationDefaults) *Planner {
	if composer == nil {
		composer = prompt.NewTemplateComposer(base.NegativePrompt)
	}
	return &Planner{composer: composer, defaults: base}
}

// Plan lists the calls of phase in a stable order. Animation calls are
// planned from transformation frames that succeeded, see PlanAnimations.
func (p *Planner) Plan(cfg domain.PackageConfig, phase domain.Phase) []Call {
	defaults := mergeDefaults(cfg.Defaults, p.defaults)
	switch phase {
	case domain.PhaseCharacters:
		return p.characters(cfg, defaults)
	case domain.PhaseBackgrounds:
		return p.backgrounds(cfg, defaults)
	case domain.PhaseUI:
		return p.ui(cfg, defaults)
	case domain.PhaseTransformation:
		return p.transformation(cfg, defaults)
	case domain.PhaseScenes:
		return p.scenes(cfg, defaults)
	case domain.PhaseVoice:
		return p.voice(cfg)
	case domain.PhaseSounds:
		return p.sounds(cfg)
	default:
		return nil
	}
}

func (p *Planner) characters(cfg domain.PackageConfig, d domain.GenerationDefaults) []Call {
	var calls []Call
	for _, ch := range cfg.Characters {
		for _, pose := range withDefault(ch.Portraits, "front") {
			pr := p.composer.Portrait(cfg.Style, ch, pose)
			calls = append(calls, p.imageCall(domain.PhaseCharacters, domain.AssetTypePortrait, domain.GenerationTypePortrait,
				assetID(ch.ID, "portrait", pose), "characters/portraits/"+domain.Slug(ch.ID)+"_"+domain.Slug(pose), pr, d, ch,
				map[string]any{"character_id": ch.ID, "pose": pose}))
		}
		for _, state := range ch.States {
			pr := p.composer.State(cfg.Style, ch, state)
			calls = append(calls, p.imageCall(domain.PhaseCharacters, domain.AssetTypeState, domain.GenerationTypeState,
				assetID(ch.ID, "state", state), "characters/states/"+domain.Slug(ch.ID)+"_"+domain.Slug(state), pr, d, ch,
				map[string]any{"character_id": ch.ID, "state": state}))
		}
		for _, expr := range ch.Expressions {
			pr := p.composer.Expression(cfg.Style, ch, expr)
			calls = append(calls, p.imageCall(domain.PhaseCharacters, domain.AssetTypeExpression, domain.GenerationTypeExpression,
				assetID(ch.ID, "expression", expr), "characters/expressions/"+domain.Slug(ch.ID)+"_"+domain.Slug(expr), pr, d, ch,
				map[string]any{"character_id": ch.ID, "expression": expr}))
		}
	}
	return calls
}

func (p *Planner) backgrounds(cfg domain.PackageConfig, d domain.GenerationDefaults) []Call {
	var calls []Call
	for _, loc := range cfg.Locations {
		for _, variant := range withDefault(loc.Variants, "day") {
			pr := p.composer.Background(cfg.Style, loc, variant)
			calls = append(calls, p.imageCall(domain.PhaseBackgrounds, domain.AssetTypeBackground, domain.GenerationTypeBackground,
				assetID(loc.ID, "background", variant), "backgrounds/"+domain.Slug(loc.ID)+"_"+domain.Slug(variant), pr, d, domain.CharacterSpec{},
				map[string]any{"location_id": loc.ID, "variant": variant}))
		}
	}
	return calls
}

func (p *Planner) ui(cfg domain.PackageConfig, d domain.GenerationDefaults) []Call {
	calls := make([]Call, 0, len(cfg.UIIcons))
	for _, icon := range cfg.UIIcons {
		pr := p.composer.UIIcon(cfg.Style, icon)
		calls = append(calls, p.imageCall(domain.PhaseUI, domain.AssetTypeUIIcon, domain.GenerationTypeUI,
			assetID(icon.ID, "icon"), "ui/"+domain.Slug(icon.ID), pr, d, domain.CharacterSpec{},
			map[string]any{"subject": icon.Subject}))
	}
	return calls
}

func (p *Planner) transformation(cfg domain.PackageConfig, d domain.GenerationDefaults) []Call {
	t := cfg.Transformation
	if t == nil || t.Frames <= 0 {
		return nil
	}
	ch, ok := cfg.Character(t.CharacterID)
	if !ok {
		return nil
	}
	calls := make([]Call, 0, t.Frames)
	for i := 0; i < t.Frames; i++ {
		pr := p.composer.TransformationFrame(cfg.Style, ch, t.From, t.To, i, t.Frames)
		frame := fmt.Sprintf("%02d", i+1)
		calls = append(calls, p.imageCall(domain.PhaseTransformation, domain.AssetTypeTransformation, domain.GenerationTypeTransformation,
			assetID(ch.ID, "transformation", frame), "transformations/"+domain.Slug(ch.ID)+"_"+frame, pr, d, ch,
			map[string]any{"character_id": ch.ID, "frame": i, "frames": t.Frames, "from": t.From, "to": t.To}))
	}
	return calls
}

func (p *Planner) scenes(cfg domain.PackageConfig, d domain.GenerationDefaults) []Call {
	calls := make([]Call, 0, len(cfg.Scenes))
	for _, scene := range cfg.Scenes {
		var locPtr *domain.LocationSpec
		if loc, ok := cfg.Location(scene.LocationID); ok {
			locPtr = &loc
		}
		cast := make([]domain.CharacterSpec, 0, len(scene.CharacterIDs))
		var lead domain.CharacterSpec
		for _, id := range scene.CharacterIDs {
			ch, ok := cfg.Character(id)
			if !ok {
				continue
			}
			cast = append(cast, ch)
			if lead.LoRAPath == "" && ch.LoRAPath != "" {
				lead = ch
			}
		}
		pr := p.composer.Scene(cfg.Style, scene, locPtr, cast)
		calls = append(calls, p.imageCall(domain.PhaseScenes, domain.AssetTypeScene, domain.GenerationTypeScene,
			assetID(scene.ID, "scene"), "scenes/"+domain.Slug(scene.ID), pr, d, lead,
			map[string]any{"location_id": scene.LocationID, "character_ids": scene.CharacterIDs}))
	}
	return calls
}

func (p *Planner) voice(cfg domain.PackageConfig) []Call {
	var calls []Call
	for _, ch := range cfg.Characters {
		for _, line := range ch.VoiceLines {
			calls = append(calls, Call{
				Phase:     domain.PhaseVoice,
				AssetType: domain.AssetTypeVoiceLine,
				AssetID:   assetID(ch.ID, "voice", line.ID),
				Key:       "audio/voice/" + domain.Slug(ch.ID) + "_" + domain.Slug(line.ID),
				Speech: &audio.SpeechRequest{
					Text:    line.Text,
					Voice:   firstNonEmpty(ch.Voice, ch.ID),
					Emotion: line.Emotion,
				},
				Metadata: map[string]any{"character_id": ch.ID, "text": line.Text, "emotion": line.Emotion},
			})
		}
	}
	return calls
}

func (p *Planner) sounds(cfg domain.PackageConfig) []Call {
	calls := make([]Call, 0, len(cfg.SoundEffects))
	for _, sfx := range cfg.SoundEffects {
		calls = append(calls, Call{
			Phase:     domain.PhaseSounds,
			AssetType: domain.AssetTypeSoundEffect,
			AssetID:   assetID(sfx.ID, "sfx"),
			Key:       "audio/sfx/" + domain.Slug(sfx.ID),
			Effect:    &audio.EffectRequest{Description: sfx.Description, DurationSeconds: sfx.DurationSeconds},
			Metadata:  map[string]any{"description": sfx.Description},
		})
	}
	return calls
}

func (p *Planner) imageCall(
	phase domain.Phase,
	assetType domain.AssetType,
	genType domain.GenerationType,
	id, key string,
	pr prompt.Prompt,
	d domain.GenerationDefaults,
	ch domain.CharacterSpec,
	meta map[string]any,
) Call {
	width, height := Dimensions(genType)
	seed := domain.RandomSeed
	if d.Seed != nil {
		seed = *d.Seed
	}
	negative := pr.Negative
	if extra := strings.TrimSpace(d.NegativePrompt); extra != "" && !strings.Contains(negative, extra) {
		negative = extra + ", " + negative
	}
	req := domain.GenerationRequest{
		Prompt:         pr.Positive,
		NegativePrompt: negative,
		Width:          width,
		Height:         height,
		Sampler:        d.Sampler,
		Scheduler:      d.Scheduler,
		Steps:          d.Steps,
		CFGScale:       d.CFGScale,
		Seed:           seed,
		Checkpoint:     d.Checkpoint,
		Type:           genType,
		OutputFilename: strings.ReplaceAll(key, "/", "_"),
	}
	if ch.LoRAPath != "" {
		req.LoRAPath = ch.LoRAPath
		req.LoRAWeight = ch.LoRAWeight
		if req.LoRAWeight == 0 {
			req.LoRAWeight = 0.8
		}
	}
	if meta == nil {
		meta = map[string]any{}
	}
	meta["prompt"] = req.Prompt
	meta["width"] = width
	meta["height"] = height
	return Call{Phase: phase, AssetType: assetType, AssetID: id, Key: key, Image: &req, Metadata: meta}
}

// Dimensions returns the canvas size for a generation type.
func Dimensions(t domain.GenerationType) (int, int) {
	switch t {
	case domain.GenerationTypeBackground, domain.GenerationTypeScene:
		return 1344, 768
	case domain.GenerationTypeUI:
		return 512, 512
	default:
		return 1024, 1024
	}
}

func mergeDefaults(pkg, base domain.GenerationDefaults) domain.GenerationDefaults {
	out := pkg
	if strings.TrimSpace(out.Checkpoint) == "" {
		out.Checkpoint = base.Checkpoint
	}
	if strings.TrimSpace(out.Sampler) == "" {
		out.Sampler = base.Sampler
	}
	if strings.TrimSpace(out.Scheduler) == "" {
		out.Scheduler = base.Scheduler
	}
	if out.Steps <= 0 {
		out.Steps = base.Steps
	}
	if out.CFGScale <= 0 {
		out.CFGScale = base.CFGScale
	}
	if strings.TrimSpace(out.NegativePrompt) == "" {
		out.NegativePrompt = base.NegativePrompt
	}
	if out.Seed == nil {
		out.Seed = base.Seed
	}
	return out
}

func withDefault(values []string, fallback string) []string {
	if len(values) == 0 {
		return []string{fallback}
	}
	return values
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func assetID(parts ...string) string {
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := domain.Slug(p); s != "" {
			out = append(out, s)
		}
	}
	return strings.Join(out, "_")
}
