package prompt

import (
	"fmt"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/Justin21523/game-dialogue-simulator-sub000/internal/domain"
)

// Prompt is the positive and negative text for one generation.
type Prompt struct {
	Positive string
	Negative string
}

// Composer turns mission definitions into prompt text. The orchestrator only
// depends on this interface.
type Composer interface {
	Portrait(style string, ch domain.CharacterSpec, pose string) Prompt
	State(style string, ch domain.CharacterSpec, state string) Prompt
	Expression(style string, ch domain.CharacterSpec, expression string) Prompt
	Background(style string, loc domain.LocationSpec, variant string) Prompt
	UIIcon(style string, icon domain.UIIconSpec) Prompt
	TransformationFrame(style string, ch domain.CharacterSpec, from, to string, frame, total int) Prompt
	Scene(style string, scene domain.SceneSpec, loc *domain.LocationSpec, cast []domain.CharacterSpec) Prompt
}

// TemplateComposer fills fixed templates. It needs no remote model.
type TemplateComposer struct {
	baseNegative string
	title        cases.Caser
}

// NewTemplateComposer returns a composer appending baseNegative to every
// negative prompt.
func NewTemplateComposer(baseNegative string) *TemplateComposer {
	return &TemplateComposer{
		baseNegative: strings.TrimSpace(baseNegative),
		title:        cases.Title(language.Und),
	}
}

const defaultStyle = "vibrant cel-shaded game art"

func (c *TemplateComposer) Portrait(style string, ch domain.CharacterSpec, pose string) Prompt {
	return Prompt{
		Positive: join(
			fmt.Sprintf("character portrait of %s", c.name(ch.Name, ch.ID)),
			ch.Description,
			humanize(pose)+" view",
			"centered, full body, plain studio background",
			orDefault(style),
			"high detail, clean lineart",
		),
		Negative: c.negative("cropped", "multiple characters", "busy background"),
	}
}

func (c *TemplateComposer) State(style string, ch domain.CharacterSpec, state string) Prompt {
	return Prompt{
		Positive: join(
			fmt.Sprintf("%s %s", c.name(ch.Name, ch.ID), humanize(state)),
			ch.Description,
			"dynamic pose, consistent character design",
			orDefault(style),
		),
		Negative: c.negative("multiple characters", "inconsistent design"),
	}
}

func (c *TemplateComposer) Expression(style string, ch domain.CharacterSpec, expression string) Prompt {
	return Prompt{
		Positive: join(
			fmt.Sprintf("close-up face of %s with a %s expression", c.name(ch.Name, ch.ID), humanize(expression)),
			ch.Description,
			"head and shoulders, expression sheet",
			orDefault(style),
		),
		Negative: c.negative("full body", "multiple faces"),
	}
}

func (c *TemplateComposer) Background(style string, loc domain.LocationSpec, variant string) Prompt {
	return Prompt{
		Positive: join(
			fmt.Sprintf("%s, %s", c.name(loc.Name, loc.ID), humanize(variant)),
			loc.Description,
			"environment concept art, wide establishing shot, no characters",
			orDefault(style),
		),
		Negative: c.negative("people", "characters", "text"),
	}
}

func (c *TemplateComposer) UIIcon(style string, icon domain.UIIconSpec) Prompt {
	subject := coalesce(icon.Subject, humanize(icon.ID))
	return Prompt{
		Positive: join(
			fmt.Sprintf("game ui icon of %s", subject),
			"flat vector style, bold silhouette, centered, simple background",
			orDefault(style),
		),
		Negative: c.negative("photo", "realistic", "cluttered background", "text"),
	}
}

func (c *TemplateComposer) TransformationFrame(style string, ch domain.CharacterSpec, from, to string, frame, total int) Prompt {
	stage := "beginning"
	if total > 1 {
		switch pct := frame * 100 / (total - 1); {
		case pct >= 100:
			stage = "completed"
		case pct >= 50:
			stage = "late stage"
		case pct > 0:
			stage = "early stage"
		}
	}
	return Prompt{
		Positive: join(
			fmt.Sprintf("%s transforming from %s into %s", c.name(ch.Name, ch.ID), humanize(from), humanize(to)),
			fmt.Sprintf("%s of the transformation, frame %d of %d", stage, frame+1, total),
			ch.Description,
			"glowing energy, motion lines, consistent character design",
			orDefault(style),
		),
		Negative: c.negative("multiple characters", "inconsistent design"),
	}
}

func (c *TemplateComposer) Scene(style string, scene domain.SceneSpec, loc *domain.LocationSpec, cast []domain.CharacterSpec) Prompt {
	names := make([]string, 0, len(cast))
	for _, ch := range cast {
		names = append(names, c.name(ch.Name, ch.ID))
	}
	setting := ""
	if loc != nil {
		setting = join("at "+c.name(loc.Name, loc.ID), loc.Description)
	}
	return Prompt{
		Positive: join(
			fmt.Sprintf("story scene with %s", listNames(names)),
			scene.Action,
			setting,
			"cinematic composition, storybook illustration",
			orDefault(style),
		),
		Negative: c.negative("extra characters", "deformed hands"),
	}
}

func (c *TemplateComposer) name(name, id string) string {
	return c.title.String(coalesce(name, humanize(id)))
}

func (c *TemplateComposer) negative(extra ...string) string {
	terms := normalizeKeywords(append(strings.Split(c.baseNegative, ","), extra...), "")
	return strings.Join(terms, ", ")
}

var _ Composer = (*TemplateComposer)(nil)
