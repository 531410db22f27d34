package domain

import "strings"

// GenerationType tags what kind of asset a request produces.
type GenerationType string

const (
	GenerationTypePortrait       GenerationType = "portrait"
	GenerationTypeState          GenerationType = "state"
	GenerationTypeExpression     GenerationType = "expression"
	GenerationTypeBackground     GenerationType = "background"
	GenerationTypeUI             GenerationType = "ui"
	GenerationTypeTransformation GenerationType = "transformation"
	GenerationTypeScene          GenerationType = "scene"
)

// RandomSeed asks the graph builder to pick a fresh seed for every build.
const RandomSeed int64 = -1

// GenerationRequest is a single image generation call. It is passed by value
// and never mutated after construction.
type GenerationRequest struct {
	Prompt         string
	NegativePrompt string
	Width          int
	Height         int
	Sampler        string
	Scheduler      string
	Steps          int
	CFGScale       float64
	Seed           int64
	Checkpoint     string
	LoRAPath       string
	LoRAWeight     float64
	Type           GenerationType
	OutputFilename string
}

// HasLoRA reports whether the request applies a LoRA overlay.
func (r GenerationRequest) HasLoRA() bool {
	return strings.TrimSpace(r.LoRAPath) != ""
}

// Validate checks structural preconditions only. Quality parameters such as
// steps or guidance are passed through untouched.
func (r GenerationRequest) Validate() error {
	if r.Width <= 0 || r.Height <= 0 {
		return Validationf("width and height must be positive, got %dx%d", r.Width, r.Height)
	}
	if strings.TrimSpace(r.Prompt) == "" {
		return Validationf("prompt is required")
	}
	if strings.TrimSpace(r.Checkpoint) == "" {
		return Validationf("checkpoint is required")
	}
	if r.Seed < RandomSeed {
		return Validationf("seed must be -1 or non-negative, got %d", r.Seed)
	}
	if !r.HasLoRA() && r.LoRAWeight != 0 {
		return Validationf("lora weight set without lora path")
	}
	return nil
}
