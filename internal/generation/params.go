package generation

import (
	"fmt"
	"strconv"
	"strings"
)

// Resolution is one of the supported output sizes, written WIDTHxHEIGHT
type Resolution string

// Supported resolutions
const (
	Resolution512      Resolution = "512x512"
	Resolution768      Resolution = "768x768"
	Resolution1024     Resolution = "1024x1024"
	Resolution1024x768 Resolution = "1024x768"
	Resolution768x1024 Resolution = "768x1024"
	DefaultResolution             = Resolution1024
)

// Resolutions lists every supported resolution in display order
func Resolutions() []Resolution {
	return []Resolution{Resolution512, Resolution768, Resolution1024, Resolution1024x768, Resolution768x1024}
}

// Dimensions splits the resolution into width and height
func (r Resolution) Dimensions() (int, int, error) {
	w, h, ok := strings.Cut(string(r), "x")
	if !ok {
		return 0, 0, fmt.Errorf("%w: %q", ErrInvalidResolution, string(r))
	}
	width, err := strconv.Atoi(w)
	if err != nil || width <= 0 {
		return 0, 0, fmt.Errorf("%w: %q", ErrInvalidResolution, string(r))
	}
	height, err := strconv.Atoi(h)
	if err != nil || height <= 0 {
		return 0, 0, fmt.Errorf("%w: %q", ErrInvalidResolution, string(r))
	}
	return width, height, nil
}

// Supported reports whether r is in the fixed resolution set
func (r Resolution) Supported() bool {
	for _, s := range Resolutions() {
		if s == r {
			return true
		}
	}
	return false
}

// Parameter bounds
const (
	MinPromptLength = 3
	MaxPromptLength = 1000
	MinSteps        = 10
	MaxSteps        = 50
	MinCFG          = 1.0
	MaxCFG          = 20.0
	CFGIncrement    = 0.5
	RandomSeed      = -1
)

// Parameters is the immutable input of one generation attempt. It is passed
// by value; the machine keeps its own copy.
type Parameters struct {
	Prompt         string     `validate:"-"`
	Model          string     `validate:"required"`
	Steps          int        `validate:"min=10,max=50"`
	CFG            float64    `validate:"min=1,max=20,cfg_step"`
	Seed           int64      `validate:"min=-1"`
	Resolution     Resolution `validate:"required,oneof=512x512 768x768 1024x1024 1024x768 768x1024"`
	NegativePrompt string     `validate:"max=1000"`
}

// DefaultParameters returns the form defaults with no prompt or model chosen
func DefaultParameters() Parameters {
	return Parameters{
		Steps:      20,
		CFG:        7.0,
		Seed:       RandomSeed,
		Resolution: DefaultResolution,
	}
}
