package generation

import (
	"strings"

	"github.com/Gelotto/imagegen-client/internal/models"
)

// Assemble turns validated parameters into the submission payload. It does no
// I/O; a missing model reference is an error since nothing may be submitted
// without one.
func Assemble(p Parameters) (*models.GenerateRequest, error) {
	if strings.TrimSpace(p.Model) == "" {
		return nil, ErrModelRequired
	}

	width, height, err := p.Resolution.Dimensions()
	if err != nil {
		return nil, err
	}

	req := &models.GenerateRequest{
		Prompt:     strings.TrimSpace(p.Prompt),
		Model:      p.Model,
		Steps:      p.Steps,
		CFG:        p.CFG,
		Seed:       p.Seed,
		Resolution: models.Resolution{Width: width, Height: height},
	}
	if neg := strings.TrimSpace(p.NegativePrompt); neg != "" {
		req.NegativePrompt = &neg
	}
	return req, nil
}
