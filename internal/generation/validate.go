package generation

import (
	"errors"
	"fmt"
	"math"
	"reflect"
	"strings"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
)

var paramValidator = newParamValidator()

func newParamValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		switch f.Name {
		case "CFG":
			return "cfg"
		case "NegativePrompt":
			return "negative_prompt"
		}
		return strings.ToLower(f.Name)
	})
	if err := v.RegisterValidation("cfg_step", validateCFGStep); err != nil {
		panic(fmt.Sprintf("register cfg_step: %v", err))
	}
	return v
}

// validateCFGStep accepts guidance scales on the 0.5 grid
func validateCFGStep(fl validator.FieldLevel) bool {
	f := fl.Field().Float()
	steps := f / CFGIncrement
	return math.Abs(steps-math.Round(steps)) < 1e-9
}

// ValidatePrompt checks a prompt against the static constraints. It returns
// nil when the prompt is valid.
func ValidatePrompt(prompt string) error {
	if strings.TrimSpace(prompt) == "" {
		return ErrPromptRequired
	}
	n := utf8.RuneCountInString(prompt)
	if n < MinPromptLength {
		return ErrPromptTooShort
	}
	if n > MaxPromptLength {
		return ErrPromptTooLong
	}
	return nil
}

// ValidateParameters validates the prompt and then every other parameter,
// returning the first failure.
func ValidateParameters(p Parameters) error {
	if err := ValidatePrompt(p.Prompt); err != nil {
		return err
	}

	err := paramValidator.Struct(p)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return fmt.Errorf("failed to validate parameters: %w", err)
	}
	fe := fieldErrs[0]
	if fe.Field() == "model" {
		return ErrModelRequired
	}
	return &ValidationError{Field: fe.Field(), Reason: describe(fe)}
}

func describe(fe validator.FieldError) string {
	switch fe.Field() {
	case "steps":
		return fmt.Sprintf("steps must be between %d and %d", MinSteps, MaxSteps)
	case "cfg":
		if fe.Tag() == "cfg_step" {
			return fmt.Sprintf("cfg must be a multiple of %.1f", CFGIncrement)
		}
		return fmt.Sprintf("cfg must be between %.1f and %.1f", MinCFG, MaxCFG)
	case "seed":
		return "seed must be -1 (random) or a non-negative integer"
	case "resolution":
		names := make([]string, 0, len(Resolutions()))
		for _, r := range Resolutions() {
			names = append(names, string(r))
		}
		return "resolution must be one of " + strings.Join(names, ", ")
	case "negative_prompt":
		return fmt.Sprintf("negative prompt must not exceed %d characters", MaxPromptLength)
	}
	return fmt.Sprintf("%s failed %s validation", fe.Field(), fe.Tag())
}
