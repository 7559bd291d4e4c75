package params

import (
	"fmt"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/renderforge/server/internal/domain"
)

const (
	maxPromptLength    = 4000
	maxDurationSeconds = 60
)

var allowedAspectRatios = map[string]struct{}{
	"1:1":  {},
	"4:3":  {},
	"3:4":  {},
	"16:9": {},
	"9:16": {},
}

var knownStyles = map[string]struct{}{
	"cinematic": {},
	"animated":  {},
	"realistic": {},
	"retro":     {},
}

var titleCaser = cases.Title(language.English)

// Normalize validates tenant-submitted generation parameters and applies
// server defaults in place.
func Normalize(p *domain.GenerationParams) error {
	p.Prompt = strings.TrimSpace(p.Prompt)
	if p.Prompt == "" {
		return fmt.Errorf("prompt is required")
	}
	if len(p.Prompt) > maxPromptLength {
		return fmt.Errorf("prompt exceeds %d characters", maxPromptLength)
	}

	if p.AspectRatio == "" {
		p.AspectRatio = "16:9"
	}
	if _, ok := allowedAspectRatios[p.AspectRatio]; !ok {
		return fmt.Errorf("unsupported aspect ratio %q", p.AspectRatio)
	}

	if p.DurationSeconds < 0 || p.DurationSeconds > maxDurationSeconds {
		return fmt.Errorf("duration must be between 0 and %d seconds", maxDurationSeconds)
	}

	p.Style = NormalizeStyle(p.Style)
	return nil
}

// NormalizeStyle canonicalizes a style preset to its display form. Unknown
// styles are dropped so the executor only ever sees presets it supports.
func NormalizeStyle(style string) string {
	style = strings.TrimSpace(style)
	if style == "" {
		return ""
	}
	lower := strings.ToLower(style)
	if _, ok := knownStyles[lower]; !ok {
		return ""
	}
	return titleCaser.String(lower)
}
