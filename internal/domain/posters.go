package domain

import "fmt"

// PosterSizes maps the named size presets to pixel dimensions.
var PosterSizes = map[string]Dimensions{
	"instagram-square":   {Width: 1080, Height: 1080},
	"instagram-portrait": {Width: 1080, Height: 1350},
	"instagram-story":    {Width: 1080, Height: 1920},
	"facebook-post":      {Width: 1200, Height: 630},
	"twitter-post":       {Width: 1600, Height: 900},
	"linkedin-post":      {Width: 1200, Height: 627},
	"a4-portrait":        {Width: 2480, Height: 3508},
	"a4-landscape":       {Width: 3508, Height: 2480},
}

// DefaultPosterSize is used when a submission names no preset.
const DefaultPosterSize = "instagram-square"

// ResolveDims returns the dimensions for a preset name, or explicit custom
// dimensions when both sides are positive. Unknown presets are rejected.
func ResolveDims(preset string, custom Dimensions) (Dimensions, error) {
	if custom.Width > 0 && custom.Height > 0 {
		return custom, nil
	}
	if preset == "" {
		preset = DefaultPosterSize
	}
	d, ok := PosterSizes[preset]
	if !ok {
		return Dimensions{}, fmt.Errorf("op=posters.resolve: unknown size %q: %w", preset, ErrInvalidArgument)
	}
	return d, nil
}
