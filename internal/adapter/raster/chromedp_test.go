package raster

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/posterforge/internal/domain"
)

func TestRenderPNG_RejectsBadDimensions(t *testing.T) {
	r := NewRenderer("")
	_, err := r.RenderPNG(context.Background(), "<p>x</p>", domain.Dimensions{}, 1)
	require.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestHostDocument(t *testing.T) {
	wrapped := HostDocument(`<div class="poster">hi</div>`)
	assert.Contains(t, wrapped, "<!DOCTYPE html>")
	assert.Contains(t, wrapped, `<div class="poster">hi</div>`)
	assert.Contains(t, wrapped, "margin:0")

	full := "<html><body><p>x</p></body></html>"
	assert.Equal(t, full, HostDocument(full))

	bodyOnly := "<BODY><p>x</p></BODY>"
	assert.Equal(t, bodyOnly, HostDocument(bodyOnly))
}

func TestMapRenderErr(t *testing.T) {
	err := mapRenderErr(context.DeadlineExceeded)
	assert.ErrorIs(t, err, domain.ErrRasterTimeout)

	err = mapRenderErr(errors.New("page crashed"))
	assert.NotErrorIs(t, err, domain.ErrRasterTimeout)
	assert.Contains(t, err.Error(), "page crashed")
}
