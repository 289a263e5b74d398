// Package imaging composites brand and profile overlays onto rendered
// poster images.
package imaging

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"image"
	"io"
	"net/http"
	"strings"
	"time"

	_ "image/jpeg"
	_ "image/png"

	"github.com/fogleman/gg"
	"golang.org/x/image/draw"
)

const (
	logoWidth      = 70
	logoPadding    = 20
	profileSize    = 100
	profileBorder  = 3
	profilePadding = 20
)

// Compositor fetches overlay images and stamps them onto poster bytes.
type Compositor struct {
	httpClient *http.Client
}

// NewCompositor returns a Compositor with a bounded fetch timeout for
// overlay sources given as URLs.
func NewCompositor() *Compositor {
	return &Compositor{httpClient: &http.Client{Timeout: 15 * time.Second}}
}

// Apply stamps the logo in the top-right corner and the profile picture,
// clipped to a circle with a white border, in the bottom-left corner.
// Either source may be empty, a data URL, or an http(s) URL. A failed
// overlay is skipped; the base poster survives.
func (c *Compositor) Apply(ctx context.Context, base []byte, logoSrc, profileSrc string) ([]byte, error) {
	img, _, err := image.Decode(bytes.NewReader(base))
	if err != nil {
		return nil, fmt.Errorf("op=imaging.apply: decode base: %w", err)
	}
	bounds := img.Bounds()
	dc := gg.NewContext(bounds.Dx(), bounds.Dy())
	dc.DrawImage(img, 0, 0)

	if logoSrc != "" {
		if logo, err := c.fetchImage(ctx, logoSrc); err == nil {
			stampLogo(dc, logo, bounds.Dx())
		}
	}
	if profileSrc != "" {
		if profile, err := c.fetchImage(ctx, profileSrc); err == nil {
			stampProfile(dc, profile, bounds.Dy())
		}
	}

	var buf bytes.Buffer
	if err := dc.EncodePNG(&buf); err != nil {
		return nil, fmt.Errorf("op=imaging.apply: encode png: %w", err)
	}
	return buf.Bytes(), nil
}

// stampLogo scales the logo to a fixed width keeping aspect ratio and
// places it top-right with padding.
func stampLogo(dc *gg.Context, logo image.Image, canvasW int) {
	lb := logo.Bounds()
	if lb.Dx() == 0 || lb.Dy() == 0 {
		return
	}
	h := logoWidth * lb.Dy() / lb.Dx()
	if h < 1 {
		h = 1
	}
	scaled := image.NewRGBA(image.Rect(0, 0, logoWidth, h))
	draw.CatmullRom.Scale(scaled, scaled.Bounds(), logo, lb, draw.Over, nil)
	dc.DrawImage(scaled, canvasW-logoWidth-logoPadding, logoPadding)
}

// stampProfile resizes the picture to the profile diameter, clips it to a
// circle, rings it with a white border, and places it bottom-left.
func stampProfile(dc *gg.Context, profile image.Image, canvasH int) {
	scaled := image.NewRGBA(image.Rect(0, 0, profileSize, profileSize))
	draw.CatmullRom.Scale(scaled, scaled.Bounds(), profile, profile.Bounds(), draw.Over, nil)

	outer := profileSize + profileBorder*2
	badge := gg.NewContext(outer, outer)
	badge.DrawCircle(float64(outer)/2, float64(outer)/2, float64(outer)/2)
	badge.SetRGB(1, 1, 1)
	badge.Fill()
	badge.DrawCircle(float64(outer)/2, float64(outer)/2, float64(profileSize)/2)
	badge.Clip()
	badge.DrawImage(scaled, profileBorder, profileBorder)

	x := profilePadding
	y := canvasH - outer - profilePadding
	dc.DrawImage(badge.Image(), x, y)
}

// fetchImage decodes an overlay source which may be a data URL or a
// remote URL.
func (c *Compositor) fetchImage(ctx context.Context, src string) (image.Image, error) {
	var raw []byte
	if strings.HasPrefix(src, "data:") {
		_, b64, ok := strings.Cut(src, ",")
		if !ok {
			return nil, fmt.Errorf("op=imaging.fetch: malformed data url")
		}
		var err error
		raw, err = base64.StdEncoding.DecodeString(b64)
		if err != nil {
			return nil, fmt.Errorf("op=imaging.fetch: decode data url: %w", err)
		}
	} else {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
		if err != nil {
			return nil, fmt.Errorf("op=imaging.fetch: %w", err)
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("op=imaging.fetch: %w", err)
		}
		defer func() { _ = resp.Body.Close() }()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("op=imaging.fetch: status %d", resp.StatusCode)
		}
		raw, err = io.ReadAll(io.LimitReader(resp.Body, 16<<20))
		if err != nil {
			return nil, fmt.Errorf("op=imaging.fetch: read body: %w", err)
		}
	}
	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("op=imaging.fetch: decode: %w", err)
	}
	return img, nil
}
