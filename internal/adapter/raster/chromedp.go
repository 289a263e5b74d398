// Package raster renders HTML into PNG bytes with headless Chrome.
package raster

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"

	"github.com/fairyhunter13/posterforge/internal/domain"
)

// Renderer implements domain.Rasterizer on a headless Chrome instance.
// The browser process starts lazily on the first render and is shared for
// the life of the Renderer; each render runs in its own tab so a crashed
// page cannot poison the next item.
type Renderer struct {
	execPath string

	once     sync.Once
	allocCtx context.Context
	stop     context.CancelFunc
}

// NewRenderer constructs a Renderer. execPath may be empty, in which case
// chromedp discovers the browser binary itself.
func NewRenderer(execPath string) *Renderer {
	return &Renderer{execPath: execPath}
}

// browser returns the shared allocator context, starting Chrome on first use.
func (r *Renderer) browser() context.Context {
	r.once.Do(func() {
		opts := chromedp.DefaultExecAllocatorOptions[:]
		if r.execPath != "" {
			opts = append(opts, chromedp.ExecPath(r.execPath))
		}
		r.allocCtx, r.stop = chromedp.NewExecAllocator(context.Background(), opts...)
	})
	return r.allocCtx
}

// RenderPNG renders html at exactly dims and returns PNG bytes. The ctx
// deadline bounds the whole render; expiry maps to ErrRasterTimeout.
func (r *Renderer) RenderPNG(ctx domain.Context, html string, dims domain.Dimensions, scale float64) ([]byte, error) {
	if dims.Width <= 0 || dims.Height <= 0 {
		return nil, fmt.Errorf("op=raster.render: %w: dimensions %dx%d", domain.ErrInvalidArgument, dims.Width, dims.Height)
	}
	if scale <= 0 {
		scale = 1.0
	}

	tabCtx, closeTab := chromedp.NewContext(r.browser())
	defer closeTab()
	// The caller's deadline governs the tab, not the shared browser.
	tabCtx, cancel := contextWithDeadlineOf(tabCtx, ctx)
	defer cancel()

	doc := HostDocument(html)
	dataURL := "data:text/html;base64," + base64.StdEncoding.EncodeToString([]byte(doc))

	var buf []byte
	err := chromedp.Run(tabCtx,
		chromedp.EmulateViewport(int64(dims.Width), int64(dims.Height), chromedp.EmulateScale(scale)),
		chromedp.Navigate(dataURL),
		chromedp.WaitReady("body"),
		chromedp.ActionFunc(func(ctx context.Context) error {
			var err error
			buf, err = page.CaptureScreenshot().
				WithFormat(page.CaptureScreenshotFormatPng).
				WithFromSurface(true).
				Do(ctx)
			return err
		}),
	)
	if err != nil {
		return nil, mapRenderErr(err)
	}
	if len(buf) == 0 {
		return nil, fmt.Errorf("op=raster.render: empty screenshot")
	}
	return buf, nil
}

// Close shuts the shared browser down.
func (r *Renderer) Close() error {
	if r.stop != nil {
		r.stop()
	}
	return nil
}

// HostDocument wraps a bare markup fragment in a minimal host page with
// zeroed margins. Full documents pass through untouched.
func HostDocument(html string) string {
	probe := strings.ToLower(html)
	if strings.Contains(probe, "<html") || strings.Contains(probe, "<body") {
		return html
	}
	return "<!DOCTYPE html><html><head><meta charset=\"utf-8\">" +
		"<style>html,body{margin:0;padding:0;}</style></head><body>" +
		html + "</body></html>"
}

// contextWithDeadlineOf copies src's deadline onto ctx when src has one.
func contextWithDeadlineOf(ctx, src context.Context) (context.Context, context.CancelFunc) {
	if deadline, ok := src.Deadline(); ok {
		return context.WithDeadline(ctx, deadline)
	}
	return context.WithCancel(ctx)
}

// mapRenderErr folds deadline expiry into the raster timeout sentinel.
func mapRenderErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("op=raster.render: %w", domain.ErrRasterTimeout)
	}
	return fmt.Errorf("op=raster.render: %w", err)
}
