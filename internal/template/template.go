// Package template fills single-brace placeholders in HTML poster
// templates and applies the visibility toggles the templates rely on.
package template

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/fairyhunter13/posterforge/internal/domain"
)

var (
	placeholderRe = regexp.MustCompile(`\{([a-zA-Z_][a-zA-Z0-9_.]*)\}`)
	doubleBraceRe = regexp.MustCompile(`\{\{\s*([a-zA-Z_][a-zA-Z0-9_.]*)\s*\}\}`)
	scriptRe      = regexp.MustCompile(`(?is)<script\b.*?</script>`)

	showImgRe = regexp.MustCompile(`(?i)(<img[^>]*id=["']?profilePic["']?[^>]*)(style=["'][^"']*display\s*:\s*none[^"']*["'])`)
	hideDivRe = regexp.MustCompile(`(?i)(<div[^>]*id=["']?placeholder["']?[^>]*)(>)`)

	bodyStyleRe = regexp.MustCompile(`(?i)<body[^>]*style=["']([^"']+)["']`)
	styleTagRe  = regexp.MustCompile(`(?is)<style[^>]*>(.*?)</style>`)
	bodyRuleRe  = regexp.MustCompile(`(?i)body\s*\{([^}]+)\}`)
	divStyleRe  = regexp.MustCompile(`(?i)<div[^>]*style=["']([^"']+)["']`)
	widthRe     = regexp.MustCompile(`width:\s*(\d+)px`)
	heightRe    = regexp.MustCompile(`height:\s*(\d+)px`)
)

// imageColumns are the data keys whose presence toggles the profile image
// block on or off in the template markup.
var imageColumns = map[string]bool{
	"profile_pic":     true,
	"profile_picture": true,
	"avatar":          true,
	"image":           true,
	"photo":           true,
}

// Normalize converts double-brace tokens to the single-brace dialect.
// Both forms occur in stored templates; the pipeline speaks one.
func Normalize(html string) string {
	return doubleBraceRe.ReplaceAllString(html, "{$1}")
}

// Fill replaces each {key} token with its value from data. Dotted paths
// descend into nested maps. Unresolved tokens are left verbatim so a
// rendered poster makes the gap visible instead of silently blanking.
// Script blocks are always stripped from the result.
func Fill(html string, data map[string]any) string {
	out := placeholderRe.ReplaceAllStringFunc(html, func(tok string) string {
		key := tok[1 : len(tok)-1]
		v, ok := lookup(data, key)
		if !ok {
			return tok
		}
		return fmt.Sprint(v)
	})
	out = applyImageToggles(out, data)
	return scriptRe.ReplaceAllString(out, "")
}

func lookup(data map[string]any, path string) (any, bool) {
	if !strings.Contains(path, ".") {
		v, ok := data[path]
		return v, ok
	}
	var cur any = data
	for _, key := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[key]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func applyImageToggles(html string, data map[string]any) string {
	for col, v := range data {
		if !imageColumns[strings.ToLower(col)] {
			continue
		}
		if strings.TrimSpace(fmt.Sprint(v)) == "" || v == nil {
			continue
		}
		html = showImgRe.ReplaceAllString(html, `$1style=""`)
		html = hideDivRe.ReplaceAllString(html, `$1 style="display: none;"$2`)
	}
	return html
}

// Placeholders returns the sorted set of unique placeholder names in html.
func Placeholders(html string) []string {
	seen := map[string]bool{}
	for _, m := range placeholderRe.FindAllStringSubmatch(Normalize(html), -1) {
		seen[m[1]] = true
	}
	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Validate reports placeholders present in html but absent from data, and
// data keys no placeholder consumes.
func Validate(html string, data map[string]any) (missing, extra []string) {
	inHTML := map[string]bool{}
	for _, p := range Placeholders(html) {
		inHTML[p] = true
		if _, ok := lookup(data, p); !ok {
			missing = append(missing, p)
		}
	}
	for k := range data {
		if !inHTML[k] {
			extra = append(extra, k)
		}
	}
	sort.Strings(missing)
	sort.Strings(extra)
	return missing, extra
}

// ExtractDims reads the poster box from the template markup, checking the
// body inline style, then a body CSS rule, then the first styled div.
// Falls back to the default square when none declares both sides.
func ExtractDims(html string) domain.Dimensions {
	if d, ok := dimsFromStyle(firstGroup(bodyStyleRe, html)); ok {
		return d
	}
	if css := firstGroup(styleTagRe, html); css != "" {
		if d, ok := dimsFromStyle(firstGroup(bodyRuleRe, css)); ok {
			return d
		}
	}
	if d, ok := dimsFromStyle(firstGroup(divStyleRe, html)); ok {
		return d
	}
	return domain.PosterSizes[domain.DefaultPosterSize]
}

func firstGroup(re *regexp.Regexp, s string) string {
	m := re.FindStringSubmatch(s)
	if len(m) < 2 {
		return ""
	}
	return m[1]
}

func dimsFromStyle(style string) (domain.Dimensions, bool) {
	if style == "" {
		return domain.Dimensions{}, false
	}
	w := firstGroup(widthRe, style)
	h := firstGroup(heightRe, style)
	if w == "" || h == "" {
		return domain.Dimensions{}, false
	}
	var d domain.Dimensions
	fmt.Sscanf(w, "%d", &d.Width)
	fmt.Sscanf(h, "%d", &d.Height)
	return d, true
}
