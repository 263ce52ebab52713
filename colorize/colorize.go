// Package colorize maps annotation tags to highlight colors.
package colorize

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/zlnvch/marginalia/models"
)

const DefaultAlpha = 0.3

// Color is an RGBA highlight. All fields are nil when the color is unknown or
// could not be parsed.
type Color struct {
	Red   *int     `json:"red"`
	Green *int     `json:"green"`
	Blue  *int     `json:"blue"`
	Alpha *float64 `json:"alpha"`
}

func RGBA(r, g, b int, a float64) Color {
	return Color{Red: &r, Green: &g, Blue: &b, Alpha: &a}
}

func (c Color) IsNull() bool {
	return c.Red == nil || c.Green == nil || c.Blue == nil || c.Alpha == nil
}

// CSS renders the color for the target renderer; a null color renders as "inherit".
func (c Color) CSS() string {
	if c.IsNull() {
		return "inherit"
	}
	return fmt.Sprintf("rgba(%d, %d, %d, %s)", *c.Red, *c.Green, *c.Blue, strconv.FormatFloat(*c.Alpha, 'f', -1, 64))
}

var (
	hexShortRegex = regexp.MustCompile(`^#([0-9A-Fa-f])([0-9A-Fa-f])([0-9A-Fa-f])$`)
	hexLongRegex  = regexp.MustCompile(`^#([0-9A-Fa-f]{2})([0-9A-Fa-f]{2})([0-9A-Fa-f]{2})$`)
	rgbRegex      = regexp.MustCompile(`^rgb\(\s*(\d{1,3})\s*,\s*(\d{1,3})\s*,\s*(\d{1,3})\s*\)$`)
	rgbaRegex     = regexp.MustCompile(`^rgba\(\s*(\d{1,3})\s*,\s*(\d{1,3})\s*,\s*(\d{1,3})\s*,\s*([0-9]*\.?[0-9]+)\s*\)$`)
)

var namedColors = map[string][3]int{
	"black":   {0, 0, 0},
	"white":   {255, 255, 255},
	"red":     {255, 0, 0},
	"lime":    {0, 255, 0},
	"green":   {0, 128, 0},
	"blue":    {0, 0, 255},
	"yellow":  {255, 255, 0},
	"orange":  {255, 165, 0},
	"purple":  {128, 0, 128},
	"pink":    {255, 192, 203},
	"cyan":    {0, 255, 255},
	"aqua":    {0, 255, 255},
	"magenta": {255, 0, 255},
	"fuchsia": {255, 0, 255},
	"gray":    {128, 128, 128},
	"grey":    {128, 128, 128},
	"silver":  {192, 192, 192},
	"maroon":  {128, 0, 0},
	"olive":   {128, 128, 0},
	"navy":    {0, 0, 128},
	"teal":    {0, 128, 128},
}

// ParseColor never fails: anything outside the grammar yields a null Color.
func ParseColor(value string) Color {
	s := strings.ToLower(strings.TrimSpace(value))

	if m := hexShortRegex.FindStringSubmatch(s); m != nil {
		return fromHex(m[1]+m[1], m[2]+m[2], m[3]+m[3])
	}
	if m := hexLongRegex.FindStringSubmatch(s); m != nil {
		return fromHex(m[1], m[2], m[3])
	}
	if m := rgbRegex.FindStringSubmatch(s); m != nil {
		return fromComponents(m[1], m[2], m[3], "")
	}
	if m := rgbaRegex.FindStringSubmatch(s); m != nil {
		return fromComponents(m[1], m[2], m[3], m[4])
	}
	if rgb, ok := namedColors[s]; ok {
		return RGBA(rgb[0], rgb[1], rgb[2], DefaultAlpha)
	}
	return Color{}
}

func fromHex(r, g, b string) Color {
	rv, _ := strconv.ParseUint(r, 16, 8)
	gv, _ := strconv.ParseUint(g, 16, 8)
	bv, _ := strconv.ParseUint(b, 16, 8)
	return RGBA(int(rv), int(gv), int(bv), DefaultAlpha)
}

func fromComponents(r, g, b, a string) Color {
	var rgb [3]int
	for i, part := range []string{r, g, b} {
		v, err := strconv.Atoi(part)
		if err != nil || v > 255 {
			return Color{}
		}
		rgb[i] = v
	}
	alpha := DefaultAlpha
	if a != "" {
		v, err := strconv.ParseFloat(a, 64)
		if err != nil || v > 1 {
			return Color{}
		}
		alpha = v
	}
	return RGBA(rgb[0], rgb[1], rgb[2], alpha)
}

// Rules maps tag names to colors.
type Rules map[string]Color

// ParseRules reads "tag:color" pairs. Pairs are separated by commas outside
// parentheses, semicolons or newlines. Pairs whose color does not parse are kept
// with a null color so that the tag still resolves to "no highlight".
func ParseRules(config string) Rules {
	rules := make(Rules)
	for _, pair := range splitPairs(config) {
		idx := strings.Index(pair, ":")
		if idx <= 0 {
			continue
		}
		tag := strings.TrimSpace(pair[:idx])
		if tag == "" {
			continue
		}
		rules[tag] = ParseColor(pair[idx+1:])
	}
	return rules
}

func splitPairs(config string) []string {
	var pairs []string
	depth := 0
	start := 0
	for i, ch := range config {
		switch ch {
		case '(':
			depth++
		case ')':
			if depth > 0 {
				depth--
			}
		case ',':
			if depth > 0 {
				continue
			}
			fallthrough
		case ';', '\n':
			pairs = append(pairs, config[start:i])
			start = i + 1
		}
	}
	pairs = append(pairs, config[start:])

	out := pairs[:0]
	for _, p := range pairs {
		if strings.TrimSpace(p) != "" {
			out = append(out, strings.TrimSpace(p))
		}
	}
	return out
}

// Lookup returns the color for a single tag; unknown tags give a null Color.
func (r Rules) Lookup(tag string) Color {
	if strings.HasPrefix(tag, models.FlaggedTagPrefix) {
		return Color{}
	}
	return r[tag]
}

// ColorFor returns the color of the first tag with a known, non-null color.
func (r Rules) ColorFor(tags []string) (Color, bool) {
	for _, tag := range tags {
		c := r.Lookup(tag)
		if !c.IsNull() {
			return c, true
		}
	}
	return Color{}, false
}
