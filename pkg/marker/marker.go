// Package marker draws SVG map markers for buses.
package marker

import (
	"encoding/base64"
	"fmt"
	"html"
	"math"

	"bustracker/pkg/types"
)

// ContentType is the media type of every image this package returns.
const ContentType = "image/svg+xml"

const offlineColor = "#9E9E9E"

// palette is indexed by a hash of the bus number so a bus keeps its colour.
var palette = []string{
	"#E74C3C", // Red
	"#3498DB", // Blue
	"#2ECC71", // Green
	"#F39C12", // Orange
	"#9B59B6", // Purple
	"#1ABC9C", // Turquoise
	"#34495E", // Dark Blue
	"#E67E22", // Dark Orange
	"#8E44AD", // Dark Purple
	"#27AE60", // Dark Green
}

// Marker describes one bus on the map.
type Marker struct {
	Number  string
	Heading *float64
	Online  bool
}

// FromLocation builds the marker for a tagged record.
func FromLocation(loc types.TaggedLocation) Marker {
	return Marker{
		Number:  loc.BusNumber,
		Heading: loc.Heading,
		Online:  loc.IsOnline,
	}
}

type Generator struct{}

func NewGenerator() *Generator {
	return &Generator{}
}

// Color returns the body colour for m.
func (g *Generator) Color(m Marker) string {
	if !m.Online {
		return offlineColor
	}
	return busColor(m.Number)
}

func busColor(number string) string {
	hash := 0
	for _, char := range number {
		hash = int(char) + ((hash << 5) - hash)
	}
	idx := (hash%len(palette) + len(palette)) % len(palette)
	return palette[idx]
}

// SVG renders a 60x60 marker: a round bus badge with the bus number and,
// when the heading is known, an arrow rotated clockwise from north.
func (g *Generator) SVG(m Marker) []byte {
	color := g.Color(m)
	number := html.EscapeString(m.Number)

	// Without a heading the arrow becomes a dot.
	direction := fmt.Sprintf(`<circle cx="30" cy="6" r="3" fill="%s"/>`, color)
	if m.Heading != nil && !math.IsNaN(*m.Heading) {
		direction = fmt.Sprintf(`<g transform="rotate(%.1f 30 30)">
    <polygon points="30,1 36,11 24,11" fill="%s" stroke="white" stroke-width="1"/>
  </g>`, normalizeHeading(*m.Heading), color)
	}

	svg := fmt.Sprintf(`<svg width="60" height="60" viewBox="0 0 60 60" xmlns="http://www.w3.org/2000/svg">
  <!-- Heading -->
  %s

  <!-- Bus Body -->
  <circle cx="30" cy="30" r="17" fill="%s" stroke="white" stroke-width="2"/>
  <rect x="21" y="21" width="18" height="13" fill="white" rx="2"/>
  <rect x="23" y="23" width="6" height="4" fill="#87CEEB" rx="1"/>
  <rect x="31" y="23" width="6" height="4" fill="#87CEEB" rx="1"/>
  <circle cx="25" cy="35" r="2" fill="#2C3E50"/>
  <circle cx="35" cy="35" r="2" fill="#2C3E50"/>

  <!-- Bus Number -->
  <text x="30" y="58" font-family="Arial, sans-serif" font-size="8" font-weight="bold" fill="#333" text-anchor="middle">%s</text>
</svg>`, direction, color, number)

	return []byte(svg)
}

// Badge renders a status badge: bus number plus ONLINE, or OFFLINE with the
// age of the last fix.
func (g *Generator) Badge(loc types.TaggedLocation) []byte {
	m := FromLocation(loc)
	status := "ONLINE"
	bgColor := g.Color(m)
	if !loc.IsOnline {
		status = "OFFLINE"
		if a := age(loc.SecondsSinceUpdate); a != "" {
			status += " " + a
		}
	}

	svg := fmt.Sprintf(`<svg width="140" height="24" xmlns="http://www.w3.org/2000/svg">
  <rect width="140" height="24" fill="%s" rx="12"/>
  <text x="70" y="16" font-family="Arial, sans-serif" font-size="11" font-weight="bold"
        fill="white" text-anchor="middle">%s %s</text>
</svg>`, bgColor, html.EscapeString(loc.BusNumber), status)

	return []byte(svg)
}

// DataURI wraps an SVG as a base64 data URI.
func DataURI(svg []byte) string {
	encoded := base64.StdEncoding.EncodeToString(svg)
	return fmt.Sprintf("data:%s;base64,%s", ContentType, encoded)
}

func normalizeHeading(h float64) float64 {
	h = math.Mod(h, 360)
	if h < 0 {
		h += 360
	}
	return h
}

func age(seconds int64) string {
	switch {
	case seconds < 0:
		return ""
	case seconds < 60:
		return fmt.Sprintf("%ds", seconds)
	case seconds < 3600:
		return fmt.Sprintf("%dm", seconds/60)
	default:
		return fmt.Sprintf("%dh", seconds/3600)
	}
}
