package cli

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

const wordmark = `
 ┌─┐┌─┐┌┐┌┌─┐┌─┐┬ ┬
 │  ├─┤││││ │├─┘└┬┘
 └─┘┴ ┴┘└┘└─┘┴   ┴
`

type rgb struct {
	r, g, b int
}

func (c rgb) hex() string {
	return fmt.Sprintf("#%02x%02x%02x", c.r, c.g, c.b)
}

func mix(from, to rgb, f float64) rgb {
	return rgb{
		r: int(float64(from.r) + f*float64(to.r-from.r)),
		g: int(float64(from.g) + f*float64(to.g-from.g)),
		b: int(float64(from.b) + f*float64(to.b-from.b)),
	}
}

var (
	gradientStart = rgb{0xb4, 0xbe, 0x82}
	gradientMid   = rgb{0xa3, 0xbe, 0x8c}
	gradientEnd   = rgb{0x8f, 0xbc, 0xbb}
)

// banner renders the wordmark with a left-to-right lime to teal gradient.
func banner() string {
	lines := strings.Split(strings.Trim(wordmark, "\n"), "\n")
	var sb strings.Builder
	for _, line := range lines {
		runes := []rune(line)
		for x, r := range runes {
			if r == ' ' {
				sb.WriteRune(r)
				continue
			}
			f := float64(x) / float64(len(runes))
			c := mix(gradientMid, gradientEnd, (f-0.5)*2)
			if f < 0.5 {
				c = mix(gradientStart, gradientMid, f*2)
			}
			sb.WriteString(lipgloss.NewStyle().Foreground(lipgloss.Color(c.hex())).Render(string(r)))
		}
		sb.WriteRune('\n')
	}
	return sb.String()
}
