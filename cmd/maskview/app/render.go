package app

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"math"

	"github.com/golang/freetype"
	"github.com/golang/freetype/truetype"
	"golang.org/x/image/font"

	"github.com/openrover/roverd/internal/nav"
)

const (
	dpi      = 96.0
	fontSize = 12.0

	panelGap = 10

	// Border sizes in pixels
	defaultTopBorder    = 30
	defaultLeftBorder   = 20
	defaultBottomBorder = 50
	defaultRightBorder  = 20
)

// Snapshot is one vision frame together with the kernels the engine would
// score it with.
type Snapshot struct {
	Mask   []byte
	Width  int
	Height int

	Left   *nav.Kernel
	Right  *nav.Kernel
	Center *nav.Kernel
}

// NewSnapshot sizes the kernels against the lower half of the mask, the
// same way the navigation engine does at setup.
func NewSnapshot(mask []byte, width, height int) (*Snapshot, error) {
	if len(mask) != width*height {
		return nil, fmt.Errorf("mask is %d bytes, expected %d", len(mask), width*height)
	}

	kh := height / 2
	flairWidth := int(float64(width) * 0.75)

	return &Snapshot{
		Mask:   mask,
		Width:  width,
		Height: height,
		Left:   nav.NewLeftKernel(width/2, kh, width, kh),
		Right:  nav.NewRightKernel(width/2, kh, width, kh),
		Center: nav.NewCenterKernel(flairWidth/2, flairWidth, kh, width, kh),
	}, nil
}

// Lower returns the half of the mask the kernels score.
func (s *Snapshot) Lower() []byte {
	return s.Mask[len(s.Mask)/2:]
}

// Renderer draws a snapshot as a labelled image: the mask on top, then one
// weight panel per kernel, and a score bar at the bottom.
type Renderer struct {
	scale   int
	context *freetype.Context
	face    font.Face
}

func NewRenderer(fontBytes []byte, scale int) (*Renderer, error) {
	parsedFont, err := freetype.ParseFont(fontBytes)
	if err != nil {
		return nil, fmt.Errorf("parsing font: %w", err)
	}

	ctx := freetype.NewContext()
	ctx.SetDPI(dpi)
	ctx.SetFont(parsedFont)
	ctx.SetFontSize(fontSize)
	ctx.SetHinting(font.HintingNone)
	ctx.SetSrc(image.Black)

	return &Renderer{
		scale:   scale,
		context: ctx,
		face: truetype.NewFace(parsedFont, &truetype.Options{
			Size:    fontSize,
			DPI:     dpi,
			Hinting: font.HintingNone,
		}),
	}, nil
}

func (r *Renderer) Close() error {
	if r.face != nil {
		return r.face.Close()
	}
	return nil
}

func (r *Renderer) Render(snap *Snapshot) (*image.RGBA, error) {
	kw, kh := snap.Center.Dimensions()

	panelWidth := snap.Width * r.scale
	labelHeight := r.lineHeight()

	fullWidth := defaultLeftBorder + panelWidth + defaultRightBorder
	fullHeight := defaultTopBorder +
		(labelHeight + snap.Height*r.scale) +
		3*(panelGap+labelHeight+kh*r.scale) +
		defaultBottomBorder

	img := image.NewRGBA(image.Rect(0, 0, fullWidth, fullHeight))
	draw.Draw(img, img.Bounds(), image.White, image.Point{}, draw.Src)

	r.context.SetClip(img.Bounds())
	r.context.SetDst(img)

	y := defaultTopBorder
	if err := r.drawLabel("mask", defaultLeftBorder, y); err != nil {
		return nil, err
	}
	y += labelHeight
	r.drawMask(img, defaultLeftBorder, y, snap)
	y += snap.Height * r.scale

	panels := []struct {
		name   string
		kernel *nav.Kernel
	}{
		{"left kernel", snap.Left},
		{"right kernel", snap.Right},
		{"center kernel", snap.Center},
	}
	for _, p := range panels {
		y += panelGap
		if err := r.drawLabel(fmt.Sprintf("%s (area %d)", p.name, p.kernel.Area()), defaultLeftBorder, y); err != nil {
			return nil, err
		}
		y += labelHeight
		r.drawWeights(img, defaultLeftBorder, y, p.kernel, kw, kh)
		y += kh * r.scale
	}

	if err := r.drawScores(img, snap); err != nil {
		return nil, err
	}
	return img, nil
}

// drawMask renders obstacle intensity as grayscale, obstacles light on a
// dark ground, with the scored lower half separated by a red line.
func (r *Renderer) drawMask(img *image.RGBA, left, top int, snap *Snapshot) {
	for row := 0; row < snap.Height; row++ {
		for col := 0; col < snap.Width; col++ {
			v := snap.Mask[row*snap.Width+col]
			r.fillCell(img, left+col*r.scale, top+row*r.scale, color.RGBA{R: v, G: v, B: v, A: 0xff})
		}
	}

	splitY := top + (snap.Height/2)*r.scale
	for x := left; x < left+snap.Width*r.scale; x++ {
		img.Set(x, splitY, color.RGBA{R: 0xff, A: 0xff})
	}
}

// drawWeights renders kernel cells on a blue-to-red ramp; unassigned cells
// stay dark.
func (r *Renderer) drawWeights(img *image.RGBA, left, top int, k *nav.Kernel, width, height int) {
	for row := 0; row < height; row++ {
		for col := 0; col < width; col++ {
			w := k.Weight(row, col)
			c := color.RGBA{R: 0x20, G: 0x20, B: 0x20, A: 0xff}
			if w != 0 {
				c = weightColor(w)
			}
			r.fillCell(img, left+col*r.scale, top+row*r.scale, c)
		}
	}
}

func (r *Renderer) drawScores(img *image.RGBA, snap *Snapshot) error {
	lower := snap.Lower()
	l, err := snap.Left.Score(lower)
	if err != nil {
		return fmt.Errorf("scoring mask: %w", err)
	}
	rs, _ := snap.Right.Score(lower)
	c, _ := snap.Center.Score(lower)

	label := fmt.Sprintf("scores: left %.2f  right %.2f  center %.2f", l, rs, c)

	metrics := r.face.Metrics()
	fontHeight := (metrics.Ascent + metrics.Descent).Round()
	textY := img.Bounds().Max.Y - (defaultBottomBorder-fontHeight)/2 - metrics.Descent.Round()

	pt := freetype.Pt(defaultLeftBorder, textY)
	if _, err := r.context.DrawString(label, pt); err != nil {
		return fmt.Errorf("drawing score bar: %w", err)
	}
	return nil
}

func (r *Renderer) drawLabel(text string, x, baselineTop int) error {
	metrics := r.face.Metrics()
	pt := freetype.Pt(x, baselineTop+metrics.Ascent.Round())
	_, err := r.context.DrawString(text, pt)
	if err != nil {
		return fmt.Errorf("drawing label %q: %w", text, err)
	}
	return nil
}

func (r *Renderer) lineHeight() int {
	metrics := r.face.Metrics()
	return (metrics.Ascent + metrics.Descent).Round() + 4
}

func (r *Renderer) fillCell(img *image.RGBA, x, y int, c color.Color) {
	for dy := 0; dy < r.scale; dy++ {
		for dx := 0; dx < r.scale; dx++ {
			img.Set(x+dx, y+dy, c)
		}
	}
}

// weightColor maps a weight in (0,1] onto a blue-to-red ramp. Near-horizon
// rows carry low weight and come out blue, bottom rows red.
func weightColor(w float64) color.RGBA {
	w = math.Max(0, math.Min(1, w))
	hue := 240 - (w * 240)
	return hsvToRGB(hue, 1.0, math.Pow(w, 0.5)*0.7+0.3)
}

// hsvToRGB converts h in [0-360], s and v in [0-1].
func hsvToRGB(h, s, v float64) color.RGBA {
	if s <= 0.0 {
		rgb := uint8(v * 255)
		return color.RGBA{R: rgb, G: rgb, B: rgb, A: 0xff}
	}

	h = math.Mod(h, 360) / 60
	i := math.Floor(h)
	f := h - i

	p := v * (1 - s)
	q := v * (1 - s*f)
	t := v * (1 - s*(1-f))

	var r, g, b float64
	switch int(i) {
	case 0:
		r, g, b = v, t, p
	case 1:
		r, g, b = q, v, p
	case 2:
		r, g, b = p, v, t
	case 3:
		r, g, b = p, q, v
	case 4:
		r, g, b = t, p, v
	default:
		r, g, b = v, p, q
	}

	return color.RGBA{R: uint8(r * 255), G: uint8(g * 255), B: uint8(b * 255), A: 0xff}
}
