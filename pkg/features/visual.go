package features

// glowIntensity is the normalised height above which a bar is highlighted.
const glowIntensity = 0.7

// Bar is one rendered frequency bin.
type Bar struct {
	X         float64 `json:"x"`
	Width     float64 `json:"width"`
	Height    float64 `json:"height"` // normalised 0..1
	Hue       float64 `json:"hue"`    // degrees, [0, 360)
	Intensity float64 `json:"intensity"`
	Glow      bool    `json:"glow"`
}

// Point is one vertex of the waveform overlay, in canvas coordinates.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Dataset is everything a renderer needs to draw one frame.
type Dataset struct {
	Width    float64 `json:"width"`
	Height   float64 `json:"height"`
	BarWidth float64 `json:"bar_width"`
	Bars     []Bar   `json:"bars"`
	Line     []Point `json:"line"`
}

// Project maps a magnitude frame onto a width×height canvas. It is a pure
// function of its arguments.
func Project(frame []byte, width, height float64) Dataset {
	n := len(frame)
	ds := Dataset{Width: width, Height: height}
	if n == 0 {
		return ds
	}

	ds.BarWidth = width / float64(n) * 2.5
	ds.Bars = make([]Bar, n)
	ds.Line = make([]Point, n)

	x := 0.0
	for i, m := range frame {
		norm := float64(m) / 255
		pos := float64(i) / float64(n)
		ds.Bars[i] = Bar{
			X:         x,
			Width:     ds.BarWidth,
			Height:    norm,
			Hue:       pos * 360,
			Intensity: norm,
			Glow:      norm > glowIntensity,
		}
		ds.Line[i] = Point{X: pos * width, Y: height - norm*height}
		x += ds.BarWidth + 1
	}
	return ds
}

// Projector binds canvas dimensions for repeated projection.
type Projector struct {
	Width  float64
	Height float64
}

// Project is [Project] with the projector's canvas size.
func (p Projector) Project(frame []byte) Dataset {
	return Project(frame, p.Width, p.Height)
}
