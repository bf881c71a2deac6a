package govtt

// The canvas is a fixed rectangle. Positions outside it are clamped, never
// rejected.
const (
	CanvasWidth  = 1008
	CanvasHeight = 567

	// BackgroundSize marks a token as the scene background.
	BackgroundSize = -1

	MinTokenSize = 1
	MaxTokenSize = 1000

	MaxLabelLen = 100
)

// ClampX clamps a horizontal position onto the canvas.
func ClampX(x int) int {
	if x < 0 {
		return 0
	}
	if x > CanvasWidth {
		return CanvasWidth
	}
	return x
}

// ClampY clamps a vertical position onto the canvas.
func ClampY(y int) int {
	if y < 0 {
		return 0
	}
	if y > CanvasHeight {
		return CanvasHeight
	}
	return y
}

// ClampSize forces a token size into [MinTokenSize, MaxTokenSize]. The
// background marker is passed through untouched.
func ClampSize(size int) int {
	if size == BackgroundSize {
		return size
	}
	if size < MinTokenSize {
		return MinTokenSize
	}
	if size > MaxTokenSize {
		return MaxTokenSize
	}
	return size
}

// TruncateLabel cuts a token label down to MaxLabelLen characters.
func TruncateLabel(text string) string {
	runes := []rune(text)
	if len(runes) <= MaxLabelLen {
		return text
	}
	return string(runes[:MaxLabelLen])
}
