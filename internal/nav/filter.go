// Package nav implements the navigation decision engine: the triangular
// filter kernels scored against the vision mask, the steering state machine,
// the bearing-correction loop and the turn calibration procedure.
package nav

import (
	"fmt"
	"math"
)

// Kernel is a precomputed 2-D weight array with triangular support, applied
// to the lower half of the classification mask via a dot product. Weights are
// log-scaled: small at the image horizon (top row) and 1 at the bottom row.
// The non-zero element count normalizes the dot product into an average
// score. Kernels are immutable after construction and rebuilt only if the
// mask dimensions change.
type Kernel struct {
	weights []float64
	width   int
	height  int
	area    int
}

// rowWeight is the log-scaled magnitude for a kernel row. Every assigned
// weight lies in (0, 1], reaching exactly 1 on the bottom row.
func rowWeight(row, height int) float64 {
	return math.Log(float64(row+2)) / math.Log(float64(height+1))
}

// NewLeftKernel builds the left-looking kernel. width and height describe the
// triangular support: the top row holds width weighted cells starting at the
// left edge, and each following row sheds cells from the left so the support
// tapers toward the kernel's middle column at the bottom. kernelWidth and
// kernelHeight are the full dimensions of the mask area being scored.
func NewLeftKernel(width, height, kernelWidth, kernelHeight int) *Kernel {
	k := newKernel(kernelWidth, kernelHeight)
	delta := columnDelta(width, height)
	middle := kernelWidth / 2

	for row := 0; row < kernelHeight; row++ {
		remaining := width - row*delta
		pad := middle - remaining
		for column := 0; column < kernelWidth; column++ {
			switch {
			case pad > 0:
				pad--
			case remaining > 0:
				k.weights[kernelWidth*row+column] = rowWeight(row, kernelHeight)
				remaining--
				k.area++
			}
		}
	}
	return k
}

// NewRightKernel builds the mirror image of the left kernel, tapering from
// the right edge toward the middle column.
func NewRightKernel(width, height, kernelWidth, kernelHeight int) *Kernel {
	k := newKernel(kernelWidth, kernelHeight)
	delta := columnDelta(width, height)
	middle := kernelWidth / 2

	for row := 0; row < kernelHeight; row++ {
		remaining := width - row*delta
		pad := middle - remaining
		for column := kernelWidth - 1; column >= 0; column-- {
			switch {
			case pad > 0:
				pad--
			case remaining > 0:
				k.weights[kernelWidth*row+column] = rowWeight(row, kernelHeight)
				remaining--
				k.area++
			}
		}
	}
	return k
}

// NewCenterKernel builds the forward-looking kernel: a centered wedge that is
// flair cells wide at the top row and widens to width cells at the bottom.
func NewCenterKernel(flair, width, height, kernelWidth, kernelHeight int) *Kernel {
	k := newKernel(kernelWidth, kernelHeight)
	delta := columnDelta(width-flair, height)

	for row := 0; row < kernelHeight; row++ {
		remaining := flair + delta*row
		pad := (kernelWidth - remaining) / 2
		for column := kernelWidth - 1; column >= 0; column-- {
			switch {
			case pad > 0:
				pad--
			case remaining > 0:
				k.weights[kernelWidth*row+column] = rowWeight(row, kernelHeight)
				remaining--
				k.area++
			}
		}
	}
	return k
}

func newKernel(kernelWidth, kernelHeight int) *Kernel {
	return &Kernel{
		weights: make([]float64, kernelWidth*kernelHeight),
		width:   kernelWidth,
		height:  kernelHeight,
	}
}

// columnDelta is how many cells the support edge moves per row.
func columnDelta(width, height int) int {
	if height <= 1 {
		return width
	}
	return int(float64(width)/float64(height-1) + 0.5)
}

// Area returns the number of cells holding a non-zero weight.
func (k *Kernel) Area() int {
	return k.area
}

// Dimensions returns the kernel width and height.
func (k *Kernel) Dimensions() (width, height int) {
	return k.width, k.height
}

// Weight returns the weight at the given cell.
func (k *Kernel) Weight(row, column int) float64 {
	return k.weights[k.width*row+column]
}

// Score computes the dot product of the kernel with a mask region of the same
// size, normalized by the kernel area. Lower scores mean the direction looks
// clearer to drive.
func (k *Kernel) Score(mask []byte) (float64, error) {
	if len(mask) != len(k.weights) {
		return 0, fmt.Errorf("mask is %d cells, kernel expects %d", len(mask), len(k.weights))
	}

	var dot float64
	for i, w := range k.weights {
		dot += float64(mask[i]) * w
	}
	return dot / float64(k.area), nil
}

// Window is a fixed-capacity ring buffer of recent scores. The average is
// meaningful only once the window is full; the engine does not move until
// then.
type Window struct {
	values []float64
	head   int
	count  int
}

// NewWindow returns a window holding up to capacity scores.
func NewWindow(capacity int) *Window {
	if capacity < 1 {
		capacity = 1
	}
	return &Window{values: make([]float64, capacity)}
}

// Push adds a score, overwriting the oldest once full.
func (w *Window) Push(v float64) {
	if w.count < len(w.values) {
		w.count++
	}
	w.values[w.head] = v
	w.head = (w.head + 1) % len(w.values)
}

// Full reports whether capacity scores have been recorded since the last
// reset.
func (w *Window) Full() bool {
	return w.count == len(w.values)
}

// Average returns the mean of the recorded scores, zero when empty.
func (w *Window) Average() float64 {
	if w.count == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < w.count; i++ {
		sum += w.values[i]
	}
	return sum / float64(w.count)
}

// Reset empties the window.
func (w *Window) Reset() {
	w.head = 0
	w.count = 0
}
