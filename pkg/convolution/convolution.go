// Copyright (C) 2020 Markus L. Noga
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package convolution implements the 2-D filtering primitives:
// separable Gaussian blur, 3x3 median, binary dilation/erosion, Sobel
// gradients, Canny edges and the SIS threshold. The reference probes an
// external OpenCV binding at runtime and falls back to its own
// implementation; this package only carries the from-scratch
// path, a single scalar implementation of each filter. WideLanes exposes a
// klauspost/cpuid capability probe, but none of the filters consult it.
package convolution

import (
	"math"

	"github.com/klauspost/cpuid/v2"
)

// BorderPolicy controls how out-of-bounds taps are handled.
type BorderPolicy int

const (
	// Reflect mirrors the nearest in-bounds sample (HF path default).
	Reflect BorderPolicy = iota
	// ZeroPad treats out-of-bounds samples as zero (NINA fallback path).
	ZeroPad
)

// WideLanes reports the SIMD lane width the host CPU exposes. The reference
// probes for an OpenCV binding at runtime and falls back to a scalar path
// when absent; this package has only the scalar path, but still
// surfaces the probe result so callers can size batch work against it.
func WideLanes() int {
	switch {
	case cpuid.CPU.Supports(cpuid.AVX2):
		return 8
	case cpuid.CPU.Supports(cpuid.SSE2):
		return 4
	default:
		return 1
	}
}

func clampIndex(i, n int) int {
	if i < 0 {
		return -i - 1
	}
	if i >= n {
		return 2*n - i - 1
	}
	return i
}

// GaussianKernel1D returns a normalized 1-D Gaussian kernel of radius r;
// every generated kernel sums to 1 within 1e-6.
func GaussianKernel1D(r int, sigma float64) []float64 {
	size := 2*r + 1
	k := make([]float64, size)
	sum := 0.0
	twoSigSq := 2 * sigma * sigma
	for i := -r; i <= r; i++ {
		v := math.Exp(-float64(i*i) / twoSigSq)
		k[i+r] = v
		sum += v
	}
	for i := range k {
		k[i] /= sum
	}
	return k
}

// BlurF64 applies a separable Gaussian blur of radius r to a float raster.
func BlurF64(data []float64, width, height, r int, sigma float64, border BorderPolicy) []float64 {
	k := GaussianKernel1D(r, sigma)
	tmp := make([]float64, width*height)
	out := make([]float64, width*height)

	horiz := func(y, x int) float64 {
		sum := 0.0
		for i := -r; i <= r; i++ {
			xi := x + i
			switch border {
			case Reflect:
				xi = clampIndex(xi, width)
			case ZeroPad:
				if xi < 0 || xi >= width {
					continue
				}
			}
			sum += data[y*width+xi] * k[i+r]
		}
		return sum
	}
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			tmp[y*width+x] = horiz(y, x)
		}
	}

	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			sum := 0.0
			for i := -r; i <= r; i++ {
				yi := y + i
				switch border {
				case Reflect:
					yi = clampIndex(yi, height)
				case ZeroPad:
					if yi < 0 || yi >= height {
						continue
					}
				}
				sum += tmp[yi*width+x] * k[i+r]
			}
			out[y*width+x] = sum
		}
	}
	return out
}

// BlurU8 blurs an 8-bit raster, rounding back to the sample type.
func BlurU8(data []uint8, width, height, r int, sigma float64, border BorderPolicy) []uint8 {
	f := make([]float64, len(data))
	for i, v := range data {
		f[i] = float64(v)
	}
	blurred := BlurF64(f, width, height, r, sigma, border)
	out := make([]uint8, len(data))
	for i, v := range blurred {
		out[i] = clampU8(math.Round(v))
	}
	return out
}

// BlurU16 blurs a 16-bit raster, preserving sample type.
func BlurU16(data []uint16, width, height, r int, sigma float64, border BorderPolicy) []uint16 {
	f := make([]float64, len(data))
	for i, v := range data {
		f[i] = float64(v)
	}
	blurred := BlurF64(f, width, height, r, sigma, border)
	out := make([]uint16, len(data))
	for i, v := range blurred {
		out[i] = clampU16(math.Round(v))
	}
	return out
}

func clampU8(v float64) uint8 {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return uint8(v)
}

func clampU16(v float64) uint16 {
	if v < 0 {
		return 0
	}
	if v > 65535 {
		return 65535
	}
	return uint16(v)
}

// Median3x3 replaces each pixel with the 5th order statistic (median) of
// its 3x3 neighborhood, zero-padded at borders.
func Median3x3(data []uint8, width, height int) []uint8 {
	out := make([]uint8, len(data))
	var window [9]uint8
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			n := 0
			for dy := -1; dy <= 1; dy++ {
				for dx := -1; dx <= 1; dx++ {
					yy, xx := y+dy, x+dx
					if yy < 0 || yy >= height || xx < 0 || xx >= width {
						window[n] = 0
					} else {
						window[n] = data[yy*width+xx]
					}
					n++
				}
			}
			out[y*width+x] = median9(window)
		}
	}
	return out
}

func median9(w [9]uint8) uint8 {
	sorted := w
	// insertion sort: 9 elements, simple and deterministic
	for i := 1; i < 9; i++ {
		v := sorted[i]
		j := i - 1
		for j >= 0 && sorted[j] > v {
			sorted[j+1] = sorted[j]
			j--
		}
		sorted[j+1] = v
	}
	return sorted[4]
}

// Dilate3x3 sets the output pixel iff any pixel in its 3x3 neighborhood is
// non-zero.
func Dilate3x3(mask []uint8, width, height int) []uint8 {
	out := make([]uint8, len(mask))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			set := false
			for dy := -1; dy <= 1 && !set; dy++ {
				yy := y + dy
				if yy < 0 || yy >= height {
					continue
				}
				for dx := -1; dx <= 1; dx++ {
					xx := x + dx
					if xx < 0 || xx >= width {
						continue
					}
					if mask[yy*width+xx] != 0 {
						set = true
						break
					}
				}
			}
			if set {
				out[y*width+x] = 255
			}
		}
	}
	return out
}

// StructuringElement selects the erosion neighborhood shape.
type StructuringElement int

const (
	// Ellipse3x3 is the 3x3 approximation of a disc (corners excluded).
	Ellipse3x3 StructuringElement = iota
	// Rect3x3 is the full 3x3 square.
	Rect3x3
)

// Erode3x3 clears the output pixel unless every pixel of the structuring
// element's neighborhood is non-zero. Used only by HFDetector.
func Erode3x3(mask []uint8, width, height int, elem StructuringElement) []uint8 {
	out := make([]uint8, len(mask))
	offsets := rectOffsets
	if elem == Ellipse3x3 {
		offsets = ellipseOffsets
	}
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			all := true
			for _, o := range offsets {
				yy, xx := y+o[1], x+o[0]
				if yy < 0 || yy >= height || xx < 0 || xx >= width || mask[yy*width+xx] == 0 {
					all = false
					break
				}
			}
			if all {
				out[y*width+x] = 255
			}
		}
	}
	return out
}

var rectOffsets = [][2]int{
	{-1, -1}, {0, -1}, {1, -1},
	{-1, 0}, {0, 0}, {1, 0},
	{-1, 1}, {0, 1}, {1, 1},
}

var ellipseOffsets = [][2]int{
	{0, -1},
	{-1, 0}, {0, 0}, {1, 0},
	{0, 1},
}

// Gradient holds per-pixel Sobel magnitude and orientation.
type Gradient struct {
	Width, Height int
	Magnitude     []float64
	Orientation   []float64 // radians, borders are 0
}

// Sobel computes the standard 3x3 Sobel gradient; borders are left at 0.
func Sobel(data []uint8, width, height int) Gradient {
	g := Gradient{Width: width, Height: height, Magnitude: make([]float64, width*height), Orientation: make([]float64, width*height)}
	for y := 1; y < height-1; y++ {
		for x := 1; x < width-1; x++ {
			gx := -int(data[(y-1)*width+x-1]) + int(data[(y-1)*width+x+1]) +
				-2*int(data[y*width+x-1]) + 2*int(data[y*width+x+1]) +
				-int(data[(y+1)*width+x-1]) + int(data[(y+1)*width+x+1])
			gy := -int(data[(y-1)*width+x-1]) - 2*int(data[(y-1)*width+x]) - int(data[(y-1)*width+x+1]) +
				int(data[(y+1)*width+x-1]) + 2*int(data[(y+1)*width+x]) + int(data[(y+1)*width+x+1])
			idx := y*width + x
			g.Magnitude[idx] = math.Hypot(float64(gx), float64(gy))
			g.Orientation[idx] = math.Atan2(float64(gy), float64(gx))
		}
	}
	return g
}

// Canny runs the full edge-detection pipeline: optional
// pre-blur, Sobel, non-maximum suppression, hysteresis. lo/hi are 8-bit
// thresholds. Output is a 0/255 mask.
func Canny(data []uint8, width, height int, lo, hi uint8, preBlur bool) []uint8 {
	work := data
	if preBlur {
		work = BlurU8(data, width, height, 2, 1.4, ZeroPad)
	}
	grad := Sobel(work, width, height)
	nms := nonMaxSuppress(grad)
	return hysteresis(nms, grad, width, height, float64(lo), float64(hi))
}

func nonMaxSuppress(g Gradient) []float64 {
	width, height := g.Width, g.Height
	out := make([]float64, width*height)
	for y := 1; y < height-1; y++ {
		for x := 1; x < width-1; x++ {
			idx := y*width + x
			mag := g.Magnitude[idx]
			if mag == 0 {
				continue
			}
			angle := g.Orientation[idx] * 180 / math.Pi
			if angle < 0 {
				angle += 180
			}
			var n1, n2 float64
			switch {
			case angle < 22.5 || angle >= 157.5:
				n1, n2 = g.Magnitude[idx-1], g.Magnitude[idx+1]
			case angle < 67.5:
				n1, n2 = g.Magnitude[idx-width+1], g.Magnitude[idx+width-1]
			case angle < 112.5:
				n1, n2 = g.Magnitude[idx-width], g.Magnitude[idx+width]
			default:
				n1, n2 = g.Magnitude[idx-width-1], g.Magnitude[idx+width+1]
			}
			if mag >= n1 && mag >= n2 {
				out[idx] = mag
			}
		}
	}
	return out
}

func hysteresis(nms []float64, g Gradient, width, height int, lo, hi float64) []uint8 {
	out := make([]uint8, width*height)
	visited := make([]bool, width*height)
	var stack []int

	for i, v := range nms {
		if v >= hi {
			out[i] = 255
			visited[i] = true
			stack = append(stack, i)
		}
	}

	for len(stack) > 0 {
		idx := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		x, y := idx%width, idx/width
		for dy := -1; dy <= 1; dy++ {
			yy := y + dy
			if yy < 0 || yy >= height {
				continue
			}
			for dx := -1; dx <= 1; dx++ {
				xx := x + dx
				if xx < 0 || xx >= width || (dx == 0 && dy == 0) {
					continue
				}
				nIdx := yy*width + xx
				if visited[nIdx] {
					continue
				}
				if nms[nIdx] >= lo {
					out[nIdx] = 255
					visited[nIdx] = true
					stack = append(stack, nIdx)
				}
			}
		}
	}
	return out
}

// SISThreshold computes the gradient-weighted Simple-Image-Statistics
// threshold and returns the binarized raster as a fresh 0/255 mask; the
// input is not modified.
func SISThreshold(data []uint8, width, height int) []uint8 {
	var sumW, sumWI float64
	for y := 1; y < height-1; y++ {
		for x := 1; x < width-1; x++ {
			idx := y*width + x
			ix := math.Abs(float64(data[idx+1]) - float64(data[idx-1]))
			iy := math.Abs(float64(data[idx+width]) - float64(data[idx-width]))
			w := ix
			if iy > w {
				w = iy
			}
			sumW += w
			sumWI += w * float64(data[idx])
		}
	}
	threshold := 0.0
	if sumW > 0 {
		threshold = sumWI / sumW
	}
	out := make([]uint8, width*height)
	for i, v := range data {
		if float64(v) > threshold {
			out[i] = 255
		}
	}
	return out
}
