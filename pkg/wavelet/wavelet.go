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

// Package wavelet implements the à-trous B3-spline decomposition the
// HocusFocus-style detector uses to strip large structures (nebulosity,
// gradients) before building its star structure map. The
// reference dispatches to an OpenCV domain-transform filter when available
// and falls back to its own B3-spline pass otherwise; this
// package only carries the from-scratch fallback, since it is the one with
// documented, reproducible semantics.
package wavelet

// b3Coeffs and b3Offsets are the fixed 5-tap B3-spline smoothing kernel.
var (
	b3Coeffs  = [5]float64{0.0625, 0.25, 0.375, 0.25, 0.0625}
	b3Offsets = [5]int{-2, -1, 0, 1, 2}
)

// DefaultLayers is the reference's default decomposition depth.
const DefaultLayers = 4

// Residual runs layers à-trous iterations over data (width x height,
// row-major) and returns the high-frequency residual left after
// subtracting the smoothed (large-structure) component at every layer. At
// layer L the kernel taps are spaced 2^L samples apart ("holes"), growing
// the effective support without growing the tap count. Borders are
// handled by dropping out-of-range taps and renormalizing by the retained
// weight, matching the reference exactly rather than reflecting or
// zero-padding.
func Residual(data []float64, width, height, layers int) []float64 {
	residual := make([]float64, len(data))
	copy(residual, data)

	tmp := make([]float64, len(data))
	smoothed := make([]float64, len(data))

	for layer := 0; layer < layers; layer++ {
		scale := 1 << uint(layer)

		for y := 0; y < height; y++ {
			for x := 0; x < width; x++ {
				sum, weight := 0.0, 0.0
				for i := 0; i < 5; i++ {
					sx := x + b3Offsets[i]*scale
					if sx >= 0 && sx < width {
						sum += residual[y*width+sx] * b3Coeffs[i]
						weight += b3Coeffs[i]
					}
				}
				if weight > 0 {
					tmp[y*width+x] = sum / weight
				} else {
					tmp[y*width+x] = 0
				}
			}
		}

		for y := 0; y < height; y++ {
			for x := 0; x < width; x++ {
				sum, weight := 0.0, 0.0
				for i := 0; i < 5; i++ {
					sy := y + b3Offsets[i]*scale
					if sy >= 0 && sy < height {
						sum += tmp[sy*width+x] * b3Coeffs[i]
						weight += b3Coeffs[i]
					}
				}
				if weight > 0 {
					smoothed[y*width+x] = sum / weight
				} else {
					smoothed[y*width+x] = 0
				}
			}
		}

		for i := range residual {
			residual[i] -= smoothed[i]
		}
	}

	return residual
}

// StructureMap returns the large-structure component removed by Residual,
// i.e. data minus its residual. Used to visualize or threshold against the
// smooth background the detector strips away.
func StructureMap(data, residual []float64) []float64 {
	out := make([]float64, len(data))
	for i := range data {
		out[i] = data[i] - residual[i]
	}
	return out
}
