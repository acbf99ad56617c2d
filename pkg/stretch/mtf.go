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

// Package stretch implements the midtone-transfer stretch used to
// prepare frames for detection and display. Grounded on nightlight's
// internal/ops/stretch iterative midtones operator, adapted to the
// closed-form, table-driven construction this core requires instead of
// nightlight's iterative gamma search.
package stretch

import (
	"math"

	"github.com/obsgrade/subgrader/pkg/raster"
)

// Parameters controls table construction.
type Parameters struct {
	Factor        float64 `json:"factor"`        // target midtone position, in (0,1)
	BlackClipping float64 `json:"blackClipping"` // signed MAD multiple, typically -2.8
}

// DefaultParameters mirrors the reference's defaults.
func DefaultParameters() Parameters {
	return Parameters{Factor: 0.2, BlackClipping: -2.8}
}

const madToSigma = 1.4826

// Table is a 65536-entry lookup table mapping every possible 16-bit input
// sample to its stretched output. Owned by the stretch call that built it;
// it does not outlive the raster it stretches.
type Table [65536]uint16

// BuildTable constructs the MTF lookup table for the given statistics,
// midtone factor, black clipping and effective bit depth.
// Construction is a pure function of (stats, m, c, bitDepth).
func BuildTable(stats raster.Statistics, p Parameters, bitDepth int) Table {
	maxVal := float64((uint32(1) << uint(bitDepth)) - 1)

	mN := stats.Median / maxVal
	mad := stats.MAD
	if !stats.HaveMAD {
		mad = stats.StdDev * 0.6745
	}
	madN := mad / maxVal

	var shadows, mid, highlights float64
	if mN <= 0.5 {
		shadows = clamp01(mN + p.BlackClipping*madN*madToSigma)
		highlights = 1
		mid = mtf(p.Factor, mN-shadows)
	} else {
		shadows = 0
		highlights = clamp01(mN - p.BlackClipping*madN*madToSigma)
		mid = mtf(p.Factor, 1-(highlights-mN))
	}

	var table Table
	for i := 0; i < 65536; i++ {
		v := float64(i) / maxVal
		u := clamp01(1 - highlights + v - shadows)
		y := mtf(mid, u)
		table[i] = uint16(math.Round(clamp01(y) * 65535))
	}
	return table
}

// Apply maps a 16-bit raster through the table, producing a fresh
// allocation; components never mutate their input.
func Apply(src *raster.U16, table Table) *raster.U16 {
	out := make([]uint16, len(src.Samples))
	for i, v := range src.Samples {
		out[i] = table[v]
	}
	dst, _ := raster.NewU16(src.Width, src.Height, out, src.BitDepth)
	return dst
}

// Stretch is the convenience entry point: compute statistics-informed
// parameters are the caller's responsibility; this only builds and applies
// the table, at most once per call.
func Stretch(src *raster.U16, stats raster.Statistics, p Parameters) *raster.U16 {
	table := BuildTable(stats, p, src.BitDepth)
	return Apply(src, table)
}

// mtf is the midtone transfer function: a one-parameter
// sigmoid, b in (0,1), x in [0,1].
func mtf(b, x float64) float64 {
	if x <= 0 {
		return 0
	}
	if x >= 1 {
		return 1
	}
	return ((b - 1) * x) / ((2*b-1)*x - b)
}

func clamp01(x float64) float64 {
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}
