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

package wavelet

import (
	"math"
	"testing"
)

func TestResidualOfConstantFieldIsZero(t *testing.T) {
	width, height := 16, 16
	data := make([]float64, width*height)
	for i := range data {
		data[i] = 500
	}
	residual := Residual(data, width, height, DefaultLayers)
	for i, v := range residual {
		if math.Abs(v) > 1e-9 {
			t.Fatalf("index %d: residual of constant field = %v, want 0", i, v)
		}
	}
}

func TestResidualPlusStructureRecoversInput(t *testing.T) {
	width, height := 12, 12
	data := make([]float64, width*height)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			data[y*width+x] = float64(x*7+y*3) + 100
		}
	}
	residual := Residual(data, width, height, 3)
	structure := StructureMap(data, residual)
	for i := range data {
		sum := residual[i] + structure[i]
		if math.Abs(sum-data[i]) > 1e-9 {
			t.Fatalf("index %d: residual+structure = %v, want %v", i, sum, data[i])
		}
	}
}

func TestResidualIsolatesLocalImpulse(t *testing.T) {
	// A single bright point atop a smooth background should survive mostly
	// intact in the residual, since the smoothing pass at every layer
	// removes broad structure but a lone spike resists being fully
	// smoothed away within a handful of layers.
	width, height := 20, 20
	data := make([]float64, width*height)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			data[y*width+x] = 1000
		}
	}
	cx, cy := 10, 10
	data[cy*width+cx] = 5000

	residual := Residual(data, width, height, DefaultLayers)
	if residual[cy*width+cx] <= 0 {
		t.Errorf("residual at impulse center = %v, want positive", residual[cy*width+cx])
	}

	corner := residual[0]
	if math.Abs(corner) > math.Abs(residual[cy*width+cx]) {
		t.Errorf("residual at flat corner (%v) exceeds residual at impulse (%v)", corner, residual[cy*width+cx])
	}
}

func TestResidualZeroLayersIsIdentity(t *testing.T) {
	width, height := 5, 5
	data := make([]float64, width*height)
	for i := range data {
		data[i] = float64(i)
	}
	residual := Residual(data, width, height, 0)
	for i := range data {
		if residual[i] != data[i] {
			t.Errorf("index %d: zero-layer residual = %v, want %v", i, residual[i], data[i])
		}
	}
}
