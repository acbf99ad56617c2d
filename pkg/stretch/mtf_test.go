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

package stretch

import (
	"testing"

	"github.com/obsgrade/subgrader/pkg/raster"
)

const eps = 1e-9

func approxEqual(a, b, e float64) bool {
	d := a - b
	if d < 0 {
		d = -d
	}
	return d <= e
}

func TestMTFFixedPoints(t *testing.T) {
	if mtf(0.5, 0) != 0 {
		t.Errorf("MTF(b,0) must be 0")
	}
	if mtf(0.5, 1) != 1 {
		t.Errorf("MTF(b,1) must be 1")
	}
	if !approxEqual(mtf(0.5, 0.5), 0.5, 1e-12) {
		t.Errorf("MTF(0.5,0.5) must be 0.5, got %v", mtf(0.5, 0.5))
	}
}

func TestBuildTableMonotoneAndBounds(t *testing.T) {
	stats := raster.Statistics{Min: 50, Max: 1000, Mean: 120, Median: 110, StdDev: 30, MAD: 10, HaveMAD: true}
	table := BuildTable(stats, DefaultParameters(), 16)

	for i := 1; i < len(table); i++ {
		if table[i] < table[i-1] {
			t.Fatalf("table not non-decreasing at %d: %d < %d", i, table[i], table[i-1])
		}
	}
	if table[65535] != 65535 {
		t.Errorf("table[max] = %d, want 65535", table[65535])
	}
}

func TestBuildTableShadowsClampsToZero(t *testing.T) {
	// median well below zero-shadow threshold forces shadows<=0, so table[0] must be 0.
	stats := raster.Statistics{Min: 0, Max: 65535, Mean: 100, Median: 5, StdDev: 5, MAD: 3, HaveMAD: true}
	table := BuildTable(stats, Parameters{Factor: 0.2, BlackClipping: -2.8}, 16)
	if table[0] != 0 {
		t.Errorf("table[0] = %d, want 0 when shadows<=0", table[0])
	}
}

func TestStretchIdentityWhenMedianIsHalf(t *testing.T) {
	// S4: m=0.5, c=0, median = 0.5*max, mad = 0 -> output equals input within 1 LSB.
	stats := raster.Statistics{Min: 0, Max: 65535, Mean: 32768, Median: 32767.5, StdDev: 0, MAD: 0, HaveMAD: true}
	p := Parameters{Factor: 0.5, BlackClipping: 0}
	table := BuildTable(stats, p, 16)

	for _, i := range []int{0, 100, 32767, 32768, 60000, 65535} {
		got := int(table[i])
		if diff := got - i; diff > 1 || diff < -1 {
			t.Errorf("table[%d] = %d, want within 1 of input", i, got)
		}
	}
}

func TestApplyProducesFreshAllocation(t *testing.T) {
	src, _ := raster.NewU16(2, 2, []uint16{0, 100, 200, 65535}, 16)
	table := BuildTable(raster.Compute(src.Samples, true), DefaultParameters(), 16)
	out := Apply(src, table)
	if &out.Samples[0] == &src.Samples[0] {
		t.Errorf("Apply must not alias the input raster's backing array")
	}
}
