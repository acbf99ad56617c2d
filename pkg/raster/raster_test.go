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

package raster

import "testing"

func TestInferBitDepth(t *testing.T) {
	cases := []struct {
		max  uint16
		want int
	}{
		{255, 8},
		{4095, 12},
		{16383, 14},
		{65535, 16},
		{300, 12},
	}
	for _, c := range cases {
		got := InferBitDepth([]uint16{0, c.max})
		if got != c.want {
			t.Errorf("InferBitDepth(max=%d) = %d, want %d", c.max, got, c.want)
		}
	}
}

func TestNewU16RejectsBadShape(t *testing.T) {
	if _, err := NewU16(0, 10, nil, 16); err == nil {
		t.Fatal("expected error for zero width")
	}
	if _, err := NewU16(2, 2, []uint16{1, 2, 3}, 16); err == nil {
		t.Fatal("expected error for mismatched sample count")
	}
	if _, err := NewU16(2, 2, []uint16{1, 2, 3, 4}, 10); err == nil {
		t.Fatal("expected error for unsupported bit depth")
	}
}

func TestComputeInvariants(t *testing.T) {
	samples := []uint16{100, 100, 100, 100, 200, 50}
	st := Compute(samples, true)
	if !(st.Min <= st.Median && st.Median <= st.Max) {
		t.Errorf("invariant min<=median<=max violated: %+v", st)
	}
	if st.StdDev < 0 {
		t.Errorf("stddev must be non-negative, got %v", st.StdDev)
	}
}

func TestComputeEvenMedianIsFractional(t *testing.T) {
	// sorted: 10 20 30 40 -> median (20+30)/2 = 25, not rounded.
	st := Compute([]uint16{40, 10, 30, 20}, false)
	if st.Median != 25 {
		t.Errorf("median = %v, want 25", st.Median)
	}
}

func TestComputeDeterministic(t *testing.T) {
	samples := []uint16{12, 99, 4, 4, 500, 501, 2, 3, 3, 3}
	a := Compute(samples, true)
	b := Compute(samples, true)
	if a != b {
		t.Errorf("Compute is not deterministic: %+v vs %+v", a, b)
	}
}

func TestComputeEmpty(t *testing.T) {
	st := Compute(nil, true)
	if st != (Statistics{}) {
		t.Errorf("empty input should produce zero statistics, got %+v", st)
	}
}
