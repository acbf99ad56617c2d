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

package blob

import "testing"

// square sets a wxh block of 255s at (x0,y0) in a width*height mask.
func square(mask []uint8, width, x0, y0, w, h int) {
	for y := y0; y < y0+h; y++ {
		for x := x0; x < x0+w; x++ {
			mask[y*width+x] = 255
		}
	}
}

func TestConnectedComponentsCountsDisjointBlobs(t *testing.T) {
	width, height := 20, 20
	mask := make([]uint8, width*height)
	square(mask, width, 1, 1, 3, 3)
	square(mask, width, 10, 10, 2, 4)
	square(mask, width, 15, 2, 1, 1)

	blobs := ConnectedComponents(mask, width, height)
	if len(blobs) != 3 {
		t.Fatalf("got %d blobs, want 3", len(blobs))
	}

	var totalArea int
	for _, b := range blobs {
		totalArea += b.Area
		if b.Width() < 1 || b.Height() < 1 {
			t.Errorf("blob %+v has non-positive dimension", b)
		}
		if b.Area > b.Width()*b.Height() {
			t.Errorf("blob %+v area exceeds bounding box", b)
		}
	}
	var setPixels int
	for _, v := range mask {
		if v != 0 {
			setPixels++
		}
	}
	if totalArea != setPixels {
		t.Errorf("sum of blob areas = %d, want %d set pixels", totalArea, setPixels)
	}
}

func TestConnectedComponentsDiagonalPixelsAreSeparate(t *testing.T) {
	// 4-connectivity: a diagonal pair is two components, not one.
	width, height := 4, 4
	mask := make([]uint8, width*height)
	mask[1*width+1] = 255
	mask[2*width+2] = 255
	blobs := ConnectedComponents(mask, width, height)
	if len(blobs) != 2 {
		t.Fatalf("got %d blobs, want 2 (diagonal pixels are 4-disconnected)", len(blobs))
	}
}

func TestConnectedComponentsBoundingBoxCoversPixels(t *testing.T) {
	width, height := 10, 10
	mask := make([]uint8, width*height)
	mask[2*width+3] = 255
	mask[2*width+4] = 255
	mask[3*width+3] = 255

	blobs := ConnectedComponents(mask, width, height)
	if len(blobs) != 1 {
		t.Fatalf("got %d blobs, want 1", len(blobs))
	}
	b := blobs[0]
	if b.MinX != 3 || b.MaxX != 4 || b.MinY != 2 || b.MaxY != 3 {
		t.Errorf("bounding box = %+v, want minX=3,maxX=4,minY=2,maxY=3", b)
	}
}

func TestConnectedComponentsEmptyMask(t *testing.T) {
	blobs := ConnectedComponents(make([]uint8, 25), 5, 5)
	if len(blobs) != 0 {
		t.Errorf("got %d blobs on empty mask, want 0", len(blobs))
	}
}

func TestRowGrowScanFindsRectangle(t *testing.T) {
	width, height := 20, 20
	mask := make([]uint8, width*height)
	square(mask, width, 5, 5, 4, 6)

	blobs := RowGrowScan(mask, width, height, 2, 150)
	if len(blobs) != 1 {
		t.Fatalf("got %d blobs, want 1", len(blobs))
	}
	b := blobs[0]
	if b.Width() != 4 || b.Height() != 6 {
		t.Errorf("blob size = %dx%d, want 4x6", b.Width(), b.Height())
	}
	for _, v := range mask {
		if v != 0 {
			t.Error("consumed pixels should be cleared after a match")
			break
		}
	}
}

func TestRowGrowScanRejectsOversizeWithoutReentry(t *testing.T) {
	width, height := 30, 30
	mask := make([]uint8, width*height)
	square(mask, width, 2, 2, 25, 25) // larger than maxSize

	blobs := RowGrowScan(mask, width, height, 2, 10)
	if len(blobs) != 0 {
		t.Fatalf("got %d blobs, want 0 (oversize structure rejected)", len(blobs))
	}
	for _, v := range mask {
		if v != 0 {
			t.Error("oversize structure must still be cleared so it is not re-scanned")
			break
		}
	}
}

func TestRowGrowScanIsIdempotentOnEmptyMask(t *testing.T) {
	width, height := 10, 10
	mask := make([]uint8, width*height)
	first := RowGrowScan(mask, width, height, 1, 150)
	second := RowGrowScan(mask, width, height, 1, 150)
	if len(first) != 0 || len(second) != 0 {
		t.Errorf("expected no blobs from an all-zero mask, got %d then %d", len(first), len(second))
	}
}

func TestRowGrowScanSeparatesDisjointBlobs(t *testing.T) {
	width, height := 20, 20
	mask := make([]uint8, width*height)
	square(mask, width, 1, 1, 3, 3)
	square(mask, width, 10, 10, 3, 3)

	blobs := RowGrowScan(mask, width, height, 2, 150)
	if len(blobs) != 2 {
		t.Fatalf("got %d blobs, want 2", len(blobs))
	}
}
