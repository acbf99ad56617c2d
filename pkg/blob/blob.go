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

// Package blob implements the two blob-extraction algorithms the star
// detectors build on: union-find connected components for the NINA path,
// and a row-grow raster scan for the HocusFocus path.
package blob

// Blob is a connected group of set pixels: its bounding
// rectangle, pixel count and an implementation-assigned id. Invariant:
// Width,Height >= 1 and Area <= Width*Height.
type Blob struct {
	ID                   int
	MinX, MinY           int
	MaxX, MaxY           int
	Area                 int
	CentroidX, CentroidY float64

	// Pixels holds the exact member coordinates; only RowGrowScan populates
	// it, since HF-path validation measures over the captured pixel set
	// rather than the bounding box (ConnectedComponents callers only need
	// the aggregate fields above).
	Pixels [][2]int
}

func (b Blob) Width() int  { return b.MaxX - b.MinX + 1 }
func (b Blob) Height() int { return b.MaxY - b.MinY + 1 }

// unionFind is a path-compressed disjoint-set structure over label ids.
// Ties always resolve to the smaller root label, for determinism.
type unionFind struct {
	parent []int
}

func newUnionFind(n int) *unionFind {
	p := make([]int, n)
	for i := range p {
		p[i] = i
	}
	return &unionFind{parent: p}
}

func (u *unionFind) find(x int) int {
	for u.parent[x] != x {
		u.parent[x] = u.parent[u.parent[x]]
		x = u.parent[x]
	}
	return x
}

func (u *unionFind) union(a, b int) {
	ra, rb := u.find(a), u.find(b)
	if ra == rb {
		return
	}
	if ra < rb {
		u.parent[rb] = ra
	} else {
		u.parent[ra] = rb
	}
}

// ConnectedComponents labels a binary mask (non-zero = set) with 4-
// connectivity (left/top neighbors only) in a two-pass raster scan, then
// aggregates each root label's bounding rectangle, area and centroid.
// Blob.ID is the post-relabel compact index of the root, assigned in
// ascending root-label order for determinism.
func ConnectedComponents(mask []uint8, width, height int) []Blob {
	labels := make([]int, width*height)
	for i := range labels {
		labels[i] = -1
	}
	uf := newUnionFind(width * height)
	next := 0

	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			idx := y*width + x
			if mask[idx] == 0 {
				continue
			}
			var left, top = -1, -1
			if x > 0 && mask[idx-1] != 0 {
				left = labels[idx-1]
			}
			if y > 0 && mask[idx-width] != 0 {
				top = labels[idx-width]
			}
			switch {
			case left == -1 && top == -1:
				labels[idx] = next
				next++
			case left != -1 && top == -1:
				labels[idx] = left
			case left == -1 && top != -1:
				labels[idx] = top
			default:
				labels[idx] = left
				uf.union(left, top)
			}
		}
	}

	rootToIndex := make(map[int]int)
	var blobs []Blob
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			idx := y*width + x
			if mask[idx] == 0 {
				continue
			}
			root := uf.find(labels[idx])
			bi, ok := rootToIndex[root]
			if !ok {
				bi = len(blobs)
				rootToIndex[root] = bi
				blobs = append(blobs, Blob{ID: bi, MinX: x, MinY: y, MaxX: x, MaxY: y})
			}
			b := &blobs[bi]
			if x < b.MinX {
				b.MinX = x
			}
			if x > b.MaxX {
				b.MaxX = x
			}
			if y < b.MinY {
				b.MinY = y
			}
			if y > b.MaxY {
				b.MaxY = y
			}
			b.Area++
			b.CentroidX += float64(x)
			b.CentroidY += float64(y)
		}
	}
	for i := range blobs {
		if blobs[i].Area > 0 {
			blobs[i].CentroidX /= float64(blobs[i].Area)
			blobs[i].CentroidY /= float64(blobs[i].Area)
		}
	}
	return blobs
}

// RowGrowScan implements the HocusFocus-path candidate extraction (spec
// §4.5b): scan top-left to bottom-right; for each set pixel not yet
// consumed, grow a rectangle downward one row at a time, expanding left
// and right from the seed column while the row still contributes set
// pixels, stopping at the first row that adds none. minSize/maxSize gate
// both dimensions; the size filter is applied before the matched pixels
// are cleared, so an oversize structure is rejected without being
// re-entered from a different seed. mask is mutated: consumed pixels are
// cleared whether or not the candidate passes the size filter.
func RowGrowScan(mask []uint8, width, height, minSize, maxSize int) []Blob {
	var blobs []Blob
	next := 0

	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			if mask[y*width+x] == 0 {
				continue
			}
			rowMinX, rowMaxX := x, x
			for rowMinX > 0 && mask[y*width+rowMinX-1] != 0 {
				rowMinX--
			}
			for rowMaxX < width-1 && mask[y*width+rowMaxX+1] != 0 {
				rowMaxX++
			}
			minX, maxX := rowMinX, rowMaxX
			minY, maxY := y, y
			var pixels [][2]int
			for xi := rowMinX; xi <= rowMaxX; xi++ {
				pixels = append(pixels, [2]int{xi, y})
			}

			for row := y; ; {
				nextRow := row + 1
				if nextRow >= height {
					break
				}
				lo, hi := rowMinX, rowMaxX
				for lo > 0 && mask[nextRow*width+lo-1] != 0 {
					lo--
				}
				for hi < width-1 && mask[nextRow*width+hi+1] != 0 {
					hi++
				}
				added := false
				for xi := lo; xi <= hi; xi++ {
					if mask[nextRow*width+xi] != 0 {
						added = true
						pixels = append(pixels, [2]int{xi, nextRow})
						if xi < minX {
							minX = xi
						}
						if xi > maxX {
							maxX = xi
						}
					}
				}
				if !added {
					break
				}
				maxY = nextRow
				rowMinX, rowMaxX = lo, hi
				row = nextRow
			}

			w, h := maxX-minX+1, maxY-minY+1
			if w >= minSize && w <= maxSize && h >= minSize && h <= maxSize {
				var cx, cy float64
				for _, p := range pixels {
					cx += float64(p[0])
					cy += float64(p[1])
				}
				n := float64(len(pixels))
				blobs = append(blobs, Blob{
					ID: next, MinX: minX, MinY: minY, MaxX: maxX, MaxY: maxY,
					Area: len(pixels), CentroidX: cx / n, CentroidY: cy / n,
					Pixels: pixels,
				})
				next++
			}

			for _, p := range pixels {
				mask[p[1]*width+p[0]] = 0
			}
		}
	}
	return blobs
}
