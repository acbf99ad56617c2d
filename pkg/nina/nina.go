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

// Package nina implements the NINA-compatible edge-and-blob star detector:
// Canny + SIS threshold + dilation + connected components, followed by
// per-blob background subtraction, HFR and radius-statistics filtering.
package nina

import (
	"image"
	"math"

	"golang.org/x/image/draw"

	"github.com/obsgrade/subgrader/internal/pipectx"
	"github.com/obsgrade/subgrader/pkg/blob"
	"github.com/obsgrade/subgrader/pkg/convolution"
	"github.com/obsgrade/subgrader/pkg/raster"
)

// Sensitivity trades detection recall against run time via the resize
// factor applied before structure detection.
type Sensitivity int

const (
	Normal Sensitivity = iota
	High
	Highest
)

// NoiseReduction selects the pre-detection smoothing pass.
type NoiseReduction int

const (
	NoiseNone NoiseReduction = iota
	NoiseNormal
	NoiseHigh
	NoiseHighest
	NoiseMedian
)

// RoundingMode governs the background-subtraction rounding of step 9,
// exposed as a parameter rather than hard-coded.
type RoundingMode int

const (
	RoundHalfToEven RoundingMode = iota
	RoundHalfAwayFromZero
)

// Rect is an axis-aligned integer rectangle, x/y/width/height.
type Rect struct {
	X, Y, W, H int
}

// Params holds the NINA detector's tunable defaults.
type Params struct {
	Sensitivity    Sensitivity
	NoiseReduction NoiseReduction
	ROI            *Rect

	// PreserveEdgeFilterBug reproduces the reference's right-edge off-by-one:
	// the comparison degenerates to position.X < position.X + width - 2,
	// which only rejects stars when width <= 2. Defaults to true for
	// bit-for-bit compatibility.
	PreserveEdgeFilterBug bool
	RoundingMode          RoundingMode
}

// DefaultParams mirrors the reference's defaults.
func DefaultParams() Params {
	return Params{
		Sensitivity:           Normal,
		NoiseReduction:        NoiseNone,
		PreserveEdgeFilterBug: true,
		RoundingMode:          RoundHalfToEven,
	}
}

const maxWidth = 1552

// Star is a single validated NINA-path detection.
type Star struct {
	X, Y           float64
	Radius         float64
	HFR            float64
	MeanBrightness float64
	MaxBrightness  float64
	Background     float64
	BoundingRect   Rect
}

// FilterCounts tallies how many blob candidates were dropped at each
// stage, grounded on the reference's per-stage eprintln! counters.
type FilterCounts struct {
	SizeFiltered         int
	ROIFiltered          int
	FailedDetection      int
	EdgeFiltered         int
	EccentricityRejected int
	RadiusFiltered       int
}

// Result is the detection output.
type Result struct {
	Stars      []Star
	AverageHFR float64
	HFRStdDev  float64
	Counts     FilterCounts
}

// Detect runs the full NINA pipeline against detectionSrc (used for edge
// detection; may already be MTF-stretched) and originalSrc (used for HFR
// and background measurement). Both must share the same dimensions.
func Detect(ctx *pipectx.Context, detectionSrc, originalSrc *raster.U16, p Params) (Result, error) {
	if ctx == nil {
		ctx = pipectx.Background()
	}
	width, height := detectionSrc.Width, detectionSrc.Height
	if originalSrc.Width != width || originalSrc.Height != height {
		return Result{}, &raster.ErrInvalidInput{Reason: "detection and original rasters must share dimensions"}
	}

	resizeFactor := 1.0
	if width > maxWidth {
		switch p.Sensitivity {
		case Highest:
			resizeFactor = math.Max(2.0/3.0, float64(maxWidth)/float64(width))
		case High:
			resizeFactor = math.Max(1.0/3.0, float64(maxWidth)/float64(width))
		default:
			resizeFactor = float64(maxWidth) / float64(width)
		}
	}
	inverseResize := 1.0 / resizeFactor
	minStarSize := int(math.Floor(5.0 * resizeFactor))
	if minStarSize < 2 {
		minStarSize = 2
	}
	maxStarSize := int(math.Ceil(150.0 * resizeFactor))
	ctx.Trace("nina: %dx%d resize_factor=%.3f min=%d max=%d", width, height, resizeFactor, minStarSize, maxStarSize)

	img8 := to8Bit(detectionSrc.Samples)
	img8 = applyNoiseReduction(img8, width, height, p.NoiseReduction)

	resizedW, resizedH := width, height
	if resizeFactor != 1.0 {
		resizedW = maxInt(1, int(math.Round(float64(width)*resizeFactor)))
		resizedH = maxInt(1, int(math.Round(float64(height)*resizeFactor)))
		img8 = resizeBicubic(img8, width, height, resizedW, resizedH)
	}
	ctx.Trace("nina: resized to %dx%d", resizedW, resizedH)

	preBlur := p.Sensitivity == Normal
	img8 = convolution.Canny(img8, resizedW, resizedH, 10, 80, preBlur)
	img8 = convolution.SISThreshold(img8, resizedW, resizedH)
	img8 = convolution.Dilate3x3(img8, resizedW, resizedH)

	blobs := blob.ConnectedComponents(img8, resizedW, resizedH)
	ctx.Trace("nina: %d blobs", len(blobs))

	var stars []Star
	var counts FilterCounts
	var sumRadius, sumSquares float64

	for _, b := range blobs {
		bw, bh := b.Width(), b.Height()
		if bw > maxStarSize || bh > maxStarSize || bw < minStarSize || bh < minStarSize {
			counts.SizeFiltered++
			continue
		}
		if p.ROI != nil {
			counts.ROIFiltered++
			continue
		}

		rect := Rect{
			X: int(math.Floor(float64(b.MinX) * inverseResize)),
			Y: int(math.Floor(float64(b.MinY) * inverseResize)),
			W: int(math.Ceil(float64(bw) * inverseResize)),
			H: int(math.Ceil(float64(bh) * inverseResize)),
		}

		eccentricity := eccentricityOf(float64(rect.W), float64(rect.H))
		if eccentricity > 0.8 {
			counts.EccentricityRejected++
			continue
		}

		centerX := (float64(b.MinX) + float64(bw)/2) * inverseResize
		centerY := (float64(b.MinY) + float64(bh)/2) * inverseResize
		radius := math.Max(float64(rect.W), float64(rect.H)) / 2

		largeX := maxInt(rect.X-rect.W, 0)
		largeY := maxInt(rect.Y-rect.H, 0)
		largeW := rect.W * 3
		if largeX+largeW > width {
			largeW = width - largeX
		}
		largeH := rect.H * 3
		if largeY+largeH > height {
			largeH = height - largeY
		}
		largeRect := Rect{X: largeX, Y: largeY, W: largeW, H: largeH}

		star := Star{X: centerX, Y: centerY, Radius: radius, BoundingRect: rect}
		ok, analyzed := analyzeStarPixels(originalSrc, star, largeRect, width, height)
		if !ok {
			counts.FailedDetection++
			continue
		}
		star = analyzed

		star = calculateHFR(originalSrc, star, p.RoundingMode, width, height)

		if edgeFilterPasses(star, rect, p.PreserveEdgeFilterBug) {
			stars = append(stars, star)
			sumRadius += star.Radius
			sumSquares += star.Radius * star.Radius
		} else {
			counts.EdgeFiltered++
		}
	}

	if len(stars) == 0 {
		return Result{Counts: counts}, nil
	}

	n := float64(len(stars))
	avg := sumRadius / n
	variance := (sumSquares - n*avg*avg) / n
	if variance < 0 {
		variance = 0
	}
	stdev := math.Sqrt(variance)

	lowerK := 1.5
	upperK := 1.5
	if p.Sensitivity == Highest {
		upperK = 2.0
	}
	var filtered []Star
	for _, s := range stars {
		if s.Radius <= avg+upperK*stdev && s.Radius >= avg-lowerK*stdev {
			filtered = append(filtered, s)
		} else {
			counts.RadiusFiltered++
		}
	}
	stars = filtered

	result := Result{Stars: stars, Counts: counts}
	if len(stars) > 0 {
		var sumHFR float64
		for _, s := range stars {
			sumHFR += s.HFR
		}
		mean := sumHFR / float64(len(stars))
		result.AverageHFR = mean
		if len(stars) > 1 {
			var sq float64
			for _, s := range stars {
				d := s.HFR - mean
				sq += d * d
			}
			result.HFRStdDev = math.Sqrt(sq / float64(len(stars)-1))
		}
	}
	return result, nil
}

func to8Bit(samples []uint16) []uint8 {
	out := make([]uint8, len(samples))
	for i, v := range samples {
		out[i] = uint8(v >> 8)
	}
	return out
}

func applyNoiseReduction(img []uint8, width, height int, nr NoiseReduction) []uint8 {
	switch nr {
	case NoiseNormal:
		return convolution.BlurU8(img, width, height, 1, 0.5, convolution.Reflect)
	case NoiseHigh:
		return convolution.BlurU8(img, width, height, 2, 1.0, convolution.Reflect)
	case NoiseHighest:
		return convolution.BlurU8(img, width, height, 3, 1.5, convolution.Reflect)
	case NoiseMedian:
		return convolution.Median3x3(img, width, height)
	default:
		return img
	}
}

func eccentricityOf(w, h float64) float64 {
	major, minor := w, h
	if minor > major {
		major, minor = minor, major
	}
	if major == 0 {
		return 0
	}
	ratio := minor / major
	return math.Sqrt(1 - ratio*ratio)
}

func insideCircle(x, y, cx, cy, r float64) bool {
	dx, dy := x-cx, y-cy
	return dx*dx+dy*dy <= r*r
}

func analyzeStarPixels(original *raster.U16, star Star, large Rect, width, height int) (bool, Star) {
	var starSum float64
	var starCount int
	var bgSum, bgSumSq float64
	var bgCount int

	rect := star.BoundingRect
	for y := large.Y; y < large.Y+large.H; y++ {
		if y < 0 || y >= height {
			continue
		}
		for x := large.X; x < large.X+large.W; x++ {
			if x < 0 || x >= width {
				continue
			}
			v := float64(original.At(x, y))
			inRect := x >= rect.X && x < rect.X+rect.W && y >= rect.Y && y < rect.Y+rect.H
			if inRect {
				if insideCircle(float64(x), float64(y), star.X, star.Y, star.Radius) {
					starSum += v
					starCount++
					if v > star.MaxBrightness {
						star.MaxBrightness = v
					}
				}
			} else {
				bgSum += v
				bgSumSq += v * v
				bgCount++
			}
		}
	}
	if starCount == 0 {
		return false, star
	}

	star.MeanBrightness = starSum / float64(starCount)
	bgMean := 0.0
	bgStdev := 0.0
	if bgCount > 0 {
		bgMean = bgSum / float64(bgCount)
		variance := bgSumSq/float64(bgCount) - bgMean*bgMean
		if variance < 0 {
			variance = 0
		}
		bgStdev = math.Sqrt(variance)
	}
	star.Background = bgMean

	minBrightPixels := int(math.Ceil(math.Max(float64(width), float64(height)) / 1000.0))
	brightThreshold := bgMean + 1.5*bgStdev

	var innerBright int
	for y := rect.Y; y < rect.Y+rect.H; y++ {
		if y < 0 || y >= height {
			continue
		}
		for x := rect.X; x < rect.X+rect.W; x++ {
			if x < 0 || x >= width {
				continue
			}
			if insideCircle(float64(x), float64(y), star.X, star.Y, star.Radius) {
				if float64(original.At(x, y)) > brightThreshold {
					innerBright++
				}
			}
		}
	}

	brightnessThreshold := bgMean + math.Min(0.1*bgMean, bgStdev)
	isStar := star.MeanBrightness >= brightnessThreshold && innerBright > minBrightPixels
	return isStar, star
}

func calculateHFR(original *raster.U16, star Star, mode RoundingMode, width, height int) Star {
	outerRadius := star.Radius * 1.2
	rect := star.BoundingRect

	var sum, sumDist, allSum, sumValX, sumValY float64
	var pixelCount int

	for y := rect.Y; y < rect.Y+rect.H; y++ {
		if y < 0 || y >= height {
			continue
		}
		for x := rect.X; x < rect.X+rect.W; x++ {
			if x < 0 || x >= width {
				continue
			}
			pv := float64(original.At(x, y))
			value := roundHalf(pv-star.Background, mode)
			if value < 0 {
				value = 0
			}
			allSum += value
			pixelCount++

			if insideCircle(float64(x), float64(y), star.X, star.Y, outerRadius) {
				dx := float64(x) - star.X
				dy := float64(y) - star.Y
				dist := math.Sqrt(dx*dx + dy*dy)
				sum += value
				sumDist += value * dist
				sumValX += (float64(x) - float64(rect.X)) * value
				sumValY += (float64(y) - float64(rect.Y)) * value
			}
		}
	}

	if sum > 0 {
		star.HFR = sumDist / sum
	} else {
		star.HFR = math.Sqrt2 * outerRadius
	}
	if pixelCount > 0 {
		star.MeanBrightness = allSum / float64(pixelCount)
	}
	if sum > 0 {
		star.X = sumValX/sum + float64(rect.X)
		star.Y = sumValY/sum + float64(rect.Y)
	}
	return star
}

func roundHalf(x float64, mode RoundingMode) float64 {
	if mode == RoundHalfAwayFromZero {
		return math.Round(x)
	}
	truncated := math.Trunc(x)
	frac := x - truncated
	switch {
	case frac > 0.5 || frac < -0.5:
		return math.Round(x)
	case frac == 0.5:
		if math.Mod(truncated, 2) == 0 {
			return truncated
		}
		return truncated + 1
	case frac == -0.5:
		if math.Mod(truncated, 2) == 0 {
			return truncated
		}
		return truncated - 1
	default:
		return truncated
	}
}

// edgeFilterPasses rejects stars too close to the detection raster's
// border, including the right-edge compatibility toggle.
func edgeFilterPasses(star Star, rect Rect, preserveBug bool) bool {
	if !(star.X > float64(rect.X+1) && star.Y > float64(rect.Y+1)) {
		return false
	}
	if preserveBug {
		// reference bug: compares position.X against itself plus width, a
		// no-op unless width <= 2.
		return star.X < star.X+float64(rect.W)-2 && star.Y < float64(rect.Y+rect.H-2)
	}
	return star.X < float64(rect.X+rect.W-2) && star.Y < float64(rect.Y+rect.H-2)
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func resizeBicubic(img []uint8, width, height, dstW, dstH int) []uint8 {
	src := image.NewGray(image.Rect(0, 0, width, height))
	copy(src.Pix, img)
	dst := image.NewGray(image.Rect(0, 0, dstW, dstH))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Over, nil)
	return dst.Pix
}
