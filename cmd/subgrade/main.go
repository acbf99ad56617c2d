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

// Command subgrade is a minimal demonstration of the grading core: it
// synthesizes a sub-exposure, runs both star detectors and a PSF fit on
// it, and grades a short synthetic sequence. It is not a FITS-reading or
// database-backed front end; wiring those in is left to the host
// application.
package main

import (
	"fmt"
	"math"
	"os"

	"github.com/obsgrade/subgrader/internal/pipectx"
	"github.com/obsgrade/subgrader/internal/pool"
	"github.com/obsgrade/subgrader/pkg/grading"
	"github.com/obsgrade/subgrader/pkg/hocusfocus"
	"github.com/obsgrade/subgrader/pkg/nina"
	"github.com/obsgrade/subgrader/pkg/psf"
	"github.com/obsgrade/subgrader/pkg/raster"
	"github.com/obsgrade/subgrader/pkg/stretch"
)

// syntheticFrame renders a flat background with a handful of circular
// Gaussian stars, standing in for a FITS-reader-produced raster.
func syntheticFrame(width, height int, background uint16, stars [][3]float64) *raster.U16 {
	samples := make([]float64, width*height)
	for i := range samples {
		samples[i] = float64(background)
	}
	for _, s := range stars {
		cx, cy, fwhm := s[0], s[1], s[2]
		sigma := fwhm / 2.3548
		peak := 9000.0
		for y := 0; y < height; y++ {
			for x := 0; x < width; x++ {
				dx, dy := float64(x)-cx, float64(y)-cy
				samples[y*width+x] += peak * math.Exp(-(dx*dx+dy*dy)/(2*sigma*sigma))
			}
		}
	}
	out := make([]uint16, len(samples))
	for i, v := range samples {
		if v > 65535 {
			v = 65535
		}
		out[i] = uint16(v)
	}
	r, err := raster.NewU16(width, height, out, 16)
	if err != nil {
		panic(err)
	}
	return r
}

// frameReport is the per-frame slice of a batch-detection result,
// produced on the worker pool and joined back on the main goroutine.
type frameReport struct {
	index     int
	ninaStars int
	hfStars   int
	hfAvgHFR  float64
	psfSigmaX float64
	psfSigmaY float64
	psfTheta  float64
	psfOK     bool
	err       error
}

func processFrame(ctx *pipectx.Context, frame *raster.U16) frameReport {
	var report frameReport

	stats := raster.Compute(frame.Samples, true)
	stretched := stretch.Stretch(frame, stats, stretch.DefaultParameters())

	ninaResult, err := nina.Detect(ctx, stretched, frame, nina.DefaultParams())
	if err != nil {
		report.err = fmt.Errorf("nina detection failed: %w", err)
		return report
	}
	report.ninaStars = len(ninaResult.Stars)

	hfResult, err := hocusfocus.Detect(ctx, frame, hocusfocus.DefaultParams())
	if err != nil {
		report.err = fmt.Errorf("hocusfocus detection failed: %w", err)
		return report
	}
	report.hfStars = len(hfResult.Stars)
	report.hfAvgHFR = hfResult.AverageHFR

	if len(hfResult.Stars) > 0 {
		s := hfResult.Stars[0]
		for _, c := range hfResult.Stars[1:] {
			if c.Brightness > s.Brightness {
				s = c
			}
		}
		bboxSide := math.Max(6.0, s.HFR*4)
		model, err := psf.Fit(frame, s.X, s.Y, bboxSide, bboxSide, s.Background, s.Brightness, psf.DefaultParams())
		if err != nil {
			report.err = fmt.Errorf("PSF fit failed: %w", err)
			return report
		}
		if model != nil {
			report.psfOK = true
			report.psfSigmaX, report.psfSigmaY, report.psfTheta = model.SigmaX, model.SigmaY, model.Theta
		}
	}
	return report
}

func main() {
	ctx := pipectx.Background()
	ctx.Log = os.Stdout

	frames := []*raster.U16{
		syntheticFrame(1024, 1024, 300, [][3]float64{{340.0, 512.0, 3.2}, {700.0, 480.0, 4.0}, {512.0, 700.0, 2.6}}),
		syntheticFrame(1024, 1024, 320, [][3]float64{{200.0, 300.0, 3.6}, {800.0, 600.0, 3.9}}),
		syntheticFrame(1024, 1024, 280, [][3]float64{{512.0, 512.0, 2.9}}),
	}

	// Detection of distinct frames is embarrassingly parallel: run each
	// frame's pipeline on a bounded worker pool sized to the host's cores
	// and available memory.
	const bytesPerFrame = uint64(1024 * 1024 * 2) // rough per-frame working-set estimate
	workers := pool.Size(bytesPerFrame, len(frames))
	reports := make([]frameReport, len(frames))
	pool.Run(len(frames), workers, func(i int) {
		r := processFrame(ctx, frames[i])
		r.index = i
		reports[i] = r
	})

	for _, r := range reports {
		if r.err != nil {
			fmt.Fprintln(os.Stderr, r.err)
			continue
		}
		fmt.Printf("frame %d: NINA %d stars, HocusFocus %d stars, avg HFR %.3f\n", r.index, r.ninaStars, r.hfStars, r.hfAvgHFR)
		if r.psfOK {
			fmt.Printf("  PSF fit on brightest star: sigma=(%.3f,%.3f) theta=%.3f rad\n", r.psfSigmaX, r.psfSigmaY, r.psfTheta)
		} else {
			fmt.Println("  PSF fit did not converge for the brightest star")
		}
	}

	sequence := []grading.ImageSummary{
		{ID: 1, TargetID: 1, FilterName: "L", HFR: 3.0, HasHFR: true, StarCount: 120, HasStarCount: true, ExposureStartTime: 0},
		{ID: 2, TargetID: 1, FilterName: "L", HFR: 3.0, HasHFR: true, StarCount: 118, HasStarCount: true, ExposureStartTime: 1},
		{ID: 3, TargetID: 1, FilterName: "L", HFR: 3.1, HasHFR: true, StarCount: 121, HasStarCount: true, ExposureStartTime: 2},
		{ID: 4, TargetID: 1, FilterName: "L", HFR: 3.0, HasHFR: true, StarCount: 119, HasStarCount: true, ExposureStartTime: 3},
		{ID: 5, TargetID: 1, FilterName: "L", HFR: 3.1, HasHFR: true, StarCount: 120, HasStarCount: true, ExposureStartTime: 4},
		{ID: 6, TargetID: 1, FilterName: "L", HFR: 4.5, HasHFR: true, StarCount: 80, HasStarCount: true, ExposureStartTime: 5},
		{ID: 7, TargetID: 1, FilterName: "L", HFR: 3.0, HasHFR: true, StarCount: 122, HasStarCount: true, ExposureStartTime: 6},
	}
	rejections := grading.Grade(sequence, grading.DefaultConfig())
	fmt.Printf("StatGrader: %d rejection(s) over %d images\n", len(rejections), len(sequence))
	for _, r := range rejections {
		fmt.Printf("  image %d: %s (%s)\n", r.ImageID, r.Reason, r.Details)
	}
}
