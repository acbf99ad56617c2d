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

package psf

import (
	"math"
	"testing"

	"github.com/obsgrade/subgrader/pkg/raster"
)

// syntheticGaussian renders a rotated elliptical Gaussian star onto a
// width x height raster at (cx,cy) with the given sigmas and rotation.
func syntheticGaussian(t *testing.T, width, height int, cx, cy, sigmaX, sigmaY, theta, amplitude, background float64) *raster.U16 {
	t.Helper()
	cosT, sinT := math.Cos(theta), math.Sin(theta)
	samples := make([]uint16, width*height)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			dx, dy := float64(x)-cx, float64(y)-cy
			xp := dx*cosT + dy*sinT
			yp := -dx*sinT + dy*cosT
			arg := -(xp*xp/(2*sigmaX*sigmaX) + yp*yp/(2*sigmaY*sigmaY))
			v := background + amplitude*math.Exp(arg)
			if v > 65535 {
				v = 65535
			}
			samples[y*width+x] = uint16(v)
		}
	}
	r, err := raster.NewU16(width, height, samples, 16)
	if err != nil {
		t.Fatalf("NewU16: %v", err)
	}
	return r
}

func TestFitRecoversGaussianParameters(t *testing.T) {
	// Synthetic Gaussian stars should recover sigma within 5% and
	// theta within 0.05 rad.
	const (
		cx, cy           = 64.0, 64.0
		sigmaX, sigmaY   = 2.2, 1.7
		theta            = 0.3
		amplitude        = 8000.0
		background       = 200.0
	)
	src := syntheticGaussian(t, 128, 128, cx, cy, sigmaX, sigmaY, theta, amplitude, background)

	p := DefaultParams()
	model, err := Fit(src, cx, cy, sigmaX*3, sigmaY*3, background, background+amplitude, p)
	if err != nil {
		t.Fatalf("Fit: %v", err)
	}
	if model == nil {
		t.Fatal("expected a fitted model, got nil")
	}

	if math.Abs(model.SigmaX-sigmaX)/sigmaX > 0.05 {
		t.Errorf("sigmaX = %.4f, want within 5%% of %.4f", model.SigmaX, sigmaX)
	}
	if math.Abs(model.SigmaY-sigmaY)/sigmaY > 0.05 {
		t.Errorf("sigmaY = %.4f, want within 5%% of %.4f", model.SigmaY, sigmaY)
	}

	thetaDiff := math.Abs(model.Theta - theta)
	if thetaDiff > math.Pi/2 {
		thetaDiff = math.Pi - thetaDiff // sigmaX/sigmaY and theta+-pi/2 are degenerate
	}
	if thetaDiff > 0.05 {
		t.Errorf("theta = %.4f, want within 0.05 rad of %.4f", model.Theta, theta)
	}

	if model.RSquared > 1 {
		t.Errorf("r_squared = %.4f, must be <= 1", model.RSquared)
	}
	if model.Eccentricity < 0 || model.Eccentricity >= 1 {
		t.Errorf("eccentricity = %.4f, must be in [0,1)", model.Eccentricity)
	}
}

func TestFitMoffat4RecoversCircularStar(t *testing.T) {
	src := syntheticGaussian(t, 96, 96, 48, 48, 2.0, 2.0, 0, 6000, 150)

	p := DefaultParams()
	p.Type = Moffat4
	model, err := Fit(src, 48, 48, 6, 6, 150, 6150, p)
	if err != nil {
		t.Fatalf("Fit: %v", err)
	}
	if model == nil {
		t.Fatal("expected a fitted model, got nil")
	}
	if model.FWHM <= 0 {
		t.Errorf("FWHM = %.4f, want > 0", model.FWHM)
	}
	if model.Eccentricity > 0.3 {
		t.Errorf("eccentricity = %.4f, want near-circular for a symmetric star", model.Eccentricity)
	}
}

func TestFitNoneTypeReturnsAbsentModel(t *testing.T) {
	src := syntheticGaussian(t, 64, 64, 32, 32, 2.0, 2.0, 0, 5000, 100)
	p := DefaultParams()
	p.Type = None
	model, err := Fit(src, 32, 32, 6, 6, 100, 5100, p)
	if err != nil {
		t.Fatalf("Fit: %v", err)
	}
	if model != nil {
		t.Errorf("expected absent model for Type=None, got %+v", model)
	}
}

func TestFitTooFewSamplesReturnsAbsentModel(t *testing.T) {
	src := syntheticGaussian(t, 8, 8, 4, 4, 1.0, 1.0, 0, 3000, 100)
	p := DefaultParams()
	p.ROISize = 0
	p.SampleSpacing = 1
	model, err := Fit(src, 4, 4, 2, 2, 100, 3100, p)
	if err != nil {
		t.Fatalf("Fit: %v", err)
	}
	if model != nil {
		t.Errorf("expected absent model with too few ROI samples, got %+v", model)
	}
}

func TestBilinearSampleClampsToBounds(t *testing.T) {
	samples := []uint16{10, 20, 30, 40}
	src, err := raster.NewU16(2, 2, samples, 16)
	if err != nil {
		t.Fatalf("NewU16: %v", err)
	}
	if v := bilinearSample(src, -5, -5); v != 10 {
		t.Errorf("bilinearSample out-of-bounds low = %v, want 10", v)
	}
	if v := bilinearSample(src, 5, 5); v != 40 {
		t.Errorf("bilinearSample out-of-bounds high = %v, want 40", v)
	}
	if v := bilinearSample(src, 0.5, 0.5); v != 25 {
		t.Errorf("bilinearSample(0.5,0.5) = %v, want 25 (average of all four corners)", v)
	}
}
