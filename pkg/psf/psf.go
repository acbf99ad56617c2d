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

// Package psf implements sub-pixel Levenberg-Marquardt fitting of Gaussian
// and Moffat-beta=4 elliptical PSF models to a star's region of interest.
package psf

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/obsgrade/subgrader/pkg/raster"
)

// Type selects the PSF model fitted to a star.
type Type int

const (
	None Type = iota
	Gaussian
	Moffat4
)

// nParams is the shared parameter count for both models: A, B, x0, y0,
// sigma_x, sigma_y, theta.
const nParams = 7

// Params configures ROI extraction and the LM solver.
type Params struct {
	Type           Type
	ROISize        int     // side of the square sampling window, in pixels
	SampleSpacing  float64 // spacing between samples within the ROI
	MaxIterations  int
	Tolerance      float64 // SSR convergence threshold
	InitialLambda  float64
	LambdaFactor   float64
	LambdaCeiling  float64
}

// DefaultParams returns the fitter's documented defaults.
func DefaultParams() Params {
	return Params{
		Type:          Gaussian,
		ROISize:       32,
		SampleSpacing: 0.5,
		MaxIterations: 100,
		Tolerance:     1e-6,
		InitialLambda: 0.01,
		LambdaFactor:  10.0,
		LambdaCeiling: 1e10,
	}
}

// Model is the fitted PSF, relative to the centroid passed to Fit.
type Model struct {
	Type         Type
	Amplitude    float64
	Background   float64
	X0, Y0       float64
	SigmaX       float64
	SigmaY       float64
	Theta        float64
	RSquared     float64
	RMSE         float64
	FWHM         float64
	Eccentricity float64
}

// sample is one sub-pixel (position, observed value) pair, position
// relative to the fit centroid.
type sample struct {
	x, y  float64
	value float64
}

// bilinearSample interpolates the original raster at fractional (x,y),
// clamped to raster bounds.
func bilinearSample(r *raster.U16, x, y float64) float64 {
	if x < 0 {
		x = 0
	}
	if x > float64(r.Width-1) {
		x = float64(r.Width - 1)
	}
	if y < 0 {
		y = 0
	}
	if y > float64(r.Height-1) {
		y = float64(r.Height - 1)
	}

	x0 := int(math.Floor(x))
	y0 := int(math.Floor(y))
	x1 := x0 + 1
	if x1 > r.Width-1 {
		x1 = r.Width - 1
	}
	y1 := y0 + 1
	if y1 > r.Height-1 {
		y1 = r.Height - 1
	}

	fx := x - float64(x0)
	fy := y - float64(y0)

	p00 := float64(r.At(x0, y0))
	p10 := float64(r.At(x1, y0))
	p01 := float64(r.At(x0, y1))
	p11 := float64(r.At(x1, y1))

	p0 := p00*(1-fx) + p10*fx
	p1 := p01*(1-fx) + p11*fx
	return p0*(1-fy) + p1*fy
}

// extractROI samples a square of side p.ROISize, spaced p.SampleSpacing
// apart, around (centerX, centerY). Positions are stored relative to the
// centroid; samples that would fall outside the raster are omitted rather
// than clamped or synthesized.
func extractROI(r *raster.U16, centerX, centerY float64, p Params) []sample {
	half := float64(p.ROISize) / 2.0
	var samples []sample
	for dy := -half; dy <= half; dy += p.SampleSpacing {
		for dx := -half; dx <= half; dx += p.SampleSpacing {
			sx, sy := centerX+dx, centerY+dy
			if sx < 0 || sx >= float64(r.Width) || sy < 0 || sy >= float64(r.Height) {
				continue
			}
			samples = append(samples, sample{x: dx, y: dy, value: bilinearSample(r, sx, sy)})
		}
	}
	return samples
}

// model evaluates a PSF and its gradient with respect to the 7-parameter
// vector p = [A, B, x0, y0, sigmaX, sigmaY, theta].
type model interface {
	value(x, y float64, p []float64) float64
	gradient(x, y float64, p []float64, grad []float64)
	fwhmScale() float64
}

type gaussianModel struct{}

func (gaussianModel) value(x, y float64, p []float64) float64 {
	a, b, x0, y0, sx, sy, theta := p[0], p[1], p[2], p[3], p[4], p[5], p[6]
	cosT, sinT := math.Cos(theta), math.Sin(theta)
	dx, dy := x-x0, y-y0
	xp := dx*cosT + dy*sinT
	yp := -dx*sinT + dy*cosT
	arg := -(xp*xp/(2*sx*sx) + yp*yp/(2*sy*sy))
	return b + a*math.Exp(arg)
}

func (gaussianModel) gradient(x, y float64, p []float64, grad []float64) {
	a, _, x0, y0, sx, sy, theta := p[0], p[1], p[2], p[3], p[4], p[5], p[6]
	cosT, sinT := math.Cos(theta), math.Sin(theta)
	dx, dy := x-x0, y-y0
	xp := dx*cosT + dy*sinT
	yp := -dx*sinT + dy*cosT
	sx2, sy2 := sx*sx, sy*sy
	arg := -(xp*xp/(2*sx2) + yp*yp/(2*sy2))
	expArg := math.Exp(arg)

	grad[0] = expArg
	grad[1] = 1.0
	grad[2] = a * expArg * (xp*cosT/sx2 - yp*sinT/sy2)
	grad[3] = a * expArg * (xp*sinT/sx2 + yp*cosT/sy2)
	grad[4] = a * expArg * xp * xp / (sx2 * sx)
	grad[5] = a * expArg * yp * yp / (sy2 * sy)
	grad[6] = -a * expArg * xp * yp * (1/sx2 - 1/sy2)
}

func (gaussianModel) fwhmScale() float64 { return 2 * math.Sqrt(2*math.Ln2) }

type moffat4Model struct{}

const moffatBeta = 4.0

func (moffat4Model) value(x, y float64, p []float64) float64 {
	a, b, x0, y0, u, v, theta := p[0], p[1], p[2], p[3], p[4], p[5], p[6]
	cosT, sinT := math.Cos(theta), math.Sin(theta)
	dx, dy := x-x0, y-y0
	xp := dx*cosT + dy*sinT
	yp := -dx*sinT + dy*cosT
	d := 1.0 + xp*xp/(u*u) + yp*yp/(v*v)
	return b + a/math.Pow(d, moffatBeta)
}

func (moffat4Model) gradient(x, y float64, p []float64, grad []float64) {
	a, _, x0, y0, u, v, theta := p[0], p[1], p[2], p[3], p[4], p[5], p[6]
	cosT, sinT := math.Cos(theta), math.Sin(theta)
	dx, dy := x-x0, y-y0
	xp := dx*cosT + dy*sinT
	yp := -dx*sinT + dy*cosT

	u2, v2 := u*u, v*v
	u3, v3 := u2*u, v2*v
	xp2, yp2 := xp*xp, yp*yp

	d := 1.0 + xp2/u2 + yp2/v2

	grad[0] = math.Pow(d, -moffatBeta)
	grad[1] = 1.0

	factor := -a * moffatBeta * math.Pow(d, -moffatBeta-1.0)

	grad[2] = factor * (2*sinT*yp/v2 - 2*cosT*xp/u2)
	grad[3] = factor * (-2*sinT*xp/u2 - 2*cosT*yp/v2)
	grad[4] = (2 * a * moffatBeta / u3) * xp2 * math.Pow(d, -moffatBeta-1.0)
	grad[5] = (2 * a * moffatBeta / v3) * yp2 * math.Pow(d, -moffatBeta-1.0)
	grad[6] = factor * (2 * yp * xp * (1/u2 - 1/v2))
}

func (moffat4Model) fwhmScale() float64 { return 2 * math.Sqrt(math.Pow(2, 0.25)-1.0) }

func modelFor(t Type) model {
	switch t {
	case Moffat4:
		return moffat4Model{}
	default:
		return gaussianModel{}
	}
}

// bounds holds the lower/upper projection vectors for the LM solver.
type bounds struct {
	lower, upper [nParams]float64
}

func computeBounds(peak, background, bboxW, bboxH float64) bounds {
	dxLimit := bboxW / 8.0
	dyLimit := bboxH / 8.0
	sigmaMax := math.Hypot(bboxW, bboxH) / 2.0
	var b bounds
	b.lower = [nParams]float64{0, 0, -dxLimit, -dyLimit, 0.1, 0.1, -math.Pi / 2}
	b.upper = [nParams]float64{2 * (peak - background), peak, dxLimit, dyLimit, sigmaMax, sigmaMax, math.Pi / 2}
	return b
}

func clampToBounds(p []float64, b bounds) {
	for i := range p {
		if p[i] < b.lower[i] {
			p[i] = b.lower[i]
		}
		if p[i] > b.upper[i] {
			p[i] = b.upper[i]
		}
	}
}

// sumSquaredResiduals evaluates the model against every sample and
// returns the sum of squared residuals.
func sumSquaredResiduals(m model, samples []sample, p []float64) float64 {
	var ssr float64
	for _, s := range samples {
		r := s.value - m.value(s.x, s.y, p)
		ssr += r * r
	}
	return ssr
}

// levenbergMarquardt fits a copy of initial (which is left unmodified),
// returning the best parameter vector found and whether SSR ever strictly decreased: a trial step is
// only accepted when it strictly decreases SSR.
func levenbergMarquardt(m model, samples []sample, initial []float64, b bounds, p Params) ([]float64, bool) {
	n := len(samples)
	params := append([]float64(nil), initial...)
	bestParams := append([]float64(nil), initial...)
	bestSSR := math.MaxFloat64
	improved := false

	lambda := p.InitialLambda
	jac := mat.NewDense(n, nParams, nil)
	res := mat.NewVecDense(n, nil)
	grad := make([]float64, nParams)

	for iter := 0; iter < p.MaxIterations; iter++ {
		var currentSSR float64
		for i, s := range samples {
			predicted := m.value(s.x, s.y, params)
			r := s.value - predicted
			res.SetVec(i, r)
			currentSSR += r * r

			m.gradient(s.x, s.y, params, grad)
			for j, g := range grad {
				jac.Set(i, j, g)
			}
		}

		if currentSSR < bestSSR {
			bestSSR = currentSSR
			copy(bestParams, params)
		}

		if currentSSR < p.Tolerance {
			break
		}

		var jt mat.Dense
		jt.CloneFrom(jac.T())
		var jtj mat.Dense
		jtj.Mul(&jt, jac)
		var jtr mat.VecDense
		jtr.MulVec(&jt, res)

		for {
			var h mat.Dense
			h.CloneFrom(&jtj)
			for i := 0; i < nParams; i++ {
				h.Set(i, i, h.At(i, i)+lambda)
			}

			var delta mat.VecDense
			err := delta.SolveVec(&h, &jtr)
			if err != nil {
				lambda *= p.LambdaFactor
				if lambda > p.LambdaCeiling {
					return bestParams, improved
				}
				continue
			}

			newParams := make([]float64, nParams)
			for i := range newParams {
				newParams[i] = params[i] + delta.AtVec(i)
			}
			clampToBounds(newParams, b)

			newSSR := sumSquaredResiduals(m, samples, newParams)
			if newSSR < currentSSR {
				params = newParams
				lambda /= p.LambdaFactor
				improved = true
				break
			}
			lambda *= p.LambdaFactor
			if lambda > p.LambdaCeiling {
				return bestParams, improved
			}
		}
	}

	return bestParams, improved
}

// Fit fits the configured PSF model to the region of interest around
// (centerX, centerY) in src, using bboxW/bboxH (the detector's bounding
// box dimensions) to size the initial guess and bounds, and peak/
// background as the star's measured peak brightness and local background.
// Returns (nil, nil) for Params.Type == None, for fewer than 10 ROI
// samples, or when the solver never reduced SSR: none of these are
// treated as an error.
func Fit(src *raster.U16, centerX, centerY, bboxW, bboxH, background, peak float64, p Params) (*Model, error) {
	if p.Type == None {
		return nil, nil
	}

	samples := extractROI(src, centerX, centerY, p)
	if len(samples) < 10 {
		return nil, nil
	}

	m := modelFor(p.Type)
	initial := []float64{peak - background, background, 0, 0, bboxW / 3.0, bboxH / 3.0, 0}
	b := computeBounds(peak, background, bboxW, bboxH)
	clampToBounds(initial, b)

	fitted, improved := levenbergMarquardt(m, samples, initial, b, p)
	if !improved {
		return nil, nil
	}

	ssr := sumSquaredResiduals(m, samples, fitted)

	var meanValue float64
	for _, s := range samples {
		meanValue += s.value
	}
	meanValue /= float64(len(samples))

	var sst float64
	for _, s := range samples {
		d := s.value - meanValue
		sst += d * d
	}

	rSquared := 0.0
	if sst > 0 {
		rSquared = 1.0 - ssr/sst
	}
	rmse := math.Sqrt(ssr / float64(len(samples)))

	sigmaX, sigmaY := math.Abs(fitted[4]), math.Abs(fitted[5])
	avgSigma := (sigmaX + sigmaY) / 2.0

	maxSigma, minSigma := sigmaX, sigmaY
	if minSigma > maxSigma {
		maxSigma, minSigma = minSigma, maxSigma
	}
	ecc := 0.0
	if maxSigma > 0 {
		ratio := minSigma / maxSigma
		ecc = math.Sqrt(1 - ratio*ratio)
	}

	return &Model{
		Type:         p.Type,
		Amplitude:    fitted[0],
		Background:   fitted[1],
		X0:           fitted[2],
		Y0:           fitted[3],
		SigmaX:       sigmaX,
		SigmaY:       sigmaY,
		Theta:        fitted[6],
		RSquared:     rSquared,
		RMSE:         rmse,
		FWHM:         avgSigma * m.fwhmScale(),
		Eccentricity: ecc,
	}, nil
}
