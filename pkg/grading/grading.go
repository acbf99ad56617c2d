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

// Package grading implements the longitudinal statistical grader: per
// (target, filter) z-score and MAD outlier detection plus a sequential
// cloud detector with rolling-baseline reset.
package grading

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"
)

// RejectionReason enumerates the statistical rejection kinds.
type RejectionReason int

const (
	StatHFR RejectionReason = iota
	StatStars
	DistHFR
	DistStars
	CloudHFR
	CloudStars
)

func (r RejectionReason) String() string {
	switch r {
	case StatHFR:
		return "StatHFR"
	case StatStars:
		return "StatStars"
	case DistHFR:
		return "DistHFR"
	case DistStars:
		return "DistStars"
	case CloudHFR:
		return "CloudHFR"
	case CloudStars:
		return "CloudStars"
	default:
		return "Unknown"
	}
}

// Status is the current grading status of an image, carried through
// unmodified by the grader.
type Status int

const (
	Pending Status = iota
	Accepted
	Rejected
)

// ImageSummary is one graded frame's input record to the grader.
type ImageSummary struct {
	ID                int64
	TargetID          int64
	FilterName        string
	HFR               float64
	HasHFR            bool
	StarCount         int
	HasStarCount      bool
	ExposureStartTime int64 // unix seconds; only relative order matters
	CurrentStatus     Status
}

// StatisticalRejection records one rejection verdict for an image.
type StatisticalRejection struct {
	ImageID int64
	Reason  RejectionReason
	Details string
}

// Config holds the grader's thresholds, all independently settable with
// the grader's documented defaults.
type Config struct {
	HFRThreshold       float64 // tau_hfr, default 2.0
	StarCountThreshold float64 // tau_stars, default 2.0
	ShiftThreshold     float64 // tau_shift, default 0.10
	CloudThreshold     float64 // tau_cloud, default 0.20
	BaselineSize       int     // N_baseline, default 5
	MinGroupSize       int     // default 3
}

// DefaultConfig returns the grader's documented defaults.
func DefaultConfig() Config {
	return Config{
		HFRThreshold:       2.0,
		StarCountThreshold: 2.0,
		ShiftThreshold:     0.10,
		CloudThreshold:     0.20,
		BaselineSize:       5,
		MinGroupSize:       3,
	}
}

type groupKey struct {
	targetID   int64
	filterName string
}

// Grade groups images by (target_id, filter_name), skips groups smaller
// than cfg.MinGroupSize, and runs the outlier, distributional, and cloud
// passes over each remaining group sorted by exposure_start_time. The
// input slice is not mutated.
func Grade(images []ImageSummary, cfg Config) []StatisticalRejection {
	groups := make(map[groupKey][]ImageSummary)
	var order []groupKey
	for _, img := range images {
		k := groupKey{img.TargetID, img.FilterName}
		if _, ok := groups[k]; !ok {
			order = append(order, k)
		}
		groups[k] = append(groups[k], img)
	}

	var rejections []StatisticalRejection
	for _, k := range order {
		group := groups[k]
		if len(group) < cfg.MinGroupSize {
			continue
		}
		sorted := append([]ImageSummary(nil), group...)
		sort.SliceStable(sorted, func(i, j int) bool {
			return sorted[i].ExposureStartTime < sorted[j].ExposureStartTime
		})
		rejections = append(rejections, gradeGroup(sorted, cfg)...)
	}
	return rejections
}

func gradeGroup(images []ImageSummary, cfg Config) []StatisticalRejection {
	hfrs, hfrImages := measurableHFR(images)
	stars, starImages := measurableStars(images)

	var rejections []StatisticalRejection
	rejections = append(rejections, checkOutliers(hfrImages, hfrs, cfg.HFRThreshold, StatHFR, "HFR")...)
	rejections = append(rejections, checkOutliers(starImages, stars, cfg.StarCountThreshold, StatStars, "star count")...)
	rejections = append(rejections, checkDistribution(hfrImages, hfrs, cfg.ShiftThreshold, cfg.HFRThreshold, DistHFR, "HFR")...)
	rejections = append(rejections, checkDistribution(starImages, stars, cfg.ShiftThreshold, cfg.StarCountThreshold, DistStars, "star count")...)

	hfrCloud := checkCloudHFR(images, cfg)
	rejections = append(rejections, hfrCloud...)
	if len(hfrCloud) == 0 {
		rejections = append(rejections, checkCloudStars(images, cfg)...)
	}
	return rejections
}

func measurableHFR(images []ImageSummary) ([]float64, []ImageSummary) {
	var vals []float64
	var subset []ImageSummary
	for _, img := range images {
		if img.HasHFR {
			vals = append(vals, img.HFR)
			subset = append(subset, img)
		}
	}
	return vals, subset
}

func measurableStars(images []ImageSummary) ([]float64, []ImageSummary) {
	var vals []float64
	var subset []ImageSummary
	for _, img := range images {
		if img.HasStarCount {
			vals = append(vals, float64(img.StarCount))
			subset = append(subset, img)
		}
	}
	return vals, subset
}

// checkOutliers rejects any measurement more than threshold standard
// deviations from the group mean.
func checkOutliers(images []ImageSummary, values []float64, threshold float64, reason RejectionReason, label string) []StatisticalRejection {
	if len(values) == 0 {
		return nil
	}
	mean := stat.Mean(values, nil)
	stdDev := stat.StdDev(values, nil)
	if stdDev <= 0 {
		return nil
	}

	var out []StatisticalRejection
	for i, v := range values {
		z := absf(v-mean) / stdDev
		if z > threshold {
			out = append(out, StatisticalRejection{
				ImageID: images[i].ID,
				Reason:  reason,
				Details: fmt.Sprintf("%s %.3f is %.2f sigma from mean %.3f (threshold %.2f)", label, v, z, mean, threshold),
			})
		}
	}
	return out
}

// checkDistribution switches to MAD-based rejection when the median has
// shifted more than shiftThreshold relative to the mean.
func checkDistribution(images []ImageSummary, values []float64, shiftThreshold, zThreshold float64, reason RejectionReason, label string) []StatisticalRejection {
	if len(values) == 0 {
		return nil
	}
	mean := stat.Mean(values, nil)
	if mean == 0 {
		return nil
	}
	median := medianOf(values)
	if absf(median-mean)/absf(mean) <= shiftThreshold {
		return nil
	}

	deviations := make([]float64, len(values))
	for i, v := range values {
		deviations[i] = absf(v - median)
	}
	mad := medianOf(deviations) * 1.4826

	var out []StatisticalRejection
	for i, v := range values {
		if deviations[i] == 0 {
			continue
		}
		// A zero MAD puts every value off the median infinitely far out.
		z := math.Inf(1)
		if mad > 0 {
			z = deviations[i] / mad
		}
		if z > zThreshold {
			out = append(out, StatisticalRejection{
				ImageID: images[i].ID,
				Reason:  reason,
				Details: fmt.Sprintf("%s %.3f deviates %.2f MAD from median %.3f (threshold %.2f)", label, v, z, median, zThreshold),
			})
		}
	}
	return out
}

// checkCloudHFR runs the sequential rolling-baseline detector on HFR: a
// rise of more than cfg.CloudThreshold relative to the baseline median
// emits a CloudHFR rejection and restarts baseline collection from the
// spiking sample.
func checkCloudHFR(images []ImageSummary, cfg Config) []StatisticalRejection {
	var rejections []StatisticalRejection
	var baseline []float64

	for _, img := range images {
		if !img.HasHFR {
			continue
		}
		current := img.HFR

		if len(baseline) < cfg.BaselineSize {
			baseline = append(baseline, current)
			continue
		}

		baselineMedian := medianOf(baseline)
		ratio := (current - baselineMedian) / baselineMedian

		if ratio > cfg.CloudThreshold {
			rejections = append(rejections, StatisticalRejection{
				ImageID: img.ID,
				Reason:  CloudHFR,
				Details: fmt.Sprintf("HFR %.3f is %.0f%% above baseline %.3f (threshold %.0f%%)", current, ratio*100, baselineMedian, cfg.CloudThreshold*100),
			})
			baseline = []float64{current}
			continue
		}

		baseline = append(baseline, current)
		if len(baseline) > cfg.BaselineSize {
			baseline = baseline[1:]
		}
	}
	return rejections
}

// checkCloudStars is the symmetrical star-count cloud detector: a drop of
// more than cfg.CloudThreshold relative to baseline emits a CloudStars
// rejection. Only invoked when the HFR pass found nothing, to avoid
// double-counting a single weather event.
func checkCloudStars(images []ImageSummary, cfg Config) []StatisticalRejection {
	var rejections []StatisticalRejection
	var baseline []float64

	for _, img := range images {
		if !img.HasStarCount {
			continue
		}
		current := float64(img.StarCount)

		if len(baseline) < cfg.BaselineSize {
			baseline = append(baseline, current)
			continue
		}

		baselineMedian := medianOf(baseline)
		ratio := (baselineMedian - current) / baselineMedian

		if ratio > cfg.CloudThreshold {
			rejections = append(rejections, StatisticalRejection{
				ImageID: img.ID,
				Reason:  CloudStars,
				Details: fmt.Sprintf("star count %.0f is %.0f%% below baseline %.0f (threshold %.0f%%)", current, ratio*100, baselineMedian, cfg.CloudThreshold*100),
			})
			baseline = []float64{current}
			continue
		}

		baseline = append(baseline, current)
		if len(baseline) > cfg.BaselineSize {
			baseline = baseline[1:]
		}
	}
	return rejections
}

// medianOf returns the middle value for odd-length input and the average
// of the two middle values for even-length input, leaving the input
// slice's order undisturbed.
func medianOf(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

func absf(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}
