package frame

import (
	"fmt"
	"math"
)

// VerdictType identifies what a suspicious frame looks like.
type VerdictType string

const (
	// VerdictNone means nothing in the frame fired a heuristic.
	VerdictNone VerdictType = "none"

	// VerdictFaceAbsent means no face-sized skin blob was found.
	VerdictFaceAbsent VerdictType = "face_absent"

	// VerdictMultipleFaces means more than one face-sized blob was
	// found, suggesting collaboration.
	VerdictMultipleFaces VerdictType = "multiple_faces"

	// VerdictErraticMotion means the eye region showed abnormal
	// frame-to-frame luminance variance.
	VerdictErraticMotion VerdictType = "erratic_eye_motion"

	// VerdictLookingAway means the skin distribution in the central
	// region is heavily biased to one side.
	VerdictLookingAway VerdictType = "looking_away"

	// VerdictForeignObject means edge density suggests a phone, book,
	// or similar object in view.
	VerdictForeignObject VerdictType = "foreign_object"

	// VerdictTooDark means average luminance is too low to proctor.
	VerdictTooDark VerdictType = "lighting_too_dark"

	// VerdictGlare means too many near-saturated pixels (screen glare
	// or reflection).
	VerdictGlare VerdictType = "lighting_glare"
)

// Verdict is the per-frame classification output. Promoted to a
// violation only above a confidence gate chosen by the caller.
type Verdict struct {
	Type        VerdictType
	Confidence  float64 // 0..1
	Description string
}

// Suspicious reports whether any heuristic fired.
func (v Verdict) Suspicious() bool {
	return v.Type != VerdictNone
}

// Pipeline thresholds. These are intentionally literal: the heuristics
// are reproducible pixel math, not a model.
const (
	// Face blobs must cover between 5% and 40% of the frame.
	faceBlobMinAreaFrac = 0.05
	faceBlobMaxAreaFrac = 0.40

	faceAbsentConfidence   = 0.7
	multipleFaceConfidence = 0.8

	// Eye-region motion: mean absolute luminance delta against the
	// previous frame, restricted to the top third.
	eyeMotionHistoryLen   = 10
	eyeMotionAvgThreshold = 28.0  // instantaneous mean delta
	eyeMotionVarThreshold = 110.0 // variance of the rolling history
	erraticMotionConfidence = 0.65

	// Head position: skin-count ratio between halves of the central
	// region must stay within [0.5, 2.0] on both axes.
	headBiasLowRatio  = 0.5
	headBiasHighRatio = 2.0
	lookingAwayConfidence = 0.7

	// Minimum skin pixels in the central region before the head-bias
	// ratio is meaningful.
	headBiasMinSkinPixels = 64

	// Edge density: fraction of pixels whose Sobel gradient magnitude
	// exceeds the magnitude threshold.
	sobelMagnitudeThreshold = 120.0
	edgeDensityThreshold    = 0.16
	foreignObjectMaxConfidence = 0.9

	// Lighting: average luminance floor and near-saturated fraction
	// ceiling.
	tooDarkMeanLuma     = 40.0
	tooDarkConfidence   = 0.75
	brightPixelLuma     = 240.0
	glareBrightFraction = 0.25
	glareMaxConfidence  = 0.85
)

// Analyzer runs the per-frame suspicion pipeline. It is stateless
// across calls except for one retained previous-frame eye-region buffer
// and a short rolling motion history.
type Analyzer struct {
	prevEyeLuma   []float64
	motionHistory []float64
}

// NewAnalyzer creates an analyzer with no motion history.
func NewAnalyzer() *Analyzer {
	return &Analyzer{}
}

// Analyze runs all heuristics against one frame and returns the single
// highest-confidence suspicious verdict, or a VerdictNone verdict if
// nothing fired.
func (a *Analyzer) Analyze(f *Frame) Verdict {
	luma := f.luma()
	skin := f.skinMask()

	verdicts := []Verdict{
		a.checkFaceCount(f, skin),
		a.checkEyeMotion(f, luma),
		a.checkHeadPosition(f, skin),
		a.checkEdgeDensity(f, luma),
		a.checkLighting(f, luma),
	}

	best := Verdict{Type: VerdictNone}
	for _, v := range verdicts {
		if v.Type != VerdictNone && v.Confidence > best.Confidence {
			best = v
		}
	}
	return best
}

// Reset clears the previous-frame buffer and motion history. Called
// when the camera stream restarts.
func (a *Analyzer) Reset() {
	a.prevEyeLuma = nil
	a.motionHistory = nil
}

// checkFaceCount extracts skin-tone blobs via flood fill and counts the
// ones sized like a face.
func (a *Analyzer) checkFaceCount(f *Frame, skin []bool) Verdict {
	total := f.Width * f.Height
	minArea := int(faceBlobMinAreaFrac * float64(total))
	maxArea := int(faceBlobMaxAreaFrac * float64(total))

	faces := 0
	visited := make([]bool, total)
	stack := make([]int, 0, 1024)

	for start := 0; start < total; start++ {
		if !skin[start] || visited[start] {
			continue
		}

		// Iterative 4-connected flood fill from this seed.
		area := 0
		stack = append(stack[:0], start)
		visited[start] = true
		for len(stack) > 0 {
			idx := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			area++

			x := idx % f.Width
			for _, n := range [4]int{idx - 1, idx + 1, idx - f.Width, idx + f.Width} {
				if n < 0 || n >= total || visited[n] || !skin[n] {
					continue
				}
				// Reject horizontal wraparound at row edges.
				nx := n % f.Width
				if (x == 0 && nx == f.Width-1) || (x == f.Width-1 && nx == 0) {
					continue
				}
				visited[n] = true
				stack = append(stack, n)
			}
		}

		if area >= minArea && area <= maxArea {
			faces++
		}
	}

	switch {
	case faces == 0:
		return Verdict{
			Type:        VerdictFaceAbsent,
			Confidence:  faceAbsentConfidence,
			Description: "no face-sized region detected",
		}
	case faces > 1:
		return Verdict{
			Type:        VerdictMultipleFaces,
			Confidence:  multipleFaceConfidence,
			Description: fmt.Sprintf("%d face-sized regions detected", faces),
		}
	}
	return Verdict{Type: VerdictNone}
}

// checkEyeMotion compares the top third of the frame against the
// previous frame and tracks a short motion history.
func (a *Analyzer) checkEyeMotion(f *Frame, luma []float64) Verdict {
	eyeRegion := luma[:f.Width*(f.Height/3)]

	prev := a.prevEyeLuma
	a.prevEyeLuma = append([]float64(nil), eyeRegion...)

	if prev == nil || len(prev) != len(eyeRegion) {
		return Verdict{Type: VerdictNone}
	}

	sum := 0.0
	for i := range eyeRegion {
		sum += math.Abs(eyeRegion[i] - prev[i])
	}
	avgDelta := sum / float64(len(eyeRegion))

	a.motionHistory = append(a.motionHistory, avgDelta)
	if len(a.motionHistory) > eyeMotionHistoryLen {
		a.motionHistory = a.motionHistory[1:]
	}

	if avgDelta > eyeMotionAvgThreshold || variance(a.motionHistory) > eyeMotionVarThreshold {
		return Verdict{
			Type:        VerdictErraticMotion,
			Confidence:  erraticMotionConfidence,
			Description: fmt.Sprintf("eye-region motion delta %.1f", avgDelta),
		}
	}
	return Verdict{Type: VerdictNone}
}

// checkHeadPosition compares skin-pixel counts between halves of the
// central region on both axes.
func (a *Analyzer) checkHeadPosition(f *Frame, skin []bool) Verdict {
	x0, x1 := f.Width/4, 3*f.Width/4
	y0, y1 := f.Height/4, 3*f.Height/4
	midX, midY := f.Width/2, f.Height/2

	var left, right, top, bottom int
	for y := y0; y < y1; y++ {
		for x := x0; x < x1; x++ {
			if !skin[y*f.Width+x] {
				continue
			}
			if x < midX {
				left++
			} else {
				right++
			}
			if y < midY {
				top++
			} else {
				bottom++
			}
		}
	}

	if left+right < headBiasMinSkinPixels {
		// Not enough skin in frame to judge orientation; the face-count
		// heuristic covers absence.
		return Verdict{Type: VerdictNone}
	}

	h := ratio(left, right)
	v := ratio(top, bottom)
	if h < headBiasLowRatio || h > headBiasHighRatio || v < headBiasLowRatio || v > headBiasHighRatio {
		return Verdict{
			Type:        VerdictLookingAway,
			Confidence:  lookingAwayConfidence,
			Description: fmt.Sprintf("head position bias h=%.2f v=%.2f", h, v),
		}
	}
	return Verdict{Type: VerdictNone}
}

// checkEdgeDensity applies a Sobel gradient filter and measures the
// fraction of strong-edge pixels.
func (a *Analyzer) checkEdgeDensity(f *Frame, luma []float64) Verdict {
	if f.Width < 3 || f.Height < 3 {
		return Verdict{Type: VerdictNone}
	}

	edges := 0
	for y := 1; y < f.Height-1; y++ {
		for x := 1; x < f.Width-1; x++ {
			i := y*f.Width + x
			gx := -luma[i-f.Width-1] + luma[i-f.Width+1] +
				-2*luma[i-1] + 2*luma[i+1] +
				-luma[i+f.Width-1] + luma[i+f.Width+1]
			gy := -luma[i-f.Width-1] - 2*luma[i-f.Width] - luma[i-f.Width+1] +
				luma[i+f.Width-1] + 2*luma[i+f.Width] + luma[i+f.Width+1]
			if math.Sqrt(gx*gx+gy*gy) > sobelMagnitudeThreshold {
				edges++
			}
		}
	}

	density := float64(edges) / float64((f.Width-2)*(f.Height-2))
	if density > edgeDensityThreshold {
		// Confidence grows with how far past the threshold the frame is.
		conf := math.Min(foreignObjectMaxConfidence,
			0.6+(density-edgeDensityThreshold))
		return Verdict{
			Type:        VerdictForeignObject,
			Confidence:  conf,
			Description: fmt.Sprintf("edge density %.2f", density),
		}
	}
	return Verdict{Type: VerdictNone}
}

// checkLighting measures average luminance and the near-saturated
// bright fraction.
func (a *Analyzer) checkLighting(f *Frame, luma []float64) Verdict {
	sum := 0.0
	bright := 0
	for _, l := range luma {
		sum += l
		if l >= brightPixelLuma {
			bright++
		}
	}
	mean := sum / float64(len(luma))
	brightFrac := float64(bright) / float64(len(luma))

	if mean < tooDarkMeanLuma {
		return Verdict{
			Type:        VerdictTooDark,
			Confidence:  tooDarkConfidence,
			Description: fmt.Sprintf("mean luminance %.1f", mean),
		}
	}
	if brightFrac > glareBrightFraction {
		conf := math.Min(glareMaxConfidence, 0.6+brightFrac-glareBrightFraction)
		return Verdict{
			Type:        VerdictGlare,
			Confidence:  conf,
			Description: fmt.Sprintf("bright pixel fraction %.2f", brightFrac),
		}
	}
	return Verdict{Type: VerdictNone}
}

func ratio(a, b int) float64 {
	if b == 0 {
		return math.Inf(1)
	}
	return float64(a) / float64(b)
}

func variance(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	mean := 0.0
	for _, x := range xs {
		mean += x
	}
	mean /= float64(len(xs))

	v := 0.0
	for _, x := range xs {
		d := x - mean
		v += d * d
	}
	return v / float64(len(xs))
}
