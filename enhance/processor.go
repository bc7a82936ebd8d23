package enhance

import (
	"fmt"
	"image"
	"log"
	"math"
	"path/filepath"
	"strings"

	"gocv.io/x/gocv"
)

// Result holds an enhanced image and the parameters actually applied.
// The caller owns the pixel data and must Close it; persistence is the
// pipeline's job, the selector only reads the source image.
type Result struct {
	mat gocv.Mat

	Width  int
	Height int

	Preset        string
	HistogramClip float64
	CLAHEClip     float64
	FaceDetected  bool
	QualityScore  float64
}

// Bounds returns the enhanced image dimensions
func (r *Result) Bounds() (int, int) {
	return r.Width, r.Height
}

// Save writes the enhanced pixels to path; format follows the extension.
// JPEG honors quality, TIFF is upscaled back to 16-bit for archival.
func (r *Result) Save(path string, quality int) error {
	var ok bool
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jpg", ".jpeg":
		ok = gocv.IMWriteWithParams(path, r.mat, []int{gocv.IMWriteJpegQuality, quality})
	case ".tif", ".tiff":
		wide := gocv.NewMat()
		r.mat.ConvertToWithParams(&wide, gocv.MatTypeCV16U, 256.0, 0)
		ok = gocv.IMWrite(path, wide)
		wide.Close()
	default:
		ok = gocv.IMWrite(path, r.mat)
	}
	if !ok {
		return fmt.Errorf("enhance: failed to write %s", path)
	}
	return nil
}

// Close releases the pixel data
func (r *Result) Close() error {
	return r.mat.Close()
}

// Processor applies the enhancement presets to scanned slides. It is a
// pure function of (image, mode, face flag): the only I/O is reading the
// source file and handing back pixel data.
type Processor struct {
	AdaptiveGrid  bool
	FaceDetection bool

	faces *FaceDetector
}

// NewProcessor creates a processor; detector may be nil to disable
// face-aware softening
func NewProcessor(adaptiveGrid, faceDetection bool, faces *FaceDetector) *Processor {
	return &Processor{
		AdaptiveGrid:  adaptiveGrid,
		FaceDetection: faceDetection,
		faces:         faces,
	}
}

// Enhance processes srcPath under the given mode: a concrete preset
// name, "auto" (score all presets, keep the best), or "original" (format
// conversion only). Face-aware mode halves the clip values whenever a
// face is detected, regardless of preset.
func (p *Processor) Enhance(srcPath, mode string) (*Result, error) {
	img, err := p.loadImage(srcPath)
	if err != nil {
		return nil, err
	}
	defer img.Close()

	width := img.Cols()
	height := img.Rows()

	faceDetected := false
	if p.FaceDetection && p.faces != nil {
		faceDetected = p.faces.HasFace(img)
	}

	switch mode {
	case ModeOriginal:
		out := gocv.NewMat()
		img.CopyTo(&out)
		return &Result{
			mat:          out,
			Width:        width,
			Height:       height,
			Preset:       ModeOriginal,
			FaceDetected: faceDetected,
			QualityScore: p.qualityScore(img),
		}, nil

	case ModeAuto:
		return p.enhanceAuto(img, width, height, faceDetected)

	default:
		preset, err := ParsePreset(mode)
		if err != nil {
			return nil, err
		}
		out := p.enhanceWithPreset(img, preset, faceDetected)
		result := &Result{
			mat:           out,
			Width:         width,
			Height:        height,
			Preset:        preset.Name,
			HistogramClip: preset.HistogramClip,
			CLAHEClip:     preset.CLAHEClip,
			FaceDetected:  faceDetected,
			QualityScore:  0,
		}
		if faceDetected {
			result.HistogramClip = preset.HistogramClip / 2
			result.CLAHEClip = preset.CLAHEClip / 2
		}
		result.QualityScore = p.qualityScore(out)
		return result, nil
	}
}

// enhanceAuto runs every concrete preset and keeps the highest-scoring
// output. The winner's parameters are always one declared preset's
// values, never an interpolated set.
func (p *Processor) enhanceAuto(img gocv.Mat, width, height int, faceDetected bool) (*Result, error) {
	presets := Presets()
	mats := make([]gocv.Mat, len(presets))
	scored := make([]Scored, len(presets))

	for i, preset := range presets {
		mats[i] = p.enhanceWithPreset(img, preset, faceDetected)
		scored[i] = Scored{Preset: preset, Score: p.qualityScore(mats[i])}
	}

	best := BestScored(scored)
	var out gocv.Mat
	for i, preset := range presets {
		if preset.Name == best.Preset.Name {
			out = mats[i]
		} else {
			mats[i].Close()
		}
	}

	log.Printf("enhance: auto selected %s (score %.1f)", best.Preset.Name, best.Score)

	result := &Result{
		mat:           out,
		Width:         width,
		Height:        height,
		Preset:        best.Preset.Name,
		HistogramClip: best.Preset.HistogramClip,
		CLAHEClip:     best.Preset.CLAHEClip,
		FaceDetected:  faceDetected,
		QualityScore:  best.Score,
	}
	if faceDetected {
		result.HistogramClip = best.Preset.HistogramClip / 2
		result.CLAHEClip = best.Preset.CLAHEClip / 2
	}
	return result, nil
}

// enhanceWithPreset runs the two-step kernel chain: histogram
// auto-levels then CLAHE on the L channel in LAB space
func (p *Processor) enhanceWithPreset(img gocv.Mat, preset Preset, faceDetected bool) gocv.Mat {
	histClip := preset.HistogramClip
	claheClip := preset.CLAHEClip
	if faceDetected {
		histClip /= 2
		claheClip /= 2
	}

	leveled := p.autoLevels(img, histClip)
	defer leveled.Close()

	return p.applyLABCLAHE(leveled, claheClip)
}

// loadImage reads any supported scan and normalizes it to 8-bit BGR
func (p *Processor) loadImage(srcPath string) (gocv.Mat, error) {
	img := gocv.IMRead(srcPath, gocv.IMReadUnchanged)
	if img.Empty() {
		return gocv.Mat{}, fmt.Errorf("enhance: could not load image %s", srcPath)
	}

	switch img.Type() {
	case gocv.MatTypeCV16U, gocv.MatTypeCV16UC3, gocv.MatTypeCV16UC4:
		narrow := gocv.NewMat()
		img.ConvertToWithParams(&narrow, gocv.MatTypeCV8U, 1.0/256.0, 0)
		img.Close()
		img = narrow
	}

	if img.Channels() == 1 {
		bgr := gocv.NewMat()
		gocv.CvtColor(img, &bgr, gocv.ColorGrayToBGR)
		img.Close()
		img = bgr
	}

	return img, nil
}

// autoLevels removes gray haze by clipping clipPercent off each
// histogram tail and stretching the remaining range
func (p *Processor) autoLevels(img gocv.Mat, clipPercent float64) gocv.Mat {
	gray := gocv.NewMat()
	gocv.CvtColor(img, &gray, gocv.ColorBGRToGray)
	defer gray.Close()

	hist := gocv.NewMat()
	mask := gocv.NewMat()
	gocv.CalcHist([]gocv.Mat{gray}, []int{0}, mask, &hist, []int{256}, []float64{0, 256}, false)
	mask.Close()
	defer hist.Close()

	totalPixels := float64(gray.Rows() * gray.Cols())
	clipPixels := totalPixels * clipPercent / 100

	minGray, maxGray := 0, 255
	cum := 0.0
	for i := 0; i < 256; i++ {
		cum += float64(hist.GetFloatAt(i, 0))
		if cum > clipPixels {
			minGray = i
			break
		}
	}
	cum = 0.0
	for i := 255; i >= 0; i-- {
		cum += float64(hist.GetFloatAt(i, 0))
		if cum > clipPixels {
			maxGray = i
			break
		}
	}

	out := gocv.NewMat()
	if maxGray <= minGray {
		img.CopyTo(&out)
		return out
	}

	alpha := 255.0 / float64(maxGray-minGray)
	beta := -alpha * float64(minGray)
	gocv.ConvertScaleAbs(img, &out, alpha, beta)
	return out
}

// applyLABCLAHE enhances local contrast on the L channel only, which
// preserves natural colors
func (p *Processor) applyLABCLAHE(img gocv.Mat, clip float64) gocv.Mat {
	lab := gocv.NewMat()
	gocv.CvtColor(img, &lab, gocv.ColorBGRToLab)
	defer lab.Close()

	channels := gocv.Split(lab)

	grid := image.Pt(8, 8)
	if p.AdaptiveGrid {
		grid = adaptiveGridSize(img.Cols(), img.Rows())
	}

	clahe := gocv.NewCLAHEWithParams(clip, grid)
	enhanced := gocv.NewMat()
	clahe.Apply(channels[0], &enhanced)
	clahe.Close()
	channels[0].Close()

	merged := gocv.NewMat()
	gocv.Merge([]gocv.Mat{enhanced, channels[1], channels[2]}, &merged)
	enhanced.Close()
	channels[1].Close()
	channels[2].Close()
	defer merged.Close()

	out := gocv.NewMat()
	gocv.CvtColor(merged, &out, gocv.ColorLabToBGR)
	return out
}

// adaptiveGridSize picks a CLAHE tile grid matched to the scan
// resolution; high-res scans get proportionally more tiles
func adaptiveGridSize(width, height int) image.Point {
	clamp := func(v int) int {
		if v < 4 {
			return 4
		}
		if v > 16 {
			return 16
		}
		return v
	}
	return image.Pt(clamp(width/450), clamp(height/450))
}

// qualityScore rates an enhanced image 0-100: sharpness via Laplacian
// variance, contrast via stddev around a 55 target, dynamic range via
// min-max spread
func (p *Processor) qualityScore(img gocv.Mat) float64 {
	gray := gocv.NewMat()
	gocv.CvtColor(img, &gray, gocv.ColorBGRToGray)
	defer gray.Close()

	lap := gocv.NewMat()
	gocv.Laplacian(gray, &lap, gocv.MatTypeCV64F, 1, 1, 0, gocv.BorderDefault)
	_, lapStd := lap.MeanStdDev()
	lap.Close()
	sharpness := math.Min(100, lapStd.Val1*lapStd.Val1/100)

	_, grayStd := gray.MeanStdDev()
	contrast := 100 * (1 - math.Abs(grayStd.Val1-55)/55)

	minVal, maxVal, _, _ := gocv.MinMaxLoc(gray)
	dynamicRange := float64(maxVal-minVal) / 255 * 100

	return WeighScore(sharpness, contrast, dynamicRange)
}
