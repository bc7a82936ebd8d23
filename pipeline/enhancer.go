package pipeline

// Applied carries the enhancement parameters that were actually used for
// an image, which can differ from the preset's declared values when the
// face-aware mode softened them.
type Applied struct {
	Preset        string
	HistogramClip float64
	CLAHEClip     float64
	FaceDetected  bool
}

// EnhancedImage is the in-memory result of one enhancement run. The
// pipeline saves it and must Close it afterwards.
type EnhancedImage interface {
	Save(path string, quality int) error
	Bounds() (width, height int)
	Close() error
}

// Enhancer turns a source scan into an enhanced image under a mode: a
// preset name, "auto", or "original". The pipeline depends on this
// interface rather than the OpenCV-backed implementation so its stage
// logic stays testable without native bindings.
type Enhancer interface {
	Enhance(srcPath, mode string) (EnhancedImage, Applied, error)
}
