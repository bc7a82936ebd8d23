package enhance

import (
	"image"
	"log"

	"gocv.io/x/gocv"
)

// FaceDetector wraps the DNN face detection model. When the model files
// are missing the detector stays disabled and every image counts as
// face-free, so enhancement proceeds at full strength.
type FaceDetector struct {
	net     gocv.Net
	Enabled bool

	inputSize     image.Point
	meanVal       gocv.Scalar
	confThreshold float32
}

// NewFaceDetector loads the DNN model, falling back to a disabled
// detector when loading fails
func NewFaceDetector(configPath, modelPath string) *FaceDetector {
	if configPath == "" || modelPath == "" {
		log.Println("enhance(face): config or model path is empty, disabling face detection")
		return &FaceDetector{Enabled: false}
	}

	net := gocv.ReadNet(modelPath, configPath)
	if net.Empty() {
		log.Printf("enhance(face): failed to load network: config=%s, model=%s", configPath, modelPath)
		return &FaceDetector{Enabled: false}
	}

	if err := net.SetPreferableBackend(gocv.NetBackendDefault); err != nil {
		log.Printf("enhance(face): failed to set backend: %v", err)
	}
	if err := net.SetPreferableTarget(gocv.NetTargetCPU); err != nil {
		log.Printf("enhance(face): failed to set target: %v", err)
	}

	log.Println("enhance(face): loaded face detection model")
	return &FaceDetector{
		net:           net,
		Enabled:       true,
		inputSize:     image.Pt(300, 300),
		meanVal:       gocv.NewScalar(104.0, 177.0, 123.0, 0),
		confThreshold: 0.5,
	}
}

// Close releases the network
func (d *FaceDetector) Close() {
	if d != nil && d.Enabled {
		d.net.Close()
		d.Enabled = false
	}
}

// HasFace reports whether at least one face is present in img
func (d *FaceDetector) HasFace(img gocv.Mat) bool {
	if d == nil || !d.Enabled || img.Empty() {
		return false
	}

	blob := gocv.BlobFromImage(img, 1.0, d.inputSize, d.meanVal, false, false)
	defer blob.Close()

	d.net.SetInput(blob, "")
	detections := d.net.Forward("")
	defer detections.Close()

	sizes := detections.Size()
	if len(sizes) < 3 {
		return false
	}
	numDetections := sizes[2]
	if numDetections == 0 {
		return false
	}

	// reshape [1,1,N,7] to [N,7] for row access
	flat := detections.Reshape(1, numDetections*sizes[3])
	rows := flat.Reshape(1, numDetections)
	defer flat.Close()
	defer rows.Close()

	for i := 0; i < numDetections; i++ {
		if rows.GetFloatAt(i, 2) >= d.confThreshold {
			return true
		}
	}
	return false
}
