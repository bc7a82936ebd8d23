package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"sync"

	"github.com/mdopp/diabay/dedup"
	"github.com/mdopp/diabay/pipeline"
)

// DuplicateHandler owns the single in-flight duplicate scan. Starting a
// scan while one is running is rejected; the previous result set stays
// available until a new scan replaces it.
type DuplicateHandler struct {
	Detector         *dedup.Detector
	Pipeline         *pipeline.Pipeline
	DefaultThreshold float64

	mu       sync.Mutex
	scanning bool
	cancel   context.CancelFunc
	progress *dedup.Progress
	results  []dedup.Group
}

func (dh *DuplicateHandler) StartScan(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Source    string   `json:"source"`
		Threshold *float64 `json:"threshold"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid request body: " + err.Error()})
		return
	}

	source := dedup.Source(req.Source)
	if source != dedup.SourceInput && source != dedup.SourceOutput {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Source must be 'input' or 'output'"})
		return
	}
	threshold := dh.DefaultThreshold
	if req.Threshold != nil {
		threshold = *req.Threshold
	}
	if threshold < 0 || threshold > 1 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Threshold must be within [0,1]"})
		return
	}

	dh.mu.Lock()
	if dh.scanning {
		dh.mu.Unlock()
		writeJSON(w, http.StatusConflict, map[string]string{"error": "A scan is already running"})
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	progress := &dedup.Progress{}
	dh.scanning = true
	dh.cancel = cancel
	dh.progress = progress
	dh.mu.Unlock()

	go func() {
		defer cancel()
		groups, err := dh.Detector.Scan(ctx, source, threshold, progress)

		dh.mu.Lock()
		defer dh.mu.Unlock()
		dh.scanning = false
		dh.cancel = nil
		if err != nil {
			if errors.Is(err, context.Canceled) {
				log.Printf("Duplicate scan of %s cancelled", source)
			} else {
				log.Printf("Duplicate scan of %s failed: %v", source, err)
			}
			return
		}
		dh.results = groups
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{"message": "Scan started"})
}

func (dh *DuplicateHandler) GetProgress(w http.ResponseWriter, r *http.Request) {
	dh.mu.Lock()
	progress := dh.progress
	dh.mu.Unlock()

	if progress == nil {
		writeJSON(w, http.StatusOK, dedup.ProgressSnapshot{})
		return
	}
	writeJSON(w, http.StatusOK, progress.Snapshot())
}

func (dh *DuplicateHandler) GetResults(w http.ResponseWriter, r *http.Request) {
	dh.mu.Lock()
	scanning := dh.scanning
	results := dh.results
	dh.mu.Unlock()

	if scanning {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "Scan still running"})
		return
	}
	if results == nil {
		results = []dedup.Group{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"groups": results})
}

// DeleteMembers removes scan-group members the operator rejected.
// Recorded images go through the pipeline delete (record + artifacts);
// input-source members without a record are plain files and must live in
// the input directory. The stored result set is not mutated.
func (dh *DuplicateHandler) DeleteMembers(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ImageIDs []uint   `json:"image_ids"`
		Paths    []string `json:"paths"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid request body: " + err.Error()})
		return
	}
	if len(req.ImageIDs) == 0 && len(req.Paths) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Nothing to delete"})
		return
	}

	dh.mu.Lock()
	scanning := dh.scanning
	dh.mu.Unlock()
	if scanning {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "Scan still running"})
		return
	}

	deleted := 0
	var failures []string
	for _, id := range req.ImageIDs {
		if err := dh.Pipeline.DeleteImage(id); err != nil {
			log.Printf("Failed to delete duplicate image %d: %v", id, err)
			failures = append(failures, fmt.Sprintf("image %d: %v", id, err))
			continue
		}
		deleted++
	}
	for _, path := range req.Paths {
		clean := filepath.Clean(path)
		if filepath.Dir(clean) != filepath.Clean(dh.Detector.InputDir) {
			failures = append(failures, fmt.Sprintf("%s: outside the input directory", path))
			continue
		}
		if err := os.Remove(clean); err != nil {
			log.Printf("Failed to delete duplicate file %s: %v", clean, err)
			failures = append(failures, fmt.Sprintf("%s: %v", path, err))
			continue
		}
		deleted++
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"deleted":  deleted,
		"failures": failures,
	})
}

func (dh *DuplicateHandler) CancelScan(w http.ResponseWriter, r *http.Request) {
	dh.mu.Lock()
	cancel := dh.cancel
	dh.mu.Unlock()

	if cancel == nil {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "No scan is running"})
		return
	}
	cancel()
	writeJSON(w, http.StatusOK, map[string]string{"message": "Scan cancelled"})
}
