package handlers

import (
	"log"
	"net/http"

	"github.com/mdopp/diabay/pipeline"
)

type StatsHandler struct {
	Pipeline *pipeline.Pipeline
}

// GetStats serves the full telemetry snapshot
func (sh *StatsHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := sh.Pipeline.Snapshot()
	if err != nil {
		log.Printf("Error building stats snapshot: %v", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Failed to build stats snapshot"})
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// ResumePipeline clears a resource-exhaustion halt
func (sh *StatsHandler) ResumePipeline(w http.ResponseWriter, r *http.Request) {
	sh.Pipeline.Resume()
	writeJSON(w, http.StatusOK, map[string]string{"message": "Pipeline resumed"})
}
