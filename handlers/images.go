package handlers

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"

	"gorm.io/gorm"

	"github.com/mdopp/diabay/enhance"
	"github.com/mdopp/diabay/models"
	"github.com/mdopp/diabay/pipeline"
	"github.com/mdopp/diabay/repository"
)

type ImageHandler struct {
	Images   repository.ImageRepositoryInterface
	Tags     repository.TagRepositoryInterface
	Pipeline *pipeline.Pipeline
}

func (ih *ImageHandler) ListImages(w http.ResponseWriter, r *http.Request) {
	images, err := ih.Images.List()
	if err != nil {
		log.Printf("Error listing images: %v", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Failed to retrieve images"})
		return
	}
	if images == nil {
		images = []models.Image{}
	}
	writeJSON(w, http.StatusOK, images)
}

func (ih *ImageHandler) GetImage(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid image ID"})
		return
	}
	image, err := ih.Images.GetByID(id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "Image not found"})
			return
		}
		log.Printf("Error fetching image %d: %v", id, err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Failed to retrieve image"})
		return
	}
	writeJSON(w, http.StatusOK, image)
}

func (ih *ImageHandler) RotateImage(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid image ID"})
		return
	}
	var req struct {
		Degrees int `json:"degrees"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid request body: " + err.Error()})
		return
	}
	if err := ih.Pipeline.Rotate(id, req.Degrees); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "Image not found"})
			return
		}
		log.Printf("Error rotating image %d: %v", id, err)
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Image rotated"})
}

func (ih *ImageHandler) ReprocessImage(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid image ID"})
		return
	}
	var req struct {
		Mode string `json:"mode"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid request body: " + err.Error()})
		return
	}
	if req.Mode == "" {
		req.Mode = enhance.ModeAuto
	}
	if !enhance.ValidMode(req.Mode) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Unknown enhancement mode: " + req.Mode})
		return
	}
	if err := ih.Pipeline.Reprocess(id, req.Mode); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "Image not found"})
			return
		}
		log.Printf("Error reprocessing image %d: %v", id, err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Failed to reprocess image"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Image reprocessed"})
}

func (ih *ImageHandler) UseOriginal(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid image ID"})
		return
	}
	if err := ih.Pipeline.UseOriginal(id); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "Image not found"})
			return
		}
		log.Printf("Error restoring original for image %d: %v", id, err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Failed to restore original"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Original restored"})
}

func (ih *ImageHandler) RetryImage(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid image ID"})
		return
	}
	if err := ih.Pipeline.RetryErrored(id); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "Image not found"})
			return
		}
		log.Printf("Error retrying image %d: %v", id, err)
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"message": "Image requeued"})
}

func (ih *ImageHandler) DeleteImage(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid image ID"})
		return
	}
	if err := ih.Pipeline.DeleteImage(id); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "Image not found"})
			return
		}
		log.Printf("Error deleting image %d: %v", id, err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Failed to delete image"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Image deleted"})
}

func (ih *ImageHandler) AddTag(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid image ID"})
		return
	}
	var req struct {
		Tag      string `json:"tag"`
		Category string `json:"category"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid request body: " + err.Error()})
		return
	}
	if strings.TrimSpace(req.Tag) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Missing required field: tag"})
		return
	}

	if _, err := ih.Images.GetByID(id); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "Image not found"})
			return
		}
		log.Printf("Error fetching image %d for tagging: %v", id, err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Failed to retrieve image"})
		return
	}

	tag := models.ImageTag{
		ImageID: id,
		Tag:     strings.TrimSpace(req.Tag),
		Source:  models.TagSourceUser,
	}
	if req.Category != "" {
		tag.Category = req.Category
	}
	if err := ih.Tags.Append(&tag); err != nil {
		log.Printf("Error adding tag to image %d: %v", id, err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Failed to add tag"})
		return
	}
	writeJSON(w, http.StatusCreated, tag)
}

func (ih *ImageHandler) ListTags(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid image ID"})
		return
	}
	tags, err := ih.Tags.ListByImageID(id)
	if err != nil {
		log.Printf("Error listing tags for image %d: %v", id, err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Failed to retrieve tags"})
		return
	}
	if tags == nil {
		tags = []models.ImageTag{}
	}
	writeJSON(w, http.StatusOK, tags)
}
