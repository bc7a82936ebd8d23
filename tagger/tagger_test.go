package tagger

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestGenerateTags(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		var req struct {
			ImagePath string `json:"image_path"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("failed to decode request: %v", err)
		}
		if req.ImagePath != "/output/2026-01-01_100000.jpg" {
			t.Errorf("image_path = %s", req.ImagePath)
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"tags": []Tag{
				{Name: "mountain", Confidence: 0.92, Category: "scene"},
				{Name: "1970s", Confidence: 0.61, Category: "era"},
			},
		})
	}))
	defer server.Close()

	tg := NewHTTPTagger(server.URL, 5*time.Second)
	tags, err := tg.GenerateTags(context.Background(), "/output/2026-01-01_100000.jpg")
	if err != nil {
		t.Fatalf("GenerateTags failed: %v", err)
	}
	if len(tags) != 2 {
		t.Fatalf("got %d tags, want 2", len(tags))
	}
	if tags[0].Name != "mountain" || tags[0].Confidence != 0.92 {
		t.Errorf("tags[0] = %+v", tags[0])
	}
}

func TestGenerateTagsBackendError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model crashed", http.StatusInternalServerError)
	}))
	defer server.Close()

	tg := NewHTTPTagger(server.URL, 5*time.Second)
	_, err := tg.GenerateTags(context.Background(), "/output/x.jpg")
	if !errors.Is(err, ErrUnavailable) {
		t.Errorf("err = %v, want ErrUnavailable", err)
	}
}

func TestGenerateTagsUnreachable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close() // nothing is listening anymore

	tg := NewHTTPTagger(server.URL, time.Second)
	_, err := tg.GenerateTags(context.Background(), "/output/x.jpg")
	if !errors.Is(err, ErrUnavailable) {
		t.Errorf("err = %v, want ErrUnavailable", err)
	}
}

func TestDisabledReturnsNothing(t *testing.T) {
	tags, err := Disabled{}.GenerateTags(context.Background(), "/output/x.jpg")
	if err != nil {
		t.Fatalf("Disabled tagger errored: %v", err)
	}
	if tags != nil {
		t.Errorf("tags = %v, want nil", tags)
	}
}
