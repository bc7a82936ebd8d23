package tagger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"
)

// ErrUnavailable signals that the tagging backend cannot be reached. The
// pipeline treats it as non-fatal: the image completes without AI tags.
var ErrUnavailable = errors.New("tagger: service unavailable")

// Tag is one label produced for an image
type Tag struct {
	Name       string  `json:"name"`
	Confidence float64 `json:"confidence"`
	Category   string  `json:"category,omitempty"`
}

// Tagger produces descriptive tags for an enhanced image
type Tagger interface {
	GenerateTags(ctx context.Context, imagePath string) ([]Tag, error)
}

// HTTPTagger calls an external vision-model endpoint over JSON
type HTTPTagger struct {
	URL    string
	Client *http.Client
}

// NewHTTPTagger builds a tagger against url with the given request timeout
func NewHTTPTagger(url string, timeout time.Duration) *HTTPTagger {
	return &HTTPTagger{
		URL:    url,
		Client: &http.Client{Timeout: timeout},
	}
}

type tagRequest struct {
	ImagePath string `json:"image_path"`
}

type tagResponse struct {
	Tags []Tag `json:"tags"`
}

// GenerateTags asks the backend to describe the image at imagePath. The
// backend runs on the same host, so the path is passed by reference
// rather than uploading pixels.
func (t *HTTPTagger) GenerateTags(ctx context.Context, imagePath string) ([]Tag, error) {
	body, err := json.Marshal(tagRequest{ImagePath: imagePath})
	if err != nil {
		return nil, fmt.Errorf("tagger: failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("tagger: failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.Client.Do(req)
	if err != nil {
		log.Printf("tagger: request failed: %v", err)
		return nil, ErrUnavailable
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		log.Printf("tagger: backend returned status %d", resp.StatusCode)
		return nil, ErrUnavailable
	}

	var decoded tagResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("tagger: failed to decode response: %w", err)
	}
	return decoded.Tags, nil
}

// Disabled is a no-op tagger used when no backend is configured
type Disabled struct{}

func (Disabled) GenerateTags(ctx context.Context, imagePath string) ([]Tag, error) {
	return nil, nil
}
