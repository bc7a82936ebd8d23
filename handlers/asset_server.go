package handlers

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// AssetServer creates a handler serving files from one storage directory.
// it expects the request path to contain the relative path within that
// directory.
// example usage in main.go:
//
//	r.Get("/output/*", handlers.AssetServer(cfg.OutputDir, "output"))
//	r.Get("/thumbnails/*", handlers.AssetServer(cfg.ThumbnailsDir, "thumbnails"))
//
// where the route prefix matches the route name.
func AssetServer(assetDir, routeName string) http.HandlerFunc {
	cleanedAssetDir := filepath.Clean(assetDir)
	log.Printf("Serving assets for '/%s/*' from directory: %s", routeName, cleanedAssetDir)

	return func(w http.ResponseWriter, r *http.Request) {
		routePrefix := "/api/" + routeName + "/"
		relativePath := strings.TrimPrefix(r.URL.Path, routePrefix)

		if relativePath == "" || strings.Contains(relativePath, "..") {
			http.Error(w, "Invalid asset path", http.StatusBadRequest)
			return
		}

		requestedAssetPath := filepath.Join(cleanedAssetDir, relativePath)
		cleanedAssetPath := filepath.Clean(requestedAssetPath)

		if !strings.HasPrefix(cleanedAssetPath, cleanedAssetDir) {
			http.Error(w, "Forbidden", http.StatusForbidden)
			log.Printf("SECURITY: Attempted asset access outside designated directory: Request='%s', Resolved='%s', Allowed Base='%s'",
				r.URL.Path, cleanedAssetPath, cleanedAssetDir)
			return
		}

		if _, err := os.Stat(cleanedAssetPath); os.IsNotExist(err) {
			http.NotFound(w, r)
			return
		} else if err != nil {
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			log.Printf("Error stating asset file %s: %v", cleanedAssetPath, err)
			return
		}

		cacheDuration := 24 * time.Hour
		w.Header().Set("Cache-Control", fmt.Sprintf("public, max-age=%d", int(cacheDuration.Seconds())))
		w.Header().Set("Expires", time.Now().Add(cacheDuration).Format(http.TimeFormat))

		http.ServeFile(w, r, cleanedAssetPath)
	}
}
