package utils

import (
	"os"
	"time"

	"github.com/rwcarlsen/goexif/exif"
)

// ExtractExifDate reads the capture timestamp from the file's EXIF data.
// Slide scanners stamp the scan time, which is what the archive naming
// scheme is built on. Returns nil when the file has no usable EXIF date.
func ExtractExifDate(path string) *time.Time {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()

	x, err := exif.Decode(f)
	if err != nil {
		return nil
	}

	t, err := x.DateTime()
	if err != nil {
		return nil
	}
	return &t
}
