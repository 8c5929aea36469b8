package pipeline

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg"
	"image/png"
	"log/slog"
	"os"
	"path/filepath"
)

var (
	jpegMagic = []byte{0xFF, 0xD8}
	pngMagic  = []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}
)

// persistImages writes every record's RawBytes to imagesDir following the
// format-detection policy of spec.md §4.4 step 3, setting Filename in
// place on success and logging a warning and leaving Filename empty on
// failure. Images that cannot be decoded are dropped, not errors: a
// single bad image must never fail the task.
func persistImages(log *slog.Logger, imagesDir string, images []ImageRecord) error {
	if len(images) == 0 {
		return nil
	}
	if err := os.MkdirAll(imagesDir, 0o755); err != nil {
		return fmt.Errorf("create images dir: %w", err)
	}

	for i := range images {
		rec := &images[i]
		name, err := persistOne(imagesDir, rec)
		if err != nil {
			log.Warn("dropping image that could not be decoded",
				"image_id", rec.ImageID, "page", rec.Page, "error", err)
			continue
		}
		rec.Filename = name
	}
	return nil
}

func persistOne(imagesDir string, rec *ImageRecord) (string, error) {
	raw := rec.RawBytes

	switch {
	case bytes.HasPrefix(raw, jpegMagic):
		return writeVerbatim(imagesDir, rec.ImageID, "jpeg", raw)

	case bytes.HasPrefix(raw, pngMagic):
		return writeVerbatim(imagesDir, rec.ImageID, "png", raw)
	}

	if img, _, err := image.Decode(bytes.NewReader(raw)); err == nil {
		return writePNG(imagesDir, rec.ImageID, normalizeColor(img))
	}

	if rec.HasDimensions {
		if img, err := decodeRawPixels(raw, rec.Width, rec.Height); err == nil {
			return writePNG(imagesDir, rec.ImageID, img)
		}
	}

	return "", fmt.Errorf("unrecognized image format for %s (%d bytes)", rec.ImageID, len(raw))
}

func writeVerbatim(imagesDir, imageID, ext string, raw []byte) (string, error) {
	name := imageID + "." + ext
	if err := os.WriteFile(filepath.Join(imagesDir, name), raw, 0o644); err != nil {
		return "", fmt.Errorf("write %s: %w", name, err)
	}
	return filepath.Join("images", name), nil
}

func writePNG(imagesDir, imageID string, img image.Image) (string, error) {
	name := imageID + ".png"
	f, err := os.Create(filepath.Join(imagesDir, name))
	if err != nil {
		return "", fmt.Errorf("create %s: %w", name, err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		return "", fmt.Errorf("encode %s: %w", name, err)
	}
	return filepath.Join("images", name), nil
}

// normalizeColor converts CMYK images to RGB before encoding, per spec.md
// §4.4 step 3. Other color models pass through unchanged; png.Encode
// handles them natively.
func normalizeColor(img image.Image) image.Image {
	cmyk, ok := img.(*image.CMYK)
	if !ok {
		return img
	}
	bounds := cmyk.Bounds()
	rgba := image.NewRGBA(bounds)
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			rgba.Set(x, y, cmyk.CMYKAt(x, y))
		}
	}
	return rgba
}

// decodeRawPixels reinterprets raw as packed pixels, trying RGB, then L
// (8-bit grayscale), then RGBA, accepting the first mode whose byte count
// matches width*height*bytesPerPixel exactly.
func decodeRawPixels(raw []byte, width, height int) (image.Image, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid dimensions %dx%d", width, height)
	}
	n := width * height

	switch len(raw) {
	case n * 3: // RGB
		img := image.NewRGBA(image.Rect(0, 0, width, height))
		for i := 0; i < n; i++ {
			o := i * 3
			x, y := i%width, i/width
			img.Set(x, y, color.RGBA{raw[o], raw[o+1], raw[o+2], 0xFF})
		}
		return img, nil

	case n: // L (grayscale)
		img := image.NewGray(image.Rect(0, 0, width, height))
		copy(img.Pix, raw)
		return img, nil

	case n * 4: // RGBA
		img := image.NewRGBA(image.Rect(0, 0, width, height))
		copy(img.Pix, raw)
		return img, nil
	}

	return nil, fmt.Errorf("raw byte count %d matches no mode for %dx%d", len(raw), width, height)
}
