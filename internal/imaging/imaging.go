// Package imaging does the local post-processing steps of the portrait
// pipeline: compositing the segmented subject onto a generated scene and
// producing the watermarked preview rendition.
package imaging

import (
	"bytes"
	"fmt"
	"image"
	"image/color"

	"github.com/disintegration/imaging"
)

const (
	// previewMaxDim bounds the watermarked rendition shown before payment.
	previewMaxDim = 1024

	watermarkSpacing = 64
	watermarkOpacity = 0.35
)

// Decode parses PNG/JPEG/WebP-compatible image bytes.
func Decode(data []byte) (image.Image, error) {
	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	return img, nil
}

// EncodePNG serializes an image as PNG bytes.
func EncodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.PNG); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return buf.Bytes(), nil
}

// Composite places the segmented subject onto the scene background. The
// subject is fitted to the scene, preserving aspect ratio, and overlaid
// centered at full opacity; transparency from segmentation is respected.
func Composite(subject, scene image.Image) *image.NRGBA {
	bounds := scene.Bounds()
	fitted := imaging.Fit(subject, bounds.Dx(), bounds.Dy(), imaging.Lanczos)
	return imaging.OverlayCenter(scene, fitted, 1.0)
}

// Watermark overlays a translucent diagonal ruling over the whole image. The
// pattern covers every region so cropping cannot recover a clean artifact.
func Watermark(src image.Image) *image.NRGBA {
	bounds := src.Bounds()
	overlay := image.NewNRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	mark := color.NRGBA{R: 255, G: 255, B: 255, A: 255}
	for y := 0; y < bounds.Dy(); y++ {
		for x := 0; x < bounds.Dx(); x++ {
			d := (x + y) % watermarkSpacing
			if d < 2 {
				overlay.SetNRGBA(x, y, mark)
			}
		}
	}
	return imaging.Overlay(src, overlay, image.Pt(0, 0), watermarkOpacity)
}

// Preview returns the client-visible rendition: watermarked and bounded to
// the preview resolution.
func Preview(src image.Image) *image.NRGBA {
	marked := Watermark(src)
	b := marked.Bounds()
	if b.Dx() <= previewMaxDim && b.Dy() <= previewMaxDim {
		return marked
	}
	return imaging.Fit(marked, previewMaxDim, previewMaxDim, imaging.Lanczos)
}
