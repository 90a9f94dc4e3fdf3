package media

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"

	_ "image/gif"
	_ "image/png"

	xdraw "golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

const (
	// defaultMaxImageEdge bounds the long edge of a stored image.
	defaultMaxImageEdge = 1280
	// thumbnailEdge bounds the long edge of generated thumbnails.
	thumbnailEdge = 320
	// jpegQuality applies to both the stored image and its thumbnail.
	jpegQuality = 85
)

// processImage decodes, downscales and re-encodes an uploaded image,
// returning the stored bytes, final dimensions and a thumbnail.
func processImage(data []byte, maxEdge int) (processed []byte, width, height int, thumb []byte, err error) {
	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, 0, 0, nil, fmt.Errorf("not a decodable image: %v", err)
	}

	scaled := downscale(src, maxEdge)
	bounds := scaled.Bounds()

	processed, err = encodeJPEG(scaled)
	if err != nil {
		return nil, 0, 0, nil, err
	}

	thumb, err = encodeJPEG(downscale(scaled, thumbnailEdge))
	if err != nil {
		return nil, 0, 0, nil, err
	}

	return processed, bounds.Dx(), bounds.Dy(), thumb, nil
}

// downscale returns src scaled so its long edge is at most maxEdge.
// Images already within bounds are returned unchanged.
func downscale(src image.Image, maxEdge int) image.Image {
	bounds := src.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	long := w
	if h > long {
		long = h
	}
	if long <= maxEdge {
		return src
	}

	scale := float64(maxEdge) / float64(long)
	dst := image.NewRGBA(image.Rect(0, 0, int(float64(w)*scale), int(float64(h)*scale)))
	xdraw.CatmullRom.Scale(dst, dst.Bounds(), src, bounds, xdraw.Over, nil)
	return dst
}

func encodeJPEG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: jpegQuality}); err != nil {
		return nil, fmt.Errorf("encode image: %w", err)
	}
	return buf.Bytes(), nil
}
