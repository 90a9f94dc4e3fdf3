// Package media implements the upload pipeline for image, video and audio
// attachments: validation happens before any byte is written, images are
// downscaled to bound payload size, and stored content is addressed by
// digest so repeated uploads of the same file are free.
package media

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Upload kinds.
const (
	KindImage = "image"
	KindVideo = "video"
	KindAudio = "audio"
)

// DefaultMaxSizeMB caps uploads when the request does not set its own limit.
const DefaultMaxSizeMB = 25

var allowedExtensions = map[string][]string{
	KindImage: {".jpg", ".jpeg", ".png", ".gif", ".webp"},
	KindVideo: {".mp4", ".webm", ".mov"},
	KindAudio: {".mp3", ".ogg", ".wav", ".m4a", ".webm"},
}

// ErrRejected wraps all validation failures. The wrapped message is shown
// to the user verbatim.
var ErrRejected = errors.New("media: upload rejected")

// UploadRequest describes one file handed to the pipeline.
type UploadRequest struct {
	Filename  string
	Data      []byte
	Folder    string
	Kind      string
	MaxSizeMB int
}

// UploadResult carries the minted content URL plus image metadata.
type UploadResult struct {
	URL          string
	ThumbnailURL string
	Width        int
	Height       int
	Size         int64
}

// Uploader is the media pipeline boundary consumed by the messaging
// service. An upload error guarantees nothing was stored.
type Uploader interface {
	Upload(ctx context.Context, req UploadRequest) (UploadResult, error)
}

// LocalUploader stores uploads under a base directory and mints URLs below
// a base path, which the gateway serves statically.
type LocalUploader struct {
	// BaseDir is the directory uploads are written beneath.
	BaseDir string
	// BaseURL is the URL path prefix for minted content URLs.
	BaseURL string
	// MaxImageEdge bounds the long edge of stored images, 0 for the default.
	MaxImageEdge int
}

// NewLocalUploader creates the upload directory layout if needed.
func NewLocalUploader(baseDir string) (*LocalUploader, error) {
	for _, kind := range []string{KindImage, KindVideo, KindAudio} {
		if err := os.MkdirAll(filepath.Join(baseDir, kind+"s"), 0o700); err != nil {
			return nil, fmt.Errorf("create media directory: %w", err)
		}
	}
	return &LocalUploader{BaseDir: baseDir, BaseURL: "/media"}, nil
}

// Upload validates, processes and stores one file.
func (u *LocalUploader) Upload(ctx context.Context, req UploadRequest) (UploadResult, error) {
	if err := validate(req); err != nil {
		return UploadResult{}, err
	}
	if err := ctx.Err(); err != nil {
		return UploadResult{}, err
	}

	folder := req.Folder
	if folder == "" {
		folder = req.Kind + "s"
	}

	data := req.Data
	ext := strings.ToLower(filepath.Ext(req.Filename))
	result := UploadResult{}

	var thumb []byte
	if req.Kind == KindImage {
		processed, width, height, thumbData, err := processImage(data, u.maxImageEdge())
		if err != nil {
			return UploadResult{}, fmt.Errorf("%w: %v", ErrRejected, err)
		}
		data = processed
		ext = ".jpg"
		thumb = thumbData
		result.Width = width
		result.Height = height
	}

	name := contentName(data) + ext
	if err := u.writeFile(folder, name, data); err != nil {
		return UploadResult{}, err
	}
	result.URL = u.BaseURL + "/" + folder + "/" + name
	result.Size = int64(len(data))

	if len(thumb) > 0 {
		thumbName := contentName(data) + "_thumb.jpg"
		if err := u.writeFile(folder, thumbName, thumb); err != nil {
			// The full image is already stored; a missing thumbnail only
			// degrades previews.
			return result, nil
		}
		result.ThumbnailURL = u.BaseURL + "/" + folder + "/" + thumbName
	}

	return result, nil
}

func (u *LocalUploader) writeFile(folder, name string, data []byte) error {
	dir := filepath.Join(u.BaseDir, folder)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create media folder %q: %w", folder, err)
	}
	path := filepath.Join(dir, name)
	if _, err := os.Stat(path); err == nil {
		return nil // content-addressed, already stored
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("store media file: %w", err)
	}
	return nil
}

func (u *LocalUploader) maxImageEdge() int {
	if u.MaxImageEdge > 0 {
		return u.MaxImageEdge
	}
	return defaultMaxImageEdge
}

func validate(req UploadRequest) error {
	if len(req.Data) == 0 {
		return fmt.Errorf("%w: file is empty", ErrRejected)
	}

	maxMB := req.MaxSizeMB
	if maxMB <= 0 {
		maxMB = DefaultMaxSizeMB
	}
	if int64(len(req.Data)) > int64(maxMB)<<20 {
		return fmt.Errorf("%w: file exceeds the %d MB limit", ErrRejected, maxMB)
	}

	allowed, ok := allowedExtensions[req.Kind]
	if !ok {
		return fmt.Errorf("%w: unknown upload kind %q", ErrRejected, req.Kind)
	}
	ext := strings.ToLower(filepath.Ext(req.Filename))
	for _, candidate := range allowed {
		if ext == candidate {
			return nil
		}
	}
	return fmt.Errorf("%w: %q is not a supported %s file", ErrRejected, ext, req.Kind)
}

func contentName(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:16])
}
