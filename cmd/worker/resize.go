package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/disintegration/imaging"

	"elysium-jobs/internal/archive"
	"elysium-jobs/internal/codec"
	"elysium-jobs/internal/jobctx"
)

const defaultThumbWidth = 300

// resizeArgs is what a resize job carries.
type resizeArgs struct {
	Source    string
	OutputKey string
	Width     int
	Height    int
	Grayscale bool
}

func parseResizeArgs(args codec.Args) (resizeArgs, error) {
	ra := resizeArgs{}
	ra.Source, _ = args["source"].(string)
	if ra.Source == "" {
		return ra, errors.New("source is required")
	}
	ra.OutputKey, _ = args["output_key"].(string)
	ra.Width = int(integer(args["width"]))
	ra.Height = int(integer(args["height"]))
	if ra.Width < 0 || ra.Height < 0 {
		return ra, fmt.Errorf("invalid size %dx%d", ra.Width, ra.Height)
	}
	if ra.Width == 0 && ra.Height == 0 {
		ra.Width = defaultThumbWidth
	}
	ra.Grayscale, _ = args["grayscale"].(bool)
	return ra, nil
}

// resizeJob makes a thumbnail of a local image and stores it with up.
// Missing or undecodable sources are not retried.
func resizeJob(up archive.Uploader) func(context.Context, codec.Args) error {
	return func(ctx context.Context, args codec.Args) error {
		ra, err := parseResizeArgs(args)
		if err != nil {
			return jobctx.NoRetry(err)
		}

		src, err := imaging.Open(ra.Source, imaging.AutoOrientation(true))
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return jobctx.NoRetry(fmt.Errorf("source image missing: %w", err))
			}
			return jobctx.NoRetry(fmt.Errorf("decode image: %w", err))
		}
		if src.Bounds().Dx() == 0 || src.Bounds().Dy() == 0 {
			return jobctx.NoRetry(errors.New("invalid image dimensions"))
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		if ra.Grayscale {
			src = imaging.Grayscale(src)
		}
		dst := imaging.Resize(src, ra.Width, ra.Height, imaging.Lanczos)

		key := ra.OutputKey
		if key == "" {
			id := jobctx.JobID(ctx)
			if id == "" {
				id = fmt.Sprintf("%d", time.Now().UnixNano())
			}
			key = "thumbnails/" + id + filepath.Ext(ra.Source)
		}
		format, err := imaging.FormatFromFilename(key)
		if err != nil {
			format = imaging.JPEG
		}

		buf := &bytes.Buffer{}
		if err := imaging.Encode(buf, dst, format, imaging.JPEGQuality(85)); err != nil {
			return fmt.Errorf("encode image: %w", err)
		}
		if _, err := up.Upload(ctx, key, buf.Bytes(), mimeFor(format)); err != nil {
			return fmt.Errorf("upload: %w", err)
		}
		return nil
	}
}

func mimeFor(f imaging.Format) string {
	switch f {
	case imaging.PNG:
		return "image/png"
	case imaging.GIF:
		return "image/gif"
	case imaging.TIFF:
		return "image/tiff"
	case imaging.BMP:
		return "image/bmp"
	}
	return "image/jpeg"
}

// integer reads a whole number sent either through the SDK (int64) or JSON (float64).
func integer(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case float64:
		return int64(n)
	}
	return 0
}
