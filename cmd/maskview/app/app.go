package app

import (
	"context"
	"fmt"
	"image/jpeg"
	"image/png"
	"io"
	"log/slog"
	"os"

	"github.com/dustin/go-humanize"
)

func Run(ctx context.Context, config *Config, logger *slog.Logger) error {
	if _, err := os.Stat(config.FramePath); err != nil && os.IsNotExist(err) {
		return fmt.Errorf("frame file '%s' does not exist: %w", config.FramePath, err)
	}

	mask, err := readFrame(config)
	if err != nil {
		return err
	}

	fontBytes, err := os.ReadFile(config.FontPath)
	if err != nil {
		return fmt.Errorf("reading font: %w", err)
	}

	snap, err := NewSnapshot(mask, config.Width, config.Height)
	if err != nil {
		return err
	}

	var obstacleCells int64
	for _, v := range mask {
		if v != 0 {
			obstacleCells++
		}
	}

	logger.Info("rendering mask snapshot",
		slog.Group("frame",
			slog.String("source", config.FramePath),
			slog.Int("index", config.FrameIndex),
			slog.Int("width", config.Width),
			slog.Int("height", config.Height),
			slog.String("obstacleCells", humanize.Comma(obstacleCells)),
		),
		slog.Group("image",
			slog.String("destination", config.OutputFile),
			slog.String("format", string(config.Format)),
			slog.Int("scale", config.Scale),
		))

	renderer, err := NewRenderer(fontBytes, config.Scale)
	if err != nil {
		return fmt.Errorf("creating renderer: %w", err)
	}
	defer renderer.Close()

	img, err := renderer.Render(snap)
	if err != nil {
		return fmt.Errorf("rendering snapshot: %w", err)
	}

	out, err := os.Create(config.OutputFile)
	if err != nil {
		return err
	}
	defer out.Close()

	switch config.Format {
	case ImagePNG:
		err = png.Encode(out, img)

	case ImageJPEG:
		err = jpeg.Encode(out, img, &jpeg.Options{
			Quality: 98,
		})
	}
	return err
}

// readFrame pulls one fixed-size frame out of the raw capture file.
func readFrame(config *Config) ([]byte, error) {
	f, err := os.Open(config.FramePath)
	if err != nil {
		return nil, fmt.Errorf("opening frame file: %w", err)
	}
	defer f.Close()

	size := int64(config.Width * config.Height)
	if _, err = f.Seek(size*int64(config.FrameIndex), io.SeekStart); err != nil {
		return nil, fmt.Errorf("seeking to frame %d: %w", config.FrameIndex, err)
	}

	mask := make([]byte, size)
	if _, err = io.ReadFull(f, mask); err != nil {
		return nil, fmt.Errorf("reading frame %d: %w", config.FrameIndex, err)
	}
	return mask, nil
}
