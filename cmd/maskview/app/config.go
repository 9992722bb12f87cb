package app

import (
	"errors"
	"flag"
	"fmt"
	"strings"
)

const (
	ImagePNG  = "png"
	ImageJPEG = "jpeg"
)

type ImageFormat string

type Config struct {
	FramePath  string
	Width      int
	Height     int
	FrameIndex int
	OutputFile string
	FontPath   string
	Format     ImageFormat
	Scale      int
}

var validImageFormats = map[ImageFormat]struct{}{
	ImagePNG:  {},
	ImageJPEG: {},
}

func NewConfig() *Config {
	return &Config{
		Format: ImagePNG,
		Scale:  4,
	}
}

func NewConfigFromCLI() (*Config, error) {
	c := NewConfig()

	var imageFormat string
	flag.StringVar(&c.FramePath, "frame", "", "Path to the raw mask frame file")
	flag.IntVar(&c.Width, "width", 0, "Mask width in cells")
	flag.IntVar(&c.Height, "height", 0, "Mask height in cells")
	flag.IntVar(&c.FrameIndex, "i", 0, "Frame index within the file")
	flag.StringVar(&c.OutputFile, "o", "", "Path to the output file")
	flag.StringVar(&c.FontPath, "font", "", "Path to a TrueType font used for labels")
	flag.StringVar(&imageFormat, "f", string(ImagePNG), "Output image format. [png, jpeg]")
	flag.IntVar(&c.Scale, "scale", 4, "Pixels per mask cell")
	flag.Parse()

	imageFormat = strings.ToLower(imageFormat)

	var err error
	if c.FramePath == "" {
		err = errors.New("frame path is required")
	} else if c.Width <= 0 || c.Height <= 0 {
		err = errors.New("mask width and height are required")
	} else if c.Height%2 != 0 {
		err = errors.New("mask height must be even")
	} else if c.FrameIndex < 0 {
		err = errors.New("frame index must not be negative")
	} else if c.OutputFile == "" {
		err = errors.New("output file is required")
	} else if c.FontPath == "" {
		err = errors.New("font path is required")
	} else if c.Scale <= 0 {
		err = errors.New("scale must be positive")
	} else if _, ok := validImageFormats[ImageFormat(imageFormat)]; !ok {
		err = fmt.Errorf("invalid image format: %s", imageFormat)
	}

	if err != nil {
		flag.Usage()
		return nil, err
	}

	c.Format = ImageFormat(imageFormat)
	c.OutputFile = fmt.Sprintf("%s.%s", c.OutputFile, c.Format)
	return c, nil
}
