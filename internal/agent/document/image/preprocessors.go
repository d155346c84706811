package image

import (
	"fmt"
	"image"

	"github.com/disintegration/imaging"
)

// Preprocessor transforms an image before recognition.
type Preprocessor interface {
	Name() string
	Process(img image.Image) image.Image
}

type GrayscaleProcessor struct{}

func (GrayscaleProcessor) Name() string { return "grayscale" }

func (GrayscaleProcessor) Process(img image.Image) image.Image {
	return imaging.Grayscale(img)
}

// ContrastProcessor raises contrast by percentage points.
type ContrastProcessor struct {
	percentage float64
}

func (ContrastProcessor) Name() string { return "contrast" }

func (p ContrastProcessor) Process(img image.Image) image.Image {
	return imaging.AdjustContrast(img, p.percentage)
}

type SharpenProcessor struct {
	sigma float64
}

func (SharpenProcessor) Name() string { return "sharpen" }

func (p SharpenProcessor) Process(img image.Image) image.Image {
	return imaging.Sharpen(img, p.sigma)
}

// DenoiseProcessor applies a light gaussian blur.
type DenoiseProcessor struct {
	sigma float64
}

func (DenoiseProcessor) Name() string { return "denoise" }

func (p DenoiseProcessor) Process(img image.Image) image.Image {
	return imaging.Blur(img, p.sigma)
}

// NewChain builds preprocessors in the given order.
func NewChain(names []string) ([]Preprocessor, error) {
	chain := make([]Preprocessor, 0, len(names))
	for _, name := range names {
		switch name {
		case "grayscale":
			chain = append(chain, GrayscaleProcessor{})
		case "contrast":
			chain = append(chain, ContrastProcessor{percentage: 20})
		case "sharpen":
			chain = append(chain, SharpenProcessor{sigma: 1.0})
		case "denoise":
			chain = append(chain, DenoiseProcessor{sigma: 0.5})
		default:
			return nil, fmt.Errorf("unknown preprocessor %q", name)
		}
	}
	return chain, nil
}
