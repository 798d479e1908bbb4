package core

import (
	"fmt"
	"image"
	"io"

	// image formats understood by LoadImage
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"

	"github.com/koru3d/koru/gfx"
)

// GetPixels transforms a given image into right arrangement of pixels
// by drawing the decoded image onto a controlled RGBA canvas
func GetPixels(img image.Image, rowPitch int) ([]uint8, error) {
	bounds := img.Bounds()
	if rowPitch != 0 && rowPitch < 4*bounds.Dx() {
		return nil, fmt.Errorf("row pitch %d is smaller than a row of %d pixels", rowPitch, bounds.Dx())
	}
	newImg := image.NewRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	if rowPitch != 0 {
		newImg.Stride = rowPitch
		newImg.Pix = make([]uint8, rowPitch*bounds.Dy())
	}
	draw.Draw(newImg, newImg.Bounds(), img, bounds.Min, draw.Src)
	return newImg.Pix, nil
}

// LoadImage decodes a png, jpeg or bmp image.
func LoadImage(r io.Reader) (image.Image, error) {
	img, _, err := image.Decode(r)
	if err != nil {
		return nil, fmt.Errorf("load image: %w", err)
	}
	return img, nil
}

// FitImage scales img to width x height.
func FitImage(img image.Image, width, height int) image.Image {
	b := img.Bounds()
	if b.Dx() == width && b.Dy() == height {
		return img
	}
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	return dst
}

// UploadImage creates an RGBA8 texture owned by owner holding img.
func UploadImage(dev gfx.Device, owner gfx.Owner, label string, img image.Image) (gfx.Texture, error) {
	pixels, err := GetPixels(img, 0)
	if err != nil {
		return nil, err
	}
	tex, err := dev.NewTexture(owner, gfx.TextureDesc{
		Label:  label,
		Width:  img.Bounds().Dx(),
		Height: img.Bounds().Dy(),
		Format: gfx.FormatRGBA8,
		Usage:  gfx.TextureColor,
	})
	if err != nil {
		return nil, err
	}
	if err := tex.Upload(pixels); err != nil {
		tex.Dispose()
		return nil, err
	}
	return tex, nil
}
