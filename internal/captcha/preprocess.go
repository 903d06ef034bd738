package captcha

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"golang.org/x/image/draw"
)

// Preprocess turns a noisy CAPTCHA into black glyphs on a white background
// scaled up by scale, which is what tesseract reads best:
//
//	grayscale -> inverted threshold -> 2x2 opening -> 2x2 dilation -> invert -> upscale
func Preprocess(data []byte, threshold uint8, scale int) (*image.Gray, error) {
	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode captcha: %w", err)
	}
	if scale < 1 {
		scale = 1
	}

	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	if w == 0 || h == 0 {
		return nil, fmt.Errorf("decode captcha: empty image")
	}

	gray := image.NewGray(image.Rect(0, 0, w, h))
	draw.Draw(gray, gray.Bounds(), src, b.Min, draw.Src)

	// ink marks glyph pixels: dark enough to be text.
	ink := make([]bool, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			ink[y*w+x] = gray.Pix[y*gray.Stride+x] <= threshold
		}
	}

	ink = morph(ink, w, h, false) // erode
	ink = morph(ink, w, h, true)  // dilate (completes the opening)
	ink = morph(ink, w, h, true)  // thicken strokes

	clean := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if ink[y*w+x] {
				clean.Pix[y*clean.Stride+x] = 0
			} else {
				clean.Pix[y*clean.Stride+x] = 255
			}
		}
	}

	if scale == 1 {
		return clean, nil
	}
	out := image.NewGray(image.Rect(0, 0, w*scale, h*scale))
	draw.CatmullRom.Scale(out, out.Bounds(), clean, clean.Bounds(), draw.Src, nil)
	return out, nil
}

// morph applies a 2x2 erosion or dilation anchored at the bottom-right cell.
// Pixels outside the image are ignored.
func morph(in []bool, w, h int, dilate bool) []bool {
	out := make([]bool, len(in))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := !dilate
			for dy := -1; dy <= 0; dy++ {
				for dx := -1; dx <= 0; dx++ {
					nx, ny := x+dx, y+dy
					if nx < 0 || ny < 0 {
						continue
					}
					p := in[ny*w+nx]
					if dilate && p {
						v = true
					}
					if !dilate && !p {
						v = false
					}
				}
			}
			out[y*w+x] = v
		}
	}
	return out
}
