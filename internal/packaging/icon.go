package packaging

import (
	"bytes"
	"fmt"
	"hash/fnv"
	"image/color"

	"github.com/disintegration/imaging"
)

// IconSizes are the PWA icon sizes written into frontend/public.
var IconSizes = []int{192, 512}

// Icon renders a square PNG whose colors are derived from the project name, so rebuilding the
// same project yields the same icon.
func Icon(name string, size int) ([]byte, error) {
	h := fnv.New32a()
	_, _ = h.Write([]byte(name))
	sum := h.Sum32()

	bg := color.NRGBA{R: uint8(sum >> 16), G: uint8(sum >> 8), B: uint8(sum), A: 255}
	fg := color.NRGBA{R: 255 - bg.R/2, G: 255 - bg.G/2, B: 255 - bg.B/2, A: 255}

	img := imaging.New(size, size, bg)
	inner := imaging.New(size/2, size/2, fg)
	img = imaging.PasteCenter(img, inner)

	buf := &bytes.Buffer{}
	if err := imaging.Encode(buf, img, imaging.PNG); err != nil {
		return nil, fmt.Errorf("encode icon: %w", err)
	}
	return buf.Bytes(), nil
}
