package nn

// ResizeBilinear resamples a single-channel h×w image (row-major slice)
// to th×tw using bilinear interpolation with align_corners=false
// sampling. The criterion uses it to upsample predicted masks to the
// target mask size.
func ResizeBilinear(src []float64, h, w, th, tw int) []float64 {
	out := make([]float64, th*tw)
	if h == 0 || w == 0 || th == 0 || tw == 0 {
		return out
	}

	scaleY := float64(h) / float64(th)
	scaleX := float64(w) / float64(tw)

	for ty := 0; ty < th; ty++ {
		sy := (float64(ty)+0.5)*scaleY - 0.5
		y0 := int(sy)
		if sy < 0 {
			sy, y0 = 0, 0
		}
		y1 := y0 + 1
		if y1 > h-1 {
			y1 = h - 1
		}
		fy := sy - float64(y0)

		for tx := 0; tx < tw; tx++ {
			sx := (float64(tx)+0.5)*scaleX - 0.5
			x0 := int(sx)
			if sx < 0 {
				sx, x0 = 0, 0
			}
			x1 := x0 + 1
			if x1 > w-1 {
				x1 = w - 1
			}
			fx := sx - float64(x0)

			top := src[y0*w+x0]*(1-fx) + src[y0*w+x1]*fx
			bot := src[y1*w+x0]*(1-fx) + src[y1*w+x1]*fx
			out[ty*tw+tx] = top*(1-fy) + bot*fy
		}
	}
	return out
}

// ResizeMaskNearest resamples a boolean h×w padding mask to th×tw with
// nearest-neighbor sampling. Synthesized feature scales derive their
// masks from the original image mask this way.
func ResizeMaskNearest(mask []bool, h, w, th, tw int) []bool {
	out := make([]bool, th*tw)
	if h == 0 || w == 0 {
		return out
	}
	for ty := 0; ty < th; ty++ {
		sy := ty * h / th
		if sy > h-1 {
			sy = h - 1
		}
		for tx := 0; tx < tw; tx++ {
			sx := tx * w / tw
			if sx > w-1 {
				sx = w - 1
			}
			out[ty*tw+tx] = mask[sy*w+sx]
		}
	}
	return out
}
