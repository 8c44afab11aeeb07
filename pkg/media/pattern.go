package media

// barsYUV and barsRGB are 75% color bars: white, yellow, cyan, green,
// magenta, red, blue, black.
var (
	barsYUV = [8][3]byte{ // Y, Cb, Cr
		{180, 128, 128}, {162, 44, 142}, {131, 156, 44}, {112, 72, 58},
		{84, 184, 198}, {65, 100, 212}, {35, 212, 114}, {16, 128, 128},
	}
	barsRGB = [8][3]byte{
		{191, 191, 191}, {191, 191, 0}, {0, 191, 191}, {0, 191, 0},
		{191, 0, 191}, {191, 0, 0}, {0, 0, 191}, {0, 0, 0},
	}
)

// FillBars paints vertical color bars shifted right by offset pixels, so
// successive frames with increasing offsets scroll. Formats without a bar
// encoding are filled with black.
func FillBars(f *VideoFrame, offset int) {
	if f.Width <= 0 {
		return
	}
	bar := func(x int) int {
		x = ((x-offset)%f.Width + f.Width) % f.Width
		return x * 8 / f.Width
	}

	switch f.Format {
	case Format8BitYUV:
		for y := range f.Height {
			row := f.Buffer[y*f.RowBytes : y*f.RowBytes+f.Width*2]
			for x := 0; x+1 < f.Width; x += 2 {
				c := barsYUV[bar(x)]
				row[x*2] = c[1]
				row[x*2+1] = c[0]
				row[x*2+2] = c[2]
				row[x*2+3] = c[0]
			}
		}
	case Format8BitBGRA, Format8BitARGB:
		for y := range f.Height {
			row := f.Buffer[y*f.RowBytes : y*f.RowBytes+f.Width*4]
			for x := range f.Width {
				c := barsRGB[bar(x)]
				px := row[x*4 : x*4+4]
				if f.Format == Format8BitBGRA {
					px[0], px[1], px[2], px[3] = c[2], c[1], c[0], 0xFF
				} else {
					px[0], px[1], px[2], px[3] = 0xFF, c[0], c[1], c[2]
				}
			}
		}
	default:
		FillBlack(f)
	}
}
