package qemu

import (
	"bufio"
	"errors"
	"fmt"
	"io"
)

// ErrBadPPM is returned for screendumps that are not binary 8-bit PPM.
var ErrBadPPM = errors.New("malformed ppm")

// decodePPM reads a binary (P6) PPM into opaque ARGB words. dst is reused
// when it is large enough.
func decodePPM(r io.Reader, dst []uint32) (pixels []uint32, width, height int, err error) {
	br := bufio.NewReader(r)

	magic, err := ppmToken(br)
	if err != nil {
		return nil, 0, 0, err
	}
	if magic != "P6" {
		return nil, 0, 0, fmt.Errorf("%w: magic %q", ErrBadPPM, magic)
	}

	var header [3]int
	for i := range header {
		tok, err := ppmToken(br)
		if err != nil {
			return nil, 0, 0, err
		}
		if _, err := fmt.Sscanf(tok, "%d", &header[i]); err != nil || header[i] <= 0 {
			return nil, 0, 0, fmt.Errorf("%w: header field %q", ErrBadPPM, tok)
		}
	}
	width, height = header[0], header[1]
	if header[2] != 255 {
		return nil, 0, 0, fmt.Errorf("%w: maxval %d", ErrBadPPM, header[2])
	}
	if width > 1<<14 || height > 1<<14 {
		return nil, 0, 0, fmt.Errorf("%w: size %dx%d", ErrBadPPM, width, height)
	}

	n := width * height
	if cap(dst) >= n {
		pixels = dst[:n]
	} else {
		pixels = make([]uint32, n)
	}

	row := make([]byte, width*3)
	for y := 0; y < height; y++ {
		if _, err := io.ReadFull(br, row); err != nil {
			return nil, 0, 0, fmt.Errorf("%w: row %d: %v", ErrBadPPM, y, err)
		}
		out := pixels[y*width : (y+1)*width]
		for x := range out {
			o := x * 3
			out[x] = 0xff000000 | uint32(row[o])<<16 | uint32(row[o+1])<<8 | uint32(row[o+2])
		}
	}
	return pixels, width, height, nil
}

// ppmToken reads one whitespace-delimited header token, skipping comments,
// and consumes the single whitespace byte after it.
func ppmToken(br *bufio.Reader) (string, error) {
	var tok []byte
	for {
		b, err := br.ReadByte()
		if err != nil {
			return "", fmt.Errorf("%w: header: %v", ErrBadPPM, err)
		}
		switch {
		case b == '#' && len(tok) == 0:
			if _, err := br.ReadBytes('\n'); err != nil {
				return "", fmt.Errorf("%w: comment: %v", ErrBadPPM, err)
			}
		case b == ' ' || b == '\t' || b == '\n' || b == '\r':
			if len(tok) > 0 {
				return string(tok), nil
			}
		default:
			tok = append(tok, b)
			if len(tok) > 16 {
				return "", fmt.Errorf("%w: header token too long", ErrBadPPM)
			}
		}
	}
}
