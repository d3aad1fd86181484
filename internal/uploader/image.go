package uploader

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png"

	xdraw "golang.org/x/image/draw"
)

// resizableImage: gif и webp раздаются как есть (анимация и отсутствие
// энкодера), jpeg/png проходят через уменьшение.
func resizableImage(ext string) bool {
	return ext == ".jpg" || ext == ".jpeg" || ext == ".png"
}

// shrinkImage уменьшает картинку так, чтобы ни одна сторона не превышала
// настроенные габариты, и перекодирует в JPEG. Возвращает nil, если картинка
// уже в пределах и уменьшать нечего.
func (s *Service) shrinkImage(data []byte) ([]byte, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= s.maxWidth && h <= s.maxHeight {
		return nil, nil
	}

	scale := float64(s.maxWidth) / float64(w)
	if sh := float64(s.maxHeight) / float64(h); sh < scale {
		scale = sh
	}
	nw := int(float64(w) * scale)
	nh := int(float64(h) * scale)
	if nw < 1 {
		nw = 1
	}
	if nh < 1 {
		nh = 1
	}

	dst := image.NewRGBA(image.Rect(0, 0, nw, nh))
	xdraw.CatmullRom.Scale(dst, dst.Bounds(), img, b, xdraw.Over, nil)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: s.jpegQuality}); err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	return buf.Bytes(), nil
}
