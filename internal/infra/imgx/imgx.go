// Package imgx 把下载到的原图规整为缩略图档的 JPEG。
package imgx

import (
	"bytes"
	"errors"
	"image"
	"image/draw"
	"image/jpeg"
	_ "image/png" // 注册 PNG 解码器（来源不一定是 jpeg）

	"github.com/nfnt/resize"
)

const (
	DefaultThumbWidth  = 320
	DefaultThumbHeight = 400
)

// Thumbnail 把图片等比缩放到 maxW×maxH 以内（不放大），并编码为 JPEG。
//
// 缩小超过一半时用 Lanczos3，小幅缩放用 Bilinear。
func Thumbnail(src []byte, maxW, maxH int) ([]byte, error) {
	if len(src) == 0 {
		return nil, errors.New("图片为空")
	}
	if maxW <= 0 {
		maxW = DefaultThumbWidth
	}
	if maxH <= 0 {
		maxH = DefaultThumbHeight
	}

	img, _, err := image.Decode(bytes.NewReader(src))
	if err != nil {
		return nil, err
	}
	b := img.Bounds()
	if b.Dx() <= 0 || b.Dy() <= 0 {
		return nil, errors.New("图片尺寸无效")
	}

	w, h := fit(b.Dx(), b.Dy(), maxW, maxH)
	out := img
	if w != b.Dx() || h != b.Dy() {
		filter := resize.Bilinear
		if float64(w)/float64(b.Dx()) < 0.5 || float64(h)/float64(b.Dy()) < 0.5 {
			filter = resize.Lanczos3
		}
		out = resize.Resize(uint(w), uint(h), img, filter)
	} else {
		// 不缩放也统一转成 RGBA，去掉调色板/透明通道的差异。
		dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
		draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
		out = dst
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, out, &jpeg.Options{Quality: 85}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// fit 返回等比缩放进 maxW×maxH 的尺寸；原图已经足够小时原样返回。
func fit(w, h, maxW, maxH int) (int, int) {
	if w <= maxW && h <= maxH {
		return w, h
	}
	rw := float64(maxW) / float64(w)
	rh := float64(maxH) / float64(h)
	r := rw
	if rh < r {
		r = rh
	}
	nw := int(float64(w)*r + 0.5)
	nh := int(float64(h)*r + 0.5)
	if nw < 1 {
		nw = 1
	}
	if nh < 1 {
		nh = 1
	}
	return nw, nh
}
