// Package cover decodes generated cover images and derives thumbnails.
package cover

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/disintegration/imaging"
)

// ThumbWidth is the width of thumbnails; height follows the 2:3 cover ratio.
const ThumbWidth = 240

var (
	ErrEmpty    = errors.New("empty cover image")
	ErrNotImage = errors.New("cover data is not an image")
)

// Image is a decoded cover with its sniffed content type.
type Image struct {
	Data        []byte
	ContentType string
}

// Ext returns the file extension for the image type, including the dot.
func (i Image) Ext() string {
	switch i.ContentType {
	case "image/jpeg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	case "image/gif":
		return ".gif"
	default:
		return ".png"
	}
}

// Decode turns the stored base64 payload into image bytes and sniffs the type.
func Decode(b64 string) (Image, error) {
	b64 = strings.TrimSpace(b64)
	if b64 == "" {
		return Image{}, ErrEmpty
	}
	data, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		data, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(b64, "="))
		if err != nil {
			return Image{}, fmt.Errorf("decode cover: %w", err)
		}
	}
	if len(data) == 0 {
		return Image{}, ErrEmpty
	}
	head := data
	if len(head) > 512 {
		head = head[:512]
	}
	ct := http.DetectContentType(head)
	if !strings.HasPrefix(ct, "image/") {
		return Image{}, ErrNotImage
	}
	return Image{Data: data, ContentType: ct}, nil
}

// Thumbnail scales img to fit ThumbWidth x 1.5*ThumbWidth, keeping its aspect.
func Thumbnail(img Image) (Image, error) {
	src, err := imaging.Decode(bytes.NewReader(img.Data), imaging.AutoOrientation(true))
	if err != nil {
		return Image{}, fmt.Errorf("decode cover image: %w", err)
	}
	thumb := imaging.Fit(src, ThumbWidth, ThumbWidth*3/2, imaging.Lanczos)

	format, contentType := imaging.PNG, "image/png"
	if img.ContentType == "image/jpeg" {
		format, contentType = imaging.JPEG, "image/jpeg"
	}
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, thumb, format); err != nil {
		return Image{}, fmt.Errorf("encode thumbnail: %w", err)
	}
	return Image{Data: buf.Bytes(), ContentType: contentType}, nil
}
