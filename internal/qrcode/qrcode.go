// Package qrcode renders ticket login URLs as scannable images.
package qrcode

import (
	"bytes"
	"fmt"
	"image/png"
	"net/url"
	"os"

	"github.com/boombuler/barcode"
	"github.com/boombuler/barcode/qr"
)

// DefaultSize is the rendered width and height in pixels.
const DefaultSize = 200

// URL appends the escaped ticket to base.
func URL(base, ticket string) string {
	return base + url.QueryEscape(ticket)
}

// PNG encodes content as a size×size QR code.
func PNG(content string, size int) ([]byte, error) {
	if size <= 0 {
		size = DefaultSize
	}
	code, err := qr.Encode(content, qr.M, qr.Auto)
	if err != nil {
		return nil, fmt.Errorf("encode qr: %w", err)
	}
	code, err = barcode.Scale(code, size, size)
	if err != nil {
		return nil, fmt.Errorf("scale qr: %w", err)
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, code); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return buf.Bytes(), nil
}

// WritePNG renders content at DefaultSize into path.
func WritePNG(path, content string) error {
	data, err := PNG(content, DefaultSize)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write qr: %w", err)
	}
	return nil
}
