package completion

import (
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"
)

// IsRemoteURL reports whether the image is referenced by an http(s) URL.
func IsRemoteURL(image string) bool {
	s := strings.ToLower(strings.TrimSpace(image))
	return strings.HasPrefix(s, "https://") || strings.HasPrefix(s, "http://")
}

// DecodeImage returns the bytes and MIME type of a data URL or bare base64
// payload. The MIME type comes from the data URL prefix when present and is
// sniffed from the bytes otherwise.
func DecodeImage(image string) ([]byte, string, error) {
	s := strings.TrimSpace(image)
	if s == "" {
		return nil, "", fmt.Errorf("%w: empty payload", ErrInvalidImage)
	}

	var hintMIME string
	if strings.HasPrefix(s, "data:") {
		idx := strings.IndexByte(s, ',')
		if idx < 0 {
			return nil, "", fmt.Errorf("%w: malformed data url", ErrInvalidImage)
		}
		meta := s[len("data:"):idx]
		if semi := strings.IndexByte(meta, ';'); semi >= 0 {
			hintMIME = meta[:semi]
		} else {
			hintMIME = meta
		}
		s = s[idx+1:]
	}

	data, err := decodeBase64(s)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}
	if len(data) == 0 {
		return nil, "", fmt.Errorf("%w: empty payload", ErrInvalidImage)
	}

	mime := strings.TrimSpace(hintMIME)
	if mime == "" {
		mime = http.DetectContentType(data)
	}
	return data, mime, nil
}

// ToImageURL returns a value usable as an image_url: remote URLs and data URLs
// pass through, bare base64 is wrapped into a data URL.
func ToImageURL(image string) (string, error) {
	s := strings.TrimSpace(image)
	if IsRemoteURL(s) || strings.HasPrefix(s, "data:") {
		return s, nil
	}
	data, mime, err := DecodeImage(s)
	if err != nil {
		return "", err
	}
	return DataURL(mime, data), nil
}

// DataURL encodes data as a base64 data URL.
func DataURL(mime string, data []byte) string {
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(data)
}

func decodeBase64(s string) ([]byte, error) {
	s = strings.Map(func(r rune) rune {
		if r == '\n' || r == '\r' || r == ' ' || r == '\t' {
			return -1
		}
		return r
	}, s)
	if b, err := base64.StdEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	if b, err := base64.RawStdEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	if b, err := base64.URLEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return base64.RawURLEncoding.DecodeString(s)
}
