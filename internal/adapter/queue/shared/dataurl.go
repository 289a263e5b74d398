package shared

import (
	"encoding/base64"
	"fmt"
	"strings"
)

// decodeDataURL splits a base64 data: URL into payload bytes and content type.
func decodeDataURL(s string) ([]byte, string, error) {
	rest := strings.TrimPrefix(s, "data:")
	meta, encoded, ok := strings.Cut(rest, ",")
	if !ok {
		return nil, "", fmt.Errorf("malformed data url")
	}
	if !strings.HasSuffix(meta, ";base64") {
		return nil, "", fmt.Errorf("unsupported data url encoding %q", meta)
	}
	contentType := strings.TrimSuffix(meta, ";base64")
	if contentType == "" {
		contentType = "image/png"
	}
	payload, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, "", fmt.Errorf("decode base64 payload: %w", err)
	}
	return payload, contentType, nil
}
