package watcher

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tailscale/hujson"
)

var errEmptyFile = errors.New("file is empty")

// parsePayload validates the content of a file and returns it as compact JSON.
// In lenient mode comments and trailing commas (JWCC) are accepted.
func parsePayload(data []byte, lenient bool) (json.RawMessage, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, errEmptyFile
	}

	if lenient {
		std, err := hujson.Standardize(data)
		if err != nil {
			return nil, fmt.Errorf("invalid json: %w", err)
		}
		data = std
	}

	var buf bytes.Buffer
	if err := json.Compact(&buf, data); err != nil {
		return nil, fmt.Errorf("invalid json: %w", err)
	}
	return buf.Bytes(), nil
}
