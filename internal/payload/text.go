package payload

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"
)

func encodeText(sections []section) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, s := range sections {
		if err := enc.Encode(s); err != nil {
			return nil, fmt.Errorf("failed to encode %s section: %w", s.Kind, err)
		}
	}
	return buf.Bytes(), nil
}

func decodeText(data []byte) ([]section, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	var out []section
	for {
		var s section
		err := dec.Decode(&s)
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: %v", ErrTruncated, err)
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
		}
		out = append(out, s)
	}
}

func unixMilli(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
