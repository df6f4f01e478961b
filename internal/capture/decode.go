package capture

import (
	"bytes"
	"io"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	log "github.com/sirupsen/logrus"
)

// decodeBody inflates a gzip- or brotli-encoded body for capture. The wire
// bytes stay untouched for the inbound client; only the recorded copy is
// decoded. On any decode failure the raw bytes are kept as-is.
func decodeBody(raw []byte, contentEncoding string) string {
	switch strings.ToLower(strings.TrimSpace(contentEncoding)) {
	case "gzip":
		reader, err := gzip.NewReader(bytes.NewReader(raw))
		if err != nil {
			log.Debugf("gzip decode failed, keeping raw body: %v", err)
			return string(raw)
		}
		defer func() { _ = reader.Close() }()
		decoded, err := io.ReadAll(reader)
		if err != nil {
			log.Debugf("gzip decode failed, keeping raw body: %v", err)
			return string(raw)
		}
		return string(decoded)
	case "br":
		decoded, err := io.ReadAll(brotli.NewReader(bytes.NewReader(raw)))
		if err != nil {
			log.Debugf("brotli decode failed, keeping raw body: %v", err)
			return string(raw)
		}
		return string(decoded)
	default:
		return string(raw)
	}
}
