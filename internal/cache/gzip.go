package cache

import (
	"bytes"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"
)

var writerPool = sync.Pool{
	New: func() any {
		w, _ := gzip.NewWriterLevel(io.Discard, gzip.BestSpeed)
		return w
	},
}

// Compress gzips p. The header is normalized so equal inputs give equal
// outputs, which compressed cache keys rely on.
func Compress(p []byte) ([]byte, error) {
	var buf bytes.Buffer

	gw := writerPool.Get().(*gzip.Writer)
	gw.Reset(&buf)
	gw.Header = gzip.Header{ModTime: time.Unix(0, 0)}
	defer writerPool.Put(gw)

	if _, err := gw.Write(p); err != nil {
		_ = gw.Close()
		return nil, fmt.Errorf("gzip write: %w", err)
	}
	if err := gw.Close(); err != nil {
		return nil, fmt.Errorf("gzip close: %w", err)
	}
	return buf.Bytes(), nil
}

// Decompress gunzips p
func Decompress(p []byte) ([]byte, error) {
	gr, err := gzip.NewReader(bytes.NewReader(p))
	if err != nil {
		return nil, fmt.Errorf("gzip reader: %w", err)
	}
	defer gr.Close()

	out, err := io.ReadAll(gr)
	if err != nil {
		return nil, fmt.Errorf("gzip read: %w", err)
	}
	return out, nil
}
