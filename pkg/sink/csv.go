package sink

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/screa/coin-finder/pkg/types"
)

// Headers are the CSV columns, in order
var Headers = []string{
	"public_key_hex",
	"address",
	"balance_wei",
	"balance_eth",
	"detected_at",
}

// CSVWriter appends hit records to a CSV file. Appends from concurrent workers
// are serialized so rows never interleave.
type CSVWriter struct {
	path string
	mu   sync.Mutex
}

// NewCSVWriter creates a writer for path; the file is created on first append
func NewCSVWriter(path string) *CSVWriter {
	return &CSVWriter{path: path}
}

// Path returns the destination file
func (w *CSVWriter) Path() string {
	return w.path
}

// AppendHits writes one row per hit. The header is written only when the file
// does not exist yet. An empty slice is a no-op.
func (w *CSVWriter) AppendHits(hits []types.HitRecord) error {
	if len(hits) == 0 {
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(w.path), 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	_, statErr := os.Stat(w.path)
	newFile := errors.Is(statErr, fs.ErrNotExist)

	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open hits file: %w", err)
	}
	defer f.Close()

	cw := csv.NewWriter(f)
	if newFile {
		if err := cw.Write(Headers); err != nil {
			return fmt.Errorf("write header: %w", err)
		}
	}
	for i := range hits {
		if err := cw.Write(Row(&hits[i])); err != nil {
			return fmt.Errorf("write hit: %w", err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("flush hits: %w", err)
	}
	return f.Sync()
}

// Row renders a hit in Headers order
func Row(h *types.HitRecord) []string {
	return []string{
		h.PublicKeyHex,
		h.Address,
		h.BalanceWei.Dec(),
		h.BalanceEth,
		h.DetectedAtISO(),
	}
}
