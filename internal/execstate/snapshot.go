package execstate

import (
	"fmt"
	"os"
	"path/filepath"

	json "github.com/goccy/go-json"

	"github.com/kvanhimbergen/avwap-r3k-scanner-sub001/internal/atomicfile"
)

// SnapshotPath returns the daily snapshot file for the trading day.
func SnapshotPath(stateDir, dateNY string) string {
	return filepath.Join(stateDir, fmt.Sprintf("symbol_execution_state_%s.json", dateNY))
}

// Save persists the book with an atomic replace. Map keys serialize in
// sorted order, so logically identical books produce identical bytes.
func Save(stateDir string, book *Book) error {
	data, err := json.MarshalIndent(book, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal execution state: %w", err)
	}
	return atomicfile.WriteFile(SnapshotPath(stateDir, book.DateNY), data, 0o644)
}

// Load reads the book for the trading day, returning an empty book when no
// snapshot exists yet. A snapshot from a dead process is always safe to
// re-read: the atomic writer never publishes partial contents.
func Load(stateDir, dateNY string) (*Book, error) {
	raw, err := os.ReadFile(SnapshotPath(stateDir, dateNY))
	if os.IsNotExist(err) {
		return NewBook(dateNY), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read execution state: %w", err)
	}
	var book Book
	if err := json.Unmarshal(raw, &book); err != nil {
		return nil, fmt.Errorf("parse execution state: %w", err)
	}
	if book.Symbols == nil {
		book.Symbols = make(map[string]*SymbolState)
	}
	book.DateNY = dateNY
	return &book, nil
}
