// Package notebookctx exposes a notebook's cells to an agent as read-only
// tools.
package notebookctx

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrCellNotFound is returned by a CellReader for an unknown cell.
var ErrCellNotFound = errors.New("cell not found")

// Cell is the agent-visible view of one notebook cell.
type Cell struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Status    string    `json:"status"`
	Content   string    `json:"content"`
	Result    any       `json:"result,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// CellReader reads cells from notebook storage.
type CellReader interface {
	ListCells(ctx context.Context, notebookID string) ([]Cell, error)
	GetCell(ctx context.Context, notebookID, cellID string) (Cell, error)
}

// MemoryStore is an in-memory CellReader. Cells keep insertion order.
type MemoryStore struct {
	mu    sync.RWMutex
	cells map[string][]Cell
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{cells: make(map[string][]Cell)}
}

// Put adds cell to notebookID, replacing any cell with the same id.
func (s *MemoryStore) Put(notebookID string, cell Cell) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cells := s.cells[notebookID]
	for i := range cells {
		if cells[i].ID == cell.ID {
			cells[i] = cell
			return
		}
	}
	s.cells[notebookID] = append(cells, cell)
}

func (s *MemoryStore) ListCells(_ context.Context, notebookID string) ([]Cell, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Cell, len(s.cells[notebookID]))
	copy(out, s.cells[notebookID])
	return out, nil
}

func (s *MemoryStore) GetCell(_ context.Context, notebookID, cellID string) (Cell, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.cells[notebookID] {
		if c.ID == cellID {
			return c, nil
		}
	}
	return Cell{}, ErrCellNotFound
}
