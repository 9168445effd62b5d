// Package history keeps a bounded in-memory window of recently accepted
// books, newest last.
package history

import (
	"sync"

	"github.com/gammazero/deque"

	"github.com/alanyoungcy/polybook/internal/domain"
)

// DefaultSize is used when a non-positive size is configured.
const DefaultSize = 120

// Window is safe for concurrent use. Books are immutable, so they are stored
// by reference.
type Window struct {
	mu    sync.RWMutex
	size  int
	books deque.Deque[*domain.OrderBook]
}

func NewWindow(size int) *Window {
	if size <= 0 {
		size = DefaultSize
	}
	return &Window{size: size}
}

// Push appends b, evicting the oldest entry when full. A nil book, or a book
// for another market, clears the window first.
func (w *Window) Push(b *domain.OrderBook) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if b == nil {
		w.books.Clear()
		return
	}
	if w.books.Len() > 0 && w.books.Back().MarketID != b.MarketID {
		w.books.Clear()
	}
	w.books.PushBack(b)
	for w.books.Len() > w.size {
		w.books.PopFront()
	}
}

// Latest returns up to limit books, newest first. A non-positive limit
// returns the whole window.
func (w *Window) Latest(limit int) []*domain.OrderBook {
	w.mu.RLock()
	defer w.mu.RUnlock()

	n := w.books.Len()
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]*domain.OrderBook, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, w.books.At(i))
	}
	return out
}

func (w *Window) Len() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.books.Len()
}

func (w *Window) Size() int { return w.size }
