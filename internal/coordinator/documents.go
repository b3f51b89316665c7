package coordinator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/metalagman/clausegate/internal/playbook"
)

// DocumentSource resolves a document id to its raw text.
type DocumentSource interface {
	Document(ctx context.Context, docID string) (string, error)
}

// PlaybookSource resolves a playbook id.
type PlaybookSource interface {
	Get(id string) (playbook.Playbook, error)
}

// MemoryDocuments is an in-memory DocumentSource.
type MemoryDocuments struct {
	mu   sync.RWMutex
	docs map[string]string
}

// NewMemoryDocuments returns an empty source.
func NewMemoryDocuments() *MemoryDocuments {
	return &MemoryDocuments{docs: map[string]string{}}
}

// Put stores a document.
func (m *MemoryDocuments) Put(docID, text string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs[docID] = text
}

// Document implements DocumentSource.
func (m *MemoryDocuments) Document(_ context.Context, docID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	text, ok := m.docs[docID]
	if !ok {
		return "", fmt.Errorf("%w: document %q", ErrNotFound, docID)
	}
	return text, nil
}

// FileDocuments reads documents from a directory. The id may name the file
// with or without a .md or .txt extension.
type FileDocuments struct {
	Dir string
}

// Document implements DocumentSource.
func (f FileDocuments) Document(_ context.Context, docID string) (string, error) {
	if docID == "" || strings.Contains(docID, "..") || filepath.IsAbs(docID) {
		return "", fmt.Errorf("%w: invalid document id %q", ErrValidation, docID)
	}
	for _, name := range []string{docID, docID + ".md", docID + ".txt"} {
		data, err := os.ReadFile(filepath.Join(f.Dir, name))
		if err == nil {
			return string(data), nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("read document %q: %w", docID, err)
		}
	}
	return "", fmt.Errorf("%w: document %q", ErrNotFound, docID)
}
