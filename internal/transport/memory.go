package transport

import (
	"context"
	"fmt"
	"sort"
	"sync"

	syncerr "github.com/alexjbarnes/notesync/internal/errors"
	"github.com/alexjbarnes/notesync/internal/models"
)

// Memory is an in-process Transport. Several engines sharing one Memory
// behave like devices sharing one remote.
type Memory struct {
	mu      sync.Mutex
	records map[string]models.RemoteRecord
}

// NewMemory returns an empty in-memory remote.
func NewMemory() *Memory {
	return &Memory{records: make(map[string]models.RemoteRecord)}
}

func (m *Memory) ListManifest(ctx context.Context) ([]models.ManifestEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]models.ManifestEntry, 0, len(m.records))
	for _, rec := range m.records {
		out = append(out, rec.Entry())
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })

	return out, nil
}

func (m *Memory) GetPayload(ctx context.Context, id string) (models.RemoteRecord, error) {
	if err := ctx.Err(); err != nil {
		return models.RemoteRecord{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[id]
	if !ok {
		return models.RemoteRecord{}, fmt.Errorf("%w: %s", syncerr.ErrNotFound, id)
	}

	rec.Payload = append([]byte(nil), rec.Payload...)

	return rec, nil
}

func (m *Memory) PutRecord(ctx context.Context, rec models.RemoteRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := ValidateID(rec.ID); err != nil {
		return err
	}

	rec.Payload = append([]byte(nil), rec.Payload...)

	m.mu.Lock()
	m.records[rec.ID] = rec
	m.mu.Unlock()

	return nil
}

func (m *Memory) DeleteRecord(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	delete(m.records, id)
	m.mu.Unlock()

	return nil
}

// Len returns the number of stored records.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.records)
}
