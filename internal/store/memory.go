package store

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"sync"
)

// Memory is an in-process Store. Documents are kept as marshalled JSON so a
// Load always goes through a full decode, same as the durable backends.
type Memory struct {
	mu   sync.RWMutex
	cols map[string]map[string][]byte

	// FailSaves makes every Save error out; tests use it to verify that an
	// operation does not report success without a durable write.
	FailSaves bool
}

func NewMemory() *Memory {
	return &Memory{cols: make(map[string]map[string][]byte)}
}

func (m *Memory) Load(ctx context.Context, collection, key string, out any) error {
	_ = ctx
	m.mu.RLock()
	defer m.mu.RUnlock()

	col, ok := m.cols[collection]
	if !ok {
		return ErrNotFound
	}
	b, ok := col[key]
	if !ok {
		return ErrNotFound
	}
	return json.Unmarshal(b, out)
}

func (m *Memory) Save(ctx context.Context, collection, key string, doc any) error {
	_ = ctx
	if m.FailSaves {
		return fmt.Errorf("store: save %s/%s: write failed", collection, key)
	}
	b, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("store: encode %s/%s: %w", collection, key, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	col, ok := m.cols[collection]
	if !ok {
		col = make(map[string][]byte)
		m.cols[collection] = col
	}
	col[key] = b
	return nil
}

func (m *Memory) Delete(ctx context.Context, collection, key string) error {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	if col, ok := m.cols[collection]; ok {
		delete(col, key)
	}
	return nil
}

func (m *Memory) List(ctx context.Context, collection string, out any) error {
	_ = ctx
	m.mu.RLock()
	col := m.cols[collection]
	keys := make([]string, 0, len(col))
	for k := range col {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	raw := make([][]byte, 0, len(keys))
	for _, k := range keys {
		raw = append(raw, col[k])
	}
	m.mu.RUnlock()

	slice := reflect.ValueOf(out).Elem()
	elemType := slice.Type().Elem()
	for _, b := range raw {
		v := reflect.New(elemType)
		if err := json.Unmarshal(b, v.Interface()); err != nil {
			return err
		}
		slice.Set(reflect.Append(slice, v.Elem()))
	}
	return nil
}
