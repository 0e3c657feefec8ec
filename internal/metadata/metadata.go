// Package metadata stores small per document records, keyed by document
// uri. A record is a flat set of string values; numbers are stored in
// decimal. Save replaces the whole record at once so readers never observe
// a half written one.
package metadata

import (
	"context"
	"errors"
	"maps"
	"strconv"
	"sync"
)

var ErrNotFound = errors.New("metadata not found")

type Store interface {
	Load(ctx context.Context, uri string) (Values, error)
	Save(ctx context.Context, uri string, v Values) error
	Delete(ctx context.Context, uri string) error
	URIs(ctx context.Context) ([]string, error)
	Close() error
}

type Values map[string]string

func (v Values) String(key string) (string, bool) {
	s, ok := v[key]
	return s, ok
}

func (v Values) Uint64(key string) (uint64, bool) {
	s, ok := v[key]
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

func (v Values) SetString(key, value string) {
	v[key] = value
}

func (v Values) SetUint64(key string, value uint64) {
	v[key] = strconv.FormatUint(value, 10)
}

// Memory is an in-process Store.
type Memory struct {
	mx      sync.Mutex
	records map[string]Values
}

func NewMemory() *Memory {
	return &Memory{records: make(map[string]Values)}
}

func (m *Memory) Load(_ context.Context, uri string) (Values, error) {
	m.mx.Lock()
	defer m.mx.Unlock()
	v, ok := m.records[uri]
	if !ok {
		return nil, ErrNotFound
	}
	return maps.Clone(v), nil
}

func (m *Memory) Save(_ context.Context, uri string, v Values) error {
	m.mx.Lock()
	defer m.mx.Unlock()
	m.records[uri] = maps.Clone(v)
	return nil
}

func (m *Memory) Delete(_ context.Context, uri string) error {
	m.mx.Lock()
	defer m.mx.Unlock()
	delete(m.records, uri)
	return nil
}

func (m *Memory) URIs(_ context.Context) ([]string, error) {
	m.mx.Lock()
	defer m.mx.Unlock()
	uris := make([]string, 0, len(m.records))
	for uri := range m.records {
		uris = append(uris, uri)
	}
	return uris, nil
}

func (m *Memory) Close() error { return nil }
