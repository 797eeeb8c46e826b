// Package builtin holds the functions cborpcd serves out of the box.
package builtin

import (
	"context"
	"sync"
	"time"

	"cborpc/table"
)

const (
	SysBase int64 = 1
	KVBase  int64 = 100
)

// Sys answers liveness and clock queries.
type Sys struct{}

func (Sys) Ping() string { return "pong" }

func (Sys) Echo(v any) any { return v }

// Time is the server clock in Unix milliseconds.
func (Sys) Time() int64 { return time.Now().UnixMilli() }

// Sleep holds the call for ms milliseconds, capped at one minute.
func (Sys) Sleep(ctx context.Context, ms int64) error {
	d := time.Duration(ms) * time.Millisecond
	if d > time.Minute {
		d = time.Minute
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// KV is a process-local key/value store shared by every connection.
type KV struct {
	mu   sync.RWMutex
	data map[string]any
}

func NewKV() *KV { return &KV{data: make(map[string]any)} }

// Get yields OptionalNull for a missing key.
func (kv *KV) Get(key string) table.Return {
	kv.mu.RLock()
	defer kv.mu.RUnlock()
	v, ok := kv.data[key]
	if !ok {
		return table.None()
	}
	return table.Some(v)
}

func (kv *KV) Set(key string, v any) {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	kv.data[key] = v
}

// Delete reports whether key was present.
func (kv *KV) Delete(key string) bool {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	_, ok := kv.data[key]
	delete(kv.data, key)
	return ok
}

func (kv *KV) Keys() []string {
	kv.mu.RLock()
	defer kv.mu.RUnlock()
	keys := make([]string, 0, len(kv.data))
	for k := range kv.data {
		keys = append(keys, k)
	}
	return keys
}

// Register adds Sys.* from SysBase and KV.* from KVBase to tbl.
func Register(tbl *table.Table, kv *KV) error {
	if _, err := tbl.RegisterService(Sys{}, SysBase, table.RegisterOptions{}); err != nil {
		return err
	}
	_, err := tbl.RegisterService(kv, KVBase, table.RegisterOptions{})
	return err
}
