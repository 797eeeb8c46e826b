package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

// EtcdManifest keeps manifests in etcd:
//
//	Key:   /cborpc/{service}/{instance}
//	Value: JSON {name: index}
//
// Each published key is attached to its own lease and renewed by KeepAlive,
// so an instance that dies disappears once its ttl runs out.
type EtcdManifest struct {
	client *clientv3.Client
	log    *zap.Logger

	mu     sync.Mutex
	leases map[string]lease // by key
}

type lease struct {
	id     clientv3.LeaseID
	cancel context.CancelFunc
}

// NewEtcdManifest connects to endpoints. A nil logger is replaced by a no-op
// one.
func NewEtcdManifest(endpoints []string, dialTimeout time.Duration, log *zap.Logger) (*EtcdManifest, error) {
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("registry: connect etcd: %w", err)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &EtcdManifest{client: c, log: log, leases: make(map[string]lease)}, nil
}

// Publish writes m for the instance. Publishing again for the same instance
// replaces the manifest and keeps the existing lease.
func (e *EtcdManifest) Publish(ctx context.Context, service, instance string, m Manifest, ttl time.Duration) error {
	val, err := json.Marshal(m)
	if err != nil {
		return err
	}
	key := instanceKey(service, instance)

	e.mu.Lock()
	defer e.mu.Unlock()

	l, ok := e.leases[key]
	if !ok {
		secs := int64(ttl / time.Second)
		if secs < 1 {
			secs = 1
		}
		grant, err := e.client.Grant(ctx, secs)
		if err != nil {
			return fmt.Errorf("registry: grant lease: %w", err)
		}
		l.id = grant.ID
	}

	if _, err := e.client.Put(ctx, key, string(val), clientv3.WithLease(l.id)); err != nil {
		return fmt.Errorf("registry: put %s: %w", key, err)
	}
	if ok {
		return nil
	}

	// the keepalive must outlive ctx, which only bounds this call
	kaCtx, cancel := context.WithCancel(context.Background())
	ch, err := e.client.KeepAlive(kaCtx, l.id)
	if err != nil {
		cancel()
		return fmt.Errorf("registry: keepalive: %w", err)
	}
	l.cancel = cancel
	e.leases[key] = l
	go func() {
		for range ch {
		}
		e.log.Debug("manifest lease keepalive stopped", zap.String("key", key))
	}()
	e.log.Info("manifest published", zap.String("key", key), zap.Int("functions", len(m)))
	return nil
}

// Withdraw deletes the instance's manifest and stops renewing its lease.
func (e *EtcdManifest) Withdraw(ctx context.Context, service, instance string) error {
	key := instanceKey(service, instance)

	e.mu.Lock()
	l, ok := e.leases[key]
	delete(e.leases, key)
	e.mu.Unlock()

	if ok {
		l.cancel()
		if _, err := e.client.Revoke(ctx, l.id); err != nil {
			e.log.Warn("revoke manifest lease", zap.String("key", key), zap.Error(err))
		}
	}
	if _, err := e.client.Delete(ctx, key); err != nil {
		return fmt.Errorf("registry: delete %s: %w", key, err)
	}
	return nil
}

// Fetch returns every live manifest of service keyed by instance. Malformed
// values are skipped.
func (e *EtcdManifest) Fetch(ctx context.Context, service string) (map[string]Manifest, error) {
	resp, err := e.client.Get(ctx, servicePrefix(service), clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("registry: get %s: %w", service, err)
	}
	out := make(map[string]Manifest, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		instance, ok := instanceOf(service, string(kv.Key))
		if !ok {
			continue
		}
		var m Manifest
		if err := json.Unmarshal(kv.Value, &m); err != nil {
			e.log.Debug("skipping malformed manifest", zap.ByteString("key", kv.Key), zap.Error(err))
			continue
		}
		out[instance] = m
	}
	return out, nil
}

// Watch emits the full manifest set of service after every change under its
// prefix, until ctx ends.
func (e *EtcdManifest) Watch(ctx context.Context, service string) <-chan map[string]Manifest {
	ch := make(chan map[string]Manifest, 1)
	go func() {
		defer close(ch)
		for range e.client.Watch(ctx, servicePrefix(service), clientv3.WithPrefix()) {
			// re-fetch rather than apply individual events
			all, err := e.Fetch(ctx, service)
			if err != nil {
				e.log.Warn("refetch manifests", zap.String("service", service), zap.Error(err))
				continue
			}
			select {
			case ch <- all:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}

// Close stops every keepalive and closes the etcd client. Published keys
// expire with their leases.
func (e *EtcdManifest) Close() error {
	e.mu.Lock()
	for key, l := range e.leases {
		l.cancel()
		delete(e.leases, key)
	}
	e.mu.Unlock()
	return e.client.Close()
}

var _ Publisher = (*EtcdManifest)(nil)
