// Package registry publishes a function table's manifest, the name to index
// map a caller needs to use numeric keys, so peers can discover it before
// connecting.
package registry

import (
	"context"
	"strings"
	"time"
)

// Manifest maps every registered function name to its index.
type Manifest map[string]int64

// Publisher stores manifests per service instance. Published entries expire
// with their ttl unless the publisher keeps them alive.
type Publisher interface {
	Publish(ctx context.Context, service, instance string, m Manifest, ttl time.Duration) error
	Withdraw(ctx context.Context, service, instance string) error
	Fetch(ctx context.Context, service string) (map[string]Manifest, error)
	Close() error
}

const keyRoot = "/cborpc/"

func servicePrefix(service string) string { return keyRoot + service + "/" }

func instanceKey(service, instance string) string { return servicePrefix(service) + instance }

// instanceOf extracts the instance name from a key under service.
func instanceOf(service, key string) (string, bool) {
	rest, ok := strings.CutPrefix(key, servicePrefix(service))
	if !ok || rest == "" || strings.Contains(rest, "/") {
		return "", false
	}
	return rest, true
}
