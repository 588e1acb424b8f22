package orchestrator

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	"github.com/zeroshot-dev/zeroshot/clusterconfig"
	"github.com/zeroshot-dev/zeroshot/zserr"
)

// registryLockTimeout bounds how long a registry write waits to acquire
// the advisory lock before surfacing LockTimeout.
const registryLockTimeout = 30 * time.Second

// registryPollInterval is how often flock.TryLockContext retries while
// waiting for the lock.
const registryPollInterval = 50 * time.Millisecond

func (o *Orchestrator) registryPath() string {
	return filepath.Join(o.storageDir, "clusters.json")
}

func (o *Orchestrator) lockPath() string {
	return filepath.Join(o.storageDir, "clusters.json.lock")
}

// loadRegistry reads the full on-disk registry under a shared lock. A
// missing file is treated as an empty registry, not an error — the
// first cluster start on a fresh storageDir hits this path.
func (o *Orchestrator) loadRegistry() (map[string]clusterconfig.Record, error) {
	fl := flock.New(o.lockPath())
	ctx, cancel := timeoutCtx(registryLockTimeout)
	defer cancel()
	locked, err := fl.TryRLockContext(ctx, registryPollInterval)
	if err != nil || !locked {
		return nil, fmt.Errorf("%w: acquire registry read lock: %v", zserr.ErrLockTimeout, err)
	}
	defer fl.Unlock()

	return readRegistryFile(o.registryPath())
}

func readRegistryFile(path string) (map[string]clusterconfig.Record, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return map[string]clusterconfig.Record{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read registry: %v", zserr.ErrStorage, err)
	}
	var reg map[string]clusterconfig.Record
	if err := json.Unmarshal(data, &reg); err != nil {
		return nil, fmt.Errorf("%w: parse registry: %v", zserr.ErrStorage, err)
	}
	return reg, nil
}

// saveOwned performs a read-merge-write cycle:
// acquire the exclusive lock, re-read the current on-disk state (which
// may have been written concurrently by a sibling process owning
// disjoint clusters), overlay only the entries this process owns or has
// explicitly removed, and write back. A registry write by this process
// must never clobber another process's entries.
func (o *Orchestrator) saveOwned(updates map[string]*clusterconfig.Record, removals map[string]bool) error {
	if err := os.MkdirAll(o.storageDir, 0o755); err != nil {
		return fmt.Errorf("%w: create storage dir: %v", zserr.ErrStorage, err)
	}

	fl := flock.New(o.lockPath())
	ctx, cancel := timeoutCtx(registryLockTimeout)
	defer cancel()
	locked, err := fl.TryLockContext(ctx, registryPollInterval)
	if err != nil || !locked {
		return fmt.Errorf("%w: acquire registry write lock: %v", zserr.ErrLockTimeout, err)
	}
	defer fl.Unlock()

	current, err := readRegistryFile(o.registryPath())
	if err != nil {
		return err
	}
	for id, rec := range updates {
		current[id] = *rec
	}
	for id := range removals {
		delete(current, id)
	}

	out, err := json.MarshalIndent(current, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: marshal registry: %v", zserr.ErrStorage, err)
	}
	tmp := o.registryPath() + ".tmp"
	if err := os.WriteFile(tmp, out, 0o644); err != nil {
		return fmt.Errorf("%w: write registry temp file: %v", zserr.ErrStorage, err)
	}
	if err := os.Rename(tmp, o.registryPath()); err != nil {
		return fmt.Errorf("%w: rename registry temp file: %v", zserr.ErrStorage, err)
	}
	return nil
}
