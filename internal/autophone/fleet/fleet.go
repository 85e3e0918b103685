// AutoPhone is a continuous-integration dispatcher for on-device test farms.
// Copyright (C) 2025 Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package fleet owns the map from phone_id to its running worker, and the
// JSON cache that survives coordinator restarts.
package fleet

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"autophone/internal/autophone/phone"
	"autophone/internal/autophone/worker"
)

// WorkerFactory builds a worker for a newly registered phone. index is the
// phone's position in registration order, used by the worker to pick its
// SUT reboot callback port.
type WorkerFactory func(cfg phone.Config, index int) *worker.Worker

// Registry is the coordinator's fleet map. It is the single writer of the
// cache file; registration, lookup, and broadcast are all serialized
// through one mutex, matching the design's worker_lock.
type Registry struct {
	mu        sync.Mutex
	ctx       context.Context
	cachePath string
	logger    *slog.Logger
	newWorker WorkerFactory

	configs map[string]phone.Config
	workers map[string]*worker.Worker
	order   []string // registration order, for stable callback-port indices
}

// New constructs an empty Registry. Call ReadCache or Reset before use to
// establish the on-disk cache policy for this run. ctx is passed to every
// worker's Start and governs their lifetime.
func New(ctx context.Context, cachePath string, newWorker WorkerFactory, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		ctx:       ctx,
		cachePath: cachePath,
		logger:    logger,
		newWorker: newWorker,
		configs:   make(map[string]phone.Config),
		workers:   make(map[string]*worker.Worker),
	}
}

// ReadCache implements the --restarting startup path: load the persisted
// fleet and register each phone without starting any jobs. A missing or
// malformed cache is treated as an empty fleet.
func (r *Registry) ReadCache() error {
	data, err := os.ReadFile(r.cachePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		r.logger.Warn("cache file unreadable, starting with empty fleet", "err", err)
		return nil
	}

	configs, err := phone.UnmarshalCache(data)
	if err != nil {
		r.logger.Warn("cache file malformed, starting with empty fleet", "err", err)
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, cfg := range configs {
		r.registerLocked(cfg, false)
	}
	return nil
}

// Reset implements the non---restarting startup path: truncate or create
// an empty cache file, ignoring any prior fleet.
func (r *Registry) Reset() error {
	if err := os.WriteFile(r.cachePath, []byte(`{"phones": []}`), 0o644); err != nil {
		return fmt.Errorf("fleet: reset cache: %w", err)
	}
	return nil
}

// Register implements the register command: a new phone_id starts and
// persists a worker; an existing phone_id updates its stored fields in
// place without restarting the worker (per the registration invariant).
func (r *Registry) Register(cfg phone.Config) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.registerLocked(cfg, true)
}

func (r *Registry) registerLocked(cfg phone.Config, startJobs bool) error {
	existing, ok := r.configs[cfg.PhoneID]
	if ok {
		if existing == cfg {
			r.logger.Info("duplicate registration, ignoring", "phone_id", cfg.PhoneID)
			return nil
		}
		r.configs[cfg.PhoneID] = cfg
		r.logger.Info("updated registration", "phone_id", cfg.PhoneID)
		return r.updateCacheLocked()
	}

	r.configs[cfg.PhoneID] = cfg
	r.order = append(r.order, cfg.PhoneID)
	if r.newWorker != nil {
		w := r.newWorker(cfg, len(r.order)-1)
		r.workers[cfg.PhoneID] = w
		w.Start(r.ctx)
	}
	r.logger.Info("registered new phone", "phone_id", cfg.PhoneID, "start_jobs", startJobs)
	return r.updateCacheLocked()
}

// updateCacheLocked rewrites the cache file. Per the error-handling design,
// a write failure here is fatal: the caller should stop the coordinator,
// since a phone we cannot persist breaks restartability.
func (r *Registry) updateCacheLocked() error {
	configs := make([]phone.Config, 0, len(r.configs))
	for _, id := range r.order {
		configs = append(configs, r.configs[id])
	}
	data, err := phone.MarshalCache(configs)
	if err != nil {
		return fmt.Errorf("fleet: marshal cache: %w", err)
	}
	if err := os.WriteFile(r.cachePath, data, 0o644); err != nil {
		return fmt.Errorf("fleet: write cache: %w", err)
	}
	return nil
}

// Broadcast enqueues job to every currently-registered worker, per the
// dispatcher's broadcast-not-load-balance policy.
func (r *Registry) Broadcast(job phone.Job) {
	r.mu.Lock()
	workers := make([]*worker.Worker, 0, len(r.workers))
	for _, w := range r.workers {
		workers = append(workers, w)
	}
	r.mu.Unlock()

	for _, w := range workers {
		w.AddJob(job)
	}
}

// BroadcastReboot enqueues a Reboot command to every registered worker,
// used when --restarting reattaches to a persisted fleet.
func (r *Registry) BroadcastReboot() {
	r.mu.Lock()
	workers := make([]*worker.Worker, 0, len(r.workers))
	for _, w := range r.workers {
		workers = append(workers, w)
	}
	r.mu.Unlock()

	for _, w := range workers {
		w.Reboot()
	}
}

// Configs returns a snapshot of every registered phone's configuration.
func (r *Registry) Configs() []phone.Config {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]phone.Config, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.configs[id])
	}
	return out
}

// StopAll stops every worker, in registration order.
func (r *Registry) StopAll() {
	r.mu.Lock()
	workers := make([]*worker.Worker, 0, len(r.workers))
	for _, id := range r.order {
		if w, ok := r.workers[id]; ok {
			workers = append(workers, w)
		}
	}
	r.mu.Unlock()

	for _, w := range workers {
		w.Stop()
	}
}
