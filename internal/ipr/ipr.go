// Package ipr is the in-memory mirror of active worker VMs (spec.md §2's
// Instance Pool Registry): identity, pool membership, free-cores gauge,
// failure counters, last-heartbeat. Design Notes §9 calls it "shared
// mutable state" that needs "a single owner goroutine/task that serialises
// reservations and releases, with other components communicating through a
// request channel" -- this is that goroutine, grounded on the teacher's
// heartbeat/registry shape in jobs/recovery.go (RegisterWorker/
// RefreshHeartbeat/WorkerRegistryKey), repurposed from "which process owns
// this row" to "which instance is alive and how many cores are free".
package ipr

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/remiges-tech/logharbour/logharbour"

	"github.com/remiges-tech/batchcore/batchcore"
)

const (
	heartbeatTTL = 30 * time.Second
)

func registryKey(pool string) string    { return fmt.Sprintf("ipr:registry:%s", pool) }
func heartbeatKey(instance string) string { return fmt.Sprintf("ipr:heartbeat:%s", instance) }

// Registry is the single owner of the in-memory instance table. All reads
// and writes to the table go through its request channels; Run must be
// started exactly once, in its own goroutine, before any other method is
// called.
type Registry struct {
	redisClient *redis.Client
	logger      *logharbour.Logger

	reserveCh   chan reserveReq
	releaseCh   chan releaseReq
	upsertCh    chan upsertReq
	stateCh     chan stateReq
	listCh      chan listReq
	getCh       chan getReq
	recomputeCh chan recomputeReq

	instances map[string]*batchcore.Instance // owned exclusively by run()
}

func New(redisClient *redis.Client, logger *logharbour.Logger) *Registry {
	return &Registry{
		redisClient: redisClient,
		logger:      logger,
		reserveCh:   make(chan reserveReq),
		releaseCh:   make(chan releaseReq),
		upsertCh:    make(chan upsertReq),
		stateCh:     make(chan stateReq),
		listCh:      make(chan listReq),
		getCh:       make(chan getReq),
		recomputeCh: make(chan recomputeReq),
		instances:   make(map[string]*batchcore.Instance),
	}
}

type reserveReq struct {
	pool      string
	coresMcpu int
	resp      chan reserveResp
}
type reserveResp struct {
	instance string
	ok       bool
}

type releaseReq struct {
	instance  string
	coresMcpu int
	done      chan struct{}
}

type upsertReq struct {
	instance batchcore.Instance
	done     chan struct{}
}

type stateReq struct {
	instance string
	state    batchcore.InstanceState
	done     chan struct{}
}

type listReq struct {
	pool string
	resp chan []batchcore.Instance
}

type getReq struct {
	instance string
	resp     chan (*batchcore.Instance)
}

type recomputeReq struct {
	instance      string
	freeCoresMcpu int
	done          chan struct{}
}

// Run is the registry's single-owner loop. It must run in its own goroutine
// for the registry's lifetime; every mutation and read of the instance
// table happens here, so no mutex is needed (Design Notes §9).
func (r *Registry) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-r.reserveCh:
			req.resp <- r.reserve(req.pool, req.coresMcpu)
		case req := <-r.releaseCh:
			r.release(req.instance, req.coresMcpu)
			close(req.done)
		case req := <-r.upsertCh:
			r.upsert(req.instance)
			close(req.done)
		case req := <-r.stateCh:
			r.setState(req.instance, req.state)
			close(req.done)
		case req := <-r.listCh:
			req.resp <- r.list(req.pool)
		case req := <-r.getCh:
			req.resp <- r.get(req.instance)
		case req := <-r.recomputeCh:
			r.recompute(req.instance, req.freeCoresMcpu)
			close(req.done)
		}
	}
}

// reserve implements the scheduler loop's selection policy (spec.md §4.3
// step 2): first-fit over active instances ordered by
// (free_cores_mcpu ascending, name ascending), packing small jobs onto
// nearly-full instances first. On success it decrements the gauge in the
// same step so a concurrent scheduler iteration cannot double-dispatch.
func (r *Registry) reserve(pool string, coresMcpu int) reserveResp {
	var candidates []*batchcore.Instance
	for _, inst := range r.instances {
		if inst.Pool == pool && inst.Dispatchable() && inst.FreeCoresMcpu >= coresMcpu {
			candidates = append(candidates, inst)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].FreeCoresMcpu != candidates[j].FreeCoresMcpu {
			return candidates[i].FreeCoresMcpu < candidates[j].FreeCoresMcpu
		}
		return candidates[i].Name < candidates[j].Name
	})
	if len(candidates) == 0 {
		return reserveResp{ok: false}
	}
	chosen := candidates[0]
	chosen.FreeCoresMcpu -= coresMcpu
	return reserveResp{instance: chosen.Name, ok: true}
}

func (r *Registry) release(name string, coresMcpu int) {
	inst, ok := r.instances[name]
	if !ok {
		return
	}
	inst.FreeCoresMcpu += coresMcpu
	if inst.FreeCoresMcpu > inst.TotalCores*1000 {
		inst.FreeCoresMcpu = inst.TotalCores * 1000
	}
}

// recompute overwrites an instance's free-cores gauge outright, unlike
// release's incremental add. Used by the reconcile loop to resync the
// gauge against the Persistent Store's authoritative live-attempt set
// (spec.md §3: "free_cores_mcpu ... recomputed on reconciliation"), so a
// gauge left stale by a missed release (or a Driver crash-restart) is
// corrected rather than drained forever.
func (r *Registry) recompute(name string, freeCoresMcpu int) {
	inst, ok := r.instances[name]
	if !ok {
		return
	}
	if freeCoresMcpu < 0 {
		freeCoresMcpu = 0
	}
	if freeCoresMcpu > inst.TotalCores*1000 {
		freeCoresMcpu = inst.TotalCores * 1000
	}
	inst.FreeCoresMcpu = freeCoresMcpu
}

func (r *Registry) upsert(inst batchcore.Instance) {
	existing, ok := r.instances[inst.Name]
	if !ok {
		cp := inst
		r.instances[inst.Name] = &cp
		return
	}
	// Preserve the live free-cores gauge; everything else (state,
	// heartbeat, failure count) is overwritten with the values the caller
	// passed in.
	existing.State = inst.State
	existing.Address = inst.Address
	existing.TotalCores = inst.TotalCores
	existing.FailedRequestCount = inst.FailedRequestCount
	existing.LastHeartbeat = inst.LastHeartbeat
}

func (r *Registry) setState(name string, state batchcore.InstanceState) {
	if inst, ok := r.instances[name]; ok {
		inst.State = state
	}
}

func (r *Registry) list(pool string) []batchcore.Instance {
	out := make([]batchcore.Instance, 0, len(r.instances))
	for _, inst := range r.instances {
		if pool == "" || inst.Pool == pool {
			out = append(out, *inst)
		}
	}
	return out
}

func (r *Registry) get(name string) *batchcore.Instance {
	if inst, ok := r.instances[name]; ok {
		cp := *inst
		return &cp
	}
	return nil
}

// Reserve asks the owner goroutine to pick and reserve an instance with
// enough free cores in pool, per the first-fit policy. The caller is
// responsible for compensating (releasing) the reservation if a subsequent
// WC.create-job or ScheduleJob fails (spec.md §4.3 steps 3-4).
func (r *Registry) Reserve(ctx context.Context, pool string, coresMcpu int) (string, bool) {
	resp := make(chan reserveResp, 1)
	select {
	case r.reserveCh <- reserveReq{pool: pool, coresMcpu: coresMcpu, resp: resp}:
	case <-ctx.Done():
		return "", false
	}
	select {
	case out := <-resp:
		return out.instance, out.ok
	case <-ctx.Done():
		return "", false
	}
}

// Release returns cores to an instance's gauge: called on dispatch failure
// (compensating an unused reservation) and on completion ingest (freeing a
// finished attempt's cores).
func (r *Registry) Release(ctx context.Context, instance string, coresMcpu int) {
	done := make(chan struct{})
	select {
	case r.releaseCh <- releaseReq{instance: instance, coresMcpu: coresMcpu, done: done}:
		<-done
	case <-ctx.Done():
	}
}

// RecomputeFreeCores overwrites instance's free-cores gauge with
// freeCoresMcpu, clamped to [0, total_cores*1000]. Called by the reconcile
// loop once per live, active instance on every tick.
func (r *Registry) RecomputeFreeCores(ctx context.Context, instance string, freeCoresMcpu int) {
	done := make(chan struct{})
	select {
	case r.recomputeCh <- recomputeReq{instance: instance, freeCoresMcpu: freeCoresMcpu, done: done}:
		<-done
	case <-ctx.Done():
	}
}

// Upsert adds an instance to the in-memory mirror or refreshes a known one
// with the given fields; called by the instance API's register endpoint.
func (r *Registry) Upsert(ctx context.Context, inst batchcore.Instance) {
	done := make(chan struct{})
	select {
	case r.upsertCh <- upsertReq{instance: inst, done: done}:
		<-done
	case <-ctx.Done():
	}
}

// SetState transitions an instance's lifecycle state in the in-memory
// mirror (pending→active→inactive→deleted, spec.md §4.6).
func (r *Registry) SetState(ctx context.Context, name string, state batchcore.InstanceState) {
	done := make(chan struct{})
	select {
	case r.stateCh <- stateReq{instance: name, state: state, done: done}:
		<-done
	case <-ctx.Done():
	}
}

// List returns a snapshot of instances in pool ("" for all pools).
func (r *Registry) List(ctx context.Context, pool string) []batchcore.Instance {
	resp := make(chan []batchcore.Instance, 1)
	select {
	case r.listCh <- listReq{pool: pool, resp: resp}:
	case <-ctx.Done():
		return nil
	}
	select {
	case out := <-resp:
		return out
	case <-ctx.Done():
		return nil
	}
}

// Get returns a snapshot of a single instance, or nil if unknown.
func (r *Registry) Get(ctx context.Context, name string) *batchcore.Instance {
	resp := make(chan *batchcore.Instance, 1)
	select {
	case r.getCh <- getReq{instance: name, resp: resp}:
	case <-ctx.Done():
		return nil
	}
	select {
	case out := <-resp:
		return out
	case <-ctx.Done():
		return nil
	}
}

// RecordHeartbeat refreshes an instance's Redis heartbeat key with a TTL
// (grounded on jobs/recovery.go's RefreshHeartbeat). Called by the instance
// API's register and heartbeat endpoints; the instance-reconcile loop only
// reads the key, through IsAlive.
func (r *Registry) RecordHeartbeat(ctx context.Context, instance string) error {
	if r.redisClient == nil {
		return nil
	}
	return r.redisClient.Set(ctx, heartbeatKey(instance), "alive", heartbeatTTL).Err()
}

// IsAlive reports whether instance's heartbeat key has not expired.
func (r *Registry) IsAlive(ctx context.Context, instance string) (bool, error) {
	if r.redisClient == nil {
		return true, nil
	}
	n, err := r.redisClient.Exists(ctx, heartbeatKey(instance)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// RegisterInPool adds instance to the pool's membership registry set
// (grounded on WorkerRegistryKey's SADD pattern). Nothing in this module
// reads the set; the reconcile loop lists instances from the Persistent Store.
func (r *Registry) RegisterInPool(ctx context.Context, pool, instance string) error {
	if r.redisClient == nil {
		return nil
	}
	return r.redisClient.SAdd(ctx, registryKey(pool), instance).Err()
}

// DeregisterFromPool removes instance from the pool's membership registry.
// The instance API's deregister endpoint does not call it, so a deleted
// instance stays in the set.
func (r *Registry) DeregisterFromPool(ctx context.Context, pool, instance string) error {
	if r.redisClient == nil {
		return nil
	}
	return r.redisClient.SRem(ctx, registryKey(pool), instance).Err()
}
