package resource

import (
	"context"
	"sort"
	"sync"
)

// DryRun is an in-memory fleet. State changes are immediate.
type DryRun struct {
	mu      sync.Mutex
	fleet   map[string]*Instance
	exclude exclusion
	calls   []string
}

func NewDryRun(instances []Instance, exclude []string) *DryRun {
	d := &DryRun{fleet: map[string]*Instance{}, exclude: newExclusion(exclude)}
	for _, inst := range instances {
		inst := inst
		if inst.State == "" {
			inst.State = StateStopped
		}
		d.fleet[inst.ID] = &inst
	}
	return d
}

func (d *DryRun) List(ctx context.Context) ([]Instance, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Instance, 0, len(d.fleet))
	for _, inst := range d.fleet {
		if d.exclude.has(inst.ID) {
			continue
		}
		out = append(out, *inst)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (d *DryRun) Start(ctx context.Context, id string) Result {
	return d.set(id, "start", StateRunning)
}

func (d *DryRun) Stop(ctx context.Context, id string) Result {
	return d.set(id, "stop", StateStopped)
}

func (d *DryRun) StartAll(ctx context.Context) ([]Result, error) {
	insts, err := d.List(ctx)
	if err != nil {
		return nil, err
	}
	return toggleAll(ctx, insts, StateStopped, StateRunning, 4, d.Start), nil
}

func (d *DryRun) StopAll(ctx context.Context) ([]Result, error) {
	insts, err := d.List(ctx)
	if err != nil {
		return nil, err
	}
	return toggleAll(ctx, insts, StateRunning, StateStopped, 4, d.Stop), nil
}

// Calls returns the "<verb> <id>" log of state-changing calls.
func (d *DryRun) Calls() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.calls...)
}

func (d *DryRun) set(id, verb, want string) Result {
	if d.exclude.has(id) {
		return excludedResult(id)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	inst, ok := d.fleet[id]
	if !ok {
		return Result{ResourceID: id, Err: ErrNotFound, Message: "instance not found"}
	}
	if inst.State == want {
		return Result{ResourceID: id, OK: true, AlreadyInState: true, Message: "already " + want}
	}
	inst.State = want
	d.calls = append(d.calls, verb+" "+id)
	return Result{ResourceID: id, OK: true, Message: verb + " requested"}
}
