// Package resource controls the compute instances the bot toggles.
package resource

import (
	"context"
	"errors"
	"fmt"
	"strings"

	logx "ec2toggle/pkg/logx"

	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"
)

// ErrExcluded is returned for ids on the exclude list.
var ErrExcluded = errors.New("resource excluded from control")

// ErrNotFound is returned for ids the backend does not know.
var ErrNotFound = errors.New("resource not found")

// Instance states as reported by EC2.
const (
	StatePending  = "pending"
	StateRunning  = "running"
	StateStopping = "stopping"
	StateStopped  = "stopped"
)

type Instance struct {
	ID    string
	Name  string
	State string
}

// Result is the outcome of one start/stop on one instance.
//
// AlreadyInState is a note, not a failure: OK stays true.
type Result struct {
	ResourceID     string
	OK             bool
	AlreadyInState bool
	Message        string
	Err            error
}

// Controller is the contract used by the engine and the bot.
type Controller interface {
	List(ctx context.Context) ([]Instance, error)
	Start(ctx context.Context, id string) Result
	Stop(ctx context.Context, id string) Result
	StartAll(ctx context.Context) ([]Result, error)
	StopAll(ctx context.Context) ([]Result, error)
}

// Config selects and configures a controller.
type Config struct {
	Driver          string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	Exclude         []string
	Concurrency     int
	Instances       []Instance // dryrun fleet
}

// Open returns the configured controller. An empty driver selects "ec2".
func Open(ctx context.Context, cfg Config, log logx.Logger) (Controller, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	switch d := strings.ToLower(strings.TrimSpace(cfg.Driver)); d {
	case "", "ec2", "aws":
		return NewEC2(ctx, cfg, log)
	case "dryrun", "dry-run", "fake":
		log.Warn("dryrun resource controller selected; no real instances will change")
		return NewDryRun(cfg.Instances, cfg.Exclude), nil
	default:
		return nil, fmt.Errorf("unknown resource driver: %s", d)
	}
}

type exclusion map[string]struct{}

func newExclusion(ids []string) exclusion {
	ids = lo.Compact(lo.Map(ids, func(s string, _ int) string { return strings.TrimSpace(s) }))
	return lo.SliceToMap(ids, func(s string) (string, struct{}) { return s, struct{}{} })
}

func (e exclusion) has(id string) bool {
	_, ok := e[id]
	return ok
}

func excludedResult(id string) Result {
	return Result{ResourceID: id, Err: ErrExcluded, Message: "instance is excluded from control"}
}

// toggleAll applies op to every instance in the `from` state and reports
// instances already in the `to` state. Transitional states are skipped.
func toggleAll(ctx context.Context, insts []Instance, from, to string, limit int, op func(context.Context, string) Result) []Result {
	if limit <= 0 {
		limit = 4
	}
	out := make([]Result, len(insts))
	keep := make([]bool, len(insts))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i, inst := range insts {
		i, inst := i, inst
		switch inst.State {
		case to:
			out[i] = Result{ResourceID: inst.ID, OK: true, AlreadyInState: true, Message: "already " + to}
			keep[i] = true
		case from:
			keep[i] = true
			g.Go(func() error {
				out[i] = op(gctx, inst.ID)
				return nil
			})
		}
	}
	_ = g.Wait()

	res := make([]Result, 0, len(out))
	for i := range out {
		if keep[i] {
			res = append(res, out[i])
		}
	}
	return res
}
