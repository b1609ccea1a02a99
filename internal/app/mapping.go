package app

import (
	"fmt"
	"strings"
	"time"

	"ec2toggle/internal/config"
	"ec2toggle/internal/notifier"
	"ec2toggle/internal/ops"
	"ec2toggle/internal/resource"
	"ec2toggle/internal/storage"
	logx "ec2toggle/pkg/logx"

	"github.com/samber/lo"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	lc := cfg.Logging
	return logx.Config{
		Level:   lc.Level,
		Console: lc.Console,
		File: logx.FileConfig{
			Enabled: lc.File.Enabled,
			Path:    lc.File.Path,
		},
		Chat: logx.ChatConfig{
			Enabled:    lc.Telegram.Enabled,
			ChatID:     lc.Telegram.ChatID,
			MinLevel:   lc.Telegram.MinLevel,
			RatePerSec: lc.Telegram.RatePerSec,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, 5*time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if (driver == "sqlite" || driver == "file") && strings.TrimSpace(sc.Path) == "" {
		return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=%s", driver)
	}
	return storage.Config{
		Driver:      driver,
		Path:        strings.TrimSpace(sc.Path),
		DSN:         strings.TrimSpace(sc.DSN),
		BusyTimeout: busy,
		MaxConns:    sc.MaxConns,
	}, nil
}

func mapResourceConfig(cfg *config.Config) resource.Config {
	rc := cfg.Resources
	return resource.Config{
		Driver:          rc.Driver,
		Region:          rc.Region,
		AccessKeyID:     rc.AccessKeyID,
		SecretAccessKey: rc.SecretAccessKey,
		Exclude:         rc.Exclude,
		Concurrency:     rc.Concurrency,
		Instances: lo.Map(rc.Instances, func(i config.DryRunInstance, _ int) resource.Instance {
			return resource.Instance{ID: i.ID, Name: i.Name, State: i.State}
		}),
	}
}

func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	nc := cfg.Notifier
	base, err := config.ParseDurationOrDefault("notifier.retry_base", nc.RetryBase, 500*time.Millisecond)
	if err != nil {
		return notifier.Config{}, err
	}
	maxDelay, err := config.ParseDurationOrDefault("notifier.retry_max_delay", nc.RetryMaxDelay, 10*time.Second)
	if err != nil {
		return notifier.Config{}, err
	}
	dedup, err := config.ParseDurationField("notifier.dedup_window", nc.DedupWindow)
	if err != nil {
		return notifier.Config{}, err
	}
	return notifier.Config{
		Enabled:       nc.IsEnabled(),
		Workers:       nc.Workers,
		QueueSize:     nc.QueueSize,
		RatePerSec:    nc.RatePerSec,
		RetryMax:      nc.RetryMax,
		RetryBase:     base,
		RetryMaxDelay: maxDelay,
		DedupWindow:   dedup,
		ChatID:        cfg.Telegram.NotifyChatID,
	}, nil
}

func mapOpsConfig(cfg *config.Config) (ops.Config, error) {
	oc := cfg.Ops
	read, err := config.ParseDurationOrDefault("ops.read_timeout", oc.ReadTimeout, 5*time.Second)
	if err != nil {
		return ops.Config{}, err
	}
	write, err := config.ParseDurationOrDefault("ops.write_timeout", oc.WriteTimeout, 30*time.Second)
	if err != nil {
		return ops.Config{}, err
	}
	return ops.Config{
		Enabled:       oc.Enabled,
		Addr:          strings.TrimSpace(oc.Addr),
		Token:         strings.TrimSpace(oc.Token),
		AllowInsecure: oc.AllowInsecure,
		Pprof:         oc.Pprof,
		ReadTimeout:   read,
		WriteTimeout:  write,
	}, nil
}

// schedulerSettings resolves the timezone and sweep interval.
func schedulerSettings(cfg *config.Config) (*time.Location, time.Duration, error) {
	tz := strings.TrimSpace(cfg.Scheduler.Timezone)
	if tz == "" {
		tz = "America/Sao_Paulo"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, 0, fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
	}
	every, err := config.ParseDurationOrDefault("scheduler.sweep_interval", cfg.Scheduler.SweepInterval, time.Minute)
	if err != nil {
		return nil, 0, err
	}
	return loc, every, nil
}
