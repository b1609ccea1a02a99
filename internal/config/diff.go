package config

import (
	"reflect"
	"strings"

	logx "ec2toggle/pkg/logx"
)

// Live sections are applied on reload; the rest need a restart.
var liveSections = map[string]bool{"access": true, "logging": true, "notifier": true, "ops": true}

// Change summarizes a reload for logging.
type Change struct {
	Sections []string
	// RestartRequired lists changed sections that are only read at startup.
	RestartRequired []string
	// Fields is safe to log; it never carries tokens or keys.
	Fields []logx.Field
}

func (c Change) Empty() bool { return len(c.Sections) == 0 }

func SummarizeChange(oldCfg, newCfg *Config) Change {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var ch Change
	mark := func(section string, fields ...logx.Field) {
		ch.Sections = append(ch.Sections, section)
		if !liveSections[section] {
			ch.RestartRequired = append(ch.RestartRequired, section)
		}
		ch.Fields = append(ch.Fields, fields...)
	}

	ot, nt := oldCfg.Telegram, newCfg.Telegram
	if ot.Token != nt.Token || ot.PollTimeout != nt.PollTimeout || ot.Workers != nt.Workers || ot.CommandTimeout != nt.CommandTimeout {
		mark("telegram",
			logx.Bool("telegram.token_changed", ot.Token != nt.Token),
			logx.String("telegram.poll_timeout", nt.PollTimeout),
			logx.Int("telegram.workers", nt.Workers),
		)
	}
	if !reflect.DeepEqual(ot.OwnerUserIDs, nt.OwnerUserIDs) ||
		!reflect.DeepEqual(ot.AuthorizedChatIDs, nt.AuthorizedChatIDs) || ot.NotifyChatID != nt.NotifyChatID {
		mark("access",
			logx.Int("telegram.owner_count", len(nt.OwnerUserIDs)),
			logx.Int("telegram.chat_count", len(nt.AuthorizedChatIDs)),
			logx.Bool("telegram.notify_chat_set", nt.NotifyChatID != 0),
		)
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		mark("logging",
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram", newCfg.Logging.Telegram.Enabled),
		)
	}

	if oldCfg.Scheduler != newCfg.Scheduler {
		mark("scheduler",
			logx.String("scheduler.timezone", newCfg.Scheduler.Timezone),
			logx.String("scheduler.sweep_interval", newCfg.Scheduler.SweepInterval),
		)
	}

	if oldCfg.Storage != newCfg.Storage {
		mark("storage",
			logx.String("storage.driver", newCfg.Storage.Driver),
			logx.Bool("storage.dsn_set", strings.TrimSpace(newCfg.Storage.DSN) != ""),
		)
	}

	or, nr := oldCfg.Resources, newCfg.Resources
	if or.Driver != nr.Driver || or.Region != nr.Region || or.AccessKeyID != nr.AccessKeyID ||
		or.SecretAccessKey != nr.SecretAccessKey || or.Concurrency != nr.Concurrency ||
		!reflect.DeepEqual(or.Exclude, nr.Exclude) || !reflect.DeepEqual(or.Instances, nr.Instances) {
		mark("resources",
			logx.String("resources.driver", nr.Driver),
			logx.String("resources.region", nr.Region),
			logx.Int("resources.exclude", len(nr.Exclude)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Notifier, newCfg.Notifier) {
		mark("notifier",
			logx.Bool("notifier.enabled", newCfg.Notifier.IsEnabled()),
			logx.Int("notifier.rate_per_sec", newCfg.Notifier.RatePerSec),
		)
	}

	if oldCfg.Ops != newCfg.Ops {
		mark("ops",
			logx.Bool("ops.enabled", newCfg.Ops.Enabled),
			logx.String("ops.addr", newCfg.Ops.Addr),
			logx.Bool("ops.pprof", newCfg.Ops.Pprof),
			logx.Bool("ops.token_set", newCfg.Ops.Token != ""),
		)
	}
	return ch
}
