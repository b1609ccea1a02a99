package app

import (
	"context"
	"strings"

	"ec2toggle/internal/config"
	logx "ec2toggle/pkg/logx"
)

// reloadLoop applies the live sections of every published config. Sections
// that are only read at startup are logged and left alone.
func (a *App) reloadLoop(ctx context.Context, sub <-chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config in the channel.
		drain:
			for {
				select {
				case newer, ok := <-sub:
					if !ok {
						break drain
					}
					if newer != nil {
						newCfg = newer
					}
				default:
					break drain
				}
			}
			if newCfg == nil {
				continue
			}
			a.apply(ctx, lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

func (a *App) apply(ctx context.Context, oldCfg, newCfg *config.Config) {
	ch := config.SummarizeChange(oldCfg, newCfg)
	if ch.Empty() {
		a.log.Info("config reloaded (no changes)")
		return
	}
	a.log.Debug("config change summary", append([]logx.Field{logx.String("changed", strings.Join(ch.Sections, ","))}, ch.Fields...)...)

	a.logs.Apply(mapLogConfig(newCfg))
	a.auth.Set(newCfg.Telegram.OwnerUserIDs, newCfg.Telegram.AuthorizedChatIDs)
	if ncfg, err := mapNotifierConfig(newCfg); err != nil {
		a.log.Warn("notifier config not applied", logx.Err(err))
	} else {
		a.notif.Apply(ncfg)
	}
	if ocfg, err := mapOpsConfig(newCfg); err != nil {
		a.log.Warn("ops config not applied", logx.Err(err))
	} else if a.ops != nil {
		a.ops.Reconfigure(ctx, ocfg)
	}

	if len(ch.RestartRequired) > 0 {
		a.log.Warn("config sections changed that need a restart",
			logx.String("sections", strings.Join(ch.RestartRequired, ",")))
	}
	a.log.Info("config reloaded", logx.String("changed", strings.Join(ch.Sections, ",")))
}
