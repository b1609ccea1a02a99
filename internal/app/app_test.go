package app

import (
	"context"
	"testing"
	"time"

	"ec2toggle/internal/bot"
	"ec2toggle/internal/config"
	"ec2toggle/internal/notifier"
	logx "ec2toggle/pkg/logx"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() *config.Config {
	return &config.Config{
		Telegram: config.TelegramConfig{
			Token:        "x",
			OwnerUserIDs: []int64{1},
			NotifyChatID: -100,
		},
		Scheduler: config.SchedulerConfig{Timezone: "UTC", SweepInterval: "30s"},
		Storage:   config.StorageConfig{Driver: "sqlite", Path: " ./data/x.db ", BusyTimeout: "2s"},
		Resources: config.ResourcesConfig{
			Driver:    "dryrun",
			Instances: []config.DryRunInstance{{ID: "i-1", Name: "web", State: "running"}},
		},
		Notifier: config.NotifierConfig{RetryBase: "1s", RetryMaxDelay: "5s", DedupWindow: "1m"},
	}
}

func TestSchedulerSettings(t *testing.T) {
	cfg := testConfig()
	loc, every, err := schedulerSettings(cfg)
	require.NoError(t, err)
	assert.Equal(t, "UTC", loc.String())
	assert.Equal(t, 30*time.Second, every)

	cfg.Scheduler = config.SchedulerConfig{}
	loc, every, err = schedulerSettings(cfg)
	require.NoError(t, err)
	assert.Equal(t, "America/Sao_Paulo", loc.String())
	assert.Equal(t, time.Minute, every)

	cfg.Scheduler.Timezone = "Mars/Olympus"
	_, _, err = schedulerSettings(cfg)
	assert.ErrorContains(t, err, "scheduler.timezone")
}

func TestMapStorageConfig(t *testing.T) {
	cfg := testConfig()
	sc, err := mapStorageConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, "sqlite", sc.Driver)
	assert.Equal(t, "./data/x.db", sc.Path)
	assert.Equal(t, 2*time.Second, sc.BusyTimeout)

	cfg.Storage.Path = ""
	_, err = mapStorageConfig(cfg)
	assert.ErrorContains(t, err, "storage.path")
}

func TestMapResourceAndNotifierConfig(t *testing.T) {
	cfg := testConfig()
	rc := mapResourceConfig(cfg)
	require.Len(t, rc.Instances, 1)
	assert.Equal(t, "web", rc.Instances[0].Name)

	nc, err := mapNotifierConfig(cfg)
	require.NoError(t, err)
	assert.True(t, nc.Enabled)
	assert.Equal(t, int64(-100), nc.ChatID)
	assert.Equal(t, time.Second, nc.RetryBase)
	assert.Equal(t, time.Minute, nc.DedupWindow)

	cfg.Notifier.RetryBase = "soon"
	_, err = mapNotifierConfig(cfg)
	assert.Error(t, err)
}

func TestApplySwapsAccessLive(t *testing.T) {
	oldCfg := testConfig()
	logs, log := logx.New(logx.Config{Level: "error"}, nil)
	t.Cleanup(func() { _ = logs.Close() })
	ncfg, err := mapNotifierConfig(oldCfg)
	require.NoError(t, err)

	a := &App{
		log:   log,
		logs:  logs,
		auth:  bot.NewAuth(oldCfg.Telegram.OwnerUserIDs, nil),
		notif: notifier.New(ncfg, nil, log),
	}
	require.True(t, a.auth.Allowed(5, 1))

	newCfg := testConfig()
	newCfg.Telegram.OwnerUserIDs = []int64{2}
	newCfg.Telegram.AuthorizedChatIDs = []int64{-7}
	a.apply(context.Background(), oldCfg, newCfg)

	assert.False(t, a.auth.Allowed(5, 1))
	assert.True(t, a.auth.Allowed(5, 2))
	assert.True(t, a.auth.Allowed(-7, 99))
}
