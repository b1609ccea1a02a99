package config

// Config is the on-disk configuration (YAML or JSON).
//
// Durations are Go duration strings ("500ms", "10s", "1m"). Defaults come from
// the `default` tags and are applied after environment fallbacks, so an env
// value always beats a default but never beats an explicit file value.
type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Storage   StorageConfig   `json:"storage"`
	Resources ResourcesConfig `json:"resources"`
	Notifier  NotifierConfig  `json:"notifier"`
	Ops       OpsConfig       `json:"ops"`
}

type TelegramConfig struct {
	// Token falls back to TELEGRAM_BOT_TOKEN.
	Token string `json:"token" validate:"required"`

	// OwnerUserIDs may use every command from any chat.
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	// AuthorizedChatIDs are chats (usually one ops group) whose members may
	// use the bot. AUTHORIZED_GROUP_ID is appended when set.
	AuthorizedChatIDs []int64 `json:"authorized_chat_ids"`
	// NotifyChatID receives execution reports. 0 sends them to the owner of
	// the schedule.
	NotifyChatID int64 `json:"notify_chat_id"`

	PollTimeout    string `json:"poll_timeout" default:"10s" validate:"duration"`
	Workers        int    `json:"workers" default:"4" validate:"min=1,max=64"`
	CommandTimeout string `json:"command_timeout" default:"60s" validate:"duration"`
}

type LoggingConfig struct {
	Level    string          `json:"level" default:"info" validate:"oneof=debug info warn error"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path" validate:"required_if=Enabled true"`
}

// LoggingTelegram forwards log lines at or above MinLevel to a chat.
type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ChatID     int64  `json:"chat_id" validate:"required_if=Enabled true"`
	MinLevel   string `json:"min_level" default:"warn" validate:"oneof=debug info warn error"`
	RatePerSec int    `json:"rate_per_sec" default:"1" validate:"min=1"`
}

type SchedulerConfig struct {
	// Timezone is the wall clock of every schedule. Falls back to TZ_TIMEZONE.
	Timezone      string `json:"timezone" default:"America/Sao_Paulo" validate:"timezone"`
	SweepInterval string `json:"sweep_interval" default:"1m" validate:"duration"`
}

// StorageConfig selects where schedules live.
//
// Example:
//
//	storage: { driver: sqlite, path: ./data/ec2toggle.db }
type StorageConfig struct {
	Driver string `json:"driver" default:"sqlite" validate:"oneof=memory file sqlite postgres"`
	Path   string `json:"path" default:"./data/ec2toggle.db"`
	// DSN falls back to POSTGRES_URL, which also selects the postgres driver
	// when no driver is configured.
	DSN         string `json:"dsn" validate:"required_if=Driver postgres"`
	BusyTimeout string `json:"busy_timeout" default:"5s" validate:"duration"`
	MaxConns    int32  `json:"max_conns" validate:"min=0"`
}

type ResourcesConfig struct {
	Driver string `json:"driver" default:"ec2" validate:"oneof=ec2 dryrun"`
	// Region and credentials fall back to AWS_REGION, AWS_ACCESS_KEY_ID and
	// AWS_SECRET_ACCESS_KEY. Empty credentials use the default AWS chain.
	Region          string   `json:"region" default:"us-east-1"`
	AccessKeyID     string   `json:"access_key_id"`
	SecretAccessKey string   `json:"secret_access_key"`
	Exclude         []string `json:"exclude"`
	Concurrency     int      `json:"concurrency" default:"4" validate:"min=1,max=32"`

	// Instances is the fleet of the dryrun driver.
	Instances []DryRunInstance `json:"instances" validate:"dive"`
}

type DryRunInstance struct {
	ID    string `json:"id" validate:"required"`
	Name  string `json:"name"`
	State string `json:"state" validate:"omitempty,oneof=pending running stopping stopped"`
}

// NotifierConfig controls delivery of execution reports.
//
// Enabled is a pointer so an explicit false survives defaulting.
type NotifierConfig struct {
	Enabled       *bool  `json:"enabled" default:"true"`
	Workers       int    `json:"workers" default:"2" validate:"min=1"`
	QueueSize     int    `json:"queue_size" default:"256" validate:"min=1"`
	RatePerSec    int    `json:"rate_per_sec" default:"3" validate:"min=1"`
	RetryMax      int    `json:"retry_max" default:"3" validate:"min=0"`
	RetryBase     string `json:"retry_base" default:"500ms" validate:"duration"`
	RetryMaxDelay string `json:"retry_max_delay" default:"10s" validate:"duration"`
	DedupWindow   string `json:"dedup_window" validate:"duration"`
}

func (n NotifierConfig) IsEnabled() bool { return n.Enabled == nil || *n.Enabled }

// OpsConfig is the optional health/pprof HTTP endpoint.
type OpsConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr" default:"127.0.0.1:6060" validate:"hostname_port"`
	Token         string `json:"token"`
	AllowInsecure bool   `json:"allow_insecure"`
	Pprof         bool   `json:"pprof"`
	ReadTimeout   string `json:"read_timeout" default:"5s" validate:"duration"`
	WriteTimeout  string `json:"write_timeout" default:"30s" validate:"duration"`
}
