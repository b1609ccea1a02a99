package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/samber/lo"
)

// LoadDotEnv loads .env from the working directory and from the config
// file's directory. Missing files are fine; variables already set win.
func LoadDotEnv(configPath string) error {
	paths := lo.Uniq([]string{".env", filepath.Join(filepath.Dir(configPath), ".env")})
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return err
		}
	}
	return nil
}

// applyEnv fills empty fields from the environment variable names the bot
// has always used.
func applyEnv(cfg *Config) {
	setIfEmpty(&cfg.Telegram.Token, "TELEGRAM_BOT_TOKEN")
	setIfEmpty(&cfg.Resources.AccessKeyID, "AWS_ACCESS_KEY_ID")
	setIfEmpty(&cfg.Resources.SecretAccessKey, "AWS_SECRET_ACCESS_KEY")
	setIfEmpty(&cfg.Resources.Region, "AWS_REGION")
	setIfEmpty(&cfg.Scheduler.Timezone, "TZ_TIMEZONE")

	if dsn := strings.TrimSpace(os.Getenv("POSTGRES_URL")); dsn != "" && cfg.Storage.DSN == "" {
		cfg.Storage.DSN = dsn
		if cfg.Storage.Driver == "" {
			cfg.Storage.Driver = "postgres"
		}
	}

	if raw := strings.TrimSpace(os.Getenv("AUTHORIZED_GROUP_ID")); raw != "" {
		if id, err := strconv.ParseInt(raw, 10, 64); err == nil {
			if !lo.Contains(cfg.Telegram.AuthorizedChatIDs, id) {
				cfg.Telegram.AuthorizedChatIDs = append(cfg.Telegram.AuthorizedChatIDs, id)
			}
			if cfg.Telegram.NotifyChatID == 0 {
				cfg.Telegram.NotifyChatID = id
			}
		}
	}
}

func setIfEmpty(dst *string, key string) {
	if strings.TrimSpace(*dst) != "" {
		return
	}
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}
