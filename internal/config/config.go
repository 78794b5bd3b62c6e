package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"gridbot/internal/models"

	"github.com/joho/godotenv"
)

const (
	DefaultAPIKeyEnv    = "BINANCE_API_KEY"
	DefaultSecretKeyEnv = "BINANCE_SECRET_KEY"
)

// LoadConfig 从指定路径加载JSON配置文件, 填充默认值并校验.
// API 密钥只从环境变量读取 (先加载 envFiles, 缺省为 .env).
func LoadConfig(path string, envFiles ...string) (*models.AppConfig, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	decoder.DisallowUnknownFields()
	config := &models.AppConfig{}
	if err := decoder.Decode(config); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	config.ApplyDefaults()

	if err := loadEnv(envFiles...); err != nil {
		return nil, err
	}
	for i := range config.Bots {
		ApplyCredentials(&config.Bots[i])
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return config, nil
}

// loadEnv 加载 .env 文件; 文件不存在不算错误, 已存在的环境变量不会被覆盖
func loadEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

// ApplyCredentials 从环境变量中读取 bot 的 API 密钥
func ApplyCredentials(bot *models.BotConfig) {
	keyEnv, secretEnv := bot.APIKeyEnv, bot.SecretKeyEnv
	if keyEnv == "" {
		keyEnv = DefaultAPIKeyEnv
	}
	if secretEnv == "" {
		secretEnv = DefaultSecretKeyEnv
	}
	bot.APIKey = os.Getenv(keyEnv)
	bot.SecretKey = os.Getenv(secretEnv)
}
