package relay

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config relay 配置
type Config struct {
	Server struct {
		Port         int           `yaml:"port"`
		ReadTimeout  time.Duration `yaml:"read_timeout"`
		WriteTimeout time.Duration `yaml:"write_timeout"`
	} `yaml:"server"`

	// engine 串流位址（每場比賽一條 TCP 連線）
	EngineAddr string `yaml:"engine_addr"`

	// NATS 位址，空字串時停用賽後結果上報
	NATSUrl string `yaml:"nats_url"`

	Session struct {
		// 同時存在的比賽上限，超過拒絕建立（503）
		MaxSessions int `yaml:"max_sessions"`

		// 全員斷線後的保留時間，逾時拆除比賽
		GracePeriod time.Duration `yaml:"grace_period"`
	} `yaml:"session"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

// DefaultConfig 返回預設配置
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.Server.Port = 8080
	cfg.Server.ReadTimeout = 15 * time.Second
	cfg.Server.WriteTimeout = 15 * time.Second
	cfg.EngineAddr = "localhost:7000"
	cfg.Session.MaxSessions = 1024
	cfg.Session.GracePeriod = 30 * time.Second
	cfg.Log.Level = "info"
	cfg.Log.Format = "text"
	return cfg
}

// LoadConfig 從 YAML 檔載入配置，路徑為空時使用預設值
//
// 環境變數覆蓋（生產環境常用）：NATS_URL
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("讀取配置檔失敗: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("解析配置檔失敗: %w", err)
		}
	}

	if url := os.Getenv("NATS_URL"); url != "" {
		cfg.NATSUrl = url
	}
	return cfg, nil
}
