package engine

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config 比賽引擎配置
type Config struct {
	// 串流監聽位址（relay 以 TCP 連入）
	ListenAddr string `yaml:"listen_addr"`

	// 勝利分數（偶數會被調整為下一個奇數）
	MaxScore int `yaml:"max_score"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

// DefaultConfig 返回預設配置
func DefaultConfig() *Config {
	cfg := &Config{
		ListenAddr: ":7000",
		MaxScore:   11,
	}
	cfg.Log.Level = "info"
	cfg.Log.Format = "text"
	return cfg
}

// LoadConfig 從 YAML 檔載入配置，路徑為空時使用預設值
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("讀取配置檔失敗: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("解析配置檔失敗: %w", err)
	}
	return cfg, nil
}
