// internal/config/config.go
package config

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/Corphon/StoryDirectorMCP/internal/utils"
	"github.com/joho/godotenv"
)

// 提供商选择的两个取值
const (
	ProviderGemini = "gemini"
	ProviderOpenAI = "openai"
)

// Config 存储应用配置
type Config struct {
	Port      string
	DataDir   string
	LogDir    string
	DebugMode bool

	// ActiveProvider 当前生效的生成提供商（gemini / openai）
	ActiveProvider string
	// ProviderConfig 按提供商名称保存的凭据与参数（api_key / base_url / default_model）
	ProviderConfig map[string]map[string]string

	// PacingInterval 演出节拍间隔
	PacingInterval time.Duration
	// RetryBudget 生成客户端对限流/超时错误的重试次数
	RetryBudget int
	// RetryBaseDelay 重试退避的初始延迟
	RetryBaseDelay time.Duration
}

// Load 从环境变量加载配置
func Load() (*Config, error) {
	// 尝试加载.env文件（可选）
	godotenv.Load()

	cfg := &Config{
		Port:           getEnv("PORT", "8080"),
		DataDir:        getEnvPath("DATA_DIR", "data"),
		LogDir:         getEnvPath("LOG_DIR", "logs"),
		DebugMode:      getEnvBool("DEBUG_MODE", true),
		ActiveProvider: getEnv("ACTIVE_PROVIDER", ProviderGemini),
		PacingInterval: getEnvDuration("PACING_INTERVAL_MS", 1500) * time.Millisecond,
		RetryBudget:    getEnvInt("GENERATION_RETRY_BUDGET", 1),
		RetryBaseDelay: getEnvDuration("GENERATION_RETRY_BASE_MS", 1000) * time.Millisecond,
		ProviderConfig: map[string]map[string]string{
			ProviderGemini: {
				"api_key":       getEnv("GEMINI_API_KEY", ""),
				"base_url":      getEnv("GEMINI_BASE_URL", ""),
				"default_model": getEnv("GEMINI_MODEL", ""),
			},
			ProviderOpenAI: {
				"api_key":       getEnv("OPENAI_API_KEY", ""),
				"base_url":      getEnv("OPENAI_BASE_URL", ""),
				"default_model": getEnv("OPENAI_MODEL", ""),
			},
		},
	}

	if cfg.ActiveProvider != ProviderGemini && cfg.ActiveProvider != ProviderOpenAI {
		return nil, fmt.Errorf("不支持的提供商: %s", cfg.ActiveProvider)
	}

	if cfg.ProviderConfig[cfg.ActiveProvider]["api_key"] == "" {
		// 只记录警告，不返回错误；调用时会得到 missing_credential
		log.Printf("警告: 未设置 %s 的API密钥，生成调用将失败", cfg.ActiveProvider)
	}

	return cfg, nil
}

// ----------------------------------------------------------------------
// 持久化设置：API密钥落盘时加密保存，避免明文出现在数据目录中

type persistedSettings struct {
	ActiveProvider string                       `json:"active_provider"`
	Providers      map[string]map[string]string `json:"providers"`
}

var settingsMutex sync.Mutex

const settingsFile = "settings.json"
const settingsCipherKey = "storydirector-local-settings"

// SaveSettings 把当前提供商配置写入数据目录（密钥加密）
func SaveSettings(cfg *Config) error {
	settingsMutex.Lock()
	defer settingsMutex.Unlock()

	out := persistedSettings{
		ActiveProvider: cfg.ActiveProvider,
		Providers:      make(map[string]map[string]string, len(cfg.ProviderConfig)),
	}
	for name, pc := range cfg.ProviderConfig {
		copied := make(map[string]string, len(pc))
		for k, v := range pc {
			if k == "api_key" && v != "" {
				enc, err := utils.Encrypt(v, settingsCipherKey)
				if err != nil {
					return fmt.Errorf("加密API密钥失败: %w", err)
				}
				copied[k] = enc
				continue
			}
			copied[k] = v
		}
		out.Providers[name] = copied
	}

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Errorf("序列化设置失败: %w", err)
	}
	return os.WriteFile(filepath.Join(cfg.DataDir, settingsFile), data, 0600)
}

// LoadSettings 从数据目录读取持久化设置并合并进 cfg（环境变量优先）
func LoadSettings(cfg *Config) error {
	settingsMutex.Lock()
	defer settingsMutex.Unlock()

	data, err := os.ReadFile(filepath.Join(cfg.DataDir, settingsFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("读取设置失败: %w", err)
	}

	var in persistedSettings
	if err := json.Unmarshal(data, &in); err != nil {
		return fmt.Errorf("解析设置失败: %w", err)
	}

	for name, pc := range in.Providers {
		existing, ok := cfg.ProviderConfig[name]
		if !ok {
			continue
		}
		for k, v := range pc {
			if existing[k] != "" {
				continue // 环境变量已提供
			}
			if k == "api_key" && v != "" {
				dec, err := utils.Decrypt(v, settingsCipherKey)
				if err != nil {
					log.Printf("警告: 解密 %s API密钥失败: %v", name, err)
					continue
				}
				existing[k] = dec
				continue
			}
			existing[k] = v
		}
	}
	return nil
}

// getEnv 获取环境变量，如果不存在则返回默认值
func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvPath 获取环境变量表示的路径，如果不存在则返回默认值
func getEnvPath(key, defaultValue string) string {
	path := getEnv(key, defaultValue)

	// 确保目录存在
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := os.MkdirAll(path, 0755); err != nil {
			fmt.Printf("警告: 创建目录失败 %s: %v\n", path, err)
		}
	}

	return path
}

// getEnvBool 获取布尔类型环境变量
func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return defaultValue
	}
	return parsed
}

// getEnvInt 获取整数类型环境变量
func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return parsed
}

func getEnvDuration(key string, defaultMs int) time.Duration {
	return time.Duration(getEnvInt(key, defaultMs))
}
