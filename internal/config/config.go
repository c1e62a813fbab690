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

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// 当前配置的单例实例
var (
	currentConfig *AppConfig
	configMutex   sync.RWMutex
	configFile    string
	validate      = validator.New()
)

// AppConfig 包含应用程序的所有配置
type AppConfig struct {
	// 基础配置
	Port      string `json:"port" validate:"required"`
	DataDir   string `json:"data_dir" validate:"required"`
	LogDir    string `json:"log_dir"`
	DBPath    string `json:"db_path"`
	DebugMode bool   `json:"debug_mode"`
	LogLevel  string `json:"log_level"`

	// 密钥加密用的本地密钥
	SecretKey string `json:"-"`

	// LLM相关配置
	LLMProvider    string            `json:"llm_provider" validate:"omitempty,oneof=openai anthropic deepseek google"`
	LLMConfig      map[string]string `json:"llm_config"`
	RequestTimeout int               `json:"request_timeout" validate:"min=1,max=600"` // 秒
	MaxRetries     int               `json:"max_retries" validate:"min=0,max=10"`
}

// Config 存储从环境读取的基础配置
type Config struct {
	Port            string
	DataDir         string
	LogDir          string
	DBPath          string
	DebugMode       bool
	LogLevel        string
	SecretKey       string
	DefaultProvider string
	RequestTimeout  int
	MaxRetries      int

	// 各提供商的API密钥
	OpenAIAPIKey    string
	AnthropicAPIKey string
	DeepSeekAPIKey  string
	GoogleAPIKey    string
}

// APIKeyFor 返回指定提供商的API密钥
func (c *Config) APIKeyFor(provider string) string {
	switch provider {
	case "openai":
		return c.OpenAIAPIKey
	case "anthropic":
		return c.AnthropicAPIKey
	case "deepseek":
		return c.DeepSeekAPIKey
	case "google":
		return c.GoogleAPIKey
	default:
		return ""
	}
}

// Load 从环境变量加载配置
func Load() (*Config, error) {
	// 尝试加载.env文件（可选）
	godotenv.Load()

	// 创建配置
	config := &Config{
		Port:            getEnv("PORT", "8080"),
		DataDir:         getEnvPath("DATA_DIR", "data"),
		LogDir:          getEnvPath("LOG_DIR", "logs"),
		DBPath:          getEnv("DB_PATH", filepath.Join("data", "scriptforge.db")),
		DebugMode:       getEnvBool("DEBUG_MODE", true),
		LogLevel:        getEnv("LOG_LEVEL", "info"),
		SecretKey:       getEnv("SECRET_KEY", ""),
		DefaultProvider: getEnv("DEFAULT_PROVIDER", "openai"),
		RequestTimeout:  getEnvInt("REQUEST_TIMEOUT", 120),
		MaxRetries:      getEnvInt("MAX_RETRIES", 2),
		OpenAIAPIKey:    getEnv("OPENAI_API_KEY", ""),
		AnthropicAPIKey: getEnv("ANTHROPIC_API_KEY", ""),
		DeepSeekAPIKey:  getEnv("DEEPSEEK_API_KEY", ""),
		GoogleAPIKey:    getEnv("GOOGLE_API_KEY", ""),
	}

	// 校验默认提供商是否有可用密钥
	if config.APIKeyFor(config.DefaultProvider) == "" {
		// 只记录警告，不返回错误
		log.Printf("警告: 未设置%s的API密钥，需要在设置中配置后才能使用生成功能", config.DefaultProvider)
	}

	return config, nil
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
		err = os.MkdirAll(path, 0755)
		if err != nil {
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

	return value == "true" || value == "1" || value == "yes"
}

// getEnvInt 获取整型环境变量
func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	n, err := strconv.Atoi(value)
	if err != nil {
		fmt.Printf("警告: 环境变量 %s=%q 不是整数，使用默认值 %d\n", key, value, defaultValue)
		return defaultValue
	}
	return n
}

// InitConfig 初始化配置管理器
func InitConfig(dataDir string) error {
	configFile = filepath.Join(dataDir, "config.json")

	// 加载基础配置
	baseConfig, err := Load()
	if err != nil {
		return err
	}

	// 创建初始配置
	configMutex.Lock()
	defer configMutex.Unlock()

	currentConfig = &AppConfig{
		Port:           baseConfig.Port,
		DataDir:        baseConfig.DataDir,
		LogDir:         baseConfig.LogDir,
		DBPath:         baseConfig.DBPath,
		DebugMode:      baseConfig.DebugMode,
		LogLevel:       baseConfig.LogLevel,
		SecretKey:      baseConfig.SecretKey,
		LLMProvider:    baseConfig.DefaultProvider,
		RequestTimeout: baseConfig.RequestTimeout,
		MaxRetries:     baseConfig.MaxRetries,
		LLMConfig: map[string]string{
			"api_key": baseConfig.APIKeyFor(baseConfig.DefaultProvider),
		},
	}

	// 尝试从文件加载已保存的配置
	if _, err := os.Stat(configFile); !os.IsNotExist(err) {
		data, err := os.ReadFile(configFile)
		if err == nil {
			var savedConfig AppConfig
			if json.Unmarshal(data, &savedConfig) == nil {
				// 合并配置，保留文件中的LLM设置，但使用最新的基础配置
				savedConfig.Port = baseConfig.Port
				savedConfig.DataDir = baseConfig.DataDir
				savedConfig.LogDir = baseConfig.LogDir
				savedConfig.DBPath = baseConfig.DBPath
				savedConfig.DebugMode = baseConfig.DebugMode
				savedConfig.LogLevel = baseConfig.LogLevel
				savedConfig.SecretKey = baseConfig.SecretKey
				if savedConfig.RequestTimeout == 0 {
					savedConfig.RequestTimeout = baseConfig.RequestTimeout
				}

				// 如果文件中没有API密钥，使用环境变量的密钥
				if savedConfig.LLMConfig != nil && savedConfig.LLMConfig["api_key"] == "" {
					savedConfig.LLMConfig["api_key"] = baseConfig.APIKeyFor(savedConfig.LLMProvider)
				}

				currentConfig = &savedConfig
			}
		}
	}

	// 校验合并后的配置
	if err := validate.Struct(currentConfig); err != nil {
		return fmt.Errorf("配置校验失败: %w", err)
	}

	// 保存初始配置到文件
	return SaveConfig()
}

// GetCurrentConfig 返回当前配置的副本
func GetCurrentConfig() *AppConfig {
	configMutex.RLock()
	defer configMutex.RUnlock()

	if currentConfig == nil {
		// 紧急情况，返回一个基本配置
		baseConfig, _ := Load()
		return &AppConfig{
			Port:           baseConfig.Port,
			DataDir:        baseConfig.DataDir,
			LogDir:         baseConfig.LogDir,
			DBPath:         baseConfig.DBPath,
			DebugMode:      baseConfig.DebugMode,
			LogLevel:       baseConfig.LogLevel,
			SecretKey:      baseConfig.SecretKey,
			LLMProvider:    baseConfig.DefaultProvider,
			RequestTimeout: baseConfig.RequestTimeout,
			MaxRetries:     baseConfig.MaxRetries,
			LLMConfig: map[string]string{
				"api_key": baseConfig.APIKeyFor(baseConfig.DefaultProvider),
			},
		}
	}

	// 返回配置的副本
	configCopy := *currentConfig
	return &configCopy
}

// UpdateLLMConfig 更新LLM配置
func UpdateLLMConfig(provider string, llmConfig map[string]string) error {
	configMutex.Lock()
	defer configMutex.Unlock()

	if currentConfig == nil {
		return fmt.Errorf("配置系统未初始化")
	}

	updated := *currentConfig
	updated.LLMProvider = provider
	updated.LLMConfig = llmConfig

	// 先校验再生效
	if err := validate.Struct(&updated); err != nil {
		return fmt.Errorf("配置校验失败: %w", err)
	}

	currentConfig = &updated
	return SaveConfig()
}

// SaveConfig 保存当前配置到文件
func SaveConfig() error {
	if currentConfig == nil {
		return fmt.Errorf("没有配置可保存")
	}

	// 确保目录存在
	dir := filepath.Dir(configFile)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("创建配置目录失败: %w", err)
		}
	}

	// 序列化并保存
	data, err := json.MarshalIndent(currentConfig, "", "  ")
	if err != nil {
		return fmt.Errorf("序列化配置失败: %w", err)
	}

	return os.WriteFile(configFile, data, 0644)
}
