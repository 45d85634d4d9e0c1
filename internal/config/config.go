// Package config 统一配置管理
//
// 配置加载策略：
//  1. 从 .env 加载敏感信息（密码、密钥）和 APP_ENV
//  2. 根据 APP_ENV 加载对应的 configs/{env}.yaml 配置文件
//  3. 环境变量可覆盖 YAML 配置
//
// 使用方式：
//   - 开发环境: APP_ENV=dev (默认)
//   - 测试环境: APP_ENV=test
//   - 生产环境: APP_ENV=prod
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Environment 环境类型
type Environment string

const (
	EnvProduction  Environment = "prod"
	EnvTest        Environment = "test"
	EnvDevelopment Environment = "dev"
)

// Config 应用配置（最终使用的配置）
type Config struct {
	Env            Environment
	DatabaseDriver string // sqlite / postgres / mongodb
	DatabaseURL    string
	RedisURL       string
	RedisEnabled   bool
	EtcdEndpoints  []string
	EtcdEnabled    bool
	MinIO          MinIOConfig
	APIPort        string
	JWTSecret      string
	Log            LogConfig
	Ledger         LedgerConfig
}

var configPaths = []string{
	"configs",
	"../configs",
	"../../configs",
	"../../../configs",
}

var envPaths = []string{
	".env",
	"../.env",
	"../../.env",
	"../../../.env",
}

// Load 加载配置
// 1. 加载 .env（敏感信息 + APP_ENV）
// 2. 根据 APP_ENV 加载 configs/{env}.yaml
// 3. 构建最终配置
func Load() *Config {
	for _, p := range envPaths {
		if err := godotenv.Load(p); err == nil {
			break
		}
	}

	env := parseEnv(getEnv("APP_ENV", "dev"))
	yamlCfg := loadYAMLConfig(env)

	dbPassword := getEnv("DB_PASSWORD", "ledger_dev_password")
	dbURL := getEnv("DATABASE_URL", buildDatabaseURL(yamlCfg.Database, dbPassword))

	cfg := &Config{
		Env:            env,
		DatabaseDriver: detectDatabaseDriver(yamlCfg.Database.Driver, dbURL),
		DatabaseURL:    dbURL,
		RedisURL:       getEnv("REDIS_URL", buildRedisURL(yamlCfg.Redis)),
		RedisEnabled:   yamlCfg.Redis.Enabled,
		EtcdEndpoints:  yamlCfg.Etcd.Endpoints,
		EtcdEnabled:    yamlCfg.Etcd.Enabled,
		MinIO: MinIOConfig{
			Enabled:   yamlCfg.MinIO.Enabled,
			Endpoint:  getEnv("MINIO_ENDPOINT", yamlCfg.MinIO.Endpoint),
			AccessKey: getEnv("MINIO_ACCESS_KEY", yamlCfg.MinIO.AccessKey),
			SecretKey: getEnv("MINIO_SECRET_KEY", yamlCfg.MinIO.SecretKey),
			Bucket:    yamlCfg.MinIO.Bucket,
			UseSSL:    yamlCfg.MinIO.UseSSL,
		},
		APIPort:   getEnv("API_PORT", yamlCfg.Server.Port),
		JWTSecret: getEnv("JWT_SECRET", ""),
		Log:       yamlCfg.Log,
		Ledger:    yamlCfg.Ledger,
	}
	cfg.Ledger.validate()

	return cfg
}

// loadYAMLConfig 加载 YAML 配置文件
// 加载顺序：默认值 → common.yaml → {env}.yaml
func loadYAMLConfig(env Environment) *YAMLConfig {
	cfg := defaultYAMLConfig()

	for _, base := range configPaths {
		path := filepath.Join(base, "common.yaml")
		if data, err := os.ReadFile(path); err == nil {
			yaml.Unmarshal(data, cfg)
			break
		}
	}

	filename := fmt.Sprintf("%s.yaml", env)
	for _, base := range configPaths {
		path := filepath.Join(base, filename)
		if data, err := os.ReadFile(path); err == nil {
			yaml.Unmarshal(data, cfg)
			break
		}
	}

	return cfg
}

// detectDatabaseDriver 判定数据库驱动
//
// YAML 显式声明优先；否则按连接串前缀推断，未知时回退 sqlite
// （零依赖即可启动）。
func detectDatabaseDriver(yamlDriver, dbURL string) string {
	switch strings.ToLower(yamlDriver) {
	case "sqlite":
		return "sqlite"
	case "postgres", "postgresql":
		return "postgres"
	case "mongo", "mongodb":
		return "mongodb"
	}
	switch {
	case strings.HasPrefix(dbURL, "postgres://"), strings.HasPrefix(dbURL, "postgresql://"):
		return "postgres"
	case strings.HasPrefix(dbURL, "mongodb://"), strings.HasPrefix(dbURL, "mongodb+srv://"):
		return "mongodb"
	case strings.HasPrefix(dbURL, "file:"), strings.HasPrefix(dbURL, "sqlite:"):
		return "sqlite"
	}
	return "sqlite"
}

// buildDatabaseURL 构建数据库连接字符串
func buildDatabaseURL(db DatabaseConfig, password string) string {
	switch strings.ToLower(db.Driver) {
	case "sqlite":
		if db.Path == "" {
			return "file:build-ledger.db?cache=shared"
		}
		return "file:" + db.Path + "?cache=shared"
	case "mongo", "mongodb":
		return fmt.Sprintf("mongodb://%s:%s@%s:%d", db.User, password, db.Host, db.Port)
	default:
		return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
			db.User, password, db.Host, db.Port, db.Name, db.SSLMode)
	}
}

// buildRedisURL 构建 Redis 连接字符串
func buildRedisURL(redis RedisConfig) string {
	return fmt.Sprintf("redis://%s:%d/%d", redis.Host, redis.Port, redis.DB)
}

func parseEnv(env string) Environment {
	switch strings.ToLower(env) {
	case "test":
		return EnvTest
	case "prod", "production":
		return EnvProduction
	default:
		return EnvDevelopment
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// IsTest 是否为测试环境
func (c *Config) IsTest() bool {
	return c.Env == EnvTest
}

// String 返回配置摘要（隐藏密码）
func (c *Config) String() string {
	return fmt.Sprintf("Config{Env: %s, Driver: %s, DB: %s, Redis: %s}",
		c.Env, c.DatabaseDriver, maskPassword(c.DatabaseURL), c.RedisURL)
}

// maskPassword 隐藏密码
func maskPassword(url string) string {
	re := regexp.MustCompile(`(://[^:]+:)([^@]+)(@)`)
	return re.ReplaceAllString(url, "${1}***${3}")
}
