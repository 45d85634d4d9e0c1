// Package config YAML 配置结构定义
package config

import "time"

// YAMLConfig YAML 配置文件结构
type YAMLConfig struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Etcd     EtcdConfig     `yaml:"etcd"`
	MinIO    MinIOConfig    `yaml:"minio"`
	Log      LogConfig      `yaml:"log"`
	Ledger   LedgerConfig   `yaml:"ledger"`
}

type ServerConfig struct {
	Port string `yaml:"port"`
}

type DatabaseConfig struct {
	// Driver sqlite / postgres / mongodb，空时按连接串推断
	Driver  string `yaml:"driver"`
	Path    string `yaml:"path"` // sqlite 专用
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	User    string `yaml:"user"`
	Name    string `yaml:"name"`
	SSLMode string `yaml:"sslmode"`
}

type RedisConfig struct {
	// Enabled 开启后事件追加同步镜像到 Redis Stream
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	DB      int    `yaml:"db"`
}

type EtcdConfig struct {
	// Enabled 开启后检查点/回滚使用 etcd 分布式锁
	Enabled   bool     `yaml:"enabled"`
	Endpoints []string `yaml:"endpoints"`
}

type MinIOConfig struct {
	// Enabled 开启后检查点产物可归档到对象存储
	Enabled   bool   `yaml:"enabled"`
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	UseSSL    bool   `yaml:"use_ssl"`
}

type LogConfig struct {
	Level  string `yaml:"level"`  // debug / info / warn / error
	Format string `yaml:"format"` // json / text
}

// LedgerConfig 账本核心参数
type LedgerConfig struct {
	// ApprovalTimeout waitForApproval 的默认超时
	ApprovalTimeout time.Duration `yaml:"approval_timeout"`

	// StalenessWindow 回滚目标超过该时长视为陈旧风险
	StalenessWindow time.Duration `yaml:"staleness_window"`

	// Environment 写入事件元数据的环境标识
	Environment string `yaml:"environment"`

	// Process 写入事件元数据的进程标识
	Process string `yaml:"process"`
}

// validate 验证并填充账本默认值
func (l *LedgerConfig) validate() {
	if l.ApprovalTimeout == 0 {
		l.ApprovalTimeout = time.Hour
	}
	if l.StalenessWindow == 0 {
		l.StalenessWindow = 24 * time.Hour
	}
	if l.Process == "" {
		l.Process = "ledger-server"
	}
}

// defaultYAMLConfig 初始化默认值
func defaultYAMLConfig() *YAMLConfig {
	return &YAMLConfig{
		Server:   ServerConfig{Port: "8080"},
		Database: DatabaseConfig{Driver: "sqlite", Path: "build-ledger.db", Host: "localhost", Port: 5432, User: "ledger", Name: "build_ledger", SSLMode: "disable"},
		Redis:    RedisConfig{Host: "localhost", Port: 6379, DB: 0},
		Etcd:     EtcdConfig{Endpoints: []string{"localhost:2379"}},
		MinIO:    MinIOConfig{Bucket: "build-ledger"},
		Log:      LogConfig{Level: "info", Format: "json"},
		Ledger: LedgerConfig{
			ApprovalTimeout: time.Hour,
			StalenessWindow: 24 * time.Hour,
			Environment:     "dev",
			Process:         "ledger-server",
		},
	}
}
