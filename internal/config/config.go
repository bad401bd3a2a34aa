package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// 邮箱协议类型
const (
	ReceivingTypePOP3  = "POP3"
	ReceivingTypeIMAP4 = "IMAP4"
)

// ReceivingConfig 定义收件邮箱（网关轮询的远端邮箱）配置
type ReceivingConfig struct {
	Type           string // 邮箱协议: "POP3" 或 "IMAP4"
	Server         string // 邮箱服务器地址
	Port           int    // 邮箱服务器端口，0 表示按协议取默认值
	UseSSL         bool   // 是否使用 TLS 连接
	Username       string // 登录用户名
	Password       string // 登录密码
	PollingSeconds int    // 轮询间隔（秒），固定间隔，无退避
}

// SendingConfig 定义外发邮件（ESMTP 提交）配置
type SendingConfig struct {
	Server   string // 邮件中继服务器地址
	Port     int    // 邮件中继服务器端口
	UseSSL   bool   // 是否使用 TLS 连接
	Username string // 中继认证用户名
	Password string // 中继认证密码
	Address  string // 网关发件地址，回复令牌以 +token 形式附加在本地部分之后
}

// InjectConfig 定义日历服务器调度收件箱（注入目标）配置
type InjectConfig struct {
	Scheme   string // "http" 或 "https"
	Host     string // 日历服务器地址
	Port     int    // 日历服务器端口
	Username string // Basic/Digest 认证用户名，留空表示匿名
	Password string // Basic/Digest 认证密码
}

// HTTPConfig 定义网关自身 HTTP 服务（直接收件端点）的监听配置
type HTTPConfig struct {
	Host string // 监听地址，默认 "0.0.0.0"
	Port int    // 监听端口，默认 8008
}

// DatabaseConfig 定义令牌表的存储配置
type DatabaseConfig struct {
	Driver string // 数据库驱动: "sqlite"（默认）、"mysql" 或 "postgres"
	DSN    string // 连接串；sqlite 时为数据库文件路径
}

// LogConfig 定义日志系统配置
type LogConfig struct {
	Level       string // 日志级别: debug, info, warn, error
	Development bool   // 开发模式: 控制台彩色输出
	File        string // 日志文件路径，留空表示仅输出到标准输出
}

// Config 是网关的根配置
type Config struct {
	Enabled                bool            // 网关总开关
	Receiving              ReceivingConfig // 收件邮箱配置
	Sending                SendingConfig   // 外发邮件配置
	Inject                 InjectConfig    // 注入目标配置
	HTTP                   HTTPConfig      // 直接收件端点配置
	Database               DatabaseConfig  // 令牌表存储配置
	Log                    LogConfig       // 日志配置
	InvitationDaysToLive   int             // 令牌保留天数，超期在启动时清除
	MailIconsDirectory     string          // 邮件图标资源目录（可选）
	MailTemplatesDirectory string          // HTML 模板覆盖目录（可选）
}

// Load 从环境变量和 .env 文件加载网关配置
//
// 环境变量前缀: IMIP_
// 例如: IMIP_RECEIVING_SERVER, IMIP_SENDING_ADDRESS
func Load() (*Config, error) {
	// .env 文件是可选的，加载失败静默忽略
	loadEnvFile()

	viper.SetEnvPrefix("imip")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("enabled", true)
	viper.SetDefault("receiving.type", ReceivingTypeIMAP4)
	viper.SetDefault("receiving.port", 0)
	viper.SetDefault("receiving.use_ssl", true)
	viper.SetDefault("receiving.polling_seconds", 30)
	viper.SetDefault("sending.port", 587)
	viper.SetDefault("sending.use_ssl", true)
	viper.SetDefault("inject.scheme", "https")
	viper.SetDefault("inject.host", "localhost")
	viper.SetDefault("inject.port", 8443)
	viper.SetDefault("http.host", "0.0.0.0")
	viper.SetDefault("http.port", 8008)
	viper.SetDefault("database.driver", "sqlite")
	viper.SetDefault("database.dsn", "./data/mailgatewaytokens.db")
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.development", false)
	viper.SetDefault("log.file", "")
	viper.SetDefault("invitation_days_to_live", 90)

	cfg := &Config{
		Enabled: viper.GetBool("enabled"),
		Receiving: ReceivingConfig{
			Type:           viper.GetString("receiving.type"),
			Server:         viper.GetString("receiving.server"),
			Port:           viper.GetInt("receiving.port"),
			UseSSL:         viper.GetBool("receiving.use_ssl"),
			Username:       viper.GetString("receiving.username"),
			Password:       viper.GetString("receiving.password"),
			PollingSeconds: viper.GetInt("receiving.polling_seconds"),
		},
		Sending: SendingConfig{
			Server:   viper.GetString("sending.server"),
			Port:     viper.GetInt("sending.port"),
			UseSSL:   viper.GetBool("sending.use_ssl"),
			Username: viper.GetString("sending.username"),
			Password: viper.GetString("sending.password"),
			Address:  viper.GetString("sending.address"),
		},
		Inject: InjectConfig{
			Scheme:   viper.GetString("inject.scheme"),
			Host:     viper.GetString("inject.host"),
			Port:     viper.GetInt("inject.port"),
			Username: viper.GetString("inject.username"),
			Password: viper.GetString("inject.password"),
		},
		HTTP: HTTPConfig{
			Host: viper.GetString("http.host"),
			Port: viper.GetInt("http.port"),
		},
		Database: DatabaseConfig{
			Driver: viper.GetString("database.driver"),
			DSN:    viper.GetString("database.dsn"),
		},
		Log: LogConfig{
			Level:       viper.GetString("log.level"),
			Development: viper.GetBool("log.development"),
			File:        viper.GetString("log.file"),
		},
		InvitationDaysToLive:   viper.GetInt("invitation_days_to_live"),
		MailIconsDirectory:     viper.GetString("mail_icons_directory"),
		MailTemplatesDirectory: viper.GetString("mail_templates_directory"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate 校验配置并补全默认端口；配置错误只在启动时致命
func (c *Config) Validate() error {
	if !c.Enabled {
		return nil
	}

	switch NormalizeReceivingType(c.Receiving.Type) {
	case ReceivingTypePOP3, ReceivingTypeIMAP4:
	default:
		return fmt.Errorf("invalid receiving type %q (expected POP3 or IMAP4)", c.Receiving.Type)
	}
	if c.Receiving.PollingSeconds <= 0 {
		return fmt.Errorf("receiving polling seconds must be positive, got %d", c.Receiving.PollingSeconds)
	}
	if c.Receiving.Port == 0 {
		c.Receiving.Port = defaultReceivingPort(NormalizeReceivingType(c.Receiving.Type), c.Receiving.UseSSL)
	}

	if c.Sending.Address != "" && !strings.Contains(c.Sending.Address, "@") {
		return fmt.Errorf("sending address %q is not a mail address", c.Sending.Address)
	}

	switch c.Inject.Scheme {
	case "http", "https":
	default:
		return fmt.Errorf("invalid inject scheme %q (expected http or https)", c.Inject.Scheme)
	}

	switch c.Database.Driver {
	case "sqlite", "mysql", "postgres":
	default:
		return fmt.Errorf("unsupported database driver %q (supported: sqlite, mysql, postgres)", c.Database.Driver)
	}

	if c.InvitationDaysToLive <= 0 {
		return fmt.Errorf("invitation days to live must be positive, got %d", c.InvitationDaysToLive)
	}
	return nil
}

// NormalizeReceivingType 归一化邮箱协议名（"pop"、"pop3" 等前缀均接受）
func NormalizeReceivingType(t string) string {
	lower := strings.ToLower(strings.TrimSpace(t))
	switch {
	case strings.HasPrefix(lower, "pop"):
		return ReceivingTypePOP3
	case strings.HasPrefix(lower, "imap"):
		return ReceivingTypeIMAP4
	default:
		return t
	}
}

func defaultReceivingPort(mailType string, useSSL bool) int {
	if mailType == ReceivingTypePOP3 {
		if useSSL {
			return 995
		}
		return 110
	}
	if useSSL {
		return 993
	}
	return 143
}

// loadEnvFile 尝试从当前目录或父目录加载 .env 文件
func loadEnvFile() {
	candidates := []string{".env", filepath.Join("..", ".env")}
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			_ = godotenv.Load(path)
			return
		}
	}
}
