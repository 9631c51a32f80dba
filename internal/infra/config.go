package infra

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config — корневая структура конфигурации шлюза.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Webhook  WebhookConfig  `mapstructure:"webhook"`
	Approval ApprovalConfig `mapstructure:"approval"`
	Engine   EngineConfig   `mapstructure:"engine"`
	Logger   LoggerConfig   `mapstructure:"logger"`
}

// ServerConfig описывает настройки HTTP-сервера.
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// DatabaseConfig описывает подключение к PostgreSQL (журнал аудита). Пустой URL: аудит в лог.
type DatabaseConfig struct {
	URL      string `mapstructure:"url"`
	MaxConns int    `mapstructure:"max_conns"`
	MinConns int    `mapstructure:"min_conns"`
}

// RedisConfig описывает подключение к Redis (Pub/Sub уведомления). Пустой Addr: Redis выключен.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// AuthConfig — RSA ключ для проверки JWT операторов. Без ключа маршруты решений открыты.
type AuthConfig struct {
	PublicKeyPath string `mapstructure:"public_key_path"`
	PublicKey     []byte
}

// WebhookConfig — источники вебхуков.
// Список, а не map: viper режет ключи по точке, а source_id вроде "make.com" ее содержит.
type WebhookConfig struct {
	ValidationEnabled bool            `mapstructure:"validation_enabled"`
	Timeout           time.Duration   `mapstructure:"timeout"`
	Sources           []WebhookSource `mapstructure:"sources"`
}

// WebhookSource — секрет, действие и адрес для ответа одного source_id.
type WebhookSource struct {
	ID       string `mapstructure:"id"`
	Secret   string `mapstructure:"secret"`
	Action   string `mapstructure:"action"`   // пусто: process_webhook_data
	Endpoint string `mapstructure:"endpoint"` // куда send_webhook_response шлет ответ
}

// Source возвращает настройки источника (создает запись, если ее нет).
func (w *WebhookConfig) Source(id string) *WebhookSource {
	for i := range w.Sources {
		if w.Sources[i].ID == id {
			return &w.Sources[i]
		}
	}
	w.Sources = append(w.Sources, WebhookSource{ID: id})
	return &w.Sources[len(w.Sources)-1]
}

// ApprovalConfig — HITL. Expiry 0: заявки не протухают.
type ApprovalConfig struct {
	Expiry        time.Duration `mapstructure:"expiry"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	AutoResume    bool          `mapstructure:"auto_resume"`
}

// EngineConfig содержит настройки исполнения обработчиков и аудита.
type EngineConfig struct {
	HandlerTimeout time.Duration `mapstructure:"handler_timeout"`

	RateLimit float64 `mapstructure:"rate_limit"`
	RateBurst int     `mapstructure:"rate_burst"`

	// Настройки Circuit Breaker (на каждое действие свой)
	CBMaxRequests      uint32        `mapstructure:"cb_max_requests"`
	CBInterval         time.Duration `mapstructure:"cb_interval"`
	CBTimeout          time.Duration `mapstructure:"cb_timeout"`
	CBConsecutiveFails uint32        `mapstructure:"cb_consecutive_fails"`

	AuditBufferSize    int           `mapstructure:"audit_buffer_size"`
	AuditFlushInterval time.Duration `mapstructure:"audit_flush_interval"`
}

// LoggerConfig настраивает поведение zap логгера.
type LoggerConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, console
}

// Известные источники вебхуков и их переменные окружения
var legacyWebhookSources = map[string]string{
	"make.com": "MAKE_COM",
	"zapier":   "ZAPIER",
}

// LoadConfig инициализирует конфигурацию, объединяя значения из файла и ENV.
func LoadConfig() (*Config, error) {
	v := viper.New()

	// 1. Настройка поиска файла
	v.SetConfigName("config")    // имя файла без расширения
	v.SetConfigType("yaml")      // формат
	v.AddConfigPath(".")         // ищем в корне
	v.AddConfigPath("./configs") // и в папке с конфигами

	return load(v)
}

// LoadConfigFile читает конфиг по явному пути (флаг -config).
func LoadConfigFile(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	return load(v)
}

func load(v *viper.Viper) (*Config, error) {
	// 2. Настройка переменных окружения (ENV)
	// Позволяет перекрывать конфиг: SERVER_PORT=9000 перекроет server.port
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// 3. Установка дефолтных значений
	setDefaults(v)

	// 4. Чтение файла
	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Если файла нет, работаем на ENV и дефолтах
	}

	// 5. Маппинг в структуру
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}

	// 6. Старые имена переменных окружения
	applyLegacyEnv(&cfg)

	// 7. Загрузка ключа из Файла ИЛИ из ENV
	cfg.Auth.PublicKey = loadKeyResource(cfg.Auth.PublicKeyPath, "AUTH_PUBLIC_KEY_DATA")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 5*time.Second)
	v.SetDefault("server.write_timeout", 60*time.Second)
	v.SetDefault("database.max_conns", 15)
	v.SetDefault("database.min_conns", 5)
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")

	v.SetDefault("webhook.validation_enabled", true)
	v.SetDefault("webhook.timeout", 30*time.Second)

	v.SetDefault("approval.expiry", 0)
	v.SetDefault("approval.sweep_interval", time.Minute)
	v.SetDefault("approval.auto_resume", true)

	v.SetDefault("engine.handler_timeout", 30*time.Second)
	v.SetDefault("engine.rate_limit", 100)
	v.SetDefault("engine.rate_burst", 20)
	v.SetDefault("engine.cb_max_requests", 3)
	v.SetDefault("engine.cb_interval", 5*time.Second)
	v.SetDefault("engine.cb_timeout", 30*time.Second)
	v.SetDefault("engine.cb_consecutive_fails", 5)
	v.SetDefault("engine.audit_buffer_size", 1000)
	v.SetDefault("engine.audit_flush_interval", 1*time.Second)
}

// applyLegacyEnv подхватывает MAKE_COM_WEBHOOK_SECRET, ZAPIER_WEBHOOK_ENDPOINT и т.п.
// Значения из ENV перекрывают файл.
func applyLegacyEnv(cfg *Config) {
	for source, prefix := range legacyWebhookSources {
		secret := os.Getenv(prefix + "_WEBHOOK_SECRET")
		endpoint := os.Getenv(prefix + "_WEBHOOK_ENDPOINT")
		if secret == "" && endpoint == "" {
			continue
		}
		src := cfg.Webhook.Source(source)
		if secret != "" {
			src.Secret = secret
		}
		if endpoint != "" {
			src.Endpoint = endpoint
		}
	}
	if raw := os.Getenv("WEBHOOK_TIMEOUT_SECONDS"); raw != "" {
		if sec, err := strconv.Atoi(raw); err == nil && sec > 0 {
			cfg.Webhook.Timeout = time.Duration(sec) * time.Second
		}
	}
}

// Validate отсекает заведомо нерабочую конфигурацию до старта.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("config: invalid server.port %d", c.Server.Port)
	}
	if c.Approval.Expiry < 0 {
		return fmt.Errorf("config: approval.expiry must not be negative")
	}
	seen := make(map[string]bool, len(c.Webhook.Sources))
	for _, src := range c.Webhook.Sources {
		if src.ID == "" {
			return fmt.Errorf("config: webhook source without id")
		}
		if seen[src.ID] {
			return fmt.Errorf("config: duplicate webhook source %q", src.ID)
		}
		seen[src.ID] = true
	}
	return nil
}

// loadKeyResource — ключ из ENV (PEM целиком) или из файла по пути из конфига
func loadKeyResource(path string, envDataKey string) []byte {
	if data := os.Getenv(envDataKey); data != "" {
		return []byte(data)
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			return data
		}
	}
	return nil
}
