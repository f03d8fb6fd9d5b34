package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds the settings of one run.
type Config struct {
	// Redmine (source)
	RedmineURL    string
	RedmineAPIKey string

	// Jira (destination)
	JiraURL            string
	JiraEmail          string
	JiraAPIToken       string
	JiraProjectKey     string
	DefaultReporterID  string
	InitialStatus      string
	PrivateCommentRole string

	// Paths
	AttachmentsDir string
	OutputDir      string
	LogFile        string
	MappingsFile   string

	// Throughput and retries
	RateLimitDelay      time.Duration
	PageSize            int
	MaxConcurrent       int
	HTTPTimeout         time.Duration
	RetryMaxAttempts    int
	RetryInitialBackoff time.Duration
	RetryMaxBackoff     time.Duration

	// Attachment validation
	MaxAttachmentSize int64
	AllowedMIMETypes  []string
	UploadChunkSize   int

	Debug bool

	Mappings *Mappings
}

// Mode selects which credentials a command needs.
type Mode int

const (
	ModeMigrate Mode = iota
	ModeExport
	ModeImport
)

var defaultAllowedMIMETypes = []string{
	"image/*",
	"text/*",
	"application/pdf",
	"application/zip",
	"application/x-zip-compressed",
	"application/gzip",
	"application/json",
	"application/xml",
	"application/msword",
	"application/vnd.openxmlformats-officedocument.*",
	"application/vnd.ms-excel",
	"application/vnd.ms-powerpoint",
	"application/octet-stream",
}

// LoadConfig reads .env, the optional YAML config file and the environment.
// Environment variables win over the file.
func LoadConfig() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()

	configFile := v.GetString("CONFIG_FILE")
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", configFile, err)
		}
	} else if _, err := os.Stat("migrate.yaml"); err == nil {
		v.SetConfigFile("migrate.yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file migrate.yaml: %w", err)
		}
	}

	return fromViper(v)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ATTACHMENTS_DIR", "attachments")
	v.SetDefault("OUTPUT_DIR", "projects")
	v.SetDefault("LOG_FILE", "migration.log")
	v.SetDefault("INITIAL_STATUS", "Backlog")
	v.SetDefault("RATE_LIMIT_DELAY", "1s")
	v.SetDefault("PAGE_SIZE", 100)
	v.SetDefault("MAX_CONCURRENT", 1)
	v.SetDefault("HTTP_TIMEOUT", "5m")
	v.SetDefault("RETRY_MAX_ATTEMPTS", 3)
	v.SetDefault("RETRY_INITIAL_BACKOFF", "1s")
	v.SetDefault("RETRY_MAX_BACKOFF", "30s")
	v.SetDefault("MAX_ATTACHMENT_SIZE", int64(100<<20))
	v.SetDefault("ALLOWED_MIME_TYPES", strings.Join(defaultAllowedMIMETypes, ","))
	v.SetDefault("UPLOAD_CHUNK_SIZE", 8<<20)
	v.SetDefault("DEBUG", false)
}

func fromViper(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		RedmineURL:          strings.TrimRight(v.GetString("REDMINE_URL"), "/"),
		RedmineAPIKey:       v.GetString("REDMINE_API_KEY"),
		JiraURL:             strings.TrimRight(v.GetString("JIRA_URL"), "/"),
		JiraEmail:           v.GetString("JIRA_EMAIL"),
		JiraAPIToken:        v.GetString("JIRA_API_TOKEN"),
		JiraProjectKey:      v.GetString("JIRA_PROJECT_KEY"),
		DefaultReporterID:   v.GetString("DEFAULT_REPORTER_ID"),
		InitialStatus:       v.GetString("INITIAL_STATUS"),
		PrivateCommentRole:  v.GetString("PRIVATE_COMMENT_ROLE"),
		AttachmentsDir:      v.GetString("ATTACHMENTS_DIR"),
		OutputDir:           v.GetString("OUTPUT_DIR"),
		LogFile:             v.GetString("LOG_FILE"),
		MappingsFile:        v.GetString("MAPPINGS_FILE"),
		RateLimitDelay:      parseDelay(v.GetString("RATE_LIMIT_DELAY")),
		PageSize:            v.GetInt("PAGE_SIZE"),
		MaxConcurrent:       v.GetInt("MAX_CONCURRENT"),
		HTTPTimeout:         v.GetDuration("HTTP_TIMEOUT"),
		RetryMaxAttempts:    v.GetInt("RETRY_MAX_ATTEMPTS"),
		RetryInitialBackoff: v.GetDuration("RETRY_INITIAL_BACKOFF"),
		RetryMaxBackoff:     v.GetDuration("RETRY_MAX_BACKOFF"),
		MaxAttachmentSize:   v.GetInt64("MAX_ATTACHMENT_SIZE"),
		AllowedMIMETypes:    splitList(v.GetString("ALLOWED_MIME_TYPES")),
		UploadChunkSize:     v.GetInt("UPLOAD_CHUNK_SIZE"),
		Debug:               v.GetBool("DEBUG"),
	}

	if cfg.PageSize <= 0 {
		cfg.PageSize = 100
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	if cfg.RetryMaxAttempts <= 0 {
		cfg.RetryMaxAttempts = 1
	}

	mappings, err := LoadMappings(cfg.MappingsFile)
	if err != nil {
		return nil, err
	}
	cfg.Mappings = mappings

	return cfg, nil
}

// parseDelay accepts a Go duration ("1500ms") or a plain number of seconds
// ("2", "0.5").
func parseDelay(raw string) time.Duration {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d
	}
	if d, err := time.ParseDuration(raw + "s"); err == nil {
		return d
	}
	return time.Second
}

func splitList(raw string) []string {
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// Validate checks that the settings needed by mode are present.
func (c *Config) Validate(mode Mode) error {
	var missing []string
	need := func(key, value string) {
		if strings.TrimSpace(value) == "" {
			missing = append(missing, key)
		}
	}

	if mode == ModeMigrate || mode == ModeExport {
		need("REDMINE_URL", c.RedmineURL)
		need("REDMINE_API_KEY", c.RedmineAPIKey)
	}
	if mode == ModeMigrate || mode == ModeImport {
		need("JIRA_URL", c.JiraURL)
		need("JIRA_EMAIL", c.JiraEmail)
		need("JIRA_API_TOKEN", c.JiraAPIToken)
		need("JIRA_PROJECT_KEY", c.JiraProjectKey)
	}

	if len(missing) > 0 {
		return fmt.Errorf("missing settings: %s", strings.Join(missing, ", "))
	}
	if c.MaxAttachmentSize <= 0 {
		return errors.New("MAX_ATTACHMENT_SIZE must be positive")
	}
	return nil
}
