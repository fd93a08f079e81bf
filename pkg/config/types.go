package config

import (
	"time"

	"github.com/intralog/drawbridge/pkg/telemetry"
)

// Config is the full drawbridge configuration.
type Config struct {
	Watch     WatchConfig       `yaml:"watch" validate:"required"`
	Store     StoreConfig       `yaml:"store" validate:"required"`
	Executor  ExecutorConfig    `yaml:"executor"`
	Odoo      OdooConfig        `yaml:"odoo" validate:"required"`
	Remote    RemoteConfig      `yaml:"remote" validate:"required"`
	Email     EmailConfig       `yaml:"email"`
	Portal    PortalConfig      `yaml:"portal"`
	Secrets   SecretsConfig     `yaml:"secrets"`
	Telemetry *telemetry.Config `yaml:"telemetry"`
}

// WatchConfig controls the file pair detector.
type WatchConfig struct {
	// Roots are directories to watch. Entries may be glob patterns, resolved
	// once at startup.
	Roots []string `yaml:"roots" validate:"required,min=1"`

	// CADExtension and DocExtension name the two halves of a pair.
	CADExtensions []string `yaml:"cad_extensions" validate:"required,min=1"`
	DocExtensions []string `yaml:"doc_extensions" validate:"required,min=1"`

	// QuietPeriod is how long both files must stay unchanged before a pair
	// is considered complete.
	QuietPeriod time.Duration `yaml:"quiet_period"`

	// SweepInterval is how often the detector checks for settled pairs.
	SweepInterval time.Duration `yaml:"sweep_interval"`

	// QueueSize bounds the ready-pair channel.
	QueueSize int `yaml:"queue_size"`

	// ReintakeCompleted re-runs the pipeline when a pair reappears after its
	// job already finished. Default off.
	ReintakeCompleted bool `yaml:"reintake_completed"`
}

// StoreConfig locates the SQLite job store.
type StoreConfig struct {
	Path string `yaml:"path" validate:"required"`
}

// RetryConfig tunes the stage retry policy.
type RetryConfig struct {
	MaxAttempts        int           `yaml:"max_attempts" validate:"omitempty,min=1"`
	BaseDelay          time.Duration `yaml:"base_delay"`
	ThrottledBaseDelay time.Duration `yaml:"throttled_base_delay"`
	MaxDelay           time.Duration `yaml:"max_delay"`
}

// ExecutorConfig controls the stage executor pool.
type ExecutorConfig struct {
	Workers   int         `yaml:"workers" validate:"omitempty,min=1"`
	QueueSize int         `yaml:"queue_size"`
	Retry     RetryConfig `yaml:"retry"`
}

// OdooConfig points at the CRM.
type OdooConfig struct {
	URL      string `yaml:"url" validate:"required,url"`
	Database string `yaml:"database" validate:"required"`
	Username string `yaml:"username" validate:"required"`
	// Password is normally supplied via the encrypted credential store or
	// DRAWBRIDGE_ODOO_PASSWORD rather than the YAML file.
	Password   string        `yaml:"password"`
	DefaultTag string        `yaml:"default_tag"`
	Timeout    time.Duration `yaml:"timeout"`
}

// RemoteConfig points at the SFTP document share.
type RemoteConfig struct {
	Host string `yaml:"host" validate:"required"`
	Port int    `yaml:"port" validate:"omitempty,min=1,max=65535"`
	User string `yaml:"user" validate:"required"`
	// Password or PrivateKeyPath; key wins when both are set.
	Password       string `yaml:"password"`
	PrivateKeyPath string `yaml:"private_key_path"`

	// BaseFolder is the root under which project folders are built.
	BaseFolder string `yaml:"base_folder" validate:"required"`

	// Subfolders are created inside every project folder.
	Subfolders []string `yaml:"subfolders"`

	// AsBuiltFolder is created as a sibling at the address level.
	AsBuiltFolder string `yaml:"as_built_folder"`

	Timeout time.Duration `yaml:"timeout"`
}

// EmailConfig controls stakeholder notification.
type EmailConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Host     string `yaml:"host" validate:"required_if=Enabled true"`
	Port     int    `yaml:"port" validate:"omitempty,min=1,max=65535"`
	From     string `yaml:"from" validate:"required_if=Enabled true,omitempty,email"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	UseTLS   bool   `yaml:"use_tls"`

	// ProjectManagers and Drafters map title-block names to addresses.
	ProjectManagers map[string]string `yaml:"project_managers"`
	Drafters        map[string]string `yaml:"drafters"`
}

// PortalConfig controls the optional submission portal.
type PortalConfig struct {
	Enabled bool          `yaml:"enabled"`
	URL     string        `yaml:"url" validate:"required_if=Enabled true,omitempty,url"`
	Timeout time.Duration `yaml:"timeout"`
}

// SecretsConfig locates the encrypted credential file.
type SecretsConfig struct {
	Path string `yaml:"path"`
}

// DefaultSubfolders is the standard project folder set.
var DefaultSubfolders = []string{
	"DWG",
	"PDF",
	"Calculations",
	"Vendors",
	"Purchase Order",
	"Photos",
	"PPT",
	"Proposals",
}

// Default returns a configuration with every tunable at its default. Required
// connection settings are left empty and fail validation until filled in.
func Default() *Config {
	return &Config{
		Watch: WatchConfig{
			CADExtensions: []string{"dwg"},
			DocExtensions: []string{"pdf"},
			QuietPeriod:   5 * time.Second,
			QueueSize:     128,
		},
		Store: StoreConfig{
			Path: "drawbridge.db",
		},
		Executor: ExecutorConfig{
			Workers:   4,
			QueueSize: 256,
			Retry: RetryConfig{
				MaxAttempts:        5,
				BaseDelay:          2 * time.Second,
				ThrottledBaseDelay: 10 * time.Second,
				MaxDelay:           time.Minute,
			},
		},
		Odoo: OdooConfig{
			DefaultTag: "Drawing Intake",
			Timeout:    30 * time.Second,
		},
		Remote: RemoteConfig{
			Port:          22,
			Subfolders:    append([]string{}, DefaultSubfolders...),
			AsBuiltFolder: "As Built",
			Timeout:       30 * time.Second,
		},
		Email: EmailConfig{
			Port:   587,
			UseTLS: true,
		},
		Portal: PortalConfig{
			Timeout: 30 * time.Second,
		},
		Secrets: SecretsConfig{
			Path: "credentials.enc",
		},
		Telemetry: telemetry.DefaultConfig(),
	}
}
