package config

// Config is the on-disk configuration. Unknown keys are rejected on load.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	// Timezone is the IANA zone reminder times are interpreted in.
	// Default: America/New_York.
	Timezone string `json:"timezone"`

	Scheduler SchedulerConfig `json:"scheduler"`
	Storage   StorageConfig   `json:"storage"`
	Channels  ChannelsConfig  `json:"channels"`
	Renderer  RendererConfig  `json:"renderer"`
	Logging   LoggingConfig   `json:"logging"`
	Ops       OpsConfig       `json:"ops,omitempty"`
}

// SchedulerConfig controls the minute trigger and delivery fan-out.
//
// Enabled is a pointer so an omitted key keeps the trigger on while an
// explicit false leaves only manual dispatch.
//
// Defaults (when fields are omitted/zero):
//   - enabled: true
//   - delivery_concurrency: 32
//   - send_timeout: "10s"
//   - shutdown_grace: "5s"
type SchedulerConfig struct {
	Enabled             *bool  `json:"enabled,omitempty"`
	DeliveryConcurrency int    `json:"delivery_concurrency,omitempty"`
	SendTimeout         string `json:"send_timeout,omitempty"`
	ShutdownGrace       string `json:"shutdown_grace,omitempty"`

	// ResolveNames looks up the recipient's display name before rendering.
	ResolveNames bool `json:"resolve_names,omitempty"`
}

func (s SchedulerConfig) IsEnabled() bool { return s.Enabled == nil || *s.Enabled }

// StorageConfig selects the reminder store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/reminders.db" }
type StorageConfig struct {
	Driver      string `json:"driver"` // sqlite (default) | file | firestore
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only

	Firestore FirestoreConfig `json:"firestore,omitempty"`
}

type FirestoreConfig struct {
	ProjectID       string `json:"project_id"`
	DatabaseID      string `json:"database_id,omitempty"`
	Collection      string `json:"collection,omitempty"`
	CredentialsFile string `json:"credentials_file,omitempty"`
}

// ChannelsConfig lists the notification channels. The first enabled channel
// in the order telegram, discord, mqtt, console is active unless Active
// names another one.
type ChannelsConfig struct {
	Active     string `json:"active,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`

	Telegram TelegramConfig `json:"telegram"`
	Discord  DiscordConfig  `json:"discord"`
	MQTT     MQTTConfig     `json:"mqtt"`
	Console  ConsoleConfig  `json:"console"`
}

type TelegramConfig struct {
	Enabled      bool    `json:"enabled"`
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	PollTimeout  string  `json:"poll_timeout"`
}

type DiscordConfig struct {
	Enabled      bool     `json:"enabled"`
	Token        string   `json:"token"`
	OwnerUserIDs []string `json:"owner_user_ids"`
}

// MQTTConfig publishes reminders to {topic_prefix}/{owner}.
type MQTTConfig struct {
	Enabled     bool   `json:"enabled"`
	Broker      string `json:"broker"`
	ClientID    string `json:"client_id,omitempty"`
	Username    string `json:"username,omitempty"`
	Password    string `json:"password,omitempty"`
	TopicPrefix string `json:"topic_prefix,omitempty"` // default: "reminders"
	QoS         int    `json:"qos,omitempty"`
}

type ConsoleConfig struct {
	Enabled bool `json:"enabled"`
}

type RendererConfig struct {
	// Provider: disabled (default) | ollama | gemini
	Provider string     `json:"provider"`
	Timeout  string     `json:"timeout,omitempty"` // default "20s", capped at 60s
	Tone     ToneConfig `json:"tone,omitempty"`

	Ollama OllamaConfig `json:"ollama,omitempty"`
	Gemini GeminiConfig `json:"gemini,omitempty"`
}

// ToneConfig fields are pointers so omitted keys keep the defaults
// (family safe, no slang, catchphrases allowed).
type ToneConfig struct {
	FamilySafe        *bool `json:"family_safe,omitempty"`
	AllowSlang        *bool `json:"allow_slang,omitempty"`
	AllowCatchphrases *bool `json:"allow_catchphrases,omitempty"`
}

type OllamaConfig struct {
	Host  string `json:"host,omitempty"` // default: http://127.0.0.1:11434
	Model string `json:"model,omitempty"`
}

type GeminiConfig struct {
	APIKey   string `json:"api_key,omitempty"`
	Model    string `json:"model,omitempty"`
	Project  string `json:"project,omitempty"`
	Location string `json:"location,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
	Chat    LoggingChat `json:"chat"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingChat forwards warnings to an operator through the active channel.
type LoggingChat struct {
	Enabled    bool   `json:"enabled"`
	Recipient  string `json:"recipient"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// OpsConfig controls the operations HTTP server.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:8089").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type OpsConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:8089"
	Token         string `json:"token,omitempty"` // bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}
