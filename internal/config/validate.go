package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	logx "reminderbot/pkg/logx"
)

const (
	DefaultTimezone = "America/New_York"
	DefaultOpsAddr  = "127.0.0.1:8089"
)

// Location resolves the configured timezone, defaulting to America/New_York.
func (c *Config) Location() (*time.Location, error) {
	tz := strings.TrimSpace(c.Timezone)
	if tz == "" {
		tz = DefaultTimezone
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("timezone: unknown zone %q: %w", tz, err)
	}
	return loc, nil
}

// ActiveChannel returns the configured active channel or the first enabled
// one. Empty means no channel is enabled.
func (c *ChannelsConfig) ActiveChannel() string {
	if a := strings.TrimSpace(c.Active); a != "" {
		return a
	}
	en := c.EnabledNames()
	if len(en) == 0 {
		return ""
	}
	return en[0]
}

// EnabledNames lists enabled channels in registration order.
func (c *ChannelsConfig) EnabledNames() []string {
	var out []string
	if c.Telegram.Enabled {
		out = append(out, "telegram")
	}
	if c.Discord.Enabled {
		out = append(out, "discord")
	}
	if c.MQTT.Enabled {
		out = append(out, "mqtt")
	}
	if c.Console.Enabled {
		out = append(out, "console")
	}
	return out
}

// Validate reports every problem found, joined.
func Validate(c *Config) error {
	if c == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	_, err := c.Location()
	add(err)

	if c.Scheduler.DeliveryConcurrency < 0 {
		add(errors.New("scheduler.delivery_concurrency: must be >= 0"))
	}
	_, err = ParseDurationField("scheduler.send_timeout", c.Scheduler.SendTimeout)
	add(err)
	_, err = ParseDurationField("scheduler.shutdown_grace", c.Scheduler.ShutdownGrace)
	add(err)

	switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
	case "", "sqlite", "file":
	case "firestore":
		if strings.TrimSpace(c.Storage.Firestore.ProjectID) == "" {
			add(errors.New("storage.firestore.project_id: required"))
		}
	default:
		add(fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver))
	}
	_, err = ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout)
	add(err)

	add(validateChannels(&c.Channels))

	switch strings.ToLower(strings.TrimSpace(c.Renderer.Provider)) {
	case "", "disabled", "ollama":
	case "gemini":
		if strings.TrimSpace(c.Renderer.Gemini.APIKey) == "" && strings.TrimSpace(c.Renderer.Gemini.Project) == "" {
			add(errors.New("renderer.gemini: api_key or project required"))
		}
	default:
		add(fmt.Errorf("renderer.provider: unknown provider %q", c.Renderer.Provider))
	}
	_, err = ParseDurationField("renderer.timeout", c.Renderer.Timeout)
	add(err)

	if lv := strings.TrimSpace(c.Logging.Level); lv != "" && !logx.ValidLevel(lv) {
		add(fmt.Errorf("logging.level: unknown level %q", lv))
	}
	if c.Logging.Chat.Enabled && strings.TrimSpace(c.Logging.Chat.Recipient) == "" {
		add(errors.New("logging.chat.recipient: required when chat logging is enabled"))
	}

	add(validateOps(&c.Ops))
	return errors.Join(errs...)
}

func validateChannels(c *ChannelsConfig) error {
	var errs []error
	if c.RatePerSec < 0 {
		errs = append(errs, errors.New("channels.rate_per_sec: must be >= 0"))
	}
	if c.Telegram.Enabled && strings.TrimSpace(c.Telegram.Token) == "" {
		errs = append(errs, errors.New("channels.telegram.token: required"))
	}
	if _, err := ParseDurationField("channels.telegram.poll_timeout", c.Telegram.PollTimeout); err != nil {
		errs = append(errs, err)
	}
	if c.Discord.Enabled && strings.TrimSpace(c.Discord.Token) == "" {
		errs = append(errs, errors.New("channels.discord.token: required"))
	}
	if c.MQTT.Enabled && strings.TrimSpace(c.MQTT.Broker) == "" {
		errs = append(errs, errors.New("channels.mqtt.broker: required"))
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, errors.New("channels.mqtt.qos: must be 0, 1 or 2"))
	}

	enabled := c.EnabledNames()
	if len(enabled) == 0 {
		errs = append(errs, errors.New("channels: at least one channel must be enabled"))
	} else if a := strings.TrimSpace(c.Active); a != "" {
		found := false
		for _, n := range enabled {
			if n == a {
				found = true
			}
		}
		if !found {
			errs = append(errs, fmt.Errorf("channels.active: %q is not an enabled channel", a))
		}
	}
	return errors.Join(errs...)
}

func validateOps(o *OpsConfig) error {
	if !o.Enabled {
		return nil
	}
	var errs []error
	addr := strings.TrimSpace(o.Addr)
	if addr == "" {
		addr = DefaultOpsAddr
	}
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		errs = append(errs, fmt.Errorf("ops.addr: %w", err))
	} else if !IsLoopbackHost(host) && strings.TrimSpace(o.Token) == "" && !o.AllowInsecure {
		errs = append(errs, fmt.Errorf("ops.addr: %q is not loopback; set ops.token or ops.allow_insecure", addr))
	}
	for _, f := range []struct{ path, raw string }{
		{"ops.read_timeout", o.ReadTimeout},
		{"ops.write_timeout", o.WriteTimeout},
		{"ops.idle_timeout", o.IdleTimeout},
	} {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// IsLoopbackHost reports whether host only accepts local connections.
// An empty host binds every interface.
func IsLoopbackHost(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
