package cfg

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/pelletier/go-toml"
)

const (
	DefGithubWebhookEndpoint = "/listener/github"
	DefLogFormat             = "logfmt"
	DefLogTimeKey            = "time_iso8601"
	DefLogLevel              = "info"

	DefOneBotProtocol     = ProtocolWebsocket
	DefSendTimeout        = 10 * time.Second
	DefRetryInitialDelay  = 500 * time.Millisecond
	DefReconnectMaxDelay  = time.Minute
	defMaxParallelSending = 8
)

const (
	ProtocolWebsocket = "ws"
	ProtocolHTTP      = "http"
)

type Config struct {
	HTTPListenAddr            string  `toml:"http_server_listen_addr"`
	HTTPSListenAddr           string  `toml:"https_server_listen_addr"`
	HTTPSCertFile             string  `toml:"https_ssl_cert_file"`
	HTTPSKeyFile              string  `toml:"https_ssl_key_file"`
	HTTPGithubWebhookEndpoint string  `toml:"github_webhook_endpoint"`
	LogFormat                 string  `toml:"log_format"`
	LogTimeKey                string  `toml:"log_time_key"`
	LogLevel                  string  `toml:"log_level"`
	OneBot                    OneBot  `toml:"onebot"`
	Rules                     []*Rule `toml:"rule"`
}

// OneBot configures the connection to the OneBot implementation.
// Durations are strings in the format accepted by time.ParseDuration.
type OneBot struct {
	URL                  string `toml:"url"`
	Protocol             string `toml:"protocol"`
	AccessToken          string `toml:"access_token"`
	AccessTokenMode      string `toml:"access_token_mode"`
	SendTimeout          string `toml:"send_timeout"`
	MaxRetries           int    `toml:"max_retries" default:"2"`
	RetryInitialInterval string `toml:"retry_initial_interval"`
	ReconnectMaxInterval string `toml:"reconnect_max_interval"`
	MaxParallelSending   uint   `toml:"max_parallel_sending"`
}

type Rule struct {
	Name         string    `toml:"name"`
	Repositories []string  `toml:"repositories"`
	Branches     []string  `toml:"branches"`
	Secret       string    `toml:"secret"`
	Events       []string  `toml:"events"`
	FilterQuery  string    `toml:"filter_query"`
	Targets      []*Target `toml:"target"`
}

type Target struct {
	Type string `toml:"type"`
	ID   int64  `toml:"id"`
}

// Load reads a TOML configuration, sets defaults for unset values and
// validates it.
func Load(reader io.Reader) (*Config, error) {
	var result Config

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, err
	}

	if err := toml.Unmarshal(data, &result); err != nil {
		return nil, err
	}

	result.SetDefaults()

	if err := result.Validate(); err != nil {
		return nil, err
	}

	return &result, nil
}

// SetDefaults sets default values for all unset optional settings.
func (c *Config) SetDefaults() {
	if c.HTTPGithubWebhookEndpoint == "" {
		c.HTTPGithubWebhookEndpoint = DefGithubWebhookEndpoint
	}

	if c.LogFormat == "" {
		c.LogFormat = DefLogFormat
	}

	if c.LogTimeKey == "" {
		c.LogTimeKey = DefLogTimeKey
	}

	if c.LogLevel == "" {
		c.LogLevel = DefLogLevel
	}

	ob := &c.OneBot

	if ob.Protocol == "" {
		ob.Protocol = DefOneBotProtocol
	}

	if ob.AccessTokenMode == "" {
		ob.AccessTokenMode = "header"
	}

	if ob.SendTimeout == "" {
		ob.SendTimeout = DefSendTimeout.String()
	}

	if ob.RetryInitialInterval == "" {
		ob.RetryInitialInterval = DefRetryInitialDelay.String()
	}

	if ob.ReconnectMaxInterval == "" {
		ob.ReconnectMaxInterval = DefReconnectMaxDelay.String()
	}

	if ob.MaxParallelSending == 0 {
		ob.MaxParallelSending = defMaxParallelSending
	}
}

// Validate returns an error if the configuration is invalid.
// It must be called after SetDefaults.
func (c *Config) Validate() error {
	var errs []error

	if c.HTTPListenAddr == "" && c.HTTPSListenAddr == "" {
		errs = append(errs, errors.New("https_server_listen_addr or http_server_listen_addr must be defined, both are unset"))
	}

	if c.HTTPSListenAddr != "" && (c.HTTPSCertFile == "" || c.HTTPSKeyFile == "") {
		errs = append(errs, errors.New("https_ssl_cert_file and https_ssl_key_file must be set when https_server_listen_addr is defined"))
	}

	if !strings.HasPrefix(c.HTTPGithubWebhookEndpoint, "/") {
		errs = append(errs, fmt.Errorf("github_webhook_endpoint: %q must start with a /", c.HTTPGithubWebhookEndpoint))
	}

	switch c.LogFormat {
	case "logfmt", "console", "json":
	default:
		errs = append(errs, fmt.Errorf("log_format: unsupported value %q, expecting logfmt, console or json", c.LogFormat))
	}

	if err := c.OneBot.validate(); err != nil {
		errs = append(errs, fmt.Errorf("onebot: %w", err))
	}

	if len(c.Rules) == 0 {
		errs = append(errs, errors.New("no rule is defined"))
	}

	names := make(map[string]struct{}, len(c.Rules))
	for i, r := range c.Rules {
		if err := r.validate(); err != nil {
			errs = append(errs, fmt.Errorf("rule %d: %w", i+1, err))
		}

		if _, exist := names[r.Name]; exist && r.Name != "" {
			errs = append(errs, fmt.Errorf("rule %d: name %q is not unique", i+1, r.Name))
		}
		names[r.Name] = struct{}{}
	}

	return errors.Join(errs...)
}

func (o *OneBot) validate() error {
	var errs []error

	u, err := url.Parse(o.URL)
	switch {
	case o.URL == "":
		errs = append(errs, errors.New("url is unset"))

	case err != nil:
		errs = append(errs, fmt.Errorf("url: %w", err))

	case o.Protocol == ProtocolWebsocket && u.Scheme != "ws" && u.Scheme != "wss":
		errs = append(errs, fmt.Errorf("url: must start with ws:// or wss:// when protocol is %q", o.Protocol))

	case o.Protocol == ProtocolHTTP && u.Scheme != "http" && u.Scheme != "https":
		errs = append(errs, fmt.Errorf("url: must start with http:// or https:// when protocol is %q", o.Protocol))
	}

	if o.Protocol != ProtocolWebsocket && o.Protocol != ProtocolHTTP {
		errs = append(errs, fmt.Errorf("protocol: unsupported value %q, expecting ws or http", o.Protocol))
	}

	if o.MaxRetries < 0 {
		errs = append(errs, errors.New("max_retries: must not be negative"))
	}

	switch strings.ToLower(o.AccessTokenMode) {
	case "header", "query":
	default:
		errs = append(errs, fmt.Errorf("access_token_mode: unsupported value %q, expecting header or query", o.AccessTokenMode))
	}

	for key, val := range map[string]string{
		"send_timeout":           o.SendTimeout,
		"retry_initial_interval": o.RetryInitialInterval,
		"reconnect_max_interval": o.ReconnectMaxInterval,
	} {
		d, err := time.ParseDuration(val)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
			continue
		}

		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s: must be positive", key))
		}
	}

	return errors.Join(errs...)
}

func (r *Rule) validate() error {
	var errs []error

	if r.Name == "" {
		errs = append(errs, errors.New("name is unset"))
	}

	if len(r.Repositories) == 0 {
		errs = append(errs, errors.New("repositories is empty"))
	}

	for _, p := range append(append([]string{}, r.Repositories...), r.Branches...) {
		if p == "" {
			errs = append(errs, errors.New("repositories and branches must not contain empty patterns"))
			break
		}
	}

	if len(r.Events) == 0 {
		errs = append(errs, errors.New("events is empty"))
	}

	if len(r.Targets) == 0 {
		errs = append(errs, errors.New("no target is defined"))
	}

	for i, t := range r.Targets {
		switch strings.ToLower(t.Type) {
		case "group", "private":
		default:
			errs = append(errs, fmt.Errorf("target %d: type: unsupported value %q, expecting group or private", i+1, t.Type))
		}

		if t.ID <= 0 {
			errs = append(errs, fmt.Errorf("target %d: id must be a positive number", i+1))
		}
	}

	if len(errs) == 0 {
		return nil
	}

	return fmt.Errorf("%s: %w", r.Name, errors.Join(errs...))
}

// SendTimeoutDuration returns the parsed send_timeout setting.
func (o *OneBot) SendTimeoutDuration() time.Duration {
	return parseDurationOr(o.SendTimeout, DefSendTimeout)
}

func (o *OneBot) RetryInitialIntervalDuration() time.Duration {
	return parseDurationOr(o.RetryInitialInterval, DefRetryInitialDelay)
}

func (o *OneBot) ReconnectMaxIntervalDuration() time.Duration {
	return parseDurationOr(o.ReconnectMaxInterval, DefReconnectMaxDelay)
}

// parseDurationOr parses s, def is returned if parsing fails.
func parseDurationOr(s string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}

	return d
}

func (c *Config) Marshal(writer io.Writer) error {
	return toml.NewEncoder(writer).Encode(c)
}
