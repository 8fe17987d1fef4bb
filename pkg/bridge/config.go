// Copyright 2024-2026 Aiku AI

package bridge

import (
	_ "embed"
	"fmt"
	"text/template"

	up "go.mau.fi/util/configupgrade"
	"go.mau.fi/zeroconfig"
	"gopkg.in/yaml.v3"
)

//go:embed example-config.yaml
var ExampleConfig string

// HomeserverConfig identifies the homeserver the bridge serves.
type HomeserverConfig struct {
	Address string `yaml:"address"`
	Domain  string `yaml:"domain"`
}

// AppserviceConfig holds the registration details shared with the
// homeserver.
type AppserviceConfig struct {
	ID          string `yaml:"id"`
	Address     string `yaml:"address"`
	Hostname    string `yaml:"hostname"`
	Port        uint16 `yaml:"port"`
	BotUsername string `yaml:"bot_username"`
	ASToken     string `yaml:"as_token"`
	HSToken     string `yaml:"hs_token"`
}

// BridgeConfig holds the bridge's own behavior settings.
type BridgeConfig struct {
	UsernamePrefix      string `yaml:"username_prefix"`
	AliasPrefix         string `yaml:"alias_prefix"`
	DisplaynameTemplate string `yaml:"displayname_template"`
	StorePath           string `yaml:"store_path"`
	ReconnectMaxBackoff int    `yaml:"reconnect_max_backoff"`
}

// Config is the top-level bridge configuration.
type Config struct {
	Homeserver HomeserverConfig  `yaml:"homeserver"`
	Appservice AppserviceConfig  `yaml:"appservice"`
	Bridge     BridgeConfig      `yaml:"bridge"`
	Logging    zeroconfig.Config `yaml:"logging"`

	displaynameTemplate *template.Template `yaml:"-"`
}

// DisplaynameParams holds the parameters for rendering the displayname
// template.
type DisplaynameParams struct {
	Name string
	ID   string
}

func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	type rawConfig Config
	return node.Decode((*rawConfig)(c))
}

func (c *Config) PostProcess() error {
	var err error
	c.displaynameTemplate, err = template.New("displayname").Parse(c.Bridge.DisplaynameTemplate)
	return err
}

// Namespace builds the id codec from the configured prefixes.
func (c *Config) Namespace() Namespace {
	return Namespace{
		Domain:       c.Homeserver.Domain,
		UserPrefix:   c.Bridge.UsernamePrefix,
		AliasPrefix:  c.Bridge.AliasPrefix,
		BotLocalpart: c.Appservice.BotUsername,
	}
}

func upgradeConfig(helper up.Helper) {
	helper.Copy(up.Str, "homeserver", "address")
	helper.Copy(up.Str, "homeserver", "domain")
	helper.Copy(up.Str, "appservice", "id")
	helper.Copy(up.Str, "appservice", "address")
	helper.Copy(up.Str, "appservice", "hostname")
	helper.Copy(up.Int, "appservice", "port")
	helper.Copy(up.Str, "appservice", "bot_username")
	helper.Copy(up.Str, "appservice", "as_token")
	helper.Copy(up.Str, "appservice", "hs_token")
	helper.Copy(up.Str, "bridge", "username_prefix")
	helper.Copy(up.Str, "bridge", "alias_prefix")
	helper.Copy(up.Str, "bridge", "displayname_template")
	helper.Copy(up.Str, "bridge", "store_path")
	helper.Copy(up.Int, "bridge", "reconnect_max_backoff")
	helper.Copy(up.Map, "logging")
}

// ConfigUpgrader fills in missing keys from the example config.
var ConfigUpgrader = &up.StructUpgrader{
	SimpleUpgrader: up.SimpleUpgrader(upgradeConfig),
	Blocks:         nil,
	Base:           ExampleConfig,
}

// LoadConfig reads, upgrades and parses the config file at path.
func LoadConfig(path string) (*Config, error) {
	data, _, err := up.Do(path, true, ConfigUpgrader)
	if err != nil {
		return nil, fmt.Errorf("failed to upgrade config: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig parses raw config YAML.
func ParseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.PostProcess(); err != nil {
		return nil, fmt.Errorf("failed to post-process config: %w", err)
	}
	return &cfg, nil
}

// FormatDisplayname generates a puppet display name from the template
// and params.
func (c *Config) FormatDisplayname(params DisplaynameParams) string {
	if c.displaynameTemplate == nil {
		return params.Name
	}
	var buf []byte
	err := c.displaynameTemplate.Execute((*templateBuffer)(&buf), params)
	if err != nil {
		return params.Name
	}
	return string(buf)
}

// templateBuffer is a simple io.Writer that appends to a byte slice.
type templateBuffer []byte

func (b *templateBuffer) Write(p []byte) (int, error) {
	*b = append(*b, p...)
	return len(p), nil
}
