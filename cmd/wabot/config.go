package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// fileConfig mirrors the optional TOML config file. Every field the flags
// cover can also live here; flags win when both are set.
type fileConfig struct {
	Project        string `toml:"project"`
	SecretName     string `toml:"secret_name"`
	Phone          string `toml:"phone"`
	Listen         string `toml:"listen"`
	Debounce       string `toml:"debounce"`
	ReconnectDelay string `toml:"reconnect_delay"`
	Command        string `toml:"command"`
	Reply          string `toml:"reply"`
}

// mergeConfigFile fills unset options from the TOML file at path. Only keys
// actually present in the file are applied.
func mergeConfigFile(path string, o *options) error {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return fmt.Errorf("load config %s: %w", path, err)
	}

	if o.Project == "" && meta.IsDefined("project") {
		o.Project = strings.TrimSpace(raw.Project)
	}
	if o.SecretName == "" && meta.IsDefined("secret_name") {
		o.SecretName = strings.TrimSpace(raw.SecretName)
	}
	if o.Phone == "" && meta.IsDefined("phone") {
		o.Phone = strings.TrimSpace(raw.Phone)
	}
	if o.Listen == "" && meta.IsDefined("listen") {
		o.Listen = strings.TrimSpace(raw.Listen)
	}
	if o.Command == "" && meta.IsDefined("command") {
		o.Command = raw.Command
	}
	if o.Reply == "" && meta.IsDefined("reply") {
		o.Reply = raw.Reply
	}

	if o.Debounce == 0 && meta.IsDefined("debounce") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.Debounce))
		if err != nil {
			return fmt.Errorf("parse debounce: %w", err)
		}
		o.Debounce = d
	}
	if o.ReconnectDelay == 0 && meta.IsDefined("reconnect_delay") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.ReconnectDelay))
		if err != nil {
			return fmt.Errorf("parse reconnect_delay: %w", err)
		}
		o.ReconnectDelay = d
	}
	return nil
}
