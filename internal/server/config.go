package server

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"

	"gopkg.in/yaml.v3"
)

// gemstashConfig mirrors the keys gemstash reads from config.yml. Gemstash
// expects symbol keys, which YAML spells with a leading colon.
type gemstashConfig struct {
	BasePath       string `yaml:":base_path"`
	Bind           string `yaml:":bind,omitempty"`
	ProtectedFetch bool   `yaml:":protected_fetch"`
}

// EnsureConfig writes config.yml if it does not exist yet and returns its
// path. An existing file is left untouched.
func (s *Supervisor) EnsureConfig() (string, error) {
	path := s.ConfigPath()

	if _, err := os.Stat(path); err == nil {
		return path, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("checking %s: %w", path, err)
	}

	cfg := gemstashConfig{BasePath: s.opts.WorkDir}
	if _, port, err := net.SplitHostPort(s.opts.Addr); err == nil {
		cfg.Bind = "tcp://0.0.0.0:" + port
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("encoding gemstash config: %w", err)
	}

	if err := os.MkdirAll(s.opts.AppDir, 0o755); err != nil {
		return "", fmt.Errorf("creating app dir: %w", err)
	}

	if err := os.WriteFile(path, append([]byte("---\n"), data...), 0o644); err != nil {
		return "", fmt.Errorf("writing %s: %w", path, err)
	}

	s.opts.Logger.Info("wrote gemstash config", slog.String("path", path))

	return path, nil
}
