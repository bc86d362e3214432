package config

import (
	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// LoadAndWatch loads the configuration and re-decodes it whenever the config
// file changes on disk, invoking onChange with the fresh value. A change that
// fails validation is logged and dropped; the previous configuration stays in
// effect.
func LoadAndWatch(path string, onChange func(*Config)) (*Config, error) {
	v, err := newViper(path)
	if err != nil {
		return nil, err
	}
	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}
	if onChange != nil && v.ConfigFileUsed() != "" {
		v.OnConfigChange(func(e fsnotify.Event) {
			fresh, err := decode(v)
			if err != nil {
				zap.L().Warn("config reload rejected", zap.String("file", e.Name), zap.Error(err))
				return
			}
			zap.L().Info("config reloaded", zap.String("file", e.Name))
			onChange(fresh)
		})
		v.WatchConfig()
	}
	return cfg, nil
}
