package app

import (
	"errors"

	"bulksend/internal/config"
	"bulksend/internal/history"
	"bulksend/internal/storage"
	logx "bulksend/pkg/logx"
)

// ErrStorageDisabled is returned to offline commands when the config has no
// storage section.
var ErrStorageDisabled = errors.New("storage is disabled in this config")

// OpenStore loads cfgPath and opens its storage without starting the service.
// The history config is returned so callers can prune with the configured
// retention.
func OpenStore(cfgPath string, log logx.Logger) (storage.Store, history.Config, error) {
	cfg, err := config.NewManager(cfgPath).Load()
	if err != nil {
		return nil, history.Config{}, err
	}
	if err := validate(cfg); err != nil {
		return nil, history.Config{}, err
	}
	sc, enabled, _ := mapStorageConfig(cfg)
	if !enabled {
		return nil, history.Config{}, ErrStorageDisabled
	}
	hc, _ := mapHistoryConfig(cfg)
	st, err := storage.Open(sc, log)
	if err != nil {
		return nil, history.Config{}, err
	}
	return st, hc, nil
}
