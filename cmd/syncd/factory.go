package main

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/hyperengineering/syncd/internal/buffer"
	"github.com/hyperengineering/syncd/internal/config"
	"github.com/hyperengineering/syncd/internal/flush"
	"github.com/hyperengineering/syncd/internal/gateway"
	"github.com/hyperengineering/syncd/internal/rules"
)

// syncdFactory builds per-gateway config and sinks for gatewaypool.Pool,
// sharing one backing-store adapter pair (DB + lake) across every gateway
// and loading each gateway's sync-rules from its own file under
// Gateways.RulesPath.
type syncdFactory struct {
	cfg       *config.Config
	db        flush.DatabaseAdapter // nil if Storage.Backend is "none"
	lake      flush.LakeAdapter
	rulesPath string
}

func newSyncdFactory(cfg *config.Config, db flush.DatabaseAdapter, lake flush.LakeAdapter) *syncdFactory {
	return &syncdFactory{cfg: cfg, db: db, lake: lake, rulesPath: cfg.Gateways.RulesPath}
}

func (f *syncdFactory) BuildConfig(gatewayID string) gateway.Config {
	return gateway.Config{
		ID: gatewayID,
		Buffer: buffer.Config{
			MaxBufferBytes: f.cfg.Buffer.MaxBufferBytes,
			MaxBufferAgeMs: f.cfg.Buffer.MaxBufferAgeMs,
			MaxDriftMs:     f.cfg.Buffer.MaxDriftMs,
		},
		Rules: f.loadRules(gatewayID),
	}
}

// BuildQuota returns nil: this deployment has no control-plane quota
// service wired in. A QuotaChecker implementation can be plugged in here
// without touching gatewaypool or gateway.
func (f *syncdFactory) BuildQuota(gatewayID string) gateway.QuotaChecker {
	return nil
}

func (f *syncdFactory) BuildSink(gatewayID string) flush.Sink {
	return flush.Sink{DB: f.db, Lake: f.lake}
}

// loadRules reads config/rules/<gatewayID>.yaml if present; a missing
// file means no claim-based filtering (every delta passes).
func (f *syncdFactory) loadRules(gatewayID string) rules.Config {
	if f.rulesPath == "" {
		return rules.Config{}
	}
	path := filepath.Join(f.rulesPath, gatewayID+".yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		return rules.Config{}
	}
	var rc rules.Config
	if err := yaml.Unmarshal(data, &rc); err != nil {
		fmt.Fprintf(os.Stderr, "syncd: invalid sync rules for gateway %s at %s: %v\n", gatewayID, path, err)
		return rules.Config{}
	}
	return rc
}
