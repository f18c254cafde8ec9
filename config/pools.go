package config

import "strings"

// PoolConfig is the on-disk shape of a pool definition, loaded through the
// same File/Rigel Config interface as any other application config (Design
// Notes §9: "pool configuration is a small record ... load at startup and
// on explicit refresh").
type PoolConfig struct {
	Name             string `json:"name"`
	WorkerType       string `json:"worker_type"`
	WorkerCores      int    `json:"worker_cores"`
	LocalSSD         bool   `json:"local_ssd"`
	PDSSDGB          int    `json:"pd_ssd_gb"`
	BootDiskGB       int    `json:"boot_disk_gb"`
	MaxInstances     int    `json:"max_instances"`
	MaxLiveInstances int    `json:"max_live_instances"`
	MaxAttempts      int    `json:"max_attempts"`
	StandingWorker   struct {
		Enabled bool `json:"enabled"`
		Cores   int  `json:"cores"`
	} `json:"standing_worker"`
}

// PoolsFile is the top-level document a pools.json config file holds: a
// named list rather than a bare array, so the same File.LoadConfig decode
// path used for every other config document in this package applies here
// unchanged.
type PoolsFile struct {
	Pools []PoolConfig `json:"pools"`
}

// Rigel coordinates of the pool document. The operator seeds the document
// under this (app, module, version, config) tuple before pointing the
// driver at etcd.
const (
	RigelApp           = "batchcore"
	RigelModule        = "driver"
	RigelSchemaVersion = 1
	PoolsConfigName    = "pools"
)

// NewPoolsSource picks where pool definitions come from: rigel/etcd when
// etcdEndpoints (comma-separated) is non-empty, the JSON file otherwise.
// Both sources implement Watch, so callers can observe pool changes
// regardless of the backing store.
func NewPoolsSource(etcdEndpoints, filePath string) (Config, error) {
	if etcdEndpoints != "" {
		return NewRigelSource(strings.Split(etcdEndpoints, ","), RigelApp, RigelModule, RigelSchemaVersion, PoolsConfigName)
	}
	return newFile(filePath)
}

// PoolsWatchKey is the key (or key prefix) Watch should observe for src.
func PoolsWatchKey(src Config) string {
	switch s := src.(type) {
	case *Rigel:
		return s.KeyPrefix()
	case *File:
		return s.ConfigFilePath
	}
	return ""
}

// LoadPoolsFromSource decodes the PoolsFile document from src.
func LoadPoolsFromSource(src Config) ([]PoolConfig, error) {
	var doc PoolsFile
	if err := Load(src, &doc); err != nil {
		return nil, err
	}
	return doc.Pools, nil
}

// LoadPools reads pool definitions from a JSON file via the same Config
// interface as LoadConfigFromFile. The Driver loads through NewPoolsSource
// instead so it can Watch the same source it loaded from.
func LoadPools(filePath string) ([]PoolConfig, error) {
	var doc PoolsFile
	if err := LoadConfigFromFile(filePath, &doc); err != nil {
		return nil, err
	}
	return doc.Pools, nil
}
