// SPDX-FileCopyrightText: 2026 The Courier Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package node

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/courier-net/courier-go/custody"
	"github.com/courier-net/courier-go/receiver"
	"github.com/courier-net/courier-go/sender"
)

// Config is the YAML configuration of one Courier node.
type Config struct {
	Node     NodeConfig     `yaml:"node"`
	Logging  LogConfig      `yaml:"logging"`
	Transfer TransferConfig `yaml:"transfer"`
	FEC      FECConfig      `yaml:"fec"`
	Custody  CustodyConfig  `yaml:"custody"`
	Storage  StorageConfig  `yaml:"storage"`
}

// NodeConfig is the node identity block.
type NodeConfig struct {
	Port   int    `yaml:"port"`
	NodeID string `yaml:"node_id"`
}

// LogConfig is the logging block.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// TransferConfig is the transfer parameter block.
type TransferConfig struct {
	ChunkSize  int    `yaml:"chunk_size"`
	WindowSize uint32 `yaml:"window_size"`
	BaseRTOms  int    `yaml:"base_rto_ms"`
	MaxRTOms   int    `yaml:"max_rto_ms"`
	TTLSec     int    `yaml:"ttl_sec"`
	Compress   bool   `yaml:"compress"`
}

// FECConfig is the forward error correction block.
type FECConfig struct {
	Enabled bool `yaml:"enabled"`
	K       int  `yaml:"k"`
	R       int  `yaml:"r"`
}

// CustodyConfig is the custody block.
type CustodyConfig struct {
	MaxRetries     int    `yaml:"max_retries"`
	BackoffBaseSec int    `yaml:"backoff_base_sec"`
	BackoffCapSec  int    `yaml:"backoff_cap_sec"`
	ReleasePolicy  string `yaml:"release_policy"`
	NextHop        string `yaml:"next_hop"`
}

// StorageConfig is the storage block.
type StorageConfig struct {
	Dir       string `yaml:"dir"`
	OutputDir string `yaml:"output_dir"`
	CapBytes  uint64 `yaml:"cap_bytes"`
}

// DefaultConfig returns the documented defaults; the node id falls back
// to the hostname.
func DefaultConfig() Config {
	nodeID, err := os.Hostname()
	if err != nil || nodeID == "" {
		nodeID = "courier"
	}

	return Config{
		Node:    NodeConfig{Port: 5000, NodeID: nodeID},
		Logging: LogConfig{Level: "info", Format: "text"},
		Transfer: TransferConfig{
			ChunkSize:  1150,
			WindowSize: 64,
			BaseRTOms:  50,
			MaxRTOms:   5000,
			TTLSec:     300,
		},
		FEC: FECConfig{Enabled: false, K: 4, R: 2},
		Custody: CustodyConfig{
			MaxRetries:     10,
			BackoffBaseSec: 2,
			BackoffCapSec:  64,
			ReleasePolicy:  custody.ReleaseEager,
		},
		Storage: StorageConfig{Dir: "courier-store", OutputDir: "received"},
	}
}

// LoadConfig reads a YAML configuration file over the defaults. An empty
// path yields the plain defaults.
func LoadConfig(path string) (Config, error) {
	config := DefaultConfig()
	if path == "" {
		return config, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return config, err
	}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return config, err
	}
	return config, nil
}

// senderConfig maps the YAML blocks onto the Send Engine parameters.
func (c Config) senderConfig() sender.Config {
	return sender.Config{
		ChunkSize:  c.Transfer.ChunkSize,
		WindowSize: c.Transfer.WindowSize,
		BaseRTO:    time.Duration(c.Transfer.BaseRTOms) * time.Millisecond,
		MaxRTO:     time.Duration(c.Transfer.MaxRTOms) * time.Millisecond,
		TTL:        time.Duration(c.Transfer.TTLSec) * time.Second,
		Compress:   c.Transfer.Compress,
		CapBytes:   c.Storage.CapBytes,
	}
}

func (c Config) fecConfig() sender.FECConfig {
	return sender.FECConfig{Enabled: c.FEC.Enabled, K: c.FEC.K, R: c.FEC.R}
}

func (c Config) receiverConfig() receiver.Config {
	return receiver.Config{
		OutputDir: c.Storage.OutputDir,
		TTL:       time.Duration(c.Transfer.TTLSec) * time.Second,
	}
}

func (c Config) custodyConfig() custody.Config {
	return custody.Config{
		MaxRetries:    c.Custody.MaxRetries,
		BackoffBase:   time.Duration(c.Custody.BackoffBaseSec) * time.Second,
		BackoffCap:    time.Duration(c.Custody.BackoffCapSec) * time.Second,
		ReleasePolicy: c.Custody.ReleasePolicy,
		NextHop:       c.Custody.NextHop,
		CapBytes:      c.Storage.CapBytes,
	}
}
