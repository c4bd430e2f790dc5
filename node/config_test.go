// SPDX-FileCopyrightText: 2026 The Courier Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package node

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()

	if config.Node.Port != 5000 {
		t.Fatalf("default port is %d", config.Node.Port)
	}
	if config.Transfer.ChunkSize != 1150 || config.Transfer.WindowSize != 64 {
		t.Fatal("transfer defaults broken")
	}
	if config.Transfer.BaseRTOms != 50 || config.Transfer.MaxRTOms != 5000 || config.Transfer.TTLSec != 300 {
		t.Fatal("timer defaults broken")
	}
	if config.FEC.Enabled || config.FEC.K != 4 || config.FEC.R != 2 {
		t.Fatal("fec defaults broken")
	}
	if config.Custody.MaxRetries != 10 || config.Custody.BackoffBaseSec != 2 ||
		config.Custody.BackoffCapSec != 64 || config.Custody.ReleasePolicy != "eager" {
		t.Fatal("custody defaults broken")
	}
	if config.Node.NodeID == "" {
		t.Fatal("node id must default to the hostname")
	}
}

func TestLoadConfig(t *testing.T) {
	yaml := `
node:
  port: 6001
  node_id: relay-b
transfer:
  chunk_size: 512
  window_size: 32
  ttl_sec: 60
fec:
  enabled: true
  k: 8
  r: 3
custody:
  release_policy: deferred
  next_hop: "127.0.0.1:6002"
storage:
  dir: /tmp/courier-b
  cap_bytes: 1048576
`
	path := filepath.Join(t.TempDir(), "courier.yml")
	if err := os.WriteFile(path, []byte(yaml), 0600); err != nil {
		t.Fatal(err)
	}

	config, err := LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}

	if config.Node.Port != 6001 || config.Node.NodeID != "relay-b" {
		t.Fatal("node block not applied")
	}
	if config.Transfer.ChunkSize != 512 || config.Transfer.WindowSize != 32 || config.Transfer.TTLSec != 60 {
		t.Fatal("transfer block not applied")
	}
	// untouched keys keep their defaults
	if config.Transfer.BaseRTOms != 50 {
		t.Fatal("unset keys must keep defaults")
	}
	if !config.FEC.Enabled || config.FEC.K != 8 || config.FEC.R != 3 {
		t.Fatal("fec block not applied")
	}
	if config.Custody.ReleasePolicy != "deferred" || config.Custody.NextHop != "127.0.0.1:6002" {
		t.Fatal("custody block not applied")
	}
	if config.Storage.CapBytes != 1048576 {
		t.Fatal("storage block not applied")
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yml")); err == nil {
		t.Fatal("expected error for a missing file")
	}

	config, err := LoadConfig("")
	if err != nil {
		t.Fatal(err)
	}
	if config.Node.Port != 5000 {
		t.Fatal("empty path must yield defaults")
	}
}
