// Copyright 2026 fanjia1024
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadConfig_FromFile(t *testing.T) {
	dir := t.TempDir()
	yaml := `
api:
  port: 9000
  host: "127.0.0.1"
log:
  level: "debug"
scheduler:
  expire_interval: "5s"
`
	path := filepath.Join(dir, "test.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.API.Port != 9000 {
		t.Errorf("API.Port: got %d", cfg.API.Port)
	}
	if cfg.API.Host != "127.0.0.1" {
		t.Errorf("API.Host: got %q", cfg.API.Host)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level: got %q", cfg.Log.Level)
	}
	if cfg.ExpireInterval() != 5*time.Second {
		t.Errorf("ExpireInterval: got %v", cfg.ExpireInterval())
	}
	// 文件未覆盖的字段保持默认
	if cfg.Task.DefaultTimeoutSeconds != 3600 {
		t.Errorf("DefaultTimeoutSeconds: got %d", cfg.Task.DefaultTimeoutSeconds)
	}
}

func TestLoadConfig_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Approval.RequiredApprovals != 5 {
		t.Errorf("RequiredApprovals: got %d", cfg.Approval.RequiredApprovals)
	}
	if cfg.ApprovalWindow() != time.Hour {
		t.Errorf("ApprovalWindow: got %v", cfg.ApprovalWindow())
	}
	if cfg.HeartbeatGrace() != 120*time.Second {
		t.Errorf("HeartbeatGrace: got %v", cfg.HeartbeatGrace())
	}
	if cfg.StatusSyncInterval() != 10*time.Second {
		t.Errorf("StatusSyncInterval: got %v", cfg.StatusSyncInterval())
	}
}
