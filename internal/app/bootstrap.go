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

package app

import (
	"context"
	"fmt"

	"ajc-platform/internal/archive"
	"ajc-platform/internal/store"
	"ajc-platform/pkg/config"
	"ajc-platform/pkg/errors"
	"ajc-platform/pkg/log"
)

// Bootstrap 统一初始化：供 api 复用，避免在 cmd 内写装配逻辑
type Bootstrap struct {
	Config   *config.Config
	Logger   *log.Logger
	Store    store.Store
	Archiver *archive.Dispatcher
}

// NewBootstrap 根据配置创建 Bootstrap（日志/存储/归档）
func NewBootstrap(ctx context.Context, cfg *config.Config) (*Bootstrap, error) {
	if cfg == nil {
		cfg = config.Default()
	}

	logger, err := log.NewLogger(&log.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		File:   cfg.Log.File,
	})
	if err != nil {
		return nil, errors.Wrap(err, "初始化日志失败")
	}

	st, err := newStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	archiver, err := newArchiver(ctx, cfg, logger)
	if err != nil {
		st.Close()
		return nil, err
	}

	return &Bootstrap{
		Config:   cfg,
		Logger:   logger,
		Store:    st,
		Archiver: archiver,
	}, nil
}

func newStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.Store.Type {
	case "", "memory":
		return store.NewMemory(), nil
	case "postgres":
		if cfg.Store.DSN == "" {
			return nil, fmt.Errorf("store.type=postgres 需要配置 store.dsn")
		}
		pg, err := store.NewPostgres(ctx, cfg.Store.DSN)
		if err != nil {
			return nil, errors.Wrap(err, "初始化 Postgres 存储失败")
		}
		return pg, nil
	default:
		return nil, fmt.Errorf("未知的存储类型: %s", cfg.Store.Type)
	}
}

func newArchiver(ctx context.Context, cfg *config.Config, logger *log.Logger) (*archive.Dispatcher, error) {
	var backend archive.Archiver
	switch cfg.Archive.Type {
	case "", "none":
		backend = archive.Noop{}
	case "git":
		git, err := archive.NewGitArchiver(cfg.Archive.ReposDir)
		if err != nil {
			return nil, errors.Wrap(err, "初始化 git 归档失败")
		}
		backend = git
	case "minio":
		obj, err := archive.NewObjectArchiver(ctx, archive.ObjectConfig{
			Endpoint:  cfg.Archive.Endpoint,
			Bucket:    cfg.Archive.Bucket,
			AccessKey: cfg.Archive.AccessKey,
			SecretKey: cfg.Archive.SecretKey,
			UseSSL:    cfg.Archive.UseSSL,
		})
		if err != nil {
			return nil, errors.Wrap(err, "初始化 minio 归档失败")
		}
		backend = obj
	default:
		return nil, fmt.Errorf("未知的归档类型: %s", cfg.Archive.Type)
	}

	return archive.NewDispatcher(backend, logger, cfg.Archive.QueueSize), nil
}

// Close 释放 Bootstrap 持有的资源
func (b *Bootstrap) Close() {
	if b.Store != nil {
		b.Store.Close()
	}
}
