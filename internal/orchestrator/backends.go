// Copyright 2025 The Orcheo Authors
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

package orchestrator

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"

	"github.com/orcheo/orcheo/internal/chat"
	"github.com/orcheo/orcheo/internal/checkpoint"
	"github.com/orcheo/orcheo/internal/config"
	"github.com/orcheo/orcheo/internal/history"
	"github.com/orcheo/orcheo/internal/repository"
	"github.com/orcheo/orcheo/internal/vault"
)

// Backends holds the storage layers selected by configuration. Each
// store is chosen independently, so a deployment can mix memory,
// SQLite, and Postgres.
type Backends struct {
	Repository *repository.Repository
	History    history.Store
	Vault      *vault.Vault
	Chat       *chat.Service
	Checkpoint *checkpoint.Service

	closers []func() error
}

// OpenBackends builds every store from the configuration.
func OpenBackends(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Backends, error) {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Backends{}

	repoStore, err := openRepositoryStore(ctx, cfg.Repository)
	if err != nil {
		b.Close()
		return nil, fmt.Errorf("opening repository store: %w", err)
	}
	b.Repository = repository.New(repoStore, logger)
	b.closers = append(b.closers, b.Repository.Close)

	histStore, err := openHistoryStore(ctx, cfg.History)
	if err != nil {
		b.Close()
		return nil, fmt.Errorf("opening history store: %w", err)
	}
	b.History = histStore
	b.closers = append(b.closers, histStore.Close)

	vaultStore, cipher, err := openVaultStore(ctx, cfg.Vault)
	if err != nil {
		b.Close()
		return nil, fmt.Errorf("opening vault store: %w", err)
	}
	b.Vault = vault.New(vaultStore, cipher, logger)
	b.closers = append(b.closers, vaultStore.Close)

	chatStore, err := openChatStore(ctx, cfg.Chat.StoreConfig)
	if err != nil {
		b.Close()
		return nil, fmt.Errorf("opening chat store: %w", err)
	}
	b.Chat = chat.NewService(chatStore, logger)
	b.closers = append(b.closers, b.Chat.Close)

	ckptStore, err := openCheckpointStore(ctx, cfg.Checkpoint)
	if err != nil {
		b.Close()
		return nil, fmt.Errorf("opening checkpoint store: %w", err)
	}
	b.Checkpoint = checkpoint.NewService(ckptStore)
	b.closers = append(b.closers, b.Checkpoint.Close)

	return b, nil
}

// Close releases every opened store, last-opened first.
func (b *Backends) Close() error {
	var firstErr error
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func openRepositoryStore(ctx context.Context, sc config.StoreConfig) (repository.Store, error) {
	switch sc.Backend {
	case config.BackendMemory:
		return repository.NewMemoryStore(), nil
	case config.BackendSQLite:
		return repository.NewSQLiteStore(sc.SQLitePath)
	case config.BackendPostgres:
		return repository.NewPostgresStore(ctx, repository.PostgresPoolConfig{
			DSN:             sc.Postgres.DSN,
			MinConns:        sc.Postgres.MinConns,
			MaxConns:        sc.Postgres.MaxConns,
			AcquireTimeout:  sc.Postgres.AcquireTimeout,
			MaxConnIdleTime: sc.Postgres.MaxConnIdleTime,
		})
	default:
		return nil, fmt.Errorf("unknown backend %q", sc.Backend)
	}
}

func openHistoryStore(ctx context.Context, sc config.StoreConfig) (history.Store, error) {
	switch sc.Backend {
	case config.BackendMemory:
		return history.NewMemoryStore(), nil
	case config.BackendSQLite:
		return history.NewSQLiteStore(sc.SQLitePath)
	case config.BackendPostgres:
		return history.NewPostgresStore(ctx, history.PostgresPoolConfig{
			DSN:             sc.Postgres.DSN,
			MinConns:        sc.Postgres.MinConns,
			MaxConns:        sc.Postgres.MaxConns,
			AcquireTimeout:  sc.Postgres.AcquireTimeout,
			MaxConnIdleTime: sc.Postgres.MaxConnIdleTime,
		})
	default:
		return nil, fmt.Errorf("unknown backend %q", sc.Backend)
	}
}

func openVaultStore(ctx context.Context, vc config.VaultConfig) (vault.Store, vault.Cipher, error) {
	cipher, err := openCipher(vc)
	if err != nil {
		return nil, nil, err
	}
	switch vc.Backend {
	case config.BackendMemory:
		return vault.NewMemoryStore(), cipher, nil
	case config.BackendSQLite:
		store, err := vault.NewSQLiteStore(vc.SQLitePath)
		return store, cipher, err
	case config.BackendPostgres:
		store, err := vault.NewPostgresStore(ctx, vault.PostgresPoolConfig{
			DSN:             vc.Postgres.DSN,
			MinConns:        vc.Postgres.MinConns,
			MaxConns:        vc.Postgres.MaxConns,
			AcquireTimeout:  vc.Postgres.AcquireTimeout,
			MaxConnIdleTime: vc.Postgres.MaxConnIdleTime,
		})
		return store, cipher, err
	default:
		return nil, nil, fmt.Errorf("unknown backend %q", vc.Backend)
	}
}

// openCipher builds the vault cipher. A memory vault without a
// configured key gets an ephemeral one; secrets then live only as long
// as the process, which matches the backend.
func openCipher(vc config.VaultConfig) (vault.Cipher, error) {
	if vc.EncryptionKey == "" && vc.Backend == config.BackendMemory {
		key := make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("generating ephemeral vault key: %w", err)
		}
		return vault.NewAESGCM(key)
	}
	return vault.NewCipherFromConfig(vc.EncryptionKey)
}

func openChatStore(ctx context.Context, sc config.StoreConfig) (chat.Store, error) {
	switch sc.Backend {
	case config.BackendMemory:
		return chat.NewMemoryStore(), nil
	case config.BackendSQLite:
		return chat.NewSQLiteStore(sc.SQLitePath)
	case config.BackendPostgres:
		return chat.NewPostgresStore(ctx, chat.PostgresPoolConfig{
			DSN:             sc.Postgres.DSN,
			MinConns:        sc.Postgres.MinConns,
			MaxConns:        sc.Postgres.MaxConns,
			AcquireTimeout:  sc.Postgres.AcquireTimeout,
			MaxConnIdleTime: sc.Postgres.MaxConnIdleTime,
		})
	default:
		return nil, fmt.Errorf("unknown backend %q", sc.Backend)
	}
}

func openCheckpointStore(ctx context.Context, sc config.StoreConfig) (checkpoint.Store, error) {
	switch sc.Backend {
	case config.BackendMemory:
		return checkpoint.NewMemoryStore(), nil
	case config.BackendSQLite:
		return checkpoint.NewSQLiteStore(sc.SQLitePath)
	case config.BackendPostgres:
		return checkpoint.NewPostgresStore(ctx, checkpoint.PostgresPoolConfig{
			DSN:             sc.Postgres.DSN,
			MinConns:        sc.Postgres.MinConns,
			MaxConns:        sc.Postgres.MaxConns,
			AcquireTimeout:  sc.Postgres.AcquireTimeout,
			MaxConnIdleTime: sc.Postgres.MaxConnIdleTime,
		})
	default:
		return nil, fmt.Errorf("unknown backend %q", sc.Backend)
	}
}
