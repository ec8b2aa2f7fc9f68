package db

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/golang-migrate/migrate/v4"
	sqlitemigrate "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	log "github.com/sirupsen/logrus"

	"github.com/covault/covaultd/internal/core/domain"
	"github.com/covault/covaultd/internal/core/ports"
	sqlitedb "github.com/covault/covaultd/internal/infrastructure/db/sqlite"
)

//go:embed sqlite/migration/*
var migrations embed.FS

const sqliteDbFile = "covault.db"

type ServiceConfig struct {
	DbType string
	DbDir  string
}

type repositories struct {
	wallets      domain.WalletRepository
	addresses    domain.AddressRepository
	transactions domain.TransactionRepository
	platformKeys domain.PlatformKeyRepository
	chainInfo    domain.ChainInfoRepository
}

type service struct {
	repositories
	db   *sql.DB
	inTx bool
}

// NewService opens the ledger database, applies pending migrations and
// returns the repository manager.
func NewService(config ServiceConfig) (ports.RepoManager, error) {
	if config.DbType != "sqlite" {
		return nil, fmt.Errorf("unsupported db type %s, only sqlite is supported", config.DbType)
	}

	dbFile := filepath.Join(config.DbDir, sqliteDbFile)
	db, err := sqlitedb.OpenDb(dbFile)
	if err != nil {
		return nil, err
	}

	driver, err := sqlitemigrate.WithInstance(db, &sqlitemigrate.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to init migration driver: %w", err)
	}
	source, err := iofs.New(migrations, "sqlite/migration")
	if err != nil {
		return nil, fmt.Errorf("failed to load migrations: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "covaultdb", driver)
	if err != nil {
		return nil, fmt.Errorf("failed to init migrations: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	repos, err := buildRepositories(db)
	if err != nil {
		return nil, err
	}

	log.Debugf("opened ledger database at %s", dbFile)
	return &service{repositories: *repos, db: db}, nil
}

func buildRepositories(q interface{}) (*repositories, error) {
	wallets, err := sqlitedb.NewWalletRepository(q)
	if err != nil {
		return nil, err
	}
	addresses, err := sqlitedb.NewAddressRepository(q)
	if err != nil {
		return nil, err
	}
	transactions, err := sqlitedb.NewTransactionRepository(q)
	if err != nil {
		return nil, err
	}
	platformKeys, err := sqlitedb.NewPlatformKeyRepository(q)
	if err != nil {
		return nil, err
	}
	chainInfo, err := sqlitedb.NewChainInfoRepository(q)
	if err != nil {
		return nil, err
	}
	return &repositories{
		wallets:      wallets,
		addresses:    addresses,
		transactions: transactions,
		platformKeys: platformKeys,
		chainInfo:    chainInfo,
	}, nil
}

func (s *service) Wallets() domain.WalletRepository           { return s.wallets }
func (s *service) Addresses() domain.AddressRepository        { return s.addresses }
func (s *service) Transactions() domain.TransactionRepository { return s.transactions }
func (s *service) PlatformKeys() domain.PlatformKeyRepository { return s.platformKeys }
func (s *service) ChainInfo() domain.ChainInfoRepository      { return s.chainInfo }

func (s *service) Transaction(ctx context.Context, fn func(ports.RepoManager) error) error {
	if s.inTx {
		return fmt.Errorf("nested transactions are not supported")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	repos, err := buildRepositories(tx)
	if err != nil {
		// nolint:errcheck
		tx.Rollback()
		return err
	}

	if err := fn(&service{repositories: *repos, inTx: true}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			log.WithError(rbErr).Error("failed to rollback transaction")
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *service) Close() {
	if s.inTx {
		return
	}
	s.wallets.Close()
	s.addresses.Close()
	s.transactions.Close()
	s.platformKeys.Close()
	s.chainInfo.Close()
	if err := s.db.Close(); err != nil {
		log.WithError(err).Error("failed to close database")
	}
}
