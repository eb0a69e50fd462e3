package database

import (
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"moff.io/wallet-gateway/internal/config"
	"moff.io/wallet-gateway/pkg/errors"
	"moff.io/wallet-gateway/pkg/log"
)

// OpenPostgres connects to postgres and migrates the session table.
func OpenPostgres(conf *config.DBCredential) (*SessionStore, error) {
	db, err := open(postgres.Open(conf.Dsn()))
	if err != nil {
		return nil, err
	}
	log.Info("Connected to session postgres...")
	return migrate(db)
}

// OpenSQLite opens a file backed (or ":memory:") sqlite database. sqlite
// allows a single writer, so the pool is capped at one connection.
func OpenSQLite(path string) (*SessionStore, error) {
	if path == "" {
		path = ":memory:"
	}
	db, err := open(sqlite.Open(path))
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, errors.Wrap(err, "get sqlite conn")
	}
	sqlDB.SetMaxOpenConns(1)
	log.Infof("Opened session sqlite %v...", path)
	return migrate(db)
}

func open(dialector gorm.Dialector) (*gorm.DB, error) {
	cli, err := gorm.Open(dialector, &gorm.Config{
		Logger:                 logger.Default.LogMode(logger.Error),
		SkipDefaultTransaction: true,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "connect to %v", dialector.Name())
	}
	db, err := cli.DB()
	if err != nil {
		return nil, errors.Wrapf(err, "get %v conn", dialector.Name())
	}
	if err := db.Ping(); err != nil {
		return nil, errors.Wrapf(err, "ping to %v", dialector.Name())
	}
	return cli, nil
}

func migrate(db *gorm.DB) (*SessionStore, error) {
	if err := db.AutoMigrate(&SessionRecord{}); err != nil {
		return nil, errors.Wrap(err, "autoMigrate tables")
	}
	return NewSessionStore(db), nil
}
