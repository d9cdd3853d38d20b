package storage

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/jkaninda/sitebox/internal/site"
)

// SiteMeta is the bootstrap schema written into every sandbox database. It
// lets a later open confirm which sandbox the database belongs to and which
// schema generation it carries.
type SiteMeta struct {
	ID            uint      `gorm:"primaryKey"`
	SandboxID     string    `gorm:"uniqueIndex;size:36"`
	SchemaVersion int       `gorm:"not null"`
	ProvisionedAt time.Time `gorm:"not null"`
}

const schemaVersion = 1

// Provisioner initializes a sandbox's actual database for whichever backend
// verification settled on.
type Provisioner struct {
	logger *slog.Logger
}

// NewProvisioner creates a Provisioner.
func NewProvisioner(logger *slog.Logger) *Provisioner {
	return &Provisioner{logger: logger}
}

// Provision sets up the sandbox's database. Embedded backends get a SQLite
// file inside the sandbox root; client-server backends get a dedicated
// database on the verified server. The sandbox record must already carry the
// backend that verification actually granted.
func (p *Provisioner) Provision(ctx context.Context, sb *site.Sandbox, creds Credentials) error {
	switch sb.StorageBackend {
	case site.BackendClientServer:
		return p.provisionServer(ctx, sb, creds)
	default:
		return p.provisionEmbedded(sb)
	}
}

// provisionEmbedded creates the sandbox's SQLite file with the same pragmas
// the rest of the system expects (WAL, foreign keys, bounded busy wait).
func (p *Provisioner) provisionEmbedded(sb *site.Sandbox) error {
	path := EmbeddedPath(sb.RootPath)
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return fmt.Errorf("creating database directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)", path)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:  logger.New(slogAdapter{p.logger}, logger.Config{LogLevel: logger.Warn}),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return fmt.Errorf("opening embedded database: %w", err)
	}
	defer closeGorm(db)

	if err := db.AutoMigrate(&SiteMeta{}); err != nil {
		return fmt.Errorf("migrating embedded database: %w", err)
	}
	if err := p.writeMeta(db, sb); err != nil {
		return err
	}

	p.logger.Info("embedded database provisioned",
		slog.String("sandbox_id", sb.ID.String()),
		slog.String("path", path),
	)
	return nil
}

// provisionServer creates the per-sandbox database on the verified server
// and bootstraps the schema inside it.
func (p *Provisioner) provisionServer(ctx context.Context, sb *site.Sandbox, creds Credentials) error {
	dbName := DatabaseName(sb.ID.String())

	admin, err := gorm.Open(postgres.Open(creds.DSN(5*time.Second)), &gorm.Config{
		Logger: logger.New(slogAdapter{p.logger}, logger.Config{LogLevel: logger.Warn}),
	})
	if err != nil {
		return fmt.Errorf("connecting to storage server: %w", err)
	}
	defer closeGorm(admin)

	var exists int64
	if err := admin.WithContext(ctx).
		Raw("SELECT count(*) FROM pg_database WHERE datname = ?", dbName).
		Scan(&exists).Error; err != nil {
		return fmt.Errorf("checking for database %s: %w", dbName, err)
	}
	if exists == 0 {
		// Identifier built from a uuid with hyphens stripped; not injectable.
		if err := admin.WithContext(ctx).Exec("CREATE DATABASE " + dbName).Error; err != nil {
			return fmt.Errorf("creating database %s: %w", dbName, err)
		}
	}

	siteCreds := creds
	siteCreds.Database = dbName
	db, err := gorm.Open(postgres.Open(siteCreds.DSN(5*time.Second)), &gorm.Config{
		Logger:  logger.New(slogAdapter{p.logger}, logger.Config{LogLevel: logger.Warn}),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return fmt.Errorf("connecting to database %s: %w", dbName, err)
	}
	defer closeGorm(db)

	if err := db.WithContext(ctx).AutoMigrate(&SiteMeta{}); err != nil {
		return fmt.Errorf("migrating database %s: %w", dbName, err)
	}
	if err := p.writeMeta(db, sb); err != nil {
		return err
	}

	p.logger.Info("client-server database provisioned",
		slog.String("sandbox_id", sb.ID.String()),
		slog.String("database", dbName),
	)
	return nil
}

func (p *Provisioner) writeMeta(db *gorm.DB, sb *site.Sandbox) error {
	meta := SiteMeta{
		SandboxID:     sb.ID.String(),
		SchemaVersion: schemaVersion,
		ProvisionedAt: time.Now().UTC(),
	}
	if err := db.Where(SiteMeta{SandboxID: meta.SandboxID}).FirstOrCreate(&meta).Error; err != nil {
		return fmt.Errorf("writing site metadata: %w", err)
	}
	return nil
}

// EmbeddedPath is where a sandbox's SQLite database lives inside its root.
func EmbeddedPath(rootPath string) string {
	return filepath.Join(rootPath, "database", "site.sqlite")
}

// DatabaseName derives the per-sandbox database identifier from its id.
func DatabaseName(sandboxID string) string {
	return "sitebox_" + strings.ReplaceAll(sandboxID, "-", "")
}

func closeGorm(db *gorm.DB) {
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}

// slogAdapter wraps *slog.Logger for GORM's logger.Writer interface.
type slogAdapter struct {
	logger *slog.Logger
}

func (s slogAdapter) Printf(format string, args ...any) {
	s.logger.Info(fmt.Sprintf(format, args...))
}
