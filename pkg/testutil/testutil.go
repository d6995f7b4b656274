package testutil

import (
	"context"
	"database/sql"
	"log/slog"
	"testing"

	"github.com/schemaforge/server/internal/migrations"
	"github.com/schemaforge/server/pkg/logger/mocklogger"
	"github.com/schemaforge/server/pkg/service/sbaseline"
	"github.com/schemaforge/server/pkg/service/schange"
	"github.com/schemaforge/server/pkg/service/sdraft"
	"github.com/schemaforge/server/pkg/service/sentity"
	"github.com/schemaforge/server/pkg/sqlitemem"
)

type BaseDB struct {
	DB      *sql.DB
	t       *testing.T
	ctx     context.Context
	cleanup func()
}

type BaseTestServices struct {
	DB *sql.DB
	Es sentity.EntityService
	Ds sdraft.DraftService
	Cs schange.ChangeService
	Bs sbaseline.BaselineService
}

// CreateBaseDB opens an in-memory registry database with every migration
// applied.
func CreateBaseDB(ctx context.Context, t *testing.T) *BaseDB {
	t.Helper()

	db, cleanup, err := sqlitemem.NewSQLiteMem(ctx)
	if err != nil {
		t.Fatal(err)
	}

	cfg := migrations.Config{
		DatabasePath: ":memory:",
		DataDir:      t.TempDir(),
		Logger:       mocklogger.NewMockLogger(),
	}
	if err := migrations.Run(ctx, db, cfg); err != nil {
		cleanup()
		t.Fatal(err)
	}

	return &BaseDB{DB: db, t: t, ctx: ctx, cleanup: cleanup}
}

func (b *BaseDB) GetBaseServices() BaseTestServices {
	return BaseTestServices{
		DB: b.DB,
		Es: sentity.New(b.DB),
		Ds: sdraft.New(b.DB),
		Cs: schange.New(b.DB),
		Bs: sbaseline.New(b.DB),
	}
}

func (b *BaseDB) Close() {
	if b.cleanup != nil {
		b.cleanup()
	}
}

func (b *BaseDB) Logger() *slog.Logger {
	return mocklogger.NewMockLogger()
}
