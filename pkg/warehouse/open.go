package warehouse

import (
	"context"
	"fmt"

	"github.com/academy-platform/activity/pkg/activity"
	"github.com/academy-platform/activity/pkg/common/config"
	"gorm.io/gorm"
)

// Open returns the sink named by cfg.WarehouseSink and a function releasing it.
func Open(ctx context.Context, cfg *config.Config, db *gorm.DB) (activity.Sink, func(), error) {
	switch cfg.WarehouseSink {
	case "bigquery":
		sink, err := NewBigQuerySink(ctx, BigQueryConfig{
			Project:         cfg.BigQueryProject,
			Dataset:         cfg.BigQueryDataset,
			Table:           cfg.WarehouseTable,
			CredentialsFile: cfg.BigQueryCredentials,
			BatchSize:       cfg.WarehouseInsertBatch,
		})
		if err != nil {
			return nil, nil, err
		}
		return sink, func() { sink.Close() }, nil
	case "postgres", "":
		sink := NewPostgresSink(db, cfg.WarehouseTable, cfg.WarehouseInsertBatch)
		if err := sink.AutoMigrate(); err != nil {
			return nil, nil, err
		}
		return sink, func() {}, nil
	}
	return nil, nil, fmt.Errorf("unknown warehouse sink %q", cfg.WarehouseSink)
}
