package warehouse

import (
	"context"
	"fmt"
	"time"

	"github.com/academy-platform/activity/pkg/activity"
	"github.com/academy-platform/activity/pkg/common/logger"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ColumnModel registers one declared column of a warehouse table. Struct
// columns are stored as jsonb, so their children only exist here.
type ColumnModel struct {
	ID        uint      `gorm:"primaryKey;autoIncrement;column:id"`
	Relation  string    `gorm:"column:relation;uniqueIndex:idx_activity_column"`
	Parent    string    `gorm:"column:parent;uniqueIndex:idx_activity_column"`
	Name      string    `gorm:"column:name;uniqueIndex:idx_activity_column"`
	Type      string    `gorm:"column:type"`
	Mode      string    `gorm:"column:mode"`
	Position  int       `gorm:"column:position"`
	CreatedAt time.Time `gorm:"column:created_at"`
}

func (ColumnModel) TableName() string {
	return "warehouse_columns"
}

var postgresTypes = map[activity.FieldType]string{
	activity.TypeString:    "text",
	activity.TypeInt64:     "bigint",
	activity.TypeFloat64:   "double precision",
	activity.TypeBool:      "boolean",
	activity.TypeTimestamp: "timestamptz",
	activity.TypeDate:      "date",
	activity.TypeStruct:    "jsonb",
}

// PostgresSink keeps the activity table in the platform database. Rows are
// keyed by record id and duplicate inserts are ignored.
type PostgresSink struct {
	db        *gorm.DB
	table     string
	batchSize int
}

func NewPostgresSink(db *gorm.DB, table string, batchSize int) *PostgresSink {
	if batchSize <= 0 {
		batchSize = 500
	}
	return &PostgresSink{db: db, table: table, batchSize: batchSize}
}

func (s *PostgresSink) AutoMigrate() error {
	return s.db.AutoMigrate(&ColumnModel{})
}

func (s *PostgresSink) Schema(ctx context.Context) ([]activity.SchemaField, error) {
	var cols []ColumnModel
	if err := s.db.WithContext(ctx).
		Where("relation = ?", s.table).
		Order("position asc").
		Find(&cols).Error; err != nil {
		return nil, err
	}

	var (
		fields  []activity.SchemaField
		structs = map[string]int{}
	)
	for _, c := range cols {
		if c.Parent != "" {
			continue
		}
		f := activity.SchemaField{Name: c.Name, Type: activity.FieldType(c.Type), Mode: c.Mode}
		if f.IsStruct() {
			structs[f.Name] = len(fields)
		}
		fields = append(fields, f)
	}
	for _, c := range cols {
		idx, ok := structs[c.Parent]
		if c.Parent == "" || !ok {
			continue
		}
		fields[idx].Fields = append(fields[idx].Fields, activity.SchemaField{
			Name: c.Name,
			Type: activity.FieldType(c.Type),
			Mode: c.Mode,
		})
	}
	return fields, nil
}

// UpdateSchema creates the table on first use, adds a column for every new
// top-level field and registers struct children.
func (s *PostgresSink) UpdateSchema(ctx context.Context, additions []activity.SchemaField) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		migrator := tx.Migrator()
		if !migrator.HasTable(s.table) {
			logger.Log.WithField("table", s.table).Info("creating activity table")
			if err := tx.Exec("CREATE TABLE ? (id text PRIMARY KEY)", clause.Table{Name: s.table}).Error; err != nil {
				return fmt.Errorf("creating %s: %w", s.table, err)
			}
		}

		var position int64
		if err := tx.Model(&ColumnModel{}).Where("relation = ?", s.table).Count(&position).Error; err != nil {
			return err
		}

		register := func(parent string, f activity.SchemaField) error {
			position++
			return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&ColumnModel{
				Relation:  s.table,
				Parent:    parent,
				Name:      f.Name,
				Type:      string(f.Type),
				Mode:      f.Mode,
				Position:  int(position),
				CreatedAt: time.Now().UTC(),
			}).Error
		}

		for _, f := range additions {
			sqlType, ok := postgresTypes[f.Type]
			if !ok {
				return fmt.Errorf("column %s: unsupported type %s", f.Name, f.Type)
			}
			if f.Name != "id" && !migrator.HasColumn(s.table, f.Name) {
				if err := tx.Exec("ALTER TABLE ? ADD COLUMN ? "+sqlType, clause.Table{Name: s.table}, clause.Column{Name: f.Name}).Error; err != nil {
					return fmt.Errorf("adding column %s: %w", f.Name, err)
				}
			}
			if err := register("", f); err != nil {
				return err
			}
			for _, child := range f.Fields {
				if err := register(f.Name, child); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

func (s *PostgresSink) BulkInsert(ctx context.Context, rows []activity.Row) error {
	if len(rows) == 0 {
		return nil
	}
	values := make([]map[string]interface{}, 0, len(rows))
	for _, row := range rows {
		values = append(values, toColumns(row))
	}

	for start := 0; start < len(values); start += s.batchSize {
		end := start + s.batchSize
		if end > len(values) {
			end = len(values)
		}
		err := s.db.WithContext(ctx).
			Table(s.table).
			Clauses(clause.OnConflict{DoNothing: true}).
			Create(values[start:end]).Error
		if err != nil {
			return err
		}
	}
	return nil
}

// Count returns the number of stored rows.
func (s *PostgresSink) Count(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Table(s.table).Count(&n).Error
	return n, err
}

func toColumns(row activity.Row) map[string]interface{} {
	out := make(map[string]interface{}, len(row))
	for k, v := range row {
		if nested, ok := v.(map[string]interface{}); ok {
			out[k] = datatypes.JSONMap(nested)
			continue
		}
		out[k] = v
	}
	return out
}
