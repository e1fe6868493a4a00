package warehouse

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"cloud.google.com/go/bigquery"
	"github.com/academy-platform/activity/pkg/activity"
	"github.com/academy-platform/activity/pkg/common/logger"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// BigQuerySink writes activity rows to a BigQuery table through the streaming
// inserter. Record ids double as insert ids, so a retried batch is deduplicated
// by BigQuery's best-effort insert-id window.
type BigQuerySink struct {
	client    *bigquery.Client
	table     *bigquery.Table
	batchSize int
}

type BigQueryConfig struct {
	Project         string
	Dataset         string
	Table           string
	CredentialsFile string
	BatchSize       int
}

func NewBigQuerySink(ctx context.Context, cfg BigQueryConfig) (*BigQuerySink, error) {
	if cfg.Project == "" {
		return nil, errors.New("bigquery project required")
	}

	var opt option.ClientOption
	if cfg.CredentialsFile != "" {
		data, err := os.ReadFile(filepath.Clean(cfg.CredentialsFile))
		if err != nil {
			return nil, fmt.Errorf("reading bigquery credentials: %w", err)
		}
		creds, err := google.CredentialsFromJSON(ctx, data, bigquery.Scope)
		if err != nil {
			return nil, fmt.Errorf("parsing bigquery credentials: %w", err)
		}
		opt = option.WithCredentials(creds)
	} else {
		ts, err := google.DefaultTokenSource(ctx, bigquery.Scope)
		if err != nil {
			return nil, fmt.Errorf("default bigquery credentials: %w", err)
		}
		opt = option.WithTokenSource(ts)
	}

	client, err := bigquery.NewClient(ctx, cfg.Project, opt)
	if err != nil {
		return nil, fmt.Errorf("creating bigquery client: %w", err)
	}

	batch := cfg.BatchSize
	if batch <= 0 {
		batch = 500
	}
	return &BigQuerySink{
		client:    client,
		table:     client.Dataset(cfg.Dataset).Table(cfg.Table),
		batchSize: batch,
	}, nil
}

func (s *BigQuerySink) Close() error {
	return s.client.Close()
}

// Schema returns the table's columns; a missing table has none.
func (s *BigQuerySink) Schema(ctx context.Context) ([]activity.SchemaField, error) {
	md, err := s.table.Metadata(ctx)
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return fromBigQuery(md.Schema), nil
}

// UpdateSchema appends additions to the table, creating it on first use.
func (s *BigQuerySink) UpdateSchema(ctx context.Context, additions []activity.SchemaField) error {
	md, err := s.table.Metadata(ctx)
	if err != nil {
		if !isNotFound(err) {
			return err
		}
		logger.Log.WithField("table", s.table.FullyQualifiedName()).Info("creating activity table")
		return s.table.Create(ctx, &bigquery.TableMetadata{Schema: toBigQuery(additions)})
	}

	merged := activity.Merge(fromBigQuery(md.Schema), additions)
	_, err = s.table.Update(ctx, bigquery.TableMetadataToUpdate{Schema: toBigQuery(merged)}, md.ETag)
	return err
}

func (s *BigQuerySink) BulkInsert(ctx context.Context, rows []activity.Row) error {
	inserter := s.table.Inserter()
	for start := 0; start < len(rows); start += s.batchSize {
		end := start + s.batchSize
		if end > len(rows) {
			end = len(rows)
		}
		savers := make([]bigquery.ValueSaver, 0, end-start)
		for _, row := range rows[start:end] {
			savers = append(savers, rowSaver(row))
		}
		if err := inserter.Put(ctx, savers); err != nil {
			return err
		}
	}
	return nil
}

type rowSaver activity.Row

func (r rowSaver) Save() (map[string]bigquery.Value, string, error) {
	out := make(map[string]bigquery.Value, len(r))
	for k, v := range r {
		out[k] = toBigQueryValue(v)
	}
	return out, activity.Row(r).InsertID(), nil
}

func toBigQueryValue(v interface{}) bigquery.Value {
	nested, ok := v.(map[string]interface{})
	if !ok {
		return v
	}
	out := make(map[string]bigquery.Value, len(nested))
	for k, child := range nested {
		out[k] = toBigQueryValue(child)
	}
	return out
}

var toBigQueryType = map[activity.FieldType]bigquery.FieldType{
	activity.TypeString:    bigquery.StringFieldType,
	activity.TypeInt64:     bigquery.IntegerFieldType,
	activity.TypeFloat64:   bigquery.FloatFieldType,
	activity.TypeBool:      bigquery.BooleanFieldType,
	activity.TypeTimestamp: bigquery.TimestampFieldType,
	activity.TypeDate:      bigquery.DateFieldType,
	activity.TypeStruct:    bigquery.RecordFieldType,
}

func toBigQuery(fields []activity.SchemaField) bigquery.Schema {
	out := make(bigquery.Schema, 0, len(fields))
	for _, f := range fields {
		fs := &bigquery.FieldSchema{
			Name:     f.Name,
			Type:     toBigQueryType[f.Type],
			Required: f.Mode == "REQUIRED",
			Repeated: f.Mode == "REPEATED",
		}
		if f.IsStruct() {
			fs.Schema = toBigQuery(f.Fields)
		}
		out = append(out, fs)
	}
	return out
}

func fromBigQuery(schema bigquery.Schema) []activity.SchemaField {
	out := make([]activity.SchemaField, 0, len(schema))
	for _, fs := range schema {
		f := activity.SchemaField{Name: fs.Name, Type: fromBigQueryType(fs.Type), Mode: activity.ModeNullable}
		switch {
		case fs.Required:
			f.Mode = "REQUIRED"
		case fs.Repeated:
			f.Mode = "REPEATED"
		}
		if f.IsStruct() {
			f.Fields = fromBigQuery(fs.Schema)
		}
		out = append(out, f)
	}
	return out
}

func fromBigQueryType(t bigquery.FieldType) activity.FieldType {
	switch t {
	case bigquery.StringFieldType:
		return activity.TypeString
	case bigquery.IntegerFieldType:
		return activity.TypeInt64
	case bigquery.FloatFieldType:
		return activity.TypeFloat64
	case bigquery.BooleanFieldType:
		return activity.TypeBool
	case bigquery.TimestampFieldType:
		return activity.TypeTimestamp
	case bigquery.DateFieldType:
		return activity.TypeDate
	case bigquery.RecordFieldType:
		return activity.TypeStruct
	}
	return activity.FieldType(t)
}

func isNotFound(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusNotFound
}
