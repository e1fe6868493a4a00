package warehouse

import (
	"fmt"
	"testing"

	"cloud.google.com/go/bigquery"
	"github.com/academy-platform/activity/pkg/activity"
	"google.golang.org/api/googleapi"
)

func TestBigQuerySchemaMapping(t *testing.T) {
	fields := []activity.SchemaField{
		activity.Scalar("id", activity.TypeString),
		activity.Scalar("user_id", activity.TypeInt64),
		activity.Scalar("timestamp", activity.TypeTimestamp),
		activity.Struct("meta",
			activity.Scalar("day", activity.TypeDate),
			activity.Scalar("ok", activity.TypeBool),
			activity.Scalar("ratio", activity.TypeFloat64),
		),
	}

	back := fromBigQuery(toBigQuery(fields))
	if fmt.Sprint(back) != fmt.Sprint(fields) {
		t.Fatalf("schema changed through bigquery mapping:\n%v\n%v", fields, back)
	}

	saved, insertID, err := rowSaver(activity.Row{
		"id":   "abc",
		"meta": map[string]interface{}{"ok": true},
	}).Save()
	if err != nil || insertID != "abc" {
		t.Fatalf("unexpected save result %q (%v)", insertID, err)
	}
	if _, ok := saved["meta"].(map[string]bigquery.Value); !ok {
		t.Fatalf("expected nested bigquery values, got %T", saved["meta"])
	}
}

func TestIsNotFound(t *testing.T) {
	if !isNotFound(fmt.Errorf("metadata: %w", &googleapi.Error{Code: 404})) {
		t.Fatal("expected wrapped 404 to be reported as not found")
	}
	if isNotFound(&googleapi.Error{Code: 403}) {
		t.Fatal("expected 403 not to be reported as not found")
	}
}
