package casefile

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
)

// fakeRow feeds fixed column values into Scan destinations.
type fakeRow struct{ values []interface{} }

func (r fakeRow) Scan(dest ...interface{}) error {
	if len(dest) != len(r.values) {
		return fmt.Errorf("scan: %d destinations for %d columns", len(dest), len(r.values))
	}
	for i, v := range r.values {
		if v == nil {
			continue
		}
		dst := reflect.ValueOf(dest[i]).Elem()
		dst.Set(reflect.ValueOf(v).Convert(dst.Type()))
	}
	return nil
}

func caseColumns(form []byte) []interface{} {
	now := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	vals := []interface{}{
		uuid.New(), "AW-000001", "stray", "new", nil, nil,
		"Elm Street", nil, nil, "dog near the school", now, nil,
		"none", nil,
	}
	if form != nil {
		vals = append(vals, form)
	}
	return append(vals, now, now)
}

func TestScanRow_UndecodableForm(t *testing.T) {
	poisoned := []byte(`{"kind":"stray_dog_visit","data":{"tailLength":3}}`)
	_, err := (&caseRepoPG{}).scanRow(fakeRow{values: caseColumns(poisoned)})
	if !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}
}

func TestScanActive_SkipsForm(t *testing.T) {
	if strings.Contains(activeCols, "form") {
		t.Fatalf("active set must not select form: %s", activeCols)
	}
	if got, want := len(strings.Split(activeCols, ",")), len(caseColumns(nil)); got != want {
		t.Fatalf("activeCols lists %d columns, scan expects %d", got, want)
	}

	c, err := scanActive(fakeRow{values: caseColumns(nil)})
	if err != nil {
		t.Fatalf("scanActive: %v", err)
	}
	if c.Form != nil {
		t.Errorf("expected no form, got %+v", c.Form)
	}
	if c.Category != "stray" || c.MergeFlag != MergeNone || c.Description != "dog near the school" {
		t.Errorf("unexpected case %+v", c)
	}
}
