package catalogcache

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/goliatone/go-catalog-cache/cache"
)

func TestParseSubRowList(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    []SubRow
		wantErr bool
	}{
		{name: "empty", input: "  ", want: nil},
		{name: "positional", input: "a,b,c", want: []SubRow{{Key: "a", Seq: 1}, {Key: "b", Seq: 2}, {Key: "c", Seq: 3}}},
		{name: "explicit sequence", input: "b:2, a:1", want: []SubRow{{Key: "b", Seq: 2}, {Key: "a", Seq: 1}}},
		{name: "whitespace vector", input: "3 1  2", want: []SubRow{{Key: "3", Seq: 1}, {Key: "1", Seq: 2}, {Key: "2", Seq: 3}}},
		{name: "array braces", input: "{id,name}", want: []SubRow{{Key: "id", Seq: 1}, {Key: "name", Seq: 2}}},
		{name: "quoted names", input: `"last, first":2,"say ""hi"""`, want: []SubRow{{Key: "last, first", Seq: 2}, {Key: `say "hi"`, Seq: 2}}},
		{name: "colon inside name", input: "ns:col:4", want: []SubRow{{Key: "ns:col", Seq: 4}}},
		{name: "empty element", input: "a,,b", wantErr: true},
		{name: "bad sequence", input: "a:x", wantErr: true},
		{name: "missing sequence", input: "a:", wantErr: true},
		{name: "unterminated quote", input: `"a,b`, wantErr: true},
		{name: "text after quote", input: `"a"b:1`, wantErr: true},
		{name: "empty key", input: ":1", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseSubRowList(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %v", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if diff := cmp.Diff(tt.want, got, cmpopts.EquateEmpty()); diff != "" {
				t.Errorf("unexpected sub-rows (-want +got):\n%s", diff)
			}
		})
	}
}

func TestSortCompositeRows(t *testing.T) {
	rows := []cache.Row{
		{"P": "T2", "C": "I1", "S": 1, "tag": "t2"},
		{"P": "T1", "C": "I2", "S": 1, "tag": "i2"},
		{"P": "T1", "C": "I1", "S": 2, "tag": "second"},
		{"P": "T1", "C": "I1", "S": 1, "tag": "first"},
		{"P": "T1", "C": "I1", "S": 1, "tag": "tie"},
	}
	sortCompositeRows(rows, func(s string) string { return s }, "P", "C", "S")

	var tags []string
	for _, r := range rows {
		tags = append(tags, r.String("tag"))
	}
	if diff := cmp.Diff([]string{"first", "tie", "second", "i2", "t2"}, tags); diff != "" {
		t.Errorf("unexpected order (-want +got):\n%s", diff)
	}
}

func TestSortCompositeRows_NormalizedParents(t *testing.T) {
	rows := []cache.Row{
		{"P": "orders", "C": "I1", "S": 1, "tag": "a"},
		{"P": "ITEMS", "C": "I1", "S": 1, "tag": "b"},
		{"P": "ORDERS", "C": "I1", "S": 2, "tag": "c"},
	}
	sortCompositeRows(rows, strings.ToLower, "P", "C", "S")

	var tags []string
	for _, r := range rows {
		tags = append(tags, r.String("tag"))
	}
	if diff := cmp.Diff([]string{"b", "a", "c"}, tags); diff != "" {
		t.Errorf("unexpected order (-want +got):\n%s", diff)
	}
}
