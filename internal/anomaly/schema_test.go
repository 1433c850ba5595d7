package anomaly

import (
	"testing"

	"github.com/pulsewatch/pulsewatch/pkg/types"
)

func mustSchema(t *testing.T, body string) *types.Schema {
	t.Helper()
	s, ok := types.SchemaFromBody(body)
	if !ok {
		t.Fatalf("SchemaFromBody(%q) failed", body)
	}
	return s
}

func TestDiffSchemas(t *testing.T) {
	cases := []struct {
		name     string
		baseline string
		current  string
		want     []types.SchemaChange
	}{
		{
			name:     "identical",
			baseline: `{"a":1,"b":{"c":"x"}}`,
			current:  `{"a":2,"b":{"c":"y"}}`,
			want:     nil,
		},
		{
			name:     "added and removed",
			baseline: `{"a":1,"b":true}`,
			current:  `{"a":1,"c":"new"}`,
			want: []types.SchemaChange{
				{Kind: types.FieldAdded, Path: "$.c", NewType: types.KindString},
				{Kind: types.FieldRemoved, Path: "$.b", OldType: types.KindBoolean},
			},
		},
		{
			name:     "type change stops descent",
			baseline: `{"user":{"id":1,"name":"x"}}`,
			current:  `{"user":"x"}`,
			want: []types.SchemaChange{
				{Kind: types.TypeChanged, Path: "$.user", OldType: types.KindObject, NewType: types.KindString},
			},
		},
		{
			name:     "nested change",
			baseline: `{"user":{"id":1}}`,
			current:  `{"user":{"id":1,"email":"e"}}`,
			want: []types.SchemaChange{
				{Kind: types.FieldAdded, Path: "$.user.email", NewType: types.KindString},
			},
		},
		{
			name:     "array items",
			baseline: `{"items":[{"sku":"a"}]}`,
			current:  `{"items":[{"sku":1}]}`,
			want: []types.SchemaChange{
				{Kind: types.TypeChanged, Path: "$.items[].sku", OldType: types.KindString, NewType: types.KindNumber},
			},
		},
		{
			name:     "empty array is not compared",
			baseline: `{"items":[{"sku":"a"}]}`,
			current:  `{"items":[]}`,
			want:     nil,
		},
		{
			name:     "root type change",
			baseline: `{"a":1}`,
			current:  `[1,2]`,
			want: []types.SchemaChange{
				{Kind: types.TypeChanged, Path: "$", OldType: types.KindObject, NewType: types.KindArray},
			},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := DiffSchemas(mustSchema(t, tc.baseline), mustSchema(t, tc.current))
			if len(got) != len(tc.want) {
				t.Fatalf("changes: got %v, want %v", got, tc.want)
			}
			for i := range got {
				if got[i] != tc.want[i] {
					t.Errorf("change %d: got %+v, want %+v", i, got[i], tc.want[i])
				}
			}
		})
	}
}
