package anomaly

import (
	"sort"

	"github.com/pulsewatch/pulsewatch/pkg/types"
)

const rootPath = "$"

// DiffSchemas lists the structural differences between a baseline and a
// current schema. A type change at a path is reported once and its children
// are not compared. Array item schemas are compared when both sides have one.
func DiffSchemas(baseline, current *types.Schema) []types.SchemaChange {
	var out []types.SchemaChange
	diffNode(rootPath, baseline, current, &out)
	return out
}

func diffNode(path string, old, cur *types.Schema, out *[]types.SchemaChange) {
	if old == nil || cur == nil {
		return
	}
	if old.Type != cur.Type {
		*out = append(*out, types.SchemaChange{
			Kind:    types.TypeChanged,
			Path:    path,
			OldType: old.Type,
			NewType: cur.Type,
		})
		return
	}

	switch old.Type {
	case types.KindObject:
		for _, k := range sortedKeys(cur.Properties) {
			if _, ok := old.Properties[k]; !ok {
				*out = append(*out, types.SchemaChange{
					Kind:    types.FieldAdded,
					Path:    path + "." + k,
					NewType: cur.Properties[k].Type,
				})
			}
		}
		for _, k := range sortedKeys(old.Properties) {
			child, ok := cur.Properties[k]
			if !ok {
				*out = append(*out, types.SchemaChange{
					Kind:    types.FieldRemoved,
					Path:    path + "." + k,
					OldType: old.Properties[k].Type,
				})
				continue
			}
			diffNode(path+"."+k, old.Properties[k], child, out)
		}
	case types.KindArray:
		diffNode(path+"[]", old.Items, cur.Items, out)
	}
}

func sortedKeys(m map[string]*types.Schema) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
