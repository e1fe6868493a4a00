package activity

type FieldType string

const (
	TypeString    FieldType = "STRING"
	TypeInt64     FieldType = "INT64"
	TypeFloat64   FieldType = "FLOAT64"
	TypeBool      FieldType = "BOOL"
	TypeTimestamp FieldType = "TIMESTAMP"
	TypeDate      FieldType = "DATE"
	TypeStruct    FieldType = "STRUCT"
)

const ModeNullable = "NULLABLE"

// SchemaField describes one destination column. Struct columns carry their
// children in Fields.
type SchemaField struct {
	Name   string        `json:"name"`
	Type   FieldType     `json:"type"`
	Mode   string        `json:"mode,omitempty"`
	Fields []SchemaField `json:"fields,omitempty"`
}

func Scalar(name string, t FieldType) SchemaField {
	return SchemaField{Name: name, Type: t, Mode: ModeNullable}
}

func Struct(name string, fields ...SchemaField) SchemaField {
	return SchemaField{Name: name, Type: TypeStruct, Mode: ModeNullable, Fields: fields}
}

func (f SchemaField) IsStruct() bool {
	return f.Type == TypeStruct
}

// Delta returns the fields declared by a batch that the existing schema lacks.
// Scalars are matched by name. A struct declared by many records contributes
// the union of its children, minus the children the existing struct already
// has. Structs with nothing new, including childless ones, are left out.
// Output order follows first appearance in declared.
func Delta(existing []SchemaField, declared ...[]SchemaField) []SchemaField {
	have := index(existing)

	var order []string
	scalars := make(map[string]SchemaField)
	structs := make(map[string][]SchemaField)
	seenChild := make(map[string]map[string]struct{})

	for _, fields := range declared {
		for _, field := range fields {
			if !field.IsStruct() {
				if _, ok := have[field.Name]; ok {
					continue
				}
				if _, ok := scalars[field.Name]; !ok {
					scalars[field.Name] = field
					order = append(order, field.Name)
				}
				continue
			}

			var known map[string]SchemaField
			if current, ok := have[field.Name]; ok {
				if !current.IsStruct() {
					continue
				}
				known = index(current.Fields)
			}
			if _, ok := seenChild[field.Name]; !ok {
				seenChild[field.Name] = make(map[string]struct{})
			}
			for _, child := range field.Fields {
				if _, ok := known[child.Name]; ok {
					continue
				}
				if _, ok := seenChild[field.Name][child.Name]; ok {
					continue
				}
				if _, listed := structs[field.Name]; !listed {
					order = append(order, field.Name)
				}
				seenChild[field.Name][child.Name] = struct{}{}
				structs[field.Name] = append(structs[field.Name], child)
			}
		}
	}

	additions := make([]SchemaField, 0, len(order))
	for _, name := range order {
		if field, ok := scalars[name]; ok {
			additions = append(additions, field)
			continue
		}
		additions = append(additions, Struct(name, structs[name]...))
	}
	return additions
}

// Merge applies additions to existing. Fields already present are skipped and
// struct children are appended, so applying the same additions twice is a
// no-op.
func Merge(existing, additions []SchemaField) []SchemaField {
	out := make([]SchemaField, 0, len(existing)+len(additions))
	pos := make(map[string]int, len(existing))
	for _, field := range existing {
		pos[field.Name] = len(out)
		field.Fields = append([]SchemaField(nil), field.Fields...)
		out = append(out, field)
	}

	for _, add := range additions {
		i, ok := pos[add.Name]
		if !ok {
			pos[add.Name] = len(out)
			add.Fields = append([]SchemaField(nil), add.Fields...)
			out = append(out, add)
			continue
		}
		if !out[i].IsStruct() || !add.IsStruct() {
			continue
		}
		children := index(out[i].Fields)
		for _, child := range add.Fields {
			if _, ok := children[child.Name]; ok {
				continue
			}
			children[child.Name] = child
			out[i].Fields = append(out[i].Fields, child)
		}
	}
	return out
}

func index(fields []SchemaField) map[string]SchemaField {
	out := make(map[string]SchemaField, len(fields))
	for _, f := range fields {
		out[f.Name] = f
	}
	return out
}
