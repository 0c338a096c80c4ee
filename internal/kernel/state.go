package kernel

import "github.com/kimberlitedb/kimberlite-sub000/internal/ids"

// StreamMeta is the kernel's logical view of a stream: existence and
// current offset. The actual hash chain head lives in the effect
// executor's chain-head cache, not here (§4.E).
type StreamMeta struct {
	Stream        ids.StreamId
	Tenant        ids.TenantId
	CurrentOffset ids.Offset
}

// TableDef is the kernel's logical schema record for one table.
type TableDef struct {
	Table      ids.TableId
	Stream     ids.StreamId
	Name       string
	Columns    []ColumnDef
	PrimaryKey []string
	Indexes    []ids.IndexId
}

// IndexDef is the kernel's logical schema record for one index.
type IndexDef struct {
	Index   ids.IndexId
	Table   ids.TableId
	Name    string
	Columns []string
}

// State is the kernel's entire logical state (§4.D, §5: "the single
// kernel-state value is the single source of truth"). State is treated
// as immutable: ApplyCommitted never mutates an existing State value,
// it returns a new one built with shallow-copied maps so that any
// reader still holding the previous State sees it unchanged.
type State struct {
	Streams map[ids.StreamId]StreamMeta
	Tables  map[ids.TableId]TableDef
	Indexes map[ids.IndexId]IndexDef
}

// NewState returns the empty initial kernel state.
func NewState() *State {
	return &State{
		Streams: make(map[ids.StreamId]StreamMeta),
		Tables:  make(map[ids.TableId]TableDef),
		Indexes: make(map[ids.IndexId]IndexDef),
	}
}

// clone returns a shallow copy whose top-level maps are new (so
// inserts/deletes on the copy never affect the original) but whose
// struct values are copied by value on write, not on clone.
func (s *State) clone() *State {
	n := &State{
		Streams: make(map[ids.StreamId]StreamMeta, len(s.Streams)),
		Tables:  make(map[ids.TableId]TableDef, len(s.Tables)),
		Indexes: make(map[ids.IndexId]IndexDef, len(s.Indexes)),
	}
	for k, v := range s.Streams {
		n.Streams[k] = v
	}
	for k, v := range s.Tables {
		n.Tables[k] = v
	}
	for k, v := range s.Indexes {
		n.Indexes[k] = v
	}
	return n
}

// TableByName looks up a table by its declared name (§9: "avoid
// collision-dependent hashes for persistent metadata" — this is a
// linear scan over the id-keyed Tables map rather than a second
// name-keyed hash index, since table counts are small and names are
// not on any hot path).
func (s *State) TableByName(name string) (TableDef, bool) {
	for _, t := range s.Tables {
		if t.Name == name {
			return t, true
		}
	}
	return TableDef{}, false
}
