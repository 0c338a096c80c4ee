package kernel

import "github.com/kimberlitedb/kimberlite-sub000/internal/ids"

// Effect is data describing what the imperative shell must perform;
// the kernel never does I/O itself (§4.D, §4.E).
type Effect interface {
	isEffect()
}

type StreamMetadataWrite struct {
	Stream ids.StreamId
	Tenant ids.TenantId
}

type StorageAppend struct {
	Stream     ids.StreamId
	BaseOffset ids.Offset
	Events     [][]byte
}

type TableMetadataWrite struct {
	Table ids.TableId
}

type TableMetadataDrop struct {
	Table ids.TableId
}

// IndexMetadataWrite additionally carries the base table so the shell
// can scan it and populate the new index (§4.E index population).
type IndexMetadataWrite struct {
	Index ids.IndexId
	Table ids.TableId
}

// UpdateProjection tells the shell to replay DML events in
// [From, To) from the table's backing stream into the projection
// store and its indexes (§4.E).
type UpdateProjection struct {
	Table ids.TableId
	From  ids.Offset
	To    ids.Offset
}

type WakeProjection struct {
	Stream ids.StreamId
}

type AuditLogAppend struct {
	Action string
}

func (StreamMetadataWrite) isEffect() {}
func (StorageAppend) isEffect()       {}
func (TableMetadataWrite) isEffect()  {}
func (TableMetadataDrop) isEffect()   {}
func (IndexMetadataWrite) isEffect()  {}
func (UpdateProjection) isEffect()    {}
func (WakeProjection) isEffect()      {}
func (AuditLogAppend) isEffect()      {}
