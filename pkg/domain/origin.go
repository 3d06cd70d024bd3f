package domain

// Origin tags the source of a Delta.
// The undo manager uses it to decide which changes are user-undoable.
type Origin string

const (
	// OriginLocalEditor marks edits issued directly by the editing surface.
	OriginLocalEditor Origin = "local-editor"
	// OriginLocalSyncManager marks edits the sync manager issues itself
	// (seeding a document, applying a server record).
	OriginLocalSyncManager Origin = "local-sync-manager"
	// OriginRemotePeer marks updates received from another peer.
	OriginRemotePeer Origin = "remote-peer"
)

// Origins lists every valid origin.
var Origins = []Origin{OriginLocalEditor, OriginLocalSyncManager, OriginRemotePeer}

// Valid reports whether o is one of the known origins.
func (o Origin) Valid() bool {
	switch o {
	case OriginLocalEditor, OriginLocalSyncManager, OriginRemotePeer:
		return true
	}
	return false
}

// IsLocal reports whether the change was produced in this process.
func (o Origin) IsLocal() bool {
	return o == OriginLocalEditor || o == OriginLocalSyncManager
}

func (o Origin) String() string {
	return string(o)
}
