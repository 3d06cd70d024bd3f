/*
Package syncmanager owns the collaborative documents of one editing session.

A Manager loads entity records into CRDT documents, restores and persists their state
through a ports.DocumentStore, connects them to peers through a ports.Provider and keeps a
single undo history spanning every open document.

Every change entering a document is tagged with a domain.Origin: the editor writes with
domain.OriginLocalEditor, the manager seeds and reconciles with domain.OriginLocalSyncManager
and transports apply peer updates with domain.OriginRemotePeer. Only local-editor changes are
undoable by default.

Hosts normally obtain the Manager through tandem.Runtime.SyncManager rather than building
one directly.
*/
package syncmanager
