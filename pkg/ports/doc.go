/*
Package ports defines the driven ports (interfaces) of the sync core.

These interfaces decouple the sync manager from external implementations, allowing
it to work with various storage backends, transports and lock services.

# Key Interfaces

  - DocumentStore: persists and loads the encoded CRDT state of documents.
  - Provider: connects a document to remote peers (WebSocket relay, Redis pub/sub).
  - DistributedLocker: provides distributed locking for documents shared by several replicas.
*/
package ports
