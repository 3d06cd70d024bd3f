/*
Package domain contains the core types of the sync core.

It is kept pure and free of I/O so the CRDT, undo and sync packages and every adapter can
share it.

# Key Entities

  - DocumentKey: identifies the collaborative document replicating one entity record.
  - Origin: tags every change with where it came from (editor, sync manager, remote peer).
  - Delta: an encoded batch of CRDT operations for one document, tagged with its origin.
  - ConnectionStatus and ConnectionError: what a transport reports about itself.
*/
package domain
