/*
Package tandem is the synchronisation core of a collaborative editor.

It keeps entity records (posts, templates, navigation menus...) in replicated CRDT documents,
tags every change with where it came from, undoes local edits across several documents as a
single history and turns transport failures into messages a user can act on.

# Concept

The host constructs one Runtime per process and threads it through. The Runtime lazily builds
the SyncManager the first time it is asked for one and returns that same instance afterwards.
The SyncManager owns the documents of the editing session: it loads them, persists them,
connects them to peers and closes them.

# Origins

Every Delta carries exactly one origin:

  - local-editor: the user edited the document. Undoable by default.
  - local-sync-manager: the sync manager seeded or reconciled the document itself.
  - remote-peer: a transport applied a change received from another peer.

# Usage

	package main

	import (
		"context"
		"log"

		"github.com/aretw0/tandem"
		"github.com/aretw0/tandem/pkg/domain"
	)

	func main() {
		ctx := context.Background()

		rt, err := tandem.New()
		if err != nil {
			log.Fatal(err)
		}
		defer rt.Close(ctx)

		sm, err := rt.SyncManager()
		if err != nil {
			log.Fatal(err)
		}

		if _, err := sm.Load(ctx, "post", "42", map[string]any{"title": "Draft"}); err != nil {
			log.Fatal(err)
		}
		if _, err := sm.Update(ctx, "post", "42", map[string]any{"title": "Final"}, domain.OriginLocalEditor); err != nil {
			log.Fatal(err)
		}
		if _, err := sm.Undo(ctx); err != nil {
			log.Fatal(err)
		}
	}
*/
package tandem
