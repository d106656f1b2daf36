// Package directory implements the peer directory: the table of joined
// groups and their peers, searchable by name, by id and by address.
//
// The directory is published as immutable snapshots. Readers load the
// current snapshot with a single atomic operation and never block, so
// lookups are safe on real-time threads and always see a consistent set of
// groups and peers. Writers serialize on a short mutex, apply their changes
// to a copy inside a transaction and publish the copy atomically:
//
//	err := dir.Update(func(tx *directory.Tx) error {
//	    if err := tx.AddGroup(g); err != nil {
//	        return err
//	    }
//	    return tx.AddPeer(p)
//	})
//
// A snapshot never contains a peer whose group is missing.
package directory
