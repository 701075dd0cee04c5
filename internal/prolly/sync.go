package prolly

import (
	"fmt"

	"github.com/untoldecay/bones/internal/boneserr"
	"github.com/untoldecay/bones/internal/events"
)

// Transport is the minimal interface a sync peer implements: return the
// other side's Prolly tree (RemoteTree) and resolve event hashes to full
// events on demand (FetchEvents), for spec §4.10's 3-round protocol.
type Transport interface {
	RemoteTree() (*Tree, error)
	FetchEvents(hashes []string) ([]events.Event, error)
}

// Report summarizes one sync round (spec §4.10).
type Report struct {
	RootsMatched bool
	Sent         int
	Received     int
}

// Sync runs the 3-round protocol against peer using the local tree,
// applying via apply the events peer has that local lacks, and returning
// the hashes peer is missing so the caller can push them. Fetched events
// whose hashes were not requested are skipped.
//
// Round 1: compare root hashes; equal roots short-circuit with no work.
// Round 2: diff the two trees to get need_from_remote (local wants) and
// to_send (remote wants, computed by the remote running the same diff in
// reverse — here approximated by diffing the local tree against the
// remote tree to find both directions, since Tree.Diff(other) already
// returns "in other, not in self").
// Round 3: fetch need_from_remote via FetchEvents, apply them.
func Sync(local *Tree, peer Transport, apply func(events.Event) error) (Report, []string, error) {
	remote, err := peer.RemoteTree()
	if err != nil {
		return Report{}, nil, fmt.Errorf("prolly: fetch remote tree: %w", err)
	}

	if local.Root.Hash == remote.Root.Hash {
		return Report{RootsMatched: true}, nil, nil
	}

	needFromRemote := local.Diff(remote)  // in remote, not in local
	toSend := remote.Diff(local)          // in local, not in remote

	var received int
	if len(needFromRemote) > 0 {
		fetched, err := peer.FetchEvents(needFromRemote)
		if err != nil {
			return Report{}, nil, fmt.Errorf("prolly: fetch events: %w", err)
		}
		fetchedSet := make(map[string]bool, len(fetched))
		for _, e := range fetched {
			fetchedSet[e.EventHash] = true
		}
		needSet := make(map[string]bool, len(needFromRemote))
		for _, h := range needFromRemote {
			if !fetchedSet[h] {
				return Report{}, nil, fmt.Errorf("%w: remote did not supply %s", boneserr.ErrEventNotFound, h)
			}
			needSet[h] = true
		}
		for _, e := range fetched {
			if !needSet[e.EventHash] {
				continue
			}
			if err := apply(e); err != nil {
				return Report{}, nil, err
			}
			received++
		}
	}

	return Report{RootsMatched: false, Sent: len(toSend), Received: received}, toSend, nil
}
