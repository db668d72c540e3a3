package cmap

import (
	"fmt"
	"reflect"

	"qnet/pkg/tlv"
)

// Target receives the local state read from the map. *qdevice.Instance
// implements it.
type Target interface {
	UpdateConfig(list tlv.NodeList, version uint64, hasVersion bool)
	UpdateMembership(ring tlv.RingID, list tlv.NodeList, expectedVotes uint32)
	UpdateQuorum(quorate bool, list tlv.NodeList)
	UpdateExpectedVotes(n uint32)
	SetReloading(reloading bool)
}

// Apply pushes to t what differs between prev and next. A nil prev pushes
// everything next holds.
func Apply(t Target, prev, next *Map) error {
	list, err := next.ConfigList()
	if err != nil {
		return fmt.Errorf("cannot build config list: %w", err)
	}

	if prev == nil || prev.Runtime.ReloadInProgress != next.Runtime.ReloadInProgress {
		t.SetReloading(next.Runtime.ReloadInProgress)
	}

	version, hasVersion := next.ConfigVersion()
	if prev == nil || configChanged(prev, list, version, hasVersion) {
		t.UpdateConfig(list, version, hasVersion)
	}

	ring, members, hasMembership := next.Membership()
	membershipChanged := false

	if hasMembership {
		prevRing, prevMembers, prevHas := tlv.RingID{}, tlv.NodeList(nil), false
		if prev != nil {
			prevRing, prevMembers, prevHas = prev.Membership()
		}

		if !prevHas || prevRing != ring || !prevMembers.SameMembers(members) {
			t.UpdateMembership(ring, members, next.ExpectedVotes())
			membershipChanged = true
		}
	}

	if !membershipChanged && prev != nil && prev.ExpectedVotes() != next.ExpectedVotes() {
		t.UpdateExpectedVotes(next.ExpectedVotes())
	}

	if quorate, qlist, ok := next.QuorumState(); ok {
		changed := prev == nil || membershipChanged
		if !changed {
			prevQuorate, prevList, prevOK := prev.QuorumState()
			changed = !prevOK || prevQuorate != quorate || !prevList.SameMembers(qlist)
		}

		if changed {
			t.UpdateQuorum(quorate, qlist)
		}
	}

	return nil
}

func configChanged(prev *Map, list tlv.NodeList, version uint64, hasVersion bool) bool {
	prevList, err := prev.ConfigList()
	if err != nil {
		return true
	}

	prevVersion, prevHas := prev.ConfigVersion()

	return prevHas != hasVersion || prevVersion != version || !reflect.DeepEqual(prevList, list)
}
