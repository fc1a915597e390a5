package nodefsm

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFSM_HappyPathJoinToSynced(t *testing.T) {
	var events []string
	f := New(func(from, to State, _ any) {
		events = append(events, from.String()+"->"+to.String())
	})

	require.Equal(t, Closed, f.Current())
	require.NoError(t, f.Transition(Connected, nil))
	require.NoError(t, f.Transition(Joining, nil))
	require.NoError(t, f.Transition(Joined, nil))
	require.NoError(t, f.Transition(Synced, nil))
	require.Equal(t, Synced, f.Current())

	require.Equal(t, []string{
		"closed->connected",
		"connected->joining",
		"joining->joined",
		"joined->synced",
	}, events)
}

func TestFSM_UndefinedTransitionRejected(t *testing.T) {
	f := New(nil)
	require.NoError(t, f.Transition(Connected, nil))
	err := f.Transition(Synced, nil)
	require.Error(t, err)
	require.Equal(t, Connected, f.Current())
}

func TestFSM_SyncedDonorRoundTrip(t *testing.T) {
	f := New(nil)
	require.NoError(t, f.Transition(Connected, nil))
	require.NoError(t, f.Transition(Joining, nil))
	require.NoError(t, f.Transition(Joined, nil))
	require.NoError(t, f.Transition(Synced, nil))

	require.NoError(t, f.Transition(Donor, nil))
	require.Equal(t, Donor, f.Current())

	require.NoError(t, f.Transition(Synced, nil))
	require.Equal(t, Synced, f.Current())
}

func TestFSM_DonorCanReturnToJoined(t *testing.T) {
	f := New(nil)
	require.NoError(t, f.Transition(Connected, nil))
	require.NoError(t, f.Transition(Joining, nil))
	require.NoError(t, f.Transition(Joined, nil))
	require.NoError(t, f.Transition(Synced, nil))
	require.NoError(t, f.Transition(Donor, nil))

	require.NoError(t, f.Transition(Joined, nil))
	require.Equal(t, Joined, f.Current())
}

func TestFSM_ViewChangeResumesJoining(t *testing.T) {
	f := New(nil)
	require.NoError(t, f.Transition(Connected, nil))
	require.NoError(t, f.Transition(Joining, nil))
	require.NoError(t, f.Transition(Joined, nil))

	require.NoError(t, f.Transition(Joining, nil))
	require.Equal(t, Joining, f.Current())
}

func TestFSM_FatalErrorFallsBackToClosedFromAnyState(t *testing.T) {
	states := []State{Connected, Joining, Joined, Synced, Donor}
	for _, target := range states {
		f := New(nil)
		require.NoError(t, f.Transition(Connected, nil))
		if target != Connected {
			require.NoError(t, f.Transition(Joining, nil))
		}
		if target == Joined || target == Synced || target == Donor {
			require.NoError(t, f.Transition(Joined, nil))
		}
		if target == Synced || target == Donor {
			require.NoError(t, f.Transition(Synced, nil))
		}
		if target == Donor {
			require.NoError(t, f.Transition(Donor, nil))
		}
		require.Equal(t, target, f.Current())

		f.FailFatal("boom")
		require.Equal(t, Closed, f.Current())
	}
}

func TestFSM_ClosedRejectsReplication(t *testing.T) {
	f := New(nil)
	require.False(t, f.Allows(OpReplicate))
	require.False(t, f.Allows(OpToIsolation))
}

func TestFSM_SyncedAllowsEverythingRegardlessOfToIsolationFlag(t *testing.T) {
	f := New(nil)
	f.SetToIsolationOnly(Synced, true)
	require.NoError(t, f.Transition(Connected, nil))
	require.NoError(t, f.Transition(Joining, nil))
	require.NoError(t, f.Transition(Joined, nil))
	require.NoError(t, f.Transition(Synced, nil))

	require.True(t, f.Allows(OpReplicate))
	require.True(t, f.Allows(OpToIsolation))
}

func TestFSM_NonSyncedToIsolationOnlyRestrictsOrdinaryReplication(t *testing.T) {
	f := New(nil)
	f.SetToIsolationOnly(Joined, true)
	require.NoError(t, f.Transition(Connected, nil))
	require.NoError(t, f.Transition(Joining, nil))
	require.NoError(t, f.Transition(Joined, nil))

	require.False(t, f.Allows(OpReplicate))
	require.True(t, f.Allows(OpToIsolation))
}

func TestFSM_JoiningDoesNotAcceptReplication(t *testing.T) {
	f := New(nil)
	require.NoError(t, f.Transition(Connected, nil))
	require.NoError(t, f.Transition(Joining, nil))
	require.False(t, f.Allows(OpReplicate))
	require.False(t, f.Allows(OpToIsolation))
}
