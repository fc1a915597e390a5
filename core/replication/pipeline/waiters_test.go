package pipeline

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseCommitMode_RecognizesAllModesCaseInsensitively(t *testing.T) {
	cases := map[string]CommitMode{
		"bypass":     BYPASS,
		"BYPASS":     BYPASS,
		"oooc":       OOOC,
		"local_oooc": LOCAL_OOOC,
		"NO_OOOC":    NO_OOOC,
		"  no_oooc ": NO_OOOC,
	}
	for input, want := range cases {
		got, err := ParseCommitMode(input)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
}

func TestParseCommitMode_RejectsUnknownMode(t *testing.T) {
	_, err := ParseCommitMode("sometimes")
	require.Error(t, err)
}
