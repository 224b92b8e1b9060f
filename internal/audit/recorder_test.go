package audit

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPairKeyDeterministic(t *testing.T) {
	require.Equal(t, "7:12", PairKey(7, 12))
	require.Equal(t, "12:7", PairKey(12, 7))
	require.Equal(t, PairKey(7, 12), PairKey(7, 12))
}

func TestKey(t *testing.T) {
	require.Equal(t, "42", Key(42))
}

func TestValidate(t *testing.T) {
	valid := Entry{
		ActorID:    1,
		Action:     "assign_roles",
		TargetKind: TargetIdentity,
		TargetKey:  Key(7),
		Outcome:    OutcomeSucceeded,
	}
	require.NoError(t, Validate(valid))

	missing := valid
	missing.TargetKey = ""
	require.Error(t, Validate(missing))

	noAction := valid
	noAction.Action = ""
	require.Error(t, Validate(noAction))

	badOutcome := valid
	badOutcome.Outcome = "maybe"
	require.Error(t, Validate(badOutcome))

	failed := valid
	failed.Outcome = OutcomeFailed
	require.NoError(t, Validate(failed))
}
