package assets

import (
	"testing"

	"github.com/stretchr/testify/require"
	"thirdcoast.systems/postmedia/internal/db"
)

func lc(status db.AssetStatus, refcount int32) Lifecycle {
	return Lifecycle{status: status, refcount: refcount}
}

func TestLifecycle_Transitions(t *testing.T) {
	type step func(Lifecycle) (Lifecycle, error)
	acquire := Lifecycle.Acquire
	release := Lifecycle.Release
	ready := Lifecycle.MarkReady
	fail := Lifecycle.MarkFailed

	tests := []struct {
		name    string
		from    Lifecycle
		step    step
		want    Lifecycle
		illegal bool
	}{
		{"acquire pending", lc(db.AssetStatusPending, 0), acquire, lc(db.AssetStatusPending, 1), false},
		{"acquire ready", lc(db.AssetStatusReady, 2), acquire, lc(db.AssetStatusReady, 3), false},
		{"acquire failed", lc(db.AssetStatusFailed, 1), acquire, Lifecycle{}, true},
		{"acquire removed", lc(db.AssetStatusRemoved, 0), acquire, Lifecycle{}, true},

		{"release keeps status", lc(db.AssetStatusReady, 2), release, lc(db.AssetStatusReady, 1), false},
		{"release last ready", lc(db.AssetStatusReady, 1), release, lc(db.AssetStatusRemoved, 0), false},
		{"release last pending", lc(db.AssetStatusPending, 1), release, lc(db.AssetStatusRemoved, 0), false},
		{"release last failed", lc(db.AssetStatusFailed, 1), release, lc(db.AssetStatusRemoved, 0), false},
		{"release at zero", lc(db.AssetStatusPending, 0), release, Lifecycle{}, true},
		{"release removed", lc(db.AssetStatusRemoved, 0), release, Lifecycle{}, true},

		{"ready from pending", lc(db.AssetStatusPending, 1), ready, lc(db.AssetStatusReady, 1), false},
		{"ready from failed", lc(db.AssetStatusFailed, 1), ready, Lifecycle{}, true},
		{"ready from removed", lc(db.AssetStatusRemoved, 0), ready, Lifecycle{}, true},
		{"ready twice", lc(db.AssetStatusReady, 1), ready, Lifecycle{}, true},

		{"fail from pending", lc(db.AssetStatusPending, 1), fail, lc(db.AssetStatusFailed, 1), false},
		{"fail from ready", lc(db.AssetStatusReady, 1), fail, Lifecycle{}, true},
		{"fail from removed", lc(db.AssetStatusRemoved, 0), fail, Lifecycle{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.step(tt.from)
			if tt.illegal {
				require.ErrorIs(t, err, ErrIllegalTransition)
				var terr *TransitionError
				require.ErrorAs(t, err, &terr)
				require.Equal(t, tt.from.status, terr.From)
				require.Equal(t, tt.from, got)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestLifecycleOf(t *testing.T) {
	l, err := LifecycleOf(&db.SourceAsset{Status: db.AssetStatusReady, Refcount: 3})
	require.NoError(t, err)
	require.Equal(t, db.AssetStatusReady, l.Status())
	require.EqualValues(t, 3, l.Refcount())
	require.True(t, l.Reusable())
	require.False(t, l.Purgeable())

	_, err = LifecycleOf(&db.SourceAsset{Status: "bogus"})
	require.Error(t, err)

	_, err = LifecycleOf(&db.SourceAsset{Status: db.AssetStatusReady, Refcount: -1})
	require.Error(t, err)

	l, err = LifecycleOf(&db.SourceAsset{Status: db.AssetStatusRemoved})
	require.NoError(t, err)
	require.True(t, l.Purgeable())
	require.False(t, l.Reusable())
}

func TestNewLifecycle(t *testing.T) {
	l := NewLifecycle()
	require.Equal(t, db.AssetStatusPending, l.Status())
	require.Zero(t, l.Refcount())
}
