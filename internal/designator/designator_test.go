package designator

import (
	"errors"
	"slices"
	"testing"

	"github.com/danmuck/edgelink/internal/stamp"
	"github.com/danmuck/edgelink/internal/testutil/testlog"
	"github.com/stretchr/testify/require"
)

type renderContext struct {
	Depth int
}

func (r renderContext) DeriveExtra(parent Designator) any {
	return renderContext{Depth: r.Depth + 1}
}

func TestNewEnforcesSessionInvariants(t *testing.T) {
	testlog.Start(t)
	g := stamp.NewGenerator()

	_, err := New(Upward, g.Generate(), 0, "", "")
	require.True(t, errors.Is(err, ErrMissingSession))

	_, err = New(Downward, g.Generate(), 0, "", "")
	require.True(t, errors.Is(err, ErrMissingSession))

	_, err = New(Internal, g.Generate(), 0, "t1", "")
	require.ErrorIs(t, err, ErrTagWithoutSession)

	_, err = New(Internal, 0, 0, "", "")
	require.ErrorIs(t, err, ErrMissingStamp)

	s := g.Generate()
	_, err = New(Internal, s, s, "", "")
	require.ErrorIs(t, err, ErrCauseIsSelf)

	d, err := New(Upward, g.Generate(), 0, "t1", "sess-1")
	require.NoError(t, err)
	require.Equal(t, "t1", d.Tag())
	require.Equal(t, "sess-1", d.SessionID())
}

func TestDeriveSetsCauseAndInheritsRouting(t *testing.T) {
	testlog.Start(t)
	g := stamp.NewGenerator()
	up, err := NewUpward(g.Generate(), "req-7", "sess-1")
	require.NoError(t, err)

	down, err := up.Derive(Downward, g.Generate(), "", "")
	require.NoError(t, err)
	require.Equal(t, up.Stamp(), down.Cause())
	require.Equal(t, up.Stamp(), down.Cause())
	require.Equal(t, "req-7", down.Tag())
	require.Equal(t, "sess-1", down.SessionID())
	require.Equal(t, Downward, down.Kind())

	require.False(t, up.HasCause(), "parent must be unchanged")
}

func TestDeriveCarriesExtraPayload(t *testing.T) {
	testlog.Start(t)
	g := stamp.NewGenerator()
	base := NewInternal(g.Generate()).WithExtra(renderContext{Depth: 1})

	child, err := base.Derive(Internal, g.Generate(), "", "")
	require.NoError(t, err)
	require.Equal(t, renderContext{Depth: 2}, child.Extra())

	plain := NewInternal(g.Generate()).WithExtra("opaque")
	child, err = plain.Derive(Internal, g.Generate(), "", "")
	require.NoError(t, err)
	require.Equal(t, "opaque", child.Extra())
}

func TestCompareOrdersByStampThenCauseThenTagThenSession(t *testing.T) {
	testlog.Start(t)
	s1 := stamp.Stamp(10 << 20)
	s2 := stamp.Stamp(11 << 20)

	a := MustNew(Upward, s1, 0, "", "b")
	b := MustNew(Upward, s1, 0, "", "a")
	c := MustNew(Upward, s1, 0, "x", "a")
	d := MustNew(Upward, s1, s2, "", "a")
	e := MustNew(Upward, s2, 0, "", "a")

	got := []Designator{e, d, c, a, b}
	slices.SortFunc(got, Compare)
	want := []Designator{b, a, c, d, e}
	for i := range want {
		require.Zero(t, Compare(want[i], got[i]), "position %d: want %s got %s", i, want[i], got[i])
	}
}

func TestParseKind(t *testing.T) {
	for _, k := range []Kind{Internal, Upward, Downward} {
		got, err := ParseKind(k.String())
		require.NoError(t, err)
		require.Equal(t, k, got)
	}
	_, err := ParseKind("sideways")
	require.ErrorIs(t, err, ErrInvalid)
}
