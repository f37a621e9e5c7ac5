package projector

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func runCoalesce(t *testing.T, ctx context.Context, sources ...chan string) (<-chan string, <-chan error) {
	t.Helper()
	in := make([]<-chan string, len(sources))
	for i, s := range sources {
		in[i] = s
	}
	out := make(chan string, 16)
	done := make(chan error, 1)
	go func() {
		done <- Coalesce(ctx, in, func(s string) bool { return s != "" }, "fallback", func(v string) { out <- v })
	}()
	return out, done
}

func nextValue(t *testing.T, ch <-chan string) string {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for coalesced value")
	}
	return ""
}

func TestCoalesce_PriorityAndFallback(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	name, alias, heroes := make(chan string), make(chan string), make(chan string)
	out, done := runCoalesce(t, ctx, name, alias, heroes)

	// Nothing is chosen while a higher-priority source is still silent.
	alias <- "#ops:x"
	select {
	case v := <-out:
		t.Fatalf("emitted %q before the name source reported", v)
	case <-time.After(50 * time.Millisecond):
	}

	name <- ""
	require.Equal(t, "#ops:x", nextValue(t, out))

	heroes <- "@alice:x"
	name <- "Ops"
	require.Equal(t, "Ops", nextValue(t, out))

	name <- ""
	require.Equal(t, "#ops:x", nextValue(t, out))

	alias <- ""
	require.Equal(t, "@alice:x", nextValue(t, out))

	heroes <- ""
	require.Equal(t, "fallback", nextValue(t, out))

	// Unchanged outcome is not re-emitted.
	heroes <- ""
	name <- "Ops"
	require.Equal(t, "Ops", nextValue(t, out))

	cancel()
	require.NoError(t, <-done)
}

func TestCoalesce_ClosedSource(t *testing.T) {
	a, b := make(chan string), make(chan string)
	_, done := runCoalesce(t, context.Background(), a, b)
	close(a)
	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrSourceClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("coalesce did not stop")
	}
}

func TestHeroesName(t *testing.T) {
	cases := []struct {
		members MemberSet
		want    string
	}{
		{MemberSet{"@me:x"}, ""},
		{MemberSet{"@alice:x", "@me:x"}, "@alice:x"},
		{MemberSet{"@alice:x", "@bob:x", "@me:x"}, "@alice:x and @bob:x"},
		{MemberSet{"@alice:x", "@bob:x", "@carol:x", "@dan:x", "@me:x"}, "@alice:x, @bob:x and 2 others"},
	}
	for _, c := range cases {
		require.Equal(t, c.want, HeroesName(c.members, "@me:x"))
	}
}
