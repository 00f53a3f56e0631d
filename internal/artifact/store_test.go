package artifact

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"qanerd/internal/config"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	cfg := config.DefaultArtifact(t.TempDir())
	s, err := NewStore(cfg)
	require.NoError(t, err)
	return s
}

func TestPutAndGet(t *testing.T) {
	s := newTestStore(t)

	key, err := s.Put("run-1", KindScreenshot, []byte("png-bytes"), "failure.png")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(key, "screenshots/run-1/"), "key %q must be namespaced by kind and run", key)

	data, err := s.Get(key)
	require.NoError(t, err)
	require.Equal(t, "png-bytes", string(data))
}

func TestPutLog(t *testing.T) {
	s := newTestStore(t)

	key, err := s.PutLog("run-1", "steps", "step 1 ok\nstep 2 ok\n")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(key, "logs/run-1/"))
	require.True(t, strings.HasSuffix(key, ".log"))
}

func TestPutRejectsTraversal(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Put("run-1", KindLog, []byte("x"), "../../etc/passwd.log")
	require.Error(t, err)
	require.Contains(t, err.Error(), "path traversal")
}

func TestPutRejectsOversize(t *testing.T) {
	cfg := config.DefaultArtifact(t.TempDir())
	cfg.MaxFileBytes = 8
	s, err := NewStore(cfg)
	require.NoError(t, err)

	_, err = s.Put("run-1", KindLog, []byte("way past the cap"), "big.log")
	require.Error(t, err)
	require.Contains(t, err.Error(), "too large")
}

func TestPutRejectsDisallowedExtension(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Put("run-1", KindScreenshot, []byte("x"), "shot.exe")
	require.Error(t, err)
	require.Contains(t, err.Error(), "not allowed")
}

func TestPutRejectsInvalidKind(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Put("run-1", Kind("TARBALL"), []byte("x"), "a.tar")
	require.Error(t, err)
}

func TestListGroupsByRun(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Put("run-1", KindScreenshot, []byte("a"), "one.png")
	require.NoError(t, err)
	_, err = s.PutLog("run-1", "run", "log text")
	require.NoError(t, err)
	_, err = s.Put("run-2", KindScreenshot, []byte("b"), "other.png")
	require.NoError(t, err)

	infos, err := s.List("run-1")
	require.NoError(t, err)
	require.Len(t, infos, 2)
	for _, info := range infos {
		require.Contains(t, info.Key, "run-1")
		require.NotZero(t, info.Size)
	}
}

func TestDeleteIsIdempotent(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Put("run-1", KindScreenshot, []byte("a"), "one.png")
	require.NoError(t, err)
	_, err = s.PutLog("run-1", "run", "text")
	require.NoError(t, err)

	n, err := s.Delete("run-1")
	require.NoError(t, err)
	require.Equal(t, 2, n)

	infos, err := s.List("run-1")
	require.NoError(t, err)
	require.Empty(t, infos)

	// Second delete succeeds and reports zero.
	n, err = s.Delete("run-1")
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

func TestStats(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Put("run-1", KindScreenshot, []byte("aaaa"), "one.png")
	require.NoError(t, err)
	_, err = s.Put("run-2", KindScreenshot, []byte("bb"), "two.png")
	require.NoError(t, err)
	_, err = s.PutLog("run-1", "run", "cc")
	require.NoError(t, err)

	st, err := s.Stats()
	require.NoError(t, err)
	require.Equal(t, 3, st.Total)
	require.Equal(t, int64(8), st.TotalSize)
	require.Equal(t, 2, st.ByKind[KindScreenshot].Count)
	require.Equal(t, 1, st.ByKind[KindLog].Count)
	require.False(t, st.Oldest.IsZero())
	require.False(t, st.Newest.Before(st.Oldest))
}

func TestSweepEnforcesRetention(t *testing.T) {
	s := newTestStore(t)

	// An artifact written "now" survives a 30-day sweep.
	_, err := s.Put("run-1", KindLog, []byte("recent"), "fresh.log")
	require.NoError(t, err)

	n, err := s.Sweep(30)
	require.NoError(t, err)
	require.Equal(t, 0, n)

	// Move the clock far forward: everything is now stale.
	s.now = func() time.Time { return time.Now().AddDate(0, 0, 90) }
	n, err = s.Sweep(30)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	infos, err := s.List("run-1")
	require.NoError(t, err)
	require.Empty(t, infos)
}
