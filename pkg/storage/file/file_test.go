package file

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rheehot/bpteng/pkg/storage/page"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := Create("t.db", NewMemDevice())
	require.NoError(t, err)
	return m
}

func TestHashSeparatorResetsAccumulator(t *testing.T) {
	require.Equal(t, Hash("file"), Hash("/a/b/file"))
}

func TestCreateInitializesEmptyHeader(t *testing.T) {
	m := newTestManager(t)
	require.Equal(t, page.Invalid, m.RootPage())
}

func TestSetRootPagePersists(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.SetRootPage(3))
	require.Equal(t, page.ID(3), m.RootPage())
}

func TestPageCreateExtendsThenReusesFreedPages(t *testing.T) {
	m := newTestManager(t)

	first, err := m.PageCreate()
	require.NoError(t, err)
	require.Equal(t, page.ID(1), first)

	second, err := m.PageCreate()
	require.NoError(t, err)
	require.Equal(t, page.ID(2), second)

	require.NoError(t, m.PageFree(first))

	reused, err := m.PageCreate()
	require.NoError(t, err)
	require.Equal(t, first, reused, "a freed page must be returned before the file extends")

	third, err := m.PageCreate()
	require.NoError(t, err)
	require.Equal(t, page.ID(3), third)
}

func TestPageWriteReadRoundTrip(t *testing.T) {
	m := newTestManager(t)
	pn, err := m.PageCreate()
	require.NoError(t, err)

	var raw page.Raw
	raw[0] = 0xAB
	require.NoError(t, m.PageWrite(pn, &raw))

	var got page.Raw
	require.NoError(t, m.PageRead(pn, &got))
	require.Equal(t, raw, got)
}
