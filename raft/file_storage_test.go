package raft

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFileStorage_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "raft.db")

	fs, err := OpenFileStorage(path)
	require.NoError(t, err)
	require.NoError(t, fs.SetCurrentTerm(3))
	require.NoError(t, fs.SetVote(3, 2))
	require.NoError(t, fs.AppendEntry(LogEntry{Index: 1, Term: 3, Command: ApplicationCommand{Payload: []byte("x")}}))

	reopened, err := OpenFileStorage(path)
	require.NoError(t, err)

	term, err := reopened.GetCurrentTerm()
	require.NoError(t, err)
	require.Equal(t, Term(3), term)

	candidate, ok, err := reopened.GetVote(3)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, ServerId(2), candidate)

	entry, ok, err := reopened.Entry(1)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, Term(3), entry.Term)
	cmd, ok := entry.Command.(ApplicationCommand)
	require.True(t, ok)
	require.Equal(t, []byte("x"), cmd.Payload)
}

func TestFileStorage_FreshFileStartsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "raft.db")
	fs, err := OpenFileStorage(path)
	require.NoError(t, err)

	term, err := fs.GetCurrentTerm()
	require.NoError(t, err)
	require.Equal(t, Term(0), term)

	last, err := fs.LastLogIndex()
	require.NoError(t, err)
	require.Equal(t, LogIndex(0), last)
}
