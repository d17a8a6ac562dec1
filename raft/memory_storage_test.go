package raft

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemoryStorage_TermAndVoteRoundTrip(t *testing.T) {
	s := NewMemoryStorage()

	term, err := s.GetCurrentTerm()
	require.NoError(t, err)
	require.Equal(t, Term(0), term)

	require.NoError(t, s.SetCurrentTerm(7))
	term, err = s.GetCurrentTerm()
	require.NoError(t, err)
	require.Equal(t, Term(7), term)

	_, ok, err := s.GetVote(7)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, s.SetVote(7, 2))
	candidate, ok, err := s.GetVote(7)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, ServerId(2), candidate)
}

func TestMemoryStorage_AppendAndTruncate(t *testing.T) {
	s := NewMemoryStorage()
	require.NoError(t, s.AppendEntry(LogEntry{Index: 1, Term: 1}))
	require.NoError(t, s.AppendEntry(LogEntry{Index: 2, Term: 1}))
	require.NoError(t, s.AppendEntry(LogEntry{Index: 3, Term: 2}))

	last, err := s.LastLogIndex()
	require.NoError(t, err)
	require.Equal(t, LogIndex(3), last)

	entries, err := s.EntriesFrom(2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, LogIndex(2), entries[0].Index)

	require.NoError(t, s.TruncateFrom(2))
	last, err = s.LastLogIndex()
	require.NoError(t, err)
	require.Equal(t, LogIndex(1), last)

	_, ok, err := s.Entry(2)
	require.NoError(t, err)
	require.False(t, ok, "truncated entry must no longer be present")
}

func TestMemoryStorage_EntryMissingIsNotError(t *testing.T) {
	s := NewMemoryStorage()
	_, ok, err := s.Entry(5)
	require.NoError(t, err)
	require.False(t, ok)
}
