package main

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danielpatrickdp/retrieval-accuracy/internal/accuracy"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var buf bytes.Buffer
	root := newRootCmd()
	root.SetOut(&buf)
	root.SetErr(&buf)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return buf.String(), err
}

func TestConfigLifecycleCommands(t *testing.T) {
	db := filepath.Join(t.TempDir(), "cli.db")

	out, err := run(t, "config", "active", "--db", db)
	require.NoError(t, err)
	assert.Contains(t, out, "v1")
	assert.Contains(t, out, "ACTIVE")

	out, err = run(t, "config", "propose", "--db", db, "--semantic", "0.7", "--keyword", "0.2")
	require.NoError(t, err)
	assert.Contains(t, out, "created v2 (DRAFT, parent v1)")

	out, err = run(t, "config", "list", "--db", db, "--json")
	require.NoError(t, err)
	var list []accuracy.AccuracyConfig
	require.NoError(t, json.Unmarshal([]byte(out), &list))
	require.Len(t, list, 2)
	assert.Equal(t, int64(2), list[0].Version)
	assert.InDelta(t, 0.7, list[0].Weights.Semantic, 1e-9)
	assert.InDelta(t, accuracy.DefaultWeights().Recency, list[0].Weights.Recency, 1e-9, "unset flags inherit ACTIVE")

	_, err = run(t, "config", "promote", "2", "--db", db)
	assert.ErrorIs(t, err, accuracy.ErrInvalidTransition, "DRAFT cannot skip SHADOW")

	out, err = run(t, "config", "enroll", "2", "--db", db)
	require.NoError(t, err)
	assert.Contains(t, out, "v2 is now SHADOW")

	_, err = run(t, "config", "promote", "2", "--db", db, "--expect", "5")
	assert.ErrorIs(t, err, accuracy.ErrConfigConflict)

	out, err = run(t, "config", "promote", "2", "--db", db)
	require.NoError(t, err)
	assert.Contains(t, out, "v2 is now ACTIVE (replaced v1)")

	out, err = run(t, "inspect", "--db", db, "--json")
	require.NoError(t, err)
	var detail versionDetail
	require.NoError(t, json.Unmarshal([]byte(out), &detail))
	assert.Equal(t, int64(2), detail.Config.Version)
	assert.Len(t, detail.Transitions, 2)

	_, err = run(t, "config", "retire", "2", "--db", db)
	assert.ErrorIs(t, err, accuracy.ErrInvalidTransition, "ACTIVE is only replaced by promotion")
}

func TestReplayOnEmptyLogs(t *testing.T) {
	db := filepath.Join(t.TempDir(), "cli.db")
	out, err := run(t, "replay", "--db", db)
	require.NoError(t, err)
	assert.Contains(t, out, "events=0")
	assert.Contains(t, out, "next: no_op")
}

func TestServeRequiresChunkStore(t *testing.T) {
	db := filepath.Join(t.TempDir(), "cli.db")
	_, err := run(t, "serve", "--db", db)
	assert.ErrorContains(t, err, "chunk_store")
}

func TestParseVersion(t *testing.T) {
	v, err := parseVersion("12")
	require.NoError(t, err)
	assert.Equal(t, int64(12), v)
	_, err = parseVersion("0")
	assert.Error(t, err)
	_, err = parseVersion("abc")
	assert.Error(t, err)
}
