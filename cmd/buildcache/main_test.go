package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/build-cache/rulekey"
)

func TestParseField(t *testing.T) {
	name, v, err := parseField("javac=17")
	require.NoError(t, err)
	require.Equal(t, "javac", name)
	require.Equal(t, rulekey.KindInt, v.Kind())

	_, v, err = parseField("flags=-g -O2")
	require.NoError(t, err)
	require.Equal(t, rulekey.KindString, v.Kind())

	_, v, err = parseField("srcs=@src/Main.java")
	require.NoError(t, err)
	require.Equal(t, rulekey.KindPath, v.Kind())

	_, _, err = parseField("novalue")
	require.Error(t, err)
	_, _, err = parseField("=x")
	require.Error(t, err)
}

func TestNewLogger(t *testing.T) {
	for _, format := range []string{"text", "json"} {
		logger, err := newLogger("debug", format)
		require.NoError(t, err)
		require.True(t, logger.Enabled(context.Background(), -4))
	}

	_, err := newLogger("loud", "text")
	require.Error(t, err)
	_, err = newLogger("info", "xml")
	require.Error(t, err)
}

func TestKeyCmdDeterministic(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("hello"), 0o644))

	logger, err := newLogger("error", "json")
	require.NoError(t, err)
	g := &Globals{logger: logger}

	cmd := &KeyCmd{Root: root, Rule: "//app:lib", Fields: []string{"src=@a.txt", "opt=1"}}
	require.NoError(t, cmd.Run(context.Background(), g))

	cmd.Fields = []string{"src=@missing.txt"}
	require.Error(t, cmd.Run(context.Background(), g))
}
