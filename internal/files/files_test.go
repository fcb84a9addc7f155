package files

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func touch(t *testing.T, root string, names ...string) {
	t.Helper()
	for _, name := range names {
		path := filepath.Join(root, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte("<?php\n"), 0o644))
	}
}

func TestFind(t *testing.T) {
	root := t.TempDir()
	touch(t, root,
		"src/App.php",
		"src/Model/User.PHP",
		"src/Model/User.php.bak",
		"src/Generated/Proxy.php",
		"src/tpl/view.phtml",
		"tests/AppTest.php",
		"vendor/lib/Lib.php",
		"bin/console",
	)

	f := &Finder{
		Extensions: []string{"php", ".phtml"},
		Excludes:   []string{filepath.Join(root, "src/Generated"), "vendor", "*Test.php"},
	}
	got, err := f.Find([]string{root, filepath.Join(root, "src"), filepath.Join(root, "bin/console")})
	require.NoError(t, err)

	assert.Equal(t, []string{
		filepath.Join(root, "bin/console"),
		filepath.Join(root, "src/App.php"),
		filepath.Join(root, "src/Model/User.PHP"),
		filepath.Join(root, "src/tpl/view.phtml"),
	}, got)
}

func TestFindMissingRoot(t *testing.T) {
	_, err := (&Finder{Extensions: []string{"php"}}).Find([]string{filepath.Join(t.TempDir(), "missing")})
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestFindNoRoots(t *testing.T) {
	_, err := (&Finder{}).Find(nil)
	assert.ErrorIs(t, err, ErrNoPaths)
}

func TestReadPathsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "paths.txt")
	require.NoError(t, os.WriteFile(path, []byte("src\n\n# generated code\n  lib/Util.php  \n"), 0o644))

	got, err := ReadPathsFile(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"src", "lib/Util.php"}, got)

	_, err = ReadPathsFile(filepath.Join(t.TempDir(), "none.txt"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
