// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package testutils

import (
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// copyTree copies the contents of src into dst, keeping file modes and symlinks.
func copyTree(src string, dst string) error {
	return filepath.WalkDir(src, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		relPath, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, relPath)

		info, err := entry.Info()
		if err != nil {
			return err
		}

		switch {
		case entry.Type()&fs.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			return os.Symlink(link, target)

		case entry.IsDir():
			err := os.MkdirAll(target, info.Mode().Perm())
			if err != nil {
				return err
			}
			return os.Chmod(target, info.Mode().Perm())

		default:
			return copyFile(path, target, info.Mode().Perm())
		}
	})
}

func copyFile(src string, dst string, perm os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, perm)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	if err != nil {
		return err
	}

	err = out.Chmod(perm)
	if err != nil {
		return err
	}

	return out.Close()
}
