// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

// Helpers for reading and writing files on the host or under a mounted image root.

package file

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/microsoft/arm-image-installer/toolkit/tools/internal/logger"
)

// PathExists checks if a given path exists. Symlinks are not followed.
func PathExists(path string) (exists bool, err error) {
	_, err = os.Lstat(path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// DirExists checks if a directory exists at the given path.
func DirExists(path string) (exists bool, err error) {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return info.IsDir(), nil
}

// IsFile checks if the path is a regular file. A missing path is not a file.
func IsFile(path string) (isFile bool, err error) {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return info.Mode().IsRegular(), nil
}

// WriteWithPerm writes a string to dst and applies perm, ignoring umask.
func WriteWithPerm(data string, dst string, perm os.FileMode) (err error) {
	logger.Log.Tracef("Writing to (%s)", dst)

	dstFile, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, perm)
	if err != nil {
		return err
	}
	defer dstFile.Close()

	err = dstFile.Chmod(perm)
	if err != nil {
		return err
	}

	_, err = dstFile.WriteString(data)
	if err != nil {
		return err
	}

	return dstFile.Close()
}

// Append appends a string to the end of dst, creating it with perm if needed.
func Append(data string, dst string, perm os.FileMode) (err error) {
	logger.Log.Tracef("Appending to (%s)", dst)

	dstFile, err := os.OpenFile(dst, os.O_CREATE|os.O_APPEND|os.O_WRONLY, perm)
	if err != nil {
		return err
	}
	defer dstFile.Close()

	_, err = dstFile.WriteString(data)
	if err != nil {
		return err
	}

	return dstFile.Close()
}

// ReadLines reads a file line by line. Trailing newlines are dropped.
func ReadLines(path string) (lines []string, err error) {
	handle, err := os.Open(path)
	if err != nil {
		return
	}
	defer handle.Close()

	scanner := bufio.NewScanner(handle)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}

	err = scanner.Err()
	return
}

// CreateDestinationDir creates the parent directory of dst, if needed.
func CreateDestinationDir(dst string, dirMode os.FileMode) (err error) {
	dir := filepath.Dir(dst)
	exists, err := DirExists(dir)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	return os.MkdirAll(dir, dirMode)
}

// GetAbsPathWithBase returns path made absolute against baseDir when it is relative.
func GetAbsPathWithBase(baseDir string, path string) string {
	if filepath.IsAbs(path) {
		return path
	}

	return filepath.Join(baseDir, path)
}

// ContentEquals compares a file's bytes with expected.
func ContentEquals(path string, expected []byte) (equal bool, err error) {
	actual, err := os.ReadFile(path)
	if err != nil {
		return false, err
	}

	return bytes.Equal(actual, expected), nil
}

// ContainsLine checks whether any line of the file equals line, after trimming whitespace.
func ContainsLine(path string, line string) (found bool, err error) {
	exists, err := PathExists(path)
	if err != nil || !exists {
		return false, err
	}

	lines, err := ReadLines(path)
	if err != nil {
		return false, fmt.Errorf("failed to read (%s):\n%w", path, err)
	}

	line = strings.TrimSpace(line)
	for _, existing := range lines {
		if strings.TrimSpace(existing) == line {
			return true, nil
		}
	}

	return false, nil
}
