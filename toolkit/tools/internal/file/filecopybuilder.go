// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package file

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/microsoft/arm-image-installer/toolkit/tools/internal/logger"
)

type FileCopyBuilder struct {
	Src            string
	Dst            string
	DirFileMode    os.FileMode
	ChangeFileMode bool
	FileMode       os.FileMode
	Sync           bool
	Verify         bool
}

func NewFileCopyBuilder(src string, dst string) FileCopyBuilder {
	return FileCopyBuilder{
		Src:            src,
		Dst:            dst,
		DirFileMode:    os.ModePerm,
		ChangeFileMode: false,
		FileMode:       os.ModePerm,
	}
}

func (b FileCopyBuilder) SetDirFileMode(dirFileMode os.FileMode) FileCopyBuilder {
	b.DirFileMode = dirFileMode
	return b
}

func (b FileCopyBuilder) SetFileMode(fileMode os.FileMode) FileCopyBuilder {
	b.ChangeFileMode = true
	b.FileMode = fileMode
	return b
}

// SetSync flushes the destination to stable storage before closing it.
func (b FileCopyBuilder) SetSync() FileCopyBuilder {
	b.Sync = true
	return b
}

// SetVerify re-reads the destination after the copy and compares it byte-for-byte with the source.
func (b FileCopyBuilder) SetVerify() FileCopyBuilder {
	b.Verify = true
	return b
}

func (b FileCopyBuilder) Run() (err error) {
	logger.Log.Debugf("Copying (%s) to (%s)", b.Src, b.Dst)

	srcFileInfo, err := os.Stat(b.Src)
	if err != nil {
		return fmt.Errorf("failed to read source file info:\n%w", err)
	}

	if srcFileInfo.IsDir() {
		return fmt.Errorf("source (%s) is not a file", b.Src)
	}

	srcFile, err := os.Open(b.Src)
	if err != nil {
		return fmt.Errorf("failed to open source file:\n%w", err)
	}
	defer srcFile.Close()

	dstFileMode := b.FileMode
	if !b.ChangeFileMode {
		dstFileMode = srcFileInfo.Mode()
	}

	err = CreateDestinationDir(b.Dst, b.DirFileMode)
	if err != nil {
		return fmt.Errorf("failed to create destination directory (%s):\n%w", b.Dst, err)
	}

	dstFile, err := os.OpenFile(b.Dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, dstFileMode)
	if err != nil {
		return fmt.Errorf("failed to create destination file:\n%w", err)
	}
	defer func() {
		if dstFile != nil {
			dstFile.Close()
		}
	}()

	// The permissions given to OpenFile is subject to umask.
	err = dstFile.Chmod(dstFileMode)
	if err != nil {
		return fmt.Errorf("failed to set destination file permissions:\n%w", err)
	}

	copied := &bytes.Buffer{}
	var reader io.Reader = srcFile
	if b.Verify {
		reader = io.TeeReader(srcFile, copied)
	}

	_, err = io.Copy(dstFile, reader)
	if err != nil {
		return fmt.Errorf("failed to copy file:\n%w", err)
	}

	if b.Sync {
		err = dstFile.Sync()
		if err != nil {
			return fmt.Errorf("failed to sync destination file:\n%w", err)
		}
	}

	err = dstFile.Close()
	dstFile = nil
	if err != nil {
		return fmt.Errorf("failed to finalize destination file:\n%w", err)
	}

	if b.Verify {
		equal, err := ContentEquals(b.Dst, copied.Bytes())
		if err != nil {
			return fmt.Errorf("failed to re-read destination file (%s):\n%w", b.Dst, err)
		}

		if !equal {
			return fmt.Errorf("destination file (%s) does not match source file (%s)", b.Dst, b.Src)
		}
	}

	return nil
}
