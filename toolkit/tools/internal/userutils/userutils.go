// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package userutils

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"syscall"

	"github.com/microsoft/arm-image-installer/toolkit/tools/internal/file"
	"github.com/microsoft/arm-image-installer/toolkit/tools/internal/logger"
)

const (
	RootUser    = "root"
	RootHomeDir = "/root"

	ShadowFile                = "/etc/shadow"
	SSHDirectoryName          = ".ssh"
	SSHAuthorizedKeysFileName = "authorized_keys"

	SshDirectoryPerm   os.FileMode = 0o700
	AuthorizedKeysPerm os.FileMode = 0o600
)

// UpdateUserPassword replaces the password field of a user's /etc/shadow entry under installRoot.
// An empty hashedPassword clears the password, which allows passwordless console login.
// The other fields and the other entries are preserved.
func UpdateUserPassword(installRoot string, username string, hashedPassword string) error {
	shadowFilePath := filepath.Join(installRoot, ShadowFile)

	// Find the line that starts with "<user>:<password>:..."
	findUserEntry, err := regexp.Compile(fmt.Sprintf("(?m)^%s:[^:\n]*:", regexp.QuoteMeta(username)))
	if err != nil {
		return fmt.Errorf("failed to compile user (%s) password update regex:\n%w", username, err)
	}

	shadowFileBytes, err := os.ReadFile(shadowFilePath)
	if err != nil {
		return fmt.Errorf("failed to read shadow file (%s) to update user's (%s) password:\n%w", shadowFilePath,
			username, err)
	}

	shadowFile := string(shadowFileBytes)

	entryIndexes := findUserEntry.FindStringIndex(shadowFile)
	if entryIndexes == nil {
		return fmt.Errorf("failed to find user (%s) in shadow file (%s)", username, shadowFilePath)
	}

	newShadowFile := fmt.Sprintf("%s%s:%s:%s", shadowFile[:entryIndexes[0]], username, hashedPassword,
		shadowFile[entryIndexes[1]:])

	err = rewriteInPlace(shadowFilePath, newShadowFile)
	if err != nil {
		return fmt.Errorf("failed to write new shadow file (%s) to update user's (%s) password:\n%w", shadowFilePath,
			username, err)
	}

	return nil
}

// ClearRootPassword empties the root password field.
func ClearRootPassword(installRoot string) error {
	logger.Log.Infof("Clearing root password")
	return UpdateUserPassword(installRoot, RootUser, "")
}

// AuthorizedKeysPath returns the authorized_keys path for a home directory.
func AuthorizedKeysPath(homeDir string) string {
	return filepath.Join(homeDir, SSHDirectoryName, SSHAuthorizedKeysFileName)
}

// AddAuthorizedKey appends a public key to homeDir's authorized_keys, preceded by a comment line.
// The key is not added again if the file already contains it. Returns whether the file changed.
// The .ssh directory and the file take the owner of homeDir.
func AddAuthorizedKey(homeDir string, pubKey string, comment string) (added bool, err error) {
	pubKey = strings.TrimSpace(pubKey)
	if pubKey == "" {
		return false, fmt.Errorf("SSH public key is empty")
	}

	sshDir := filepath.Join(homeDir, SSHDirectoryName)
	authorizedKeysPath := AuthorizedKeysPath(homeDir)

	err = os.MkdirAll(homeDir, SshDirectoryPerm)
	if err != nil {
		return false, fmt.Errorf("failed to create home directory (%s):\n%w", homeDir, err)
	}

	uid, gid, err := fileOwner(homeDir)
	if err != nil {
		return false, err
	}

	err = os.MkdirAll(sshDir, SshDirectoryPerm)
	if err != nil {
		return false, fmt.Errorf("failed to create .ssh directory (%s):\n%w", sshDir, err)
	}

	// Reapply the permissions to avoid the umask changing the value.
	err = os.Chmod(sshDir, SshDirectoryPerm)
	if err != nil {
		return false, fmt.Errorf("failed to set permissions on .ssh directory (%s):\n%w", sshDir, err)
	}

	err = os.Lchown(sshDir, uid, gid)
	if err != nil {
		return false, fmt.Errorf("failed to set ownership on .ssh directory (%s):\n%w", sshDir, err)
	}

	present, err := file.ContainsLine(authorizedKeysPath, pubKey)
	if err != nil {
		return false, err
	}

	if !present {
		content := pubKey + "\n"
		if comment != "" {
			content = "# " + comment + "\n" + content
		}

		content, err = separateFromExisting(authorizedKeysPath, content)
		if err != nil {
			return false, err
		}

		err = file.Append(content, authorizedKeysPath, AuthorizedKeysPerm)
		if err != nil {
			return false, fmt.Errorf("failed to write authorized_keys file (%s):\n%w", authorizedKeysPath, err)
		}
	}

	err = os.Chmod(authorizedKeysPath, AuthorizedKeysPerm)
	if err != nil {
		return false, fmt.Errorf("failed to set authorized_keys file (%s) permission:\n%w", authorizedKeysPath, err)
	}

	err = os.Lchown(authorizedKeysPath, uid, gid)
	if err != nil {
		return false, fmt.Errorf("failed to set authorized_keys file (%s) ownership:\n%w", authorizedKeysPath, err)
	}

	return !present, nil
}

// rewriteInPlace truncates and rewrites an existing file, keeping its inode so that the mode,
// ownership and SELinux label stay as they were.
func rewriteInPlace(path string, content string) error {
	handle, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC, 0)
	if err != nil {
		return err
	}
	defer handle.Close()

	_, err = handle.WriteString(content)
	if err != nil {
		return err
	}

	err = handle.Sync()
	if err != nil {
		return err
	}

	return handle.Close()
}

// separateFromExisting adds a leading newline when the existing file does not end with one.
func separateFromExisting(path string, content string) (string, error) {
	existing, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return content, nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read (%s):\n%w", path, err)
	}

	if len(existing) > 0 && existing[len(existing)-1] != '\n' {
		return "\n" + content, nil
	}
	return content, nil
}

func fileOwner(path string) (uid int, gid int, err error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to stat (%s):\n%w", path, err)
	}

	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return os.Getuid(), os.Getgid(), nil
	}

	return int(stat.Uid), int(stat.Gid), nil
}
