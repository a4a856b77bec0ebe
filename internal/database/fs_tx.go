package database

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// FSTransaction scopes filesystem changes of a storage migration to one directory
// and undoes them when the migration does not commit.
type FSTransaction struct {
	root    string
	renames [][2]string
}

func newFSTransaction(root string) *FSTransaction {
	return &FSTransaction{root: root}
}

// Root returns the directory the transaction is scoped to.
func (f *FSTransaction) Root() string {
	return f.root
}

// Rename moves a file inside the root, creating parent directories of the target.
func (f *FSTransaction) Rename(from string, to string) error {
	fromPath, err := f.scoped(from)
	if err != nil {
		return err
	}
	toPath, err := f.scoped(to)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(toPath), 0o755); err != nil {
		return fmt.Errorf("fs tx: mkdir: %w", err)
	}
	if err := os.Rename(fromPath, toPath); err != nil {
		return fmt.Errorf("fs tx: rename: %w", err)
	}
	f.renames = append(f.renames, [2]string{fromPath, toPath})
	return nil
}

// Rollback reverts renames in reverse order.
func (f *FSTransaction) Rollback() error {
	var rollbackErrors []error
	for index := len(f.renames) - 1; index >= 0; index-- {
		rename := f.renames[index]
		if err := os.Rename(rename[1], rename[0]); err != nil {
			rollbackErrors = append(rollbackErrors, err)
		}
	}
	f.renames = nil
	return errors.Join(rollbackErrors...)
}

func (f *FSTransaction) commit() {
	f.renames = nil
}

func (f *FSTransaction) scoped(relative string) (string, error) {
	cleaned := filepath.Clean(relative)
	if filepath.IsAbs(cleaned) || cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("fs tx: path %q escapes %s", relative, f.root)
	}
	return filepath.Join(f.root, cleaned), nil
}
