// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"archive/tar"
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/spf13/cobra"

	"gosh-builder/internal/config"
	"gosh-builder/internal/issue"
	"gosh-builder/internal/proxy"
)

var errUnsafeArchivePath = errors.New("archive entry escapes the destination")

func newGetCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get",
		Short: "Fetch content through a running fetch proxy",
	}
	cmd.PersistentFlags().StringP("socket", "s", config.DefaultSocket, "address of the fetch proxy")

	commitCmd := &cobra.Command{
		Use:   "commit URL COMMIT",
		Short: "Extract a commit into a directory",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			out, _ := cmd.Flags().GetString("out")
			return runGetCommit(cmd, args[0], args[1], out)
		},
	}
	commitCmd.Flags().StringP("out", "o", ".", "destination directory")

	fileCmd := &cobra.Command{
		Use:   "file URL COMMIT PATH",
		Short: "Write one file of a commit to stdout or --out",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			out, _ := cmd.Flags().GetString("out")
			raw, _ := cmd.Flags().GetBool("raw")
			return runGetFile(cmd, args[0], args[1], args[2], out, raw)
		},
	}
	fileCmd.Flags().StringP("out", "o", "", "destination file (default stdout)")
	fileCmd.Flags().Bool("raw", false, "ask the proxy for uncompressed content")

	cmd.AddCommand(commitCmd, fileCmd)
	return cmd
}

func dialProxy(cmd *cobra.Command) (*proxy.Client, error) {
	socket, err := cmd.Flags().GetString("socket")
	if err != nil {
		return nil, err
	}
	c, err := proxy.Dial(socket)
	if err != nil {
		return nil, issue.WrapWithContext(err, issue.ErrNetwork, "connect to fetch proxy", socket)
	}
	return c, nil
}

func runGetCommit(cmd *cobra.Command, url, commit, dir string) error {
	stderr := cmd.ErrOrStderr()

	client, err := dialProxy(cmd)
	if err != nil {
		return reportError(stderr, err, false)
	}
	defer client.Close()

	body, err := client.Commit(cmd.Context(), url, commit)
	if err != nil {
		return reportError(stderr, issue.WrapWithContext(err, issue.ErrCache, "fetch commit", url+"@"+commit), false)
	}

	dec, err := zstd.NewReader(bytes.NewReader(body))
	if err != nil {
		return reportError(stderr, issue.WrapWithOperation(err, "decompress commit archive"), false)
	}
	defer dec.Close()

	if err := extractTar(dec, dir); err != nil {
		return reportError(stderr, issue.WrapWithContext(err, issue.ErrCache, "extract commit archive", dir), false)
	}
	return nil
}

func runGetFile(cmd *cobra.Command, url, commit, path, out string, raw bool) error {
	stderr := cmd.ErrOrStderr()

	client, err := dialProxy(cmd)
	if err != nil {
		return reportError(stderr, err, false)
	}
	defer client.Close()

	body, err := client.File(cmd.Context(), url, commit, path, raw)
	if err != nil {
		return reportError(stderr, issue.WrapWithContext(err, issue.ErrCache, "fetch file", path), false)
	}
	if !raw {
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return reportError(stderr, issue.WrapWithOperation(err, "decompress file"), false)
		}
		body, err = dec.DecodeAll(body, nil)
		dec.Close()
		if err != nil {
			return reportError(stderr, issue.WrapWithOperation(err, "decompress file"), false)
		}
	}

	if out == "" {
		_, err = cmd.OutOrStdout().Write(body)
		return err
	}
	if err := os.WriteFile(out, body, 0o644); err != nil {
		return reportError(stderr, issue.WrapWithOperation(err, "write "+out), false)
	}
	return nil
}

// extractTar unpacks a tar stream into dir. Entries that would land outside
// dir are rejected: paths are checked lexically, symlink targets must stay
// inside dir, and no entry may be written through a symlink already
// extracted.
func extractTar(r io.Reader, dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read archive: %w", err)
		}

		target, err := archiveTarget(dir, hdr.Name)
		if err != nil {
			return err
		}
		if err := checkNoSymlinks(dir, hdr.Name); err != nil {
			return err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := writeArchiveFile(tr, target, hdr.FileInfo().Mode().Perm()); err != nil {
				return err
			}
		case tar.TypeSymlink:
			if filepath.IsAbs(hdr.Linkname) {
				return fmt.Errorf("%w: %s -> %s", errUnsafeArchivePath, hdr.Name, hdr.Linkname)
			}
			if _, err := archiveTarget(dir, filepath.Join(filepath.Dir(filepath.FromSlash(hdr.Name)), hdr.Linkname)); err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return err
			}
		}
	}
}

func archiveTarget(dir, name string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(name))
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", errUnsafeArchivePath, name)
	}
	return filepath.Join(dir, clean), nil
}

// checkNoSymlinks rejects name when any existing component of its path below
// dir, itself included, is a symlink.
func checkNoSymlinks(dir, name string) error {
	cur := dir
	for _, part := range strings.Split(filepath.Clean(filepath.FromSlash(name)), string(filepath.Separator)) {
		if part == "." || part == "" {
			continue
		}
		cur = filepath.Join(cur, part)
		fi, err := os.Lstat(cur)
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		if err != nil {
			return err
		}
		if fi.Mode()&fs.ModeSymlink != 0 {
			return fmt.Errorf("%w: %s passes through symlink %s", errUnsafeArchivePath, name, cur)
		}
	}
	return nil
}

func writeArchiveFile(r io.Reader, target string, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm|0o200)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
