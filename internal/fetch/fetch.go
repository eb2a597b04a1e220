// Package fetch downloads and unpacks the remote archives the pipelines
// depend on: training datasets, pretrained weights and k-space
// measurements. Files that already exist locally are never downloaded
// again, so interrupted runs can simply be restarted.
package fetch

import (
	"archive/tar"
	"archive/zip"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

// Download fetches url into dest. If dest already exists the download
// is skipped. The file is written to a temporary name first and renamed
// only on success, so partial downloads never masquerade as complete.
func Download(ctx context.Context, url, dest string) error {
	if _, err := os.Stat(dest); err == nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return fmt.Errorf("error creating download directory: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("error building request for %s: %w", url, err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("error fetching %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetching %s returned status %s", url, resp.Status)
	}

	tmp := dest + ".partial"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("error creating %s: %w", tmp, err)
	}
	_, err = io.Copy(f, resp.Body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		return fmt.Errorf("error writing %s: %w", dest, err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("error finalizing %s: %w", dest, err)
	}
	return nil
}

// VerifySHA256 checks a file against an expected hex digest. An empty
// digest disables the check.
func VerifySHA256(path, want string) error {
	if want == "" {
		return nil
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("error opening %s: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return fmt.Errorf("error hashing %s: %w", path, err)
	}
	got := hex.EncodeToString(h.Sum(nil))
	if !strings.EqualFold(got, want) {
		return fmt.Errorf("checksum mismatch for %s: got %s, want %s", path, got, want)
	}
	return nil
}

// Unpack extracts a .tar.gz, .tgz or .zip archive into destDir,
// creating it if necessary. Entries that would escape destDir are
// rejected.
func Unpack(archive, destDir string) error {
	switch {
	case strings.HasSuffix(archive, ".tar.gz"), strings.HasSuffix(archive, ".tgz"):
		return untar(archive, destDir)
	case strings.HasSuffix(archive, ".zip"):
		return unzip(archive, destDir)
	default:
		return fmt.Errorf("unsupported archive format: %s", archive)
	}
}

// securePath joins an archive entry name onto destDir, rejecting
// absolute names and parent traversal.
func securePath(destDir, name string) (string, error) {
	cleaned := filepath.Clean(filepath.FromSlash(name))
	if filepath.IsAbs(cleaned) || cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(os.PathSeparator)) {
		return "", fmt.Errorf("archive entry %q escapes destination", name)
	}
	return filepath.Join(destDir, cleaned), nil
}

func untar(archive, destDir string) error {
	f, err := os.Open(archive)
	if err != nil {
		return fmt.Errorf("error opening archive: %w", err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("error reading gzip stream: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("error reading archive: %w", err)
		}

		path, err := securePath(destDir, hdr.Name)
		if err != nil {
			return err
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(path, 0755); err != nil {
				return fmt.Errorf("error creating directory %s: %w", path, err)
			}
		case tar.TypeReg:
			if err := writeEntry(path, tr); err != nil {
				return err
			}
		default:
			// Links and special files are not expected in data archives.
		}
	}
}

func unzip(archive, destDir string) error {
	zr, err := zip.OpenReader(archive)
	if err != nil {
		return fmt.Errorf("error opening archive: %w", err)
	}
	defer zr.Close()

	for _, entry := range zr.File {
		path, err := securePath(destDir, entry.Name)
		if err != nil {
			return err
		}
		if entry.FileInfo().IsDir() {
			if err := os.MkdirAll(path, 0755); err != nil {
				return fmt.Errorf("error creating directory %s: %w", path, err)
			}
			continue
		}
		rc, err := entry.Open()
		if err != nil {
			return fmt.Errorf("error opening entry %s: %w", entry.Name, err)
		}
		err = writeEntry(path, rc)
		rc.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

// writeEntry stores one archive entry on disk.
func writeEntry(path string, r io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("error creating directory for %s: %w", path, err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("error creating %s: %w", path, err)
	}
	_, err = io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("error writing %s: %w", path, err)
	}
	return nil
}

// EnsureFile makes sure a single data file exists locally, downloading
// and verifying it when a URL is configured. A missing file with no URL
// is an error.
func EnsureFile(ctx context.Context, url, sha, path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	if url == "" {
		return fmt.Errorf("%s does not exist and no download URL is configured", path)
	}
	if err := Download(ctx, url, path); err != nil {
		return err
	}
	return VerifySHA256(path, sha)
}

// EnsureDir makes sure a data directory exists locally, downloading and
// extracting the configured archive when it does not. The archive is
// unpacked directly into dir.
func EnsureDir(ctx context.Context, url, sha, dir string) error {
	if _, err := os.Stat(dir); err == nil {
		return nil
	}
	if url == "" {
		return fmt.Errorf("%s does not exist and no download URL is configured", dir)
	}

	archive := dir + archiveSuffix(url)
	if err := Download(ctx, url, archive); err != nil {
		return err
	}
	if err := VerifySHA256(archive, sha); err != nil {
		return err
	}
	if err := Unpack(archive, dir); err != nil {
		return err
	}
	return os.Remove(archive)
}

// archiveSuffix picks the extension of the downloaded archive from its
// URL so Unpack can select the right format.
func archiveSuffix(url string) string {
	for _, ext := range []string{".tar.gz", ".tgz", ".zip"} {
		if strings.HasSuffix(url, ext) {
			return ext
		}
	}
	return ".tar.gz"
}
