package installer

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"runtime"
	"strings"
	"time"
)

// maxBinarySize is the hard ceiling for an extracted tunnel-core executable.
const maxBinarySize = int64(128 * 1024 * 1024)

var (
	// ErrCorruptArtifact reports a downloaded payload that cannot be
	// decompressed or read as what its magic bytes claim it is.
	ErrCorruptArtifact = errors.New("corrupt artifact")

	// ErrArtifactLayout reports an archive that unpacked cleanly but does
	// not contain the expected executable at a shallow path.
	ErrArtifactLayout = errors.New("unexpected artifact layout")

	// ErrVerification reports a freshly installed file that is not a
	// native executable. The previous install is restored when it exists.
	ErrVerification = errors.New("installed binary failed verification")
)

// Format classifies artifact payloads by content, never by file name.
type Format int

const (
	FormatRaw Format = iota
	FormatGzip
	FormatTar
)

func (f Format) String() string {
	switch f {
	case FormatGzip:
		return "gzip"
	case FormatTar:
		return "tar"
	default:
		return "raw"
	}
}

type commandRunner func(ctx context.Context, name string, args ...string) (string, error)

// Installer acquires tunnel-core release artifacts and swaps them into the
// canonical executable path without ever exposing a partial file there.
type Installer struct {
	binPath  string
	releases *ReleaseClient
	client   *http.Client
	osName   string
	arch     string
	verify   func(path string) error
	runner   commandRunner
}

func New(binPath string, releases *ReleaseClient, downloadTimeout time.Duration) *Installer {
	if downloadTimeout <= 0 {
		downloadTimeout = 10 * time.Minute
	}
	return &Installer{
		binPath:  binPath,
		releases: releases,
		client:   &http.Client{Timeout: downloadTimeout},
		osName:   runtime.GOOS,
		arch:     runtime.GOARCH,
		verify:   verifyNativeExecutable,
		runner:   runCommand,
	}
}

// BinPath returns the canonical executable path managed units invoke.
func (i *Installer) BinPath() string { return i.binPath }

// Latest resolves the newest upstream release and the asset for this host.
func (i *Installer) Latest(ctx context.Context) (Release, Asset, error) {
	rel, err := i.releases.LatestRelease(ctx)
	if err != nil {
		return Release{}, Asset{}, err
	}
	asset, err := ResolveAsset(rel, i.osName, i.arch)
	if err != nil {
		return Release{}, Asset{}, err
	}
	return rel, asset, nil
}

// InstallReport describes one completed install for operator output.
type InstallReport struct {
	Tag      string
	Asset    string
	Format   Format
	Replaced bool
}

// InstallLatest runs the full pipeline: resolve, download, sniff, extract,
// swap. Scratch files never touch the canonical path.
func (i *Installer) InstallLatest(ctx context.Context) (InstallReport, error) {
	rel, asset, err := i.Latest(ctx)
	if err != nil {
		return InstallReport{}, err
	}

	scratch, err := os.MkdirTemp("", "backhaul-core-*")
	if err != nil {
		return InstallReport{}, fmt.Errorf("create scratch dir: %w", err)
	}
	defer func() { _ = os.RemoveAll(scratch) }()

	artifactPath := filepath.Join(scratch, filepath.Base(asset.Name))
	if err := i.Download(ctx, asset.URL, artifactPath); err != nil {
		return InstallReport{}, fmt.Errorf("download %s: %w", asset.Name, err)
	}

	format, err := DetectFormat(artifactPath)
	if err != nil {
		return InstallReport{}, err
	}
	slog.Debug("artifact format detected", "asset", asset.Name, "format", format)

	extracted, err := i.ExtractExecutable(artifactPath, format)
	if err != nil {
		return InstallReport{}, err
	}

	replaced, err := i.Install(extracted)
	if err != nil {
		return InstallReport{}, err
	}

	slog.Info("tunnel core installed", "tag", rel.Tag, "path", i.binPath, "replaced", replaced)
	return InstallReport{Tag: rel.Tag, Asset: asset.Name, Format: format, Replaced: replaced}, nil
}

// Download streams url into dest. A response shorter than the advertised
// length is an error, not a success with a short file.
func (i *Installer) Download(ctx context.Context, url, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := i.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("unexpected response %d from %s: %s", resp.StatusCode, url, strings.TrimSpace(string(body)))
	}

	file, err := os.Create(dest)
	if err != nil {
		return err
	}

	written, copyErr := io.Copy(file, resp.Body)
	closeErr := file.Close()
	if copyErr == nil && resp.ContentLength >= 0 && written != resp.ContentLength {
		copyErr = fmt.Errorf("short download: got %d of %d bytes", written, resp.ContentLength)
	}
	if copyErr == nil {
		copyErr = closeErr
	}
	if copyErr != nil {
		_ = os.Remove(dest)
		return copyErr
	}
	return nil
}

// DetectFormat sniffs the payload's leading bytes. Anything that is neither
// gzip-signed nor tar-structured is treated as a raw executable.
func DetectFormat(artifactPath string) (Format, error) {
	f, err := os.Open(artifactPath)
	if err != nil {
		return FormatRaw, err
	}
	defer func() { _ = f.Close() }()

	head := make([]byte, 512)
	n, err := io.ReadFull(f, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return FormatRaw, err
	}
	return sniffFormat(head[:n]), nil
}

func sniffFormat(head []byte) Format {
	if len(head) >= 2 && head[0] == 0x1f && head[1] == 0x8b {
		return FormatGzip
	}
	// The tar magic sits at offset 257 in the first header block, shared
	// by POSIX ("ustar\x00") and GNU ("ustar ") archives.
	if len(head) >= 262 && string(head[257:262]) == "ustar" {
		return FormatTar
	}
	return FormatRaw
}

// ExtractExecutable reduces the artifact to the bare tunnel-core executable
// and returns its scratch path. Raw payloads pass through unchanged; gzip
// payloads are decompressed and re-sniffed so tar.gz unpacks in one call.
func (i *Installer) ExtractExecutable(artifactPath string, format Format) (string, error) {
	switch format {
	case FormatRaw:
		return artifactPath, nil
	case FormatGzip:
		return i.extractGzip(artifactPath)
	case FormatTar:
		return i.extractTar(artifactPath)
	default:
		return "", fmt.Errorf("%w: unrecognized format %d", ErrCorruptArtifact, format)
	}
}

func (i *Installer) extractGzip(artifactPath string) (string, error) {
	in, err := os.Open(artifactPath)
	if err != nil {
		return "", err
	}
	defer func() { _ = in.Close() }()

	gz, err := gzip.NewReader(in)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCorruptArtifact, err)
	}
	defer func() { _ = gz.Close() }()

	outPath := artifactPath + ".gunzipped"
	out, err := os.OpenFile(outPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o700)
	if err != nil {
		return "", err
	}

	written, copyErr := io.Copy(out, io.LimitReader(gz, maxBinarySize+1))
	closeErr := out.Close()
	if copyErr != nil {
		return "", fmt.Errorf("%w: %v", ErrCorruptArtifact, copyErr)
	}
	if closeErr != nil {
		return "", closeErr
	}
	if written > maxBinarySize {
		return "", fmt.Errorf("%w: decompressed payload exceeds %d bytes", ErrCorruptArtifact, maxBinarySize)
	}

	inner, err := DetectFormat(outPath)
	if err != nil {
		return "", err
	}
	if inner == FormatTar {
		return i.extractTar(outPath)
	}
	if !hasELFMagic(outPath) {
		return "", fmt.Errorf("%w: decompressed payload is not an executable", ErrCorruptArtifact)
	}
	return outPath, nil
}

func (i *Installer) extractTar(archivePath string) (string, error) {
	in, err := os.Open(archivePath)
	if err != nil {
		return "", err
	}
	defer func() { _ = in.Close() }()

	want := i.coreName()
	tr := tar.NewReader(in)
	for {
		header, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrCorruptArtifact, err)
		}
		if header.Typeflag != tar.TypeReg {
			continue
		}
		name := path.Clean(strings.TrimSpace(header.Name))
		if path.Base(name) != want || !shallowEntry(name) {
			continue
		}
		if header.Size <= 0 || header.Size > maxBinarySize {
			return "", fmt.Errorf("%w: archive entry %s has size %d", ErrCorruptArtifact, name, header.Size)
		}

		outPath := archivePath + ".extracted"
		out, err := os.OpenFile(outPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o700)
		if err != nil {
			return "", err
		}
		written, copyErr := io.Copy(out, io.LimitReader(tr, header.Size))
		closeErr := out.Close()
		if copyErr != nil {
			return "", fmt.Errorf("%w: %v", ErrCorruptArtifact, copyErr)
		}
		if closeErr != nil {
			return "", closeErr
		}
		if written != header.Size {
			return "", fmt.Errorf("%w: archive entry %s truncated", ErrCorruptArtifact, name)
		}
		return outPath, nil
	}
	return "", fmt.Errorf("%w: archive does not contain %s", ErrArtifactLayout, want)
}

// shallowEntry accepts the executable at the archive root or inside exactly
// one wrapping directory, the two layouts upstream has shipped.
func shallowEntry(name string) bool {
	trimmed := strings.Trim(name, "/")
	return strings.Count(trimmed, "/") <= 1
}

// Install stages the extracted executable beside the canonical path, swaps
// it in with a rename, and verifies the result. On verification failure the
// previous binary, when one existed, is restored byte for byte.
func (i *Installer) Install(extractedPath string) (replaced bool, err error) {
	if err := os.MkdirAll(filepath.Dir(i.binPath), 0o755); err != nil {
		return false, fmt.Errorf("create install dir: %w", err)
	}

	staging := i.binPath + ".new"
	if err := copyFile(extractedPath, staging, 0o755); err != nil {
		return false, fmt.Errorf("stage new binary: %w", err)
	}

	backup := i.binPath + ".bak"
	_, statErr := os.Stat(i.binPath)
	hadPrevious := statErr == nil

	if hadPrevious {
		if _, err := os.Stat(backup); err == nil {
			if err := os.Remove(backup); err != nil {
				_ = os.Remove(staging)
				return false, fmt.Errorf("remove previous backup: %w", err)
			}
		}
		if err := os.Rename(i.binPath, backup); err != nil {
			_ = os.Remove(staging)
			return false, fmt.Errorf("back up current binary: %w", err)
		}
	}

	if err := os.Rename(staging, i.binPath); err != nil {
		if hadPrevious {
			_ = os.Rename(backup, i.binPath)
		}
		return false, fmt.Errorf("place new binary: %w", err)
	}

	if err := i.verify(i.binPath); err != nil {
		_ = os.Remove(i.binPath)
		if hadPrevious {
			_ = os.Rename(backup, i.binPath)
		}
		return false, fmt.Errorf("%w: %v", ErrVerification, err)
	}
	return hadPrevious, nil
}

// Remove deletes the canonical executable. An absent binary is a no-op.
func (i *Installer) Remove() error {
	err := os.Remove(i.binPath)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove %s: %w", i.binPath, err)
	}
	return nil
}

// InstalledVersion asks the installed core to report its own version.
func (i *Installer) InstalledVersion(ctx context.Context) (string, error) {
	if _, err := os.Stat(i.binPath); err != nil {
		return "", err
	}
	out, err := i.runner(ctx, i.binPath, "-v")
	if err != nil {
		return "", fmt.Errorf("query core version: %w", err)
	}
	line, _, _ := strings.Cut(strings.TrimSpace(out), "\n")
	return strings.TrimSpace(line), nil
}

func (i *Installer) coreName() string {
	return filepath.Base(i.binPath)
}

var elfMagic = []byte{0x7f, 'E', 'L', 'F'}

func hasELFMagic(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer func() { _ = f.Close() }()

	head := make([]byte, 4)
	if _, err := io.ReadFull(f, head); err != nil {
		return false
	}
	for idx, b := range elfMagic {
		if head[idx] != b {
			return false
		}
	}
	return true
}

func verifyNativeExecutable(path string) error {
	if !hasELFMagic(path) {
		return fmt.Errorf("%s is not a native executable", path)
	}
	return nil
}

func copyFile(src, dest string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	out, err := os.OpenFile(dest, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode)
	if err != nil {
		return err
	}
	_, copyErr := io.Copy(out, in)
	closeErr := out.Close()
	if copyErr != nil {
		return copyErr
	}
	if closeErr != nil {
		return closeErr
	}
	return os.Chmod(dest, mode)
}

func runCommand(ctx context.Context, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	out, err := cmd.CombinedOutput()
	text := strings.TrimSpace(string(out))
	if err != nil {
		if text == "" {
			return "", err
		}
		return text, fmt.Errorf("%w: %s", err, text)
	}
	return text, nil
}
