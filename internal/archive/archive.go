// Package archive turns a file selection into a deterministic tar stream.
package archive

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/TheGojiOG/pvebackup/internal/config"
	"github.com/TheGojiOG/pvebackup/internal/failure"
	"github.com/TheGojiOG/pvebackup/internal/logging"
	"github.com/TheGojiOG/pvebackup/internal/selection"
)

const (
	defaultChunkSize    = 256 * 1024
	defaultBufferChunks = 8
	tarBlockSize        = 512
)

// Options configures a Builder
type Options struct {
	Compression  config.CompressionConfig
	ChunkSize    int
	BufferChunks int
	Root         string // filesystem directory selection paths resolve under; "/" when empty
}

// OptionsFromConfig maps the backup section of the config
func OptionsFromConfig(cfg config.BackupConfig) Options {
	return Options{
		Compression:  cfg.Compression,
		ChunkSize:    cfg.ChunkSize,
		BufferChunks: cfg.BufferChunks,
		Root:         cfg.SourceRoot,
	}
}

// Builder produces archive streams from selections
type Builder struct {
	compression  config.CompressionConfig
	chunkSize    int
	bufferChunks int
	root         string
}

// Build is the result of BuildArchive. Stream is consumed once; a retry needs a new build.
type Build struct {
	Stream       io.ReadCloser
	SizeEstimate int64    // uncompressed tar size; gzip output ends below it
	Warnings     []string // one per entry that could not be resolved
	Resolved     []string // selection paths that contributed at least one member
	Members      int
	Extension    string

	late *lateWarnings
}

// StreamWarnings returns members that changed or vanished between planning and
// streaming. Their content in the archive is zero-filled. It is complete once
// Stream has returned io.EOF.
func (b *Build) StreamWarnings() []string {
	if b == nil || b.late == nil {
		return nil
	}
	return b.late.list()
}

type lateWarnings struct {
	mu       sync.Mutex
	warnings []string
}

func (l *lateWarnings) add(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.warnings = append(l.warnings, fmt.Sprintf(format, args...))
}

func (l *lateWarnings) list() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.warnings...)
}

// NewBuilder creates a builder
func NewBuilder(opts Options) *Builder {
	b := &Builder{
		compression:  normalizeCompression(opts.Compression),
		chunkSize:    opts.ChunkSize,
		bufferChunks: opts.BufferChunks,
		root:         opts.Root,
	}
	if b.chunkSize <= 0 {
		b.chunkSize = defaultChunkSize
	}
	if b.bufferChunks <= 0 {
		b.bufferChunks = defaultBufferChunks
	}
	if strings.TrimSpace(b.root) == "" {
		b.root = "/"
	}
	return b
}

// Extension returns the extension of archives this builder produces
func (b *Builder) Extension() string {
	return Extension(b.compression)
}

type member struct {
	fsPath string
	name   string
	info   fs.FileInfo
	link   string
}

type plan struct {
	members  []member
	warnings []string
	resolved []string
	size     int64
}

// BuildArchive resolves the selected entries and starts streaming the archive.
// Only entries with Selected set are archived, in the order given.
func (b *Builder) BuildArchive(ctx context.Context, entries []selection.Entry) (*Build, error) {
	selected := selection.SelectedOf(entries)
	if len(selected) == 0 {
		return nil, failure.Newf("archive", "build", failure.EmptySelection, "no entries selected")
	}

	p := b.resolve(selected)
	if len(p.members) == 0 {
		return nil, failure.Newf("archive", "build", failure.NoResolvablePaths,
			"none of %d selected entries exist: %s", len(selected), strings.Join(p.warnings, "; "))
	}

	logging.Component("archive").Info("archive_build_started",
		"entries", len(selected),
		"members", len(p.members),
		"size_estimate", p.size,
		"warnings", len(p.warnings),
	)

	late := &lateWarnings{}
	stream := newChunkStream(ctx, b.bufferChunks, b.chunkSize)
	go stream.produce(func(w io.Writer) error {
		return b.write(ctx, w, p.members, late)
	})

	return &Build{
		Stream:       stream,
		SizeEstimate: p.size,
		Warnings:     p.warnings,
		Resolved:     p.resolved,
		Members:      len(p.members),
		Extension:    b.Extension(),
		late:         late,
	}, nil
}

func (b *Builder) resolve(entries []selection.Entry) plan {
	var p plan
	seen := make(map[string]struct{})

	for _, entry := range entries {
		before := len(p.members)

		if hasGlob(entry.Path) {
			matches, err := filepath.Glob(b.fsPath(entry.Path))
			if err != nil {
				p.warnings = append(p.warnings, fmt.Sprintf("%s: invalid pattern: %v", entry.Path, err))
				continue
			}
			if len(matches) == 0 {
				p.warnings = append(p.warnings, fmt.Sprintf("%s: no matching paths", entry.Path))
				continue
			}
			for _, match := range matches {
				b.walk(match, &p, seen)
			}
		} else {
			fsPath := b.fsPath(entry.Path)
			if _, err := os.Lstat(fsPath); err != nil {
				if errors.Is(err, fs.ErrNotExist) {
					p.warnings = append(p.warnings, fmt.Sprintf("%s: does not exist", entry.Path))
				} else {
					p.warnings = append(p.warnings, fmt.Sprintf("%s: %v", entry.Path, err))
				}
				continue
			}
			b.walk(fsPath, &p, seen)
		}

		if len(p.members) > before {
			p.resolved = append(p.resolved, entry.Path)
		}
	}

	// Two zero blocks end the archive
	p.size += 2 * tarBlockSize
	return p
}

// walk adds fsPath and, for directories, everything below it in lexical order.
func (b *Builder) walk(fsPath string, p *plan, seen map[string]struct{}) {
	err := filepath.WalkDir(fsPath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			p.warnings = append(p.warnings, fmt.Sprintf("%s: %v", b.displayPath(path), err))
			if d != nil && d.IsDir() && path != fsPath {
				return filepath.SkipDir
			}
			return nil
		}

		name := b.memberName(path)
		if name == "" {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			p.warnings = append(p.warnings, fmt.Sprintf("%s: %v", b.displayPath(path), err))
			return nil
		}

		m := member{fsPath: path, info: info}
		switch {
		case info.Mode().IsRegular():
			m.name = name
		case info.IsDir():
			m.name = name + "/"
		case info.Mode()&fs.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				p.warnings = append(p.warnings, fmt.Sprintf("%s: %v", b.displayPath(path), err))
				return nil
			}
			m.name = name
			m.link = link
		default:
			p.warnings = append(p.warnings, fmt.Sprintf("%s: skipped special file", b.displayPath(path)))
			return nil
		}

		if _, dup := seen[m.name]; dup {
			return nil
		}
		seen[m.name] = struct{}{}

		p.members = append(p.members, m)
		p.size += tarBlockSize
		if info.Mode().IsRegular() {
			p.size += blockAlign(info.Size())
		}
		return nil
	})
	if err != nil {
		p.warnings = append(p.warnings, fmt.Sprintf("%s: %v", b.displayPath(fsPath), err))
	}
}

func (b *Builder) write(ctx context.Context, w io.Writer, members []member, late *lateWarnings) error {
	var out io.Writer = w
	var gz *gzip.Writer
	if b.compression.Type == "gzip" {
		var err error
		// Zero-value header: no name, no mtime
		gz, err = gzip.NewWriterLevel(w, b.compression.Level)
		if err != nil {
			return fmt.Errorf("failed to create gzip writer: %w", err)
		}
		out = gz
	}

	tw := tar.NewWriter(out)
	for _, m := range members {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := b.writeMember(tw, m, late); err != nil {
			return err
		}
	}

	if err := tw.Close(); err != nil {
		return fmt.Errorf("failed to finish tar: %w", err)
	}
	if gz != nil {
		if err := gz.Close(); err != nil {
			return fmt.Errorf("failed to finish gzip: %w", err)
		}
	}
	return nil
}

func (b *Builder) writeMember(tw *tar.Writer, m member, late *lateWarnings) error {
	hdr := headerFor(m)
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("failed to write header for %s: %w", m.name, err)
	}
	if hdr.Typeflag != tar.TypeReg {
		return nil
	}

	f, err := os.Open(m.fsPath)
	if err != nil {
		// The header promised Size bytes
		if _, zerr := io.CopyN(tw, zeroReader{}, hdr.Size); zerr != nil {
			return fmt.Errorf("failed to pad %s: %w", m.name, zerr)
		}
		logging.Component("archive").Warn("archive_member_unreadable", "path", m.fsPath, "error", err)
		late.add("%s: unreadable while archiving, stored zero-filled: %v", b.displayPath(m.fsPath), err)
		return nil
	}
	defer f.Close()

	n, err := io.CopyN(tw, f, hdr.Size)
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to copy %s: %w", m.name, err)
	}
	if n < hdr.Size {
		// File shrank after it was planned
		if _, err := io.CopyN(tw, zeroReader{}, hdr.Size-n); err != nil {
			return fmt.Errorf("failed to pad %s: %w", m.name, err)
		}
		logging.Component("archive").Warn("archive_member_truncated", "path", m.fsPath, "expected", hdr.Size, "read", n)
		late.add("%s: shrank from %d to %d bytes while archiving, rest zero-filled", b.displayPath(m.fsPath), hdr.Size, n)
	}
	return nil
}

// headerFor builds a header from the attributes that define the member only.
func headerFor(m member) *tar.Header {
	uid, gid := ownerOf(m.info)
	mode := m.info.Mode()

	hdr := &tar.Header{
		Name:    m.name,
		Mode:    int64(mode.Perm()),
		Uid:     uid,
		Gid:     gid,
		ModTime: m.info.ModTime().UTC().Truncate(time.Second),
	}
	if mode&fs.ModeSetuid != 0 {
		hdr.Mode |= 04000
	}
	if mode&fs.ModeSetgid != 0 {
		hdr.Mode |= 02000
	}
	if mode&fs.ModeSticky != 0 {
		hdr.Mode |= 01000
	}

	switch {
	case mode.IsRegular():
		hdr.Typeflag = tar.TypeReg
		hdr.Size = m.info.Size()
	case mode.IsDir():
		hdr.Typeflag = tar.TypeDir
	case mode&fs.ModeSymlink != 0:
		hdr.Typeflag = tar.TypeSymlink
		hdr.Linkname = m.link
	}
	return hdr
}

func (b *Builder) fsPath(entryPath string) string {
	return filepath.Join(b.root, filepath.FromSlash(entryPath))
}

// memberName maps a filesystem path to its archive name, relative to "/".
func (b *Builder) memberName(fsPath string) string {
	rel, err := filepath.Rel(b.root, fsPath)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return ""
	}
	return filepath.ToSlash(rel)
}

func (b *Builder) displayPath(fsPath string) string {
	if name := b.memberName(fsPath); name != "" {
		return "/" + name
	}
	return fsPath
}

func hasGlob(path string) bool {
	return strings.ContainsAny(path, "*?[")
}

func blockAlign(size int64) int64 {
	if rem := size % tarBlockSize; rem != 0 {
		return size + tarBlockSize - rem
	}
	return size
}

type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	clear(p)
	return len(p), nil
}
