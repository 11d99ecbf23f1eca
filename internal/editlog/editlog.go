// Copyright 2015-2023 National Technology & Engineering Solutions of Sandia, LLC (NTESS).
// Under the terms of Contract DE-NA0003525 with NTESS, the U.S. Government retains certain
// rights in this software.

// Package editlog implements the coordinator's crash-safe mutation
// journal. Every namespace mutation is appended as one text record
// after it has taken effect in memory; on restart, edits + edits.new are
// replayed in order to rebuild the namespace tree.
package editlog

import (
	"bufio"
	"encoding/base64"
	"encoding/gob"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/renameio"

	"github.com/minimega-labs/blockfs/internal/errs"
	"github.com/minimega-labs/blockfs/internal/ids"
	"github.com/minimega-labs/blockfs/internal/model"
	"github.com/minimega-labs/blockfs/pkg/mlog"
)

const (
	editsFileName    = "edits"
	newEditsFileName = "edits.new"
)

// Kind tags a Record's variant.
type Kind int

const (
	KindMkdir Kind = iota
	KindAddFile
)

// Record is one tagged edit-log entry. Exactly one of (Path) or
// (Path, Blocks) is meaningful, selected by Kind.
type Record struct {
	Kind   Kind
	Path   string
	Blocks []model.Block
}

func (r Record) encode() (string, error) {
	switch r.Kind {
	case KindMkdir:
		return fmt.Sprintf("mkdir\t%s", r.Path), nil
	case KindAddFile:
		enc, err := encodeBlocks(r.Blocks)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("addfile\t%s\t%s", r.Path, enc), nil
	default:
		return "", errs.New(errs.IOError, "unknown edit-log record kind %v", r.Kind)
	}
}

func decodeLine(line string) (Record, error) {
	fields := strings.SplitN(line, "\t", 3)
	if len(fields) < 2 {
		return Record{}, errs.New(errs.IOError, "malformed edit-log line %q", line)
	}
	switch fields[0] {
	case "mkdir":
		return Record{Kind: KindMkdir, Path: fields[1]}, nil
	case "addfile":
		if len(fields) != 3 {
			return Record{}, errs.New(errs.IOError, "malformed addfile line %q", line)
		}
		blocks, err := decodeBlocks(fields[2])
		if err != nil {
			return Record{}, err
		}
		return Record{Kind: KindAddFile, Path: fields[1], Blocks: blocks}, nil
	default:
		return Record{}, errs.New(errs.IOError, "unknown edit-log op %q", fields[0])
	}
}

// wireBlock mirrors model.Block with exported, gob-friendly fields for the
// block list that rides along an addfile record.
type wireBlock struct {
	ID     [16]byte
	Length uint64
	Seq    uint64
}

func encodeBlocks(blocks []model.Block) (string, error) {
	wire := make([]wireBlock, len(blocks))
	for i, b := range blocks {
		wire[i] = wireBlock{ID: b.ID, Length: b.Length, Seq: b.Seq}
	}
	var buf strings.Builder
	enc := gob.NewEncoder(base64.NewEncoder(base64.RawURLEncoding, &buf))
	if err := enc.Encode(wire); err != nil {
		return "", errs.Wrap(errs.IOError, err, "encoding block list")
	}
	return buf.String(), nil
}

func decodeBlocks(s string) ([]model.Block, error) {
	if s == "" {
		return nil, nil
	}
	r := base64.NewDecoder(base64.RawURLEncoding, strings.NewReader(s))
	var wire []wireBlock
	if err := gob.NewDecoder(r).Decode(&wire); err != nil {
		return nil, errs.Wrap(errs.IOError, err, "decoding block list")
	}
	blocks := make([]model.Block, len(wire))
	for i, w := range wire {
		blocks[i] = model.Block{ID: ids.BlockID(w.ID), Length: w.Length, Seq: w.Seq}
	}
	return blocks, nil
}

// Log is the append-only journal. New edits go to edits.new; Replay's
// checkpoint step folds edits.new into edits. Appends are flushed and fsync'd before
// Append returns.
type Log struct {
	mu  sync.Mutex
	dir string
	f   *os.File
	w   *bufio.Writer
}

// Open opens (creating if absent) the edits.new file under dir for
// appending. Open may come before Replay: Replay truncates edits.new after
// merging it, and the O_APPEND handle then writes from the new end. Records
// appended before Replay runs are replayed along with the older ones.
func Open(dir string) (*Log, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errs.Wrap(errs.IOError, err, "creating edit log directory %v", dir)
	}
	f, err := os.OpenFile(filepath.Join(dir, newEditsFileName), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, errs.Wrap(errs.IOError, err, "opening edit log")
	}
	return &Log{dir: dir, f: f, w: bufio.NewWriter(f)}, nil
}

// Append writes one record, flushing and fsyncing before returning. A
// failed append leaves the coordinator's durability guarantee broken, so
// the caller is expected to treat an error here as fatal.
func (l *Log) Append(r Record) error {
	line, err := r.encode()
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, err := l.w.WriteString(line + "\n"); err != nil {
		return errs.Wrap(errs.IOError, err, "appending edit log record")
	}
	if err := l.w.Flush(); err != nil {
		return errs.Wrap(errs.IOError, err, "flushing edit log")
	}
	if err := l.f.Sync(); err != nil {
		return errs.Wrap(errs.IOError, err, "fsyncing edit log")
	}
	return nil
}

// Close flushes and closes the underlying file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.w.Flush(); err != nil {
		return err
	}
	return l.f.Close()
}

// Apply is called once per replayed record, in log order.
type Apply func(Record) error

// Replay folds edits.new onto edits (durably, via renameio), then replays
// edits in order through apply. It must run before the RPC listener opens,
// so that no request can observe namespace state the journal hasn't caught
// up to yet.
func Replay(dir string, apply Apply) error {
	editsPath := filepath.Join(dir, editsFileName)
	newPath := filepath.Join(dir, newEditsFileName)

	if err := checkpoint(editsPath, newPath); err != nil {
		return err
	}

	f, err := os.Open(editsPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errs.Wrap(errs.IOError, err, "opening edit log for replay")
	}
	defer f.Close()

	n := 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			continue
		}
		rec, err := decodeLine(line)
		if err != nil {
			return errs.Wrap(errs.IOError, err, "replaying edit log line %d", n+1)
		}
		if err := apply(rec); err != nil {
			return errs.Wrap(errs.IOError, err, "applying edit log record %d", n+1)
		}
		n++
	}
	if err := sc.Err(); err != nil {
		return errs.Wrap(errs.IOError, err, "scanning edit log")
	}
	mlog.Debug("editlog: replayed %d records from %v", n, editsPath)
	return nil
}

// checkpoint appends edits.new onto edits via an atomic rename, then
// truncates edits.new to empty, so a crash mid-checkpoint leaves either the
// old edits/edits.new pair or the new merged edits file, never a partial
// merge.
func checkpoint(editsPath, newPath string) error {
	newF, err := os.Open(newPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errs.Wrap(errs.IOError, err, "opening %v", newPath)
	}
	defer newF.Close()

	if fi, err := newF.Stat(); err == nil && fi.Size() == 0 {
		return nil
	}

	out, err := renameio.TempFile("", editsPath)
	if err != nil {
		return errs.Wrap(errs.IOError, err, "creating checkpoint temp file")
	}
	defer out.Cleanup()

	if existing, err := os.Open(editsPath); err == nil {
		_, copyErr := io.Copy(out, existing)
		existing.Close()
		if copyErr != nil {
			return errs.Wrap(errs.IOError, copyErr, "copying existing edit log")
		}
	} else if !os.IsNotExist(err) {
		return errs.Wrap(errs.IOError, err, "opening existing edit log")
	}

	if _, err := io.Copy(out, newF); err != nil {
		return errs.Wrap(errs.IOError, err, "merging new edits into checkpoint")
	}
	if err := out.CloseAtomicallyReplace(); err != nil {
		return errs.Wrap(errs.IOError, err, "replacing edit log with checkpoint")
	}

	if err := os.Truncate(newPath, 0); err != nil {
		return errs.Wrap(errs.IOError, err, "truncating %v after checkpoint", newPath)
	}
	return nil
}
