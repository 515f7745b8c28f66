// Package framing turns the raw byte stream of one upload connection into
// files. The protocol has no lengths or headers: two literal sentinels,
// StartSentinel and EndSentinel, are embedded in the stream and everything
// else is payload.
//
// In the default chunk mode every read is scanned on its own, exactly as
// existing device clients expect:
//
//   - a chunk containing StartSentinel selects a new recording name and is
//     otherwise discarded, including any payload bytes it carried;
//   - a chunk containing EndSentinel flushes the bytes preceding the first
//     occurrence and finishes the session;
//   - any other chunk is appended verbatim to the current file.
//
// Chunk mode misses a sentinel that is split across two reads, and payload
// that happens to contain a sentinel is always misread as a marker; there is
// no escaping. Options.SpanChunks enables a mode that carries a short tail of
// unconsumed bytes between reads so split sentinels are recognised. In that
// mode the bytes following a start sentinel are kept and written to the new
// recording. The wire format is identical in both modes.
package framing

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"
)

const (
	// StartSentinel marks the beginning of a new recording.
	StartSentinel = "GENIE_SOCKET_UPLOAD_START"
	// EndSentinel marks the end of the upload; the connection is closed after it.
	EndSentinel = "GENIE_SOCKET_UPLOAD_END"

	// DefaultFallbackName is the base name for bytes that arrive before any
	// start sentinel. Decoders scope it per session, see FallbackName.
	DefaultFallbackName = "record-16KHz-16bit-Mono.pcm"

	recordingLayout = "2006-01-02-15-04-05"
)

var (
	startSentinel = []byte(StartSentinel)
	endSentinel   = []byte(EndSentinel)

	// RecordingPattern matches names produced by RecordingName.
	RecordingPattern = regexp.MustCompile(`^record-\d{4}-\d{2}-\d{2}-\d{2}-\d{2}-\d{2}\.pcm$`)
)

var (
	// ErrClosed is returned by Feed after the decoder has terminated.
	ErrClosed = errors.New("decoder closed")
	// ErrBusy is returned by an Opener when another session holds the name.
	ErrBusy = errors.New("file is held by another session")
)

// Result tells the connection handler whether to keep reading.
type Result int

const (
	// Continue means the decoder expects more bytes.
	Continue Result = iota
	// Terminate means the end sentinel was processed and the connection
	// should be closed.
	Terminate
)

// String returns a human-readable name for the result.
func (r Result) String() string {
	switch r {
	case Continue:
		return "Continue"
	case Terminate:
		return "Terminate"
	default:
		return "Unknown"
	}
}

// File is an append-only handle to one upload file.
type File interface {
	io.Writer
	Close() error
}

// Opener hands out append-mode files by bare name. A name stays claimed by
// the caller until the returned File is closed; opening a claimed name must
// fail with an error wrapping ErrBusy.
type Opener interface {
	Open(name string) (File, error)
}

// Options configures a Decoder.
type Options struct {
	// SessionID scopes the fallback name and disambiguates name collisions.
	SessionID uint32
	// Started is the session start time, also part of the fallback name so
	// ids reused after a restart do not share a file. Zero means now.
	Started time.Time
	// FallbackName is the base name used until a start sentinel is seen.
	// Empty means DefaultFallbackName.
	FallbackName string
	// SpanChunks enables sentinel detection across read boundaries.
	SpanChunks bool
	// Clock returns the time used for recording names. Nil means time.Now.
	Clock func() time.Time
}

// FileStat describes one file written during a session.
type FileStat struct {
	Name  string
	Bytes int64
}

// Decoder is the per-connection frame scanner. It is not safe for concurrent
// use; the connection handler owns it exclusively.
type Decoder struct {
	opener   Opener
	opts     Options
	filename string
	file     File
	files    []FileStat
	written  int64
	pending  []byte
	done     bool
}

// NewDecoder returns a Decoder that writes through opener. No file is opened
// until the first payload byte arrives.
//
// Parameters:
//   - opener: Source of append-mode file handles
//   - opts: Session id, fallback name, scan mode and clock
//
// Returns:
//   - A Decoder whose current file is the session's fallback name
func NewDecoder(opener Opener, opts Options) *Decoder {
	if opts.FallbackName == "" {
		opts.FallbackName = DefaultFallbackName
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Started.IsZero() {
		opts.Started = time.Now()
	}

	return &Decoder{
		opener:   opener,
		opts:     opts,
		filename: FallbackName(opts.FallbackName, opts.SessionID, opts.Started),
	}
}

// Feed consumes one chunk read from the connection. The decoder does not keep
// a reference to chunk, so callers may reuse the buffer.
//
// Parameters:
//   - chunk: Bytes from a single read
//
// Returns:
//   - Terminate once the end sentinel has been processed, otherwise Continue
//   - An error if a file could not be opened or written, or ErrClosed when
//     called after termination. Callers should stop reading on any error.
func (d *Decoder) Feed(chunk []byte) (Result, error) {
	if d.done {
		return Terminate, ErrClosed
	}

	if d.opts.SpanChunks {
		return d.feedSpan(chunk)
	}

	return d.feedChunk(chunk)
}

func (d *Decoder) feedChunk(chunk []byte) (Result, error) {
	if bytes.Contains(chunk, startSentinel) {
		return Continue, d.rotate()
	}

	if idx := bytes.Index(chunk, endSentinel); idx >= 0 {
		if err := d.write(chunk[:idx]); err != nil {
			return Terminate, err
		}
		return Terminate, d.finish()
	}

	if err := d.write(chunk); err != nil {
		return Continue, err
	}

	return Continue, nil
}

func (d *Decoder) feedSpan(chunk []byte) (Result, error) {
	buf := make([]byte, 0, len(d.pending)+len(chunk))
	buf = append(buf, d.pending...)
	buf = append(buf, chunk...)
	d.pending = nil

	for {
		start := bytes.Index(buf, startSentinel)
		end := bytes.Index(buf, endSentinel)

		if start >= 0 && (end < 0 || start < end) {
			if err := d.write(buf[:start]); err != nil {
				return Continue, err
			}
			if err := d.rotate(); err != nil {
				return Continue, err
			}
			buf = buf[start+len(startSentinel):]
			continue
		}

		if end >= 0 {
			if err := d.write(buf[:end]); err != nil {
				return Terminate, err
			}
			return Terminate, d.finish()
		}

		break
	}

	keep := sentinelPrefixLen(buf)
	if err := d.write(buf[:len(buf)-keep]); err != nil {
		return Continue, err
	}
	if keep > 0 {
		d.pending = append([]byte(nil), buf[len(buf)-keep:]...)
	}

	return Continue, nil
}

// Close finalizes a session that ended without an end sentinel. Bytes held
// back in span mode are written first. Calling Close after termination is a
// no-op.
func (d *Decoder) Close() error {
	if d.done {
		return nil
	}

	var werr error
	if len(d.pending) > 0 {
		werr = d.write(d.pending)
		d.pending = nil
	}

	return errors.Join(werr, d.finish())
}

// Done reports whether the decoder has terminated.
func (d *Decoder) Done() bool {
	return d.done
}

// Filename returns the name the next payload byte will be written to. After a
// collision it reflects the session-suffixed name actually in use.
func (d *Decoder) Filename() string {
	return d.filename
}

// Written returns the total payload bytes written in this session.
func (d *Decoder) Written() int64 {
	return d.written
}

// Files returns every file written in this session, in the order they were
// opened.
func (d *Decoder) Files() []FileStat {
	out := make([]FileStat, len(d.files))
	copy(out, d.files)
	return out
}

// rotate switches to a freshly generated recording name. The previous file
// is released so another session may use its name.
func (d *Decoder) rotate() error {
	err := d.closeFile()
	d.filename = RecordingName(d.opts.Clock())
	return err
}

func (d *Decoder) finish() error {
	d.done = true
	return d.closeFile()
}

func (d *Decoder) closeFile() error {
	if d.file == nil {
		return nil
	}

	err := d.file.Close()
	d.file = nil
	if err != nil {
		return fmt.Errorf("close %s: %w", d.filename, err)
	}

	return nil
}

func (d *Decoder) write(p []byte) error {
	if len(p) == 0 {
		return nil
	}

	if d.file == nil {
		if err := d.open(); err != nil {
			return err
		}
	}

	n, err := d.file.Write(p)
	d.written += int64(n)
	d.files[len(d.files)-1].Bytes += int64(n)
	if err != nil {
		return fmt.Errorf("write %s: %w", d.filename, err)
	}

	return nil
}

func (d *Decoder) open() error {
	f, err := d.opener.Open(d.filename)
	if errors.Is(err, ErrBusy) {
		d.filename = SessionScopedName(d.filename, d.opts.SessionID)
		f, err = d.opener.Open(d.filename)
	}
	if err != nil {
		return fmt.Errorf("open %s: %w", d.filename, err)
	}

	d.file = f
	d.files = append(d.files, FileStat{Name: d.filename})
	return nil
}

// RecordingName returns the file name for a recording started at t, in the
// form record-YYYY-MM-DD-HH-MM-SS.pcm using t's location.
func RecordingName(t time.Time) string {
	return "record-" + t.Format(recordingLayout) + ".pcm"
}

// FallbackName returns the file used by session id, started at started, for
// bytes that precede any start sentinel: the session start time and id are
// inserted before the extension of base, so "record-16KHz-16bit-Mono.pcm"
// becomes "record-16KHz-16bit-Mono-2024-01-15-12-30-45-7.pcm".
func FallbackName(base string, id uint32, started time.Time) string {
	ext := filepath.Ext(base)
	return strings.TrimSuffix(base, ext) + "-" + started.Format(recordingLayout) + "-" +
		strconv.FormatUint(uint64(id), 10) + ext
}

// SessionScopedName inserts "-<id>" before the extension of name. A session
// whose recording name is already held by another session writes to
// "record-2024-01-15-12-30-45-7.pcm" instead.
func SessionScopedName(name string, id uint32) string {
	ext := filepath.Ext(name)
	return strings.TrimSuffix(name, ext) + "-" + strconv.FormatUint(uint64(id), 10) + ext
}

// sentinelPrefixLen returns the length of the longest suffix of buf that is a
// proper prefix of either sentinel. Those bytes may be the start of a marker
// completed by the next read.
func sentinelPrefixLen(buf []byte) int {
	longest := 0
	for _, s := range [][]byte{startSentinel, endSentinel} {
		limit := len(s) - 1
		if limit > len(buf) {
			limit = len(buf)
		}
		for n := limit; n > longest; n-- {
			if bytes.HasSuffix(buf, s[:n]) {
				longest = n
				break
			}
		}
	}

	return longest
}
