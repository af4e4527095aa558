package parser

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"os"

	"go.uber.org/zap"

	"github.com/logflow/logstream/internal/model"
	"github.com/logflow/logstream/internal/pool"
	lserrors "github.com/logflow/logstream/pkg/errors"
	"github.com/logflow/logstream/pkg/watch"
)

// Stdin is the input name that reads standard input.
const Stdin = "-"

const bufferSize = 64 * 1024

// Reader reads files one after another and sends one event per non-blank
// line. Files ending in .gz are decompressed. Lines that fail to decode are still sent, with Err set, so that
// the engine counts them. Reader implements the engine's Source.
type Reader struct {
	decoder Decoder
	paths   []string
	follow  bool
	stdin   io.Reader
	logger  *zap.Logger
	seq     uint64
}

// ReaderOption configures a Reader.
type ReaderOption func(*Reader)

// WithFollow keeps reading the last file as it grows until the context is
// canceled.
func WithFollow(follow bool) ReaderOption {
	return func(r *Reader) { r.follow = follow }
}

// WithStdin replaces os.Stdin.
func WithStdin(in io.Reader) ReaderOption {
	return func(r *Reader) { r.stdin = in }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) ReaderOption {
	return func(r *Reader) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewReader reads paths with dec. No paths means standard input.
func NewReader(dec Decoder, paths []string, opts ...ReaderOption) *Reader {
	if len(paths) == 0 {
		paths = []string{Stdin}
	}
	r := &Reader{
		decoder: dec,
		paths:   paths,
		stdin:   os.Stdin,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Read implements pipeline.Source.
func (r *Reader) Read(ctx context.Context, out chan<- *model.Event) error {
	for i, path := range r.paths {
		follow := r.follow && i == len(r.paths)-1 && path != Stdin
		if err := r.readPath(ctx, path, follow, out); err != nil {
			return err
		}
	}
	return nil
}

func (r *Reader) readPath(ctx context.Context, path string, follow bool, out chan<- *model.Event) error {
	if path == Stdin {
		return r.readStream(ctx, Stdin, bufio.NewReaderSize(r.stdin, bufferSize), &cursor{}, out)
	}

	in, f, cleanup, err := openInput(path)
	if err != nil {
		return lserrors.Wrapf(err, lserrors.CodeParse, "open input %s", path)
	}
	defer cleanup()

	br := bufio.NewReaderSize(in, bufferSize)
	cur := &cursor{hold: follow && f != nil}
	if err := r.readStream(ctx, path, br, cur, out); err != nil || !follow {
		return err
	}
	if f == nil {
		r.logger.Warn("compressed input cannot be followed", zap.String("path", path))
		return nil
	}
	return r.tail(ctx, path, f, br, cur, out)
}

// cursor is the read position within one input. When hold is set, a
// trailing fragment without a newline is kept in partial until the rest of
// the line is written.
type cursor struct {
	line    int64
	hold    bool
	partial []byte
}

// tail waits for the file to grow and reads the new lines.
func (r *Reader) tail(ctx context.Context, path string, f *os.File, br *bufio.Reader, cur *cursor, out chan<- *model.Event) error {
	offset, err := f.Seek(0, io.SeekCurrent)
	if err != nil {
		return lserrors.Wrapf(err, lserrors.CodeParse, "follow %s", path)
	}
	offset -= int64(br.Buffered())

	w, err := watch.NewWatcher(path, offset)
	if err != nil {
		return lserrors.Wrapf(err, lserrors.CodeParse, "follow %s", path)
	}
	defer w.Close()
	r.logger.Debug("following input", zap.String("path", path), zap.Int64("offset", offset))

	for {
		change, err := w.Wait(ctx)
		if err != nil {
			if ctx.Err() != nil {
				r.flush(path, cur, out)
				return nil
			}
			return lserrors.Wrapf(err, lserrors.CodeParse, "follow %s", path)
		}
		if change == watch.Truncated {
			r.logger.Info("input truncated, reading from start", zap.String("path", path))
			if _, err := f.Seek(0, io.SeekStart); err != nil {
				return lserrors.Wrapf(err, lserrors.CodeParse, "follow %s", path)
			}
			br.Reset(f)
			cur.line, cur.partial = 0, nil
		}
		if err := r.readStream(ctx, path, br, cur, out); err != nil {
			if ctx.Err() != nil {
				r.flush(path, cur, out)
				return nil
			}
			return err
		}
		if offset, err = f.Seek(0, io.SeekCurrent); err == nil {
			w.Consumed(offset - int64(br.Buffered()))
		}
	}
}

// readStream decodes lines until EOF. A final line without a newline is
// decoded unless the cursor holds partial lines.
func (r *Reader) readStream(ctx context.Context, source string, br *bufio.Reader, cur *cursor, out chan<- *model.Event) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		raw, err := br.ReadBytes('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return lserrors.Wrapf(err, lserrors.CodeParse, "read %s", source)
		}
		eof := err != nil
		if eof && cur.hold {
			cur.partial = append(cur.partial, raw...)
			return nil
		}
		if len(cur.partial) > 0 {
			raw = append(cur.partial, raw...)
			cur.partial = nil
		}
		if len(raw) == 0 && eof {
			return nil
		}
		cur.line++

		text := bytes.TrimRight(raw, "\r\n")
		if len(bytes.TrimSpace(text)) > 0 {
			e := r.decode(source, cur.line, text)
			select {
			case out <- e:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if eof {
			return nil
		}
	}
}

// flush decodes a held partial line once following stops. The event is
// only sent if the consumer is still receiving.
func (r *Reader) flush(source string, cur *cursor, out chan<- *model.Event) {
	text := bytes.TrimRight(cur.partial, "\r\n")
	cur.partial = nil
	if len(bytes.TrimSpace(text)) == 0 {
		return
	}
	cur.line++
	select {
	case out <- r.decode(source, cur.line, text):
	default:
		r.logger.Debug("dropped partial line", zap.String("source", source), zap.Int64("line", cur.line))
	}
}

func (r *Reader) decode(source string, line int64, text []byte) *model.Event {
	r.seq++
	e := model.NewEvent()
	e.Source = source
	e.Line = line
	e.Seq = r.seq
	e.Raw = string(text)
	if err := r.decoder.Decode(text, e); err != nil {
		e.Err = lserrors.ParseError(source, line, err)
		return e
	}
	pool.ExtractTimestamp(e)
	return e
}
