package inference

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/e7canasta/orion-multistream/internal/batch"
	"github.com/e7canasta/orion-multistream/internal/stream"
)

// maxMessage bounds a single response so a corrupt prefix cannot trigger a
// huge allocation.
const maxMessage = 64 << 20

type wireFrame struct {
	Stream    int    `msgpack:"stream_id"`
	Slot      int    `msgpack:"slot"`
	Seq       uint64 `msgpack:"seq"`
	Width     int    `msgpack:"width"`
	Height    int    `msgpack:"height"`
	Timestamp int64  `msgpack:"ts_ns"`
	Data      []byte `msgpack:"data"`
}

type wireRequest struct {
	BatchID  string      `msgpack:"batch_id"`
	Capacity int         `msgpack:"capacity"`
	Frames   []wireFrame `msgpack:"frames"`
}

type wireFrameResult struct {
	Stream     int         `msgpack:"stream_id"`
	Detections []Detection `msgpack:"detections"`
}

type wireResponse struct {
	BatchID string            `msgpack:"batch_id"`
	Frames  []wireFrameResult `msgpack:"frames"`
	Error   string            `msgpack:"error,omitempty"`
}

// writeMessage writes v as msgpack behind a 4-byte big-endian length.
func writeMessage(w io.Writer, v any) error {
	body, err := msgpack.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(body)))
	if _, err := w.Write(prefix[:]); err != nil {
		return fmt.Errorf("write length prefix: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("write body: %w", err)
	}
	return nil
}

// readMessage reads one length-prefixed msgpack message into v.
func readMessage(r io.Reader, v any) error {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return fmt.Errorf("read length prefix: %w", err)
	}
	n := binary.BigEndian.Uint32(prefix[:])
	if n > maxMessage {
		return fmt.Errorf("message of %d bytes exceeds limit", n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	if err := msgpack.Unmarshal(body, v); err != nil {
		return fmt.Errorf("unmarshal: %w", err)
	}
	return nil
}

func encodeBatch(b *batch.Batch) wireRequest {
	req := wireRequest{BatchID: b.ID(), Capacity: b.Capacity()}
	for _, slot := range b.Slots() {
		s, _ := b.Frame(slot)
		req.Frames = append(req.Frames, wireFrame{
			Stream:    int(s.Stream),
			Slot:      slot,
			Seq:       s.Frame.Seq,
			Width:     s.Frame.Width,
			Height:    s.Frame.Height,
			Timestamp: s.Timestamp.UnixNano(),
			Data:      s.Frame.Data,
		})
	}
	return req
}

// SubprocessConfig describes an external detector process.
type SubprocessConfig struct {
	Command string
	Args    []string
	// Timeout bounds one request/response round trip.
	Timeout time.Duration
}

// Subprocess runs batches through an external worker process speaking
// length-prefixed msgpack over stdin/stdout. Requests are strictly
// sequential.
type Subprocess struct {
	cfg SubprocessConfig

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.Reader

	mu     sync.Mutex // one round trip at a time
	broken error
	wg     sync.WaitGroup
}

// StartSubprocess spawns the worker process. The process is killed when
// ctx is cancelled.
func StartSubprocess(ctx context.Context, cfg SubprocessConfig) (*Subprocess, error) {
	if cfg.Command == "" {
		return nil, fmt.Errorf("inference: command is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}

	cmd := exec.CommandContext(ctx, cfg.Command, cfg.Args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("inference: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("inference: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("inference: stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("inference: start %s: %w", cfg.Command, err)
	}

	slog.Info("inference: worker process spawned",
		"command", cfg.Command,
		"pid", cmd.Process.Pid,
	)

	s := newSubprocess(cfg, stdin, bufio.NewReader(stdout))
	s.cmd = cmd
	s.wg.Add(1)
	go s.logStderr(stderr)
	return s, nil
}

func newSubprocess(cfg SubprocessConfig, stdin io.WriteCloser, stdout io.Reader) *Subprocess {
	return &Subprocess{cfg: cfg, stdin: stdin, stdout: stdout}
}

func (s *Subprocess) logStderr(r io.Reader) {
	defer s.wg.Done()
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		slog.Debug("inference: worker stderr", "line", sc.Text())
	}
}

// Infer implements Engine.
func (s *Subprocess) Infer(ctx context.Context, b *batch.Batch) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	fail := func(err error) (Result, error) {
		return Result{}, &InferenceError{BatchID: b.ID(), Err: err}
	}
	if s.broken != nil {
		return fail(s.broken)
	}

	start := time.Now()
	type reply struct {
		resp wireResponse
		err  error
	}
	done := make(chan reply, 1)
	go func() {
		var r reply
		if r.err = writeMessage(s.stdin, encodeBatch(b)); r.err == nil {
			r.err = readMessage(s.stdout, &r.resp)
		}
		done <- r
	}()

	var r reply
	select {
	case r = <-done:
	case <-time.After(s.cfg.Timeout):
		s.broken = fmt.Errorf("no response within %s", s.cfg.Timeout)
		return fail(s.broken)
	case <-ctx.Done():
		s.broken = ctx.Err()
		return fail(ctx.Err())
	}

	if r.err != nil {
		s.broken = r.err
		return fail(r.err)
	}
	if r.resp.Error != "" {
		return fail(errors.New(r.resp.Error))
	}
	if r.resp.BatchID != b.ID() {
		s.broken = fmt.Errorf("response for batch %q out of order", r.resp.BatchID)
		return fail(s.broken)
	}

	res := Result{
		BatchID: b.ID(),
		Frames:  make(map[stream.ID]FrameResult, b.Len()),
		Latency: time.Since(start),
	}
	for _, slot := range b.Slots() {
		f, _ := b.Frame(slot)
		res.Frames[f.Stream] = FrameResult{Stream: f.Stream, Slot: slot, Seq: f.Frame.Seq}
	}
	for _, fr := range r.resp.Frames {
		id := stream.ID(fr.Stream)
		cur, ok := res.Frames[id]
		if !ok {
			slog.Warn("inference: result for stream not in batch", "batch_id", b.ID(), "stream_id", id)
			continue
		}
		cur.Detections = fr.Detections
		res.Frames[id] = cur
	}
	return res, nil
}

// Close stops the worker process.
func (s *Subprocess) Close() error {
	err := s.stdin.Close()
	if s.cmd != nil {
		// Wait closes the stderr pipe, so the reader must reach EOF first.
		readerDone := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(readerDone)
		}()
		killed := false
		select {
		case <-readerDone:
		case <-time.After(2 * time.Second):
			slog.Warn("inference: worker did not exit, killing", "pid", s.cmd.Process.Pid)
			s.cmd.Process.Kill()
			killed = true
			<-readerDone
		}
		if werr := s.cmd.Wait(); werr != nil && err == nil && !killed {
			err = werr
		}
	}
	s.wg.Wait()
	if err != nil {
		return fmt.Errorf("inference: close worker: %w", err)
	}
	return nil
}
