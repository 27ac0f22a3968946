package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"github.com/mattn/go-shellwords"
)

// ExecDevice records by running an external recorder (arecord, sox, ffmpeg)
// that writes raw PCM to stdout. The placeholders {rate}, {channels} and
// {bits} in the command are replaced with the configured format.
type ExecDevice struct {
	args   []string
	format Format
}

func NewExecDevice(command string) (*ExecDevice, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse capture command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("capture command is empty")
	}
	return &ExecDevice{args: args}, nil
}

func (d *ExecDevice) Name() string { return "exec:" + d.args[0] }

func (d *ExecDevice) Configure(format Format) error {
	if _, err := exec.LookPath(d.args[0]); err != nil {
		return fmt.Errorf("recorder unavailable: %w", err)
	}
	d.format = format
	return nil
}

func (d *ExecDevice) Open(ctx context.Context) (io.ReadCloser, error) {
	args := d.expand()
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("recorder stdout: %w", err)
	}
	r := &commandReader{cmd: cmd, stdout: stdout}
	cmd.Stderr = &r.stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start recorder: %w", err)
	}
	return r, nil
}

func (d *ExecDevice) expand() []string {
	replacer := strings.NewReplacer(
		"{rate}", strconv.Itoa(d.format.SampleRate),
		"{channels}", strconv.Itoa(d.format.Channels),
		"{bits}", strconv.Itoa(d.format.BitsPerSample),
	)
	out := make([]string, len(d.args))
	for i, arg := range d.args {
		out[i] = replacer.Replace(arg)
	}
	return out
}

type commandReader struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	stderr bytes.Buffer

	once    sync.Once
	waitErr error
	killed  bool
	mu      sync.Mutex
}

func (r *commandReader) Read(p []byte) (int, error) {
	n, err := r.stdout.Read(p)
	if errors.Is(err, io.EOF) {
		if werr := r.wait(); werr != nil && !r.wasKilled() {
			return n, fmt.Errorf("recorder exited: %w: %s", werr, strings.TrimSpace(r.stderr.String()))
		}
	}
	return n, err
}

func (r *commandReader) Close() error {
	r.mu.Lock()
	r.killed = true
	r.mu.Unlock()
	if r.cmd.Process != nil {
		_ = r.cmd.Process.Kill()
	}
	_ = r.stdout.Close()
	_ = r.wait()
	return nil
}

func (r *commandReader) wait() error {
	r.once.Do(func() {
		r.waitErr = r.cmd.Wait()
	})
	return r.waitErr
}

func (r *commandReader) wasKilled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.killed
}
