package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"time"
)

// Decoder is an external process turning raw encoded audio written to its
// input into 16-bit mono PCM on its output.
type Decoder interface {
	// Start launches the process and returns its input and output pipes.
	Start(ctx context.Context) (io.WriteCloser, io.ReadCloser, error)
	// Wait blocks until the process exits. It must be called only after
	// the output pipe has been read to EOF.
	Wait() error
}

// DecoderConfig describes how to invoke the decoder program
type DecoderConfig struct {
	Command    string    // executable, "ffmpeg" by default
	Args       []string  // full argument list; FFmpegArgs(SampleRate) when empty
	SampleRate int       // output sample rate in Hz
	Stderr     io.Writer // diagnostics pass-through, os.Stderr when nil
}

// FFmpegArgs returns the ffmpeg arguments reading encoded audio on stdin and
// writing raw s16le mono PCM at sampleRate on stdout.
func FFmpegArgs(sampleRate int) []string {
	return []string{
		"-i", "pipe:0",
		"-v", "fatal",
		"-acodec", "pcm_s16le",
		"-ar", strconv.Itoa(sampleRate),
		"-ac", strconv.Itoa(Channels),
		"-f", "s16le",
		"pipe:1",
	}
}

// ExecDecoder runs the decoder as a subprocess
type ExecDecoder struct {
	config DecoderConfig
	cmd    *exec.Cmd
}

// NewExecDecoder creates a subprocess decoder; nothing is started until Start.
func NewExecDecoder(config DecoderConfig) *ExecDecoder {
	if config.Command == "" {
		config.Command = "ffmpeg"
	}
	if config.SampleRate <= 0 {
		config.SampleRate = DefaultSampleRate
	}
	if len(config.Args) == 0 && config.Command == "ffmpeg" {
		config.Args = FFmpegArgs(config.SampleRate)
	}
	if config.Stderr == nil {
		config.Stderr = os.Stderr
	}
	return &ExecDecoder{config: config}
}

// Start spawns the decoder with piped stdin/stdout
func (d *ExecDecoder) Start(ctx context.Context) (io.WriteCloser, io.ReadCloser, error) {
	if d.cmd != nil {
		return nil, nil, errors.New("decoder already started")
	}

	cmd := exec.CommandContext(ctx, d.config.Command, d.config.Args...)
	cmd.Stderr = d.config.Stderr
	cmd.WaitDelay = 5 * time.Second

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open decoder stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open decoder stdout: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, nil, fmt.Errorf("failed to start decoder %s: %w", d.config.Command, err)
	}
	d.cmd = cmd

	return stdin, stdout, nil
}

// Wait waits for the decoder process to exit
func (d *ExecDecoder) Wait() error {
	if d.cmd == nil {
		return errors.New("decoder not started")
	}
	return d.cmd.Wait()
}

// Pid returns the decoder process id, or 0 before Start
func (d *ExecDecoder) Pid() int {
	if d.cmd == nil || d.cmd.Process == nil {
		return 0
	}
	return d.cmd.Process.Pid
}
