package audio

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/mattn/go-shellwords"
)

// ExecDecoder pipes a payload through an external converter (ffmpeg, sox)
// that writes a WAV stream on stdout, e.g.
//
//	ffmpeg -hide_banner -loglevel error -i pipe:0 -f wav -acodec pcm_s16le pipe:1
type ExecDecoder struct {
	cmd []string
}

func NewExecDecoder(command string) (*ExecDecoder, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse decode command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("decode command empty")
	}
	return &ExecDecoder{cmd: args}, nil
}

func (e *ExecDecoder) Decode(ctx context.Context, p Payload) ([]float32, int, error) {
	cmd := exec.CommandContext(ctx, e.cmd[0], e.cmd[1:]...)
	cmd.Stdin = bytes.NewReader(p.Data)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return nil, 0, fmt.Errorf("%w: %s: %s", ErrDecode, e.cmd[0], msg)
	}
	return WAVDecoder{}.Decode(ctx, Payload{Data: stdout.Bytes(), ContentType: "audio/wav"})
}
