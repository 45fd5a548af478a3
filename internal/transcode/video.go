package transcode

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/xfrr/goffmpeg/transcoder"

	"assetvault/internal/logger"
)

// VideoTranscoder приводит видео к H.264/AAC в контейнере mp4 через ffmpeg.
type VideoTranscoder struct {
	tmpDir string
	log    *logger.Logger
}

func NewVideoTranscoder(tmpDir string, log *logger.Logger) (*VideoTranscoder, error) {
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		return nil, fmt.Errorf("ffmpeg not found: %w", err)
	}
	if err := os.MkdirAll(tmpDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create temp directory: %w", err)
	}
	return &VideoTranscoder{tmpDir: tmpDir, log: log.With("component", "VideoTranscoder")}, nil
}

// NeedsTranscode сообщает, нужно ли перекодировать видео с таким mimetype.
func NeedsTranscode(mimetype string) bool {
	mt := strings.ToLower(mimetype)
	return strings.HasPrefix(mt, "video/") && mt != "video/mp4"
}

// ToMP4 перекодирует видео. ext задаёт расширение исходника, по нему ffmpeg выбирает демультиплексор.
func (v *VideoTranscoder) ToMP4(ctx context.Context, data []byte, ext string) ([]byte, error) {
	work, err := os.MkdirTemp(v.tmpDir, "video-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create work dir: %w", err)
	}
	defer os.RemoveAll(work)

	if ext == "" {
		ext = "bin"
	}
	input := filepath.Join(work, "input."+strings.TrimPrefix(ext, "."))
	output := filepath.Join(work, "output.mp4")
	if err := os.WriteFile(input, data, 0o600); err != nil {
		return nil, fmt.Errorf("failed to write input: %w", err)
	}

	trans := new(transcoder.Transcoder)
	if err := trans.Initialize(input, output); err != nil {
		return nil, fmt.Errorf("failed to initialize transcoder: %w", err)
	}
	trans.MediaFile().SetVideoCodec("libx264")
	trans.MediaFile().SetAudioCodec("aac")

	v.log.Info("transcoding video", "input_size", len(data), "ext", ext)
	done := trans.Run(false)
	select {
	case err := <-done:
		if err != nil {
			return nil, fmt.Errorf("transcoding failed: %w", err)
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	out, err := os.ReadFile(output)
	if err != nil {
		return nil, fmt.Errorf("failed to read output: %w", err)
	}
	v.log.Info("video transcoded", "output_size", len(out))
	return out, nil
}
