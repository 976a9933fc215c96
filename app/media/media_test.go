package media

import (
	"context"
	"errors"
	"image/color"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"tubebot/app/config"
	"tubebot/app/errs"
	"tubebot/app/logger"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type call struct {
	name string
	args []string
}

// scriptedRunner 按调用顺序执行预设的处理函数
type scriptedRunner struct {
	mu    sync.Mutex
	calls []call
	steps []func(args []string) ([]byte, error)
}

func (r *scriptedRunner) Run(_ context.Context, name string, args ...string) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := len(r.calls)
	r.calls = append(r.calls, call{name: name, args: args})
	if i < len(r.steps) {
		return r.steps[i](args)
	}
	return nil, nil
}

func argAfter(args []string, flag string) string {
	for i, a := range args {
		if a == flag && i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}

func writeOutput(args []string) ([]byte, error) {
	return nil, os.WriteFile(argAfter(args, "-o"), []byte("video"), 0644)
}

func failWith(stderr string) func([]string) ([]byte, error) {
	return func([]string) ([]byte, error) {
		return nil, &ExecError{Name: "yt-dlp", Stderr: stderr, Err: errors.New("exit status 1")}
	}
}

func newTestToolkit(t *testing.T, runner Runner) *Toolkit {
	t.Helper()
	tk, err := NewToolkit(config.ToolsConfig{
		YtDlpPath:  "yt-dlp",
		FfmpegPath: "ffmpeg",
		Strategies: []string{"default", "android", "simple"},
	}, runner, logger.NewNop())
	require.NoError(t, err)
	return tk
}

func TestFormatSelector(t *testing.T) {
	assert.Equal(t, "bestvideo+bestaudio/best", FormatSelector(""))
	assert.Equal(t, "bestvideo+bestaudio/best", FormatSelector("best"))
	assert.Equal(t, "worstvideo+worstaudio/worst", FormatSelector("worst"))
	assert.Equal(t, "bestvideo[height<=720]+bestaudio/best[height<=720]/best", FormatSelector("720"))
}

func TestUnknownStrategy(t *testing.T) {
	_, err := NewToolkit(config.ToolsConfig{Strategies: []string{"default", "ios"}}, &scriptedRunner{}, logger.NewNop())
	assert.Error(t, err)
}

func TestProbeCachesResult(t *testing.T) {
	runner := &scriptedRunner{steps: []func([]string) ([]byte, error){
		func([]string) ([]byte, error) {
			return []byte(`{"id":"abc","title":"Demo","duration":125.4,"uploader":"me"}`), nil
		},
	}}
	tk := newTestToolkit(t, runner)

	info, err := tk.Probe(context.Background(), "https://youtu.be/abc")
	require.NoError(t, err)
	assert.Equal(t, "Demo", info.Title)
	assert.Equal(t, 125, info.DurationSeconds())

	_, err = tk.Probe(context.Background(), "https://youtu.be/abc")
	require.NoError(t, err)
	require.Len(t, runner.calls, 1)
	assert.Equal(t, []string{"--dump-json", "--no-warnings", "--no-playlist", "https://youtu.be/abc"}, runner.calls[0].args)
}

func TestProbeFailure(t *testing.T) {
	runner := &scriptedRunner{steps: []func([]string) ([]byte, error){failWith("ERROR: Private video")}}
	tk := newTestToolkit(t, runner)

	_, err := tk.Probe(context.Background(), "https://youtu.be/abc")
	require.Error(t, err)
	assert.Equal(t, errs.AcquisitionFailure, errs.KindOf(err))
	assert.Equal(t, "This video is private.", errs.UserMessage(err))
}

func TestAcquireFallsBackInOrder(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "job1_source.mp4")

	runner := &scriptedRunner{steps: []func([]string) ([]byte, error){
		func(args []string) ([]byte, error) {
			// 第一个策略留下残留分片后失败
			_ = os.WriteFile(argAfter(args, "-o")+".part", []byte("x"), 0644)
			return failWith("HTTP Error 403")(args)
		},
		writeOutput,
	}}
	tk := newTestToolkit(t, runner)

	require.NoError(t, tk.Acquire(context.Background(), AcquireRequest{URL: "https://youtu.be/abc", Quality: "720"}, out))
	require.Len(t, runner.calls, 2)

	assert.Equal(t, FormatSelector("720"), argAfter(runner.calls[0].args, "-f"))
	assert.Equal(t, "youtube:player_client=android,player_skip=webpage", argAfter(runner.calls[1].args, "--extractor-args"))
	assert.Equal(t, "mp4", argAfter(runner.calls[1].args, "--merge-output-format"))
	assert.Equal(t, "https://youtu.be/abc", runner.calls[1].args[len(runner.calls[1].args)-1])
	// 临时文件的修改时间必须是本地写入时间
	for _, c := range runner.calls {
		assert.Contains(t, c.args, "--no-mtime")
	}

	assert.NoFileExists(t, out+".part")
	assert.FileExists(t, out)
}

func TestAcquireAllStrategiesFail(t *testing.T) {
	runner := &scriptedRunner{steps: []func([]string) ([]byte, error){
		failWith("boom"), failWith("boom"), failWith("ERROR: Video unavailable"),
	}}
	tk := newTestToolkit(t, runner)

	err := tk.Acquire(context.Background(), AcquireRequest{URL: "https://youtu.be/abc"}, filepath.Join(t.TempDir(), "j_source.mp4"))
	require.Error(t, err)
	assert.Len(t, runner.calls, 3)
	assert.Equal(t, errs.AcquisitionFailure, errs.KindOf(err))
	assert.Equal(t, "This video is unavailable.", errs.UserMessage(err))
}

func TestTranscodeFallsBackToReencode(t *testing.T) {
	runner := &scriptedRunner{steps: []func([]string) ([]byte, error){failWith("copy failed")}}
	tk := newTestToolkit(t, runner)

	err := tk.Transcode(context.Background(), "in.mp4", "out.mp4", TranscodeOptions{Start: 30 * time.Second, Duration: 30 * time.Second})
	require.NoError(t, err)
	require.Len(t, runner.calls, 2)

	first := strings.Join(runner.calls[0].args, " ")
	second := strings.Join(runner.calls[1].args, " ")
	assert.Contains(t, first, "-i in.mp4 -ss 30 -t 30 -c copy out.mp4")
	assert.Contains(t, second, "-c:v libx264 -c:a aac out.mp4")
	assert.NotContains(t, second, "-c copy")
}

func TestTranscodeMp3(t *testing.T) {
	runner := &scriptedRunner{}
	tk := newTestToolkit(t, runner)

	require.NoError(t, tk.Transcode(context.Background(), "in.mp4", "out.mp3", TranscodeOptions{AudioOnly: true}))
	require.Len(t, runner.calls, 1)
	assert.Equal(t, "ffmpeg", runner.calls[0].name)
	assert.Contains(t, strings.Join(runner.calls[0].args, " "), "-vn -acodec libmp3lame -b:a 192k out.mp3")
}

func TestTranscodeMp3FailureIsProcessingFailure(t *testing.T) {
	runner := &scriptedRunner{steps: []func([]string) ([]byte, error){failWith("bad")}}
	tk := newTestToolkit(t, runner)

	err := tk.Transcode(context.Background(), "in.mp4", "out.mp3", TranscodeOptions{AudioOnly: true})
	assert.Equal(t, errs.ProcessingFailure, errs.KindOf(err))
	assert.Len(t, runner.calls, 1)
}

func TestThumbnailFromSiblingImage(t *testing.T) {
	dir := t.TempDir()
	video := filepath.Join(dir, "job1_source.mp4")
	require.NoError(t, os.WriteFile(video, []byte("video"), 0644))
	src := imaging.New(1280, 720, color.NRGBA{R: 200, A: 255})
	require.NoError(t, imaging.Save(src, filepath.Join(dir, "job1_source.png")))

	runner := &scriptedRunner{}
	tk := newTestToolkit(t, runner)
	out := filepath.Join(dir, "job1_thumb.jpg")
	require.NoError(t, tk.Thumbnail(context.Background(), video, out))
	assert.Empty(t, runner.calls)

	img, err := imaging.Open(out)
	require.NoError(t, err)
	assert.Equal(t, 320, img.Bounds().Dx())
	assert.Equal(t, 180, img.Bounds().Dy())
}
