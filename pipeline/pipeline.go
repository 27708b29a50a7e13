// Package pipeline drives a script through narration, music, mixing,
// optional avatar rendering, and final composition. Every artifact along the
// way lives in the content-addressed cache, so re-runs skip whatever already
// exists.
package pipeline

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"podcast_video_gen/avatar"
	"podcast_video_gen/cache"
	"podcast_video_gen/chunker"
	"podcast_video_gen/composer"
	"podcast_video_gen/events"
	"podcast_video_gen/internal/mediautil"
	"podcast_video_gen/mixer"
	"podcast_video_gen/music"
	"podcast_video_gen/stage"
	"podcast_video_gen/tts"
)

// Chunk processing states, in pipeline order.
const (
	StateNew         = "NEW"
	StateNarrated    = "NARRATED"
	StateMusicReady  = "MUSIC_READY"
	StateMixed       = "MIXED"
	StateAvatarReady = "AVATAR_READY"
	StateComposed    = "COMPOSED"
	StateDone        = "DONE"
	StateFailed      = "FAILED"
)

// MusicCue asks for a background bed, either generated from a description or
// imported from a file.
type MusicCue struct {
	Description string `json:"description"`
	File        string `json:"file"`
}

// Script is the parsed input: an optional title, body paragraphs, and music
// cues.
type Script struct {
	Title     string     `json:"title"`
	Body      []string   `json:"body"`
	MusicCues []MusicCue `json:"music_cues"`
}

// ChunkResult records how far one chunk got and where its final artifact
// landed.
type ChunkResult struct {
	Index      int    `json:"index"`
	Title      string `json:"title"`
	State      string `json:"state"`
	OutputPath string `json:"output_path,omitempty"`
	Cause      string `json:"cause,omitempty"`
}

// Summary is the outcome of one full run.
type Summary struct {
	RunID       string        `json:"run_id"`
	OutputPaths []string      `json:"output_paths"`
	Chunks      []ChunkResult `json:"chunks"`
	Failed      int           `json:"failed"`
}

// Pipeline owns the stages and the shared cache for one configured instance.
// Runs are safe to issue concurrently; the cache leases keep duplicate work
// out.
type Pipeline struct {
	Config   *Config
	Cache    *cache.Store
	Events   *events.Emitter
	TTS      *tts.Stage
	Music    *music.Stage
	Mixer    *mixer.Stage
	Avatar   *avatar.Stage
	Composer *composer.Stage
}

// New builds a pipeline from resolved configuration. FFmpeg and a writable
// cache directory are hard requirements.
func New(cfg *Config) (*Pipeline, error) {
	if err := mediautil.ValidateFFmpegInstalled(); err != nil {
		return nil, err
	}

	store, err := cache.NewStore(cfg.CacheDir)
	if err != nil {
		return nil, err
	}
	if err := mediautil.EnsureDirectoryExists(cfg.OutputsDir); err != nil {
		return nil, fmt.Errorf("cannot create outputs directory: %v", err)
	}

	return &Pipeline{
		Config:   cfg,
		Cache:    store,
		Events:   events.NewEmitter(),
		TTS:      tts.NewStage(cfg.TTSEngines, cfg.TTS),
		Music:    music.NewStage(cfg.Music),
		Mixer:    mixer.NewStage(cfg.Mixer),
		Avatar:   avatar.NewStage(cfg.Avatar),
		Composer: composer.NewStage(cfg.Composer),
	}, nil
}

// Run processes the whole script and returns a summary. The summary's Failed
// count is nonzero when chunks failed under the continue-on-error policy; a
// non-nil error means the run as a whole stopped.
func (p *Pipeline) Run(ctx context.Context, script Script, outputName string) (*Summary, error) {
	return p.RunWithID(ctx, uuid.New().String(), script, outputName)
}

// RunWithID is Run with a caller-assigned run ID, for callers that need to
// track the run before it finishes.
func (p *Pipeline) RunWithID(ctx context.Context, runID string, script Script, outputName string) (*Summary, error) {
	outputName = mediautil.SanitizeFilename(outputName)
	log.Printf("🎬 Starting run %s (%q, %d paragraphs)", runID, outputName, len(script.Body))

	chunks := p.resolveChunks(script)
	summary := &Summary{RunID: runID, Chunks: make([]ChunkResult, len(chunks))}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	workers := p.Config.ChunkWorkers
	if workers > len(chunks) {
		workers = len(chunks)
	}
	if workers < 1 {
		workers = 1
	}

	// A buffered channel bounds in-flight chunks; the cache leases make
	// any interleaving safe.
	pool := make(chan struct{}, workers)
	var wg sync.WaitGroup
	var mu sync.Mutex

	for i, chunk := range chunks {
		if runCtx.Err() != nil {
			mu.Lock()
			summary.Chunks[i] = ChunkResult{Index: chunk.Index, Title: chunk.Title, State: StateFailed, Cause: runCtx.Err().Error()}
			summary.Failed++
			mu.Unlock()
			continue
		}

		wg.Add(1)
		pool <- struct{}{}
		go func(i int, chunk chunker.Chunk) {
			defer wg.Done()
			defer func() { <-pool }()

			result := p.runChunk(runCtx, runID, script, chunk, outputName, len(chunks))

			mu.Lock()
			summary.Chunks[i] = result
			if result.State == StateDone {
				summary.OutputPaths = append(summary.OutputPaths, result.OutputPath)
			} else {
				summary.Failed++
				if !p.Config.ContinueOnError {
					cancel()
				}
			}
			mu.Unlock()
		}(i, chunk)
	}
	wg.Wait()

	if ctx.Err() != nil {
		return summary, ctx.Err()
	}
	if summary.Failed > 0 && !p.Config.ContinueOnError {
		return summary, fmt.Errorf("run %s stopped: %d of %d chunks failed", runID, summary.Failed, len(chunks))
	}

	log.Printf("✅ Run %s finished: %d artifacts, %d failed", runID, len(summary.OutputPaths), summary.Failed)
	return summary, nil
}

// resolveChunks splits the script body, or wraps it whole when chunking is
// off.
func (p *Pipeline) resolveChunks(script Script) []chunker.Chunk {
	text := joinScript(script)
	if p.Config.ChunkMinutes > 0 {
		return chunker.Split(text, p.Config.ChunkMinutes)
	}
	body := joinBody(script.Body)
	return []chunker.Chunk{{
		Index:                    0,
		Title:                    script.Title,
		Text:                     body,
		EstimatedDurationSeconds: chunker.EstimateDurationSeconds(body),
	}}
}

// runChunk drives one chunk through the stage order, reporting the furthest
// state reached.
func (p *Pipeline) runChunk(ctx context.Context, runID string, script Script, chunk chunker.Chunk, outputName string, totalChunks int) ChunkResult {
	result := ChunkResult{Index: chunk.Index, Title: chunk.Title, State: StateNew}

	fail := func(err error) ChunkResult {
		result.State = StateFailed
		result.Cause = err.Error()
		log.Printf("❌ Chunk %d failed at %s: %v", chunk.Index, result.State, err)
		return result
	}

	sctx := func(name string) stage.Context {
		return stage.Context{
			Stage: name, RunID: runID, ChunkIndex: chunk.Index,
			Cache: p.Cache, Events: p.Events,
		}
	}

	// Persist the chunk slice itself so re-runs with the same split hit
	// the cache for free.
	if _, err := p.persistChunk(chunk, sctx("chunker")); err != nil {
		return fail(err)
	}

	if ctx.Err() != nil {
		return fail(ctx.Err())
	}
	narration, err := p.TTS.Synthesize(ctx, sctx("narration"), chunk.Text)
	if err != nil {
		return fail(err)
	}
	result.State = StateNarrated

	musicArtifact, err := p.resolveMusic(ctx, sctx("music"), script, chunk, narration)
	if err != nil {
		return fail(err)
	}
	result.State = StateMusicReady

	if ctx.Err() != nil {
		return fail(ctx.Err())
	}
	mixed, err := p.Mixer.Mix(ctx, sctx("mixed"), narration, musicArtifact)
	if err != nil {
		return fail(err)
	}
	result.State = StateMixed

	outputBase := outputName
	if totalChunks > 1 {
		outputBase = fmt.Sprintf("%s_chunk%02d", outputName, chunk.Index+1)
	}

	if p.Config.AudioOnly {
		outPath := filepath.Join(p.Config.OutputsDir, outputBase+".mp3")
		if err := exportMP3(ctx, mixed.Path, outPath); err != nil {
			return fail(err)
		}
		result.OutputPath = outPath
		result.State = StateDone
		p.emitChunkDone(runID, chunk.Index, outPath)
		return result
	}

	var avatarVideo *stage.Artifact
	if p.Config.AvatarEnabled {
		if ctx.Err() != nil {
			return fail(ctx.Err())
		}
		rendered, err := p.Avatar.Animate(ctx, sctx("avatar"), mixed)
		if err != nil {
			return fail(err)
		}
		avatarVideo = &rendered
		result.State = StateAvatarReady
	}

	if ctx.Err() != nil {
		return fail(ctx.Err())
	}
	composed, err := p.Composer.Compose(ctx, sctx("video"), mixed, avatarVideo)
	if err != nil {
		return fail(err)
	}
	result.State = StateComposed

	outPath := filepath.Join(p.Config.OutputsDir, outputBase+".mp4")
	if err := copyFile(composed.Path, outPath); err != nil {
		return fail(fmt.Errorf("failed to place final artifact: %v", err))
	}

	result.OutputPath = outPath
	result.State = StateDone
	p.emitChunkDone(runID, chunk.Index, outPath)
	return result
}

// resolveMusic picks this chunk's cue, if any, and produces the bed sized to
// the narration. No cue means no music track.
func (p *Pipeline) resolveMusic(ctx context.Context, sctx stage.Context, script Script, chunk chunker.Chunk, narration stage.Artifact) (*stage.Artifact, error) {
	if len(script.MusicCues) == 0 {
		return nil, nil
	}
	cue := script.MusicCues[0]
	if chunk.Index < len(script.MusicCues) {
		cue = script.MusicCues[chunk.Index]
	}

	if cue.File != "" {
		artifact, err := p.Music.Import(ctx, sctx, cue.File)
		if err != nil {
			return nil, err
		}
		return &artifact, nil
	}

	duration, err := mediautil.GetMediaDuration(narration.Path)
	if err != nil {
		return nil, fmt.Errorf("cannot measure narration for music cue: %v", err)
	}
	artifact, err := p.Music.Generate(ctx, sctx, cue.Description, duration)
	if err != nil {
		return nil, err
	}
	return &artifact, nil
}

func (p *Pipeline) persistChunk(chunk chunker.Chunk, sctx stage.Context) (stage.Artifact, error) {
	fingerprint := cache.ChunkFingerprint(chunk.Title, chunk.Text, chunk.Index)
	return stage.Produce(sctx, cache.KindChunkedScript, fingerprint, func(tmpPath string) error {
		content := chunk.Text
		if chunk.Title != "" {
			content = "# " + chunk.Title + "\n\n" + content
		}
		return os.WriteFile(tmpPath, []byte(content), 0644)
	})
}

func (p *Pipeline) emitChunkDone(runID string, index int, outPath string) {
	p.Events.Emit(events.Event{
		RunID: runID, Type: events.ChunkCompleted,
		ChunkIndex: index, Artifact: outPath,
	})
}

func joinScript(script Script) string {
	body := joinBody(script.Body)
	if script.Title != "" {
		return "# " + script.Title + "\n\n" + body
	}
	return body
}

func joinBody(paragraphs []string) string {
	out := ""
	for i, paragraph := range paragraphs {
		if i > 0 {
			out += "\n\n"
		}
		out += paragraph
	}
	return out
}

// exportMP3 copies the mixed artifact to the output path, transcoding only
// when the source is not already MP3.
func exportMP3(ctx context.Context, mixedPath, outPath string) error {
	if filepath.Ext(mixedPath) == ".mp3" {
		return copyFile(mixedPath, outPath)
	}
	cmd := exec.CommandContext(ctx, "ffmpeg", "-y",
		"-i", mixedPath,
		"-c:a", "libmp3lame", "-qscale:a", "2",
		outPath)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("mp3 export failed: %v, output: %s", err, string(output))
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}
