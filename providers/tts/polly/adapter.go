// Package polly synthesizes reference audio for source texts through Amazon
// Polly, letting a text corpus be turned into a speech evaluation corpus.
package polly

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/polly"
	pollytypes "github.com/aws/aws-sdk-go-v2/service/polly/types"
	"github.com/aws/smithy-go"
	"github.com/sirupsen/logrus"

	"github.com/tiger/streameval/internal/instance"
)

const ProviderID = "tts-amazon-polly"

var logger = logrus.WithField("component", "polly")

// ErrThrottled marks a rate-limited synthesis call; safe to retry.
var ErrThrottled = errors.New("polly throttled the request")

// ErrRejected marks a request Polly refused outright; retrying cannot help.
var ErrRejected = errors.New("polly rejected the request")

type synthClient interface {
	SynthesizeSpeech(ctx context.Context, params *polly.SynthesizeSpeechInput, optFns ...func(*polly.Options)) (*polly.SynthesizeSpeechOutput, error)
}

type Config struct {
	Region     string
	VoiceID    string
	Engine     string
	SampleRate int
	Timeout    time.Duration
}

func ConfigFromEnv() Config {
	return Config{
		Region:  defaultString(os.Getenv("STREAMEVAL_TTS_POLLY_REGION"), os.Getenv("AWS_REGION")),
		VoiceID: os.Getenv("STREAMEVAL_TTS_POLLY_VOICE"),
		Engine:  os.Getenv("STREAMEVAL_TTS_POLLY_ENGINE"),
	}
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.Region) == "" {
		c.Region = "us-east-1"
	}
	if strings.TrimSpace(c.VoiceID) == "" {
		c.VoiceID = "Joanna"
	}
	if strings.TrimSpace(c.Engine) == "" {
		c.Engine = "neural"
	}
	if c.SampleRate <= 0 {
		c.SampleRate = 16000
	}
	if c.Timeout <= 0 {
		c.Timeout = 15 * time.Second
	}
	return c
}

// Synthesizer converts source texts into mono PCM16 reference wavs.
type Synthesizer struct {
	mu     sync.Mutex
	client synthClient
	cfg    Config
}

func New(cfg Config) *Synthesizer {
	return NewWithClient(cfg, nil)
}

func NewWithClient(cfg Config, client synthClient) *Synthesizer {
	return &Synthesizer{client: client, cfg: cfg.withDefaults()}
}

// Synthesize returns the raw PCM16 samples for one source text.
func (s *Synthesizer) Synthesize(ctx context.Context, text string) ([]byte, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("%w: empty source text", ErrRejected)
	}
	client, err := s.resolveClient(ctx)
	if err != nil {
		return nil, err
	}

	engine := pollytypes.EngineStandard
	if strings.EqualFold(s.cfg.Engine, "neural") {
		engine = pollytypes.EngineNeural
	}
	sampleRate := fmt.Sprintf("%d", s.cfg.SampleRate)

	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	output, err := client.SynthesizeSpeech(ctx, &polly.SynthesizeSpeechInput{
		Engine:       engine,
		OutputFormat: pollytypes.OutputFormatPcm,
		SampleRate:   &sampleRate,
		Text:         &text,
		TextType:     pollytypes.TextTypeText,
		VoiceId:      pollytypes.VoiceId(s.cfg.VoiceID),
	})
	if err != nil {
		return nil, normalizeError(err)
	}
	if output == nil || output.AudioStream == nil {
		return nil, fmt.Errorf("polly returned empty audio stream")
	}
	defer output.AudioStream.Close()
	pcm, err := io.ReadAll(output.AudioStream)
	if err != nil {
		return nil, fmt.Errorf("read audio stream: %w", err)
	}
	return pcm, nil
}

// SynthesizeToWav synthesizes one text and writes it as a RIFF wav file.
func (s *Synthesizer) SynthesizeToWav(ctx context.Context, text, path string) error {
	pcm, err := s.Synthesize(ctx, text)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create wav directory: %w", err)
	}
	if err := os.WriteFile(path, instance.PCM16WAV(pcm, s.cfg.SampleRate), 0o644); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	return nil
}

// SynthesizeCorpus writes one <ordinal>.wav per source text under outDir.
// Throttled texts abort the batch so a rerun can resume cleanly.
func (s *Synthesizer) SynthesizeCorpus(ctx context.Context, texts []string, outDir string) error {
	for i, text := range texts {
		path := filepath.Join(outDir, fmt.Sprintf("%d.wav", i))
		if err := s.SynthesizeToWav(ctx, text, path); err != nil {
			return fmt.Errorf("synthesize sample %d: %w", i, err)
		}
		logger.WithField("path", path).Debug("synthesized reference audio")
	}
	logger.Infof("synthesized %d reference wavs into %s", len(texts), outDir)
	return nil
}

func normalizeError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "TooManyRequestsException":
			return fmt.Errorf("%w: %s", ErrThrottled, apiErr.ErrorMessage())
		case "InvalidSsmlException", "TextLengthExceededException", "LexiconNotFoundException",
			"MarksNotSupportedForFormatException", "InvalidSampleRateException":
			return fmt.Errorf("%w: %s: %s", ErrRejected, apiErr.ErrorCode(), apiErr.ErrorMessage())
		default:
			return fmt.Errorf("polly server error %s: %s", apiErr.ErrorCode(), apiErr.ErrorMessage())
		}
	}
	return fmt.Errorf("polly transport error: %w", err)
}

func defaultString(v string, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}

func (s *Synthesizer) resolveClient(ctx context.Context) (synthClient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client != nil {
		return s.client, nil
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(s.cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	s.client = polly.NewFromConfig(awsCfg)
	return s.client, nil
}

// NewTestAudioStream creates an in-memory stream for synthesizer tests.
func NewTestAudioStream(pcm []byte) io.ReadCloser {
	return io.NopCloser(bytes.NewReader(pcm))
}
