package align

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

var logger = logrus.WithField("component", "align")

// ErrAlignerUnavailable indicates the forced-aligner toolchain is missing.
// Speech latency without alignment is not a valid substitute metric, so this
// aborts the latency computation rather than degrading it.
var ErrAlignerUnavailable = errors.New("forced aligner unavailable")

// Directory conventions inside the log directory.
const (
	WavsDirName    = "wavs"
	AlignDirName   = "align"
	ScratchDirName = "mfa"
)

// Aligner runs the external forced aligner (Montreal Forced Aligner) over a
// log directory's wavs and leaves one TextGrid per audio input in align/.
type Aligner struct {
	Command        string
	ModelsDir      string
	DictionaryName string
	AcousticName   string

	// Injection points for tests.
	LookPath func(string) (string, error)
	Run      func(*exec.Cmd) error
}

func (a Aligner) withDefaults() Aligner {
	if strings.TrimSpace(a.Command) == "" {
		a.Command = "mfa"
	}
	if strings.TrimSpace(a.DictionaryName) == "" {
		a.DictionaryName = "english_mfa.dict"
	}
	if strings.TrimSpace(a.AcousticName) == "" {
		a.AcousticName = "english_mfa.zip"
	}
	if a.ModelsDir == "" {
		home, err := os.UserHomeDir()
		if err == nil {
			a.ModelsDir = filepath.Join(home, "Documents", "MFA", "pretrained_models")
		}
	}
	if a.LookPath == nil {
		a.LookPath = exec.LookPath
	}
	if a.Run == nil {
		a.Run = (*exec.Cmd).Run
	}
	return a
}

// Align invokes the aligner for logdir/wavs. The scratch directory is
// exclusively owned for the duration of one call: it is cleared and recreated
// up front, and each invocation works in a unique subdirectory, so stale
// state from an interrupted run never leaks into alignment output.
func (a Aligner) Align(ctx context.Context, logdir string) error {
	a = a.withDefaults()
	if _, err := a.LookPath(a.Command); err != nil {
		return fmt.Errorf("%w: %s not found in PATH", ErrAlignerUnavailable, a.Command)
	}

	scratchRoot := filepath.Join(logdir, ScratchDirName)
	if err := os.RemoveAll(scratchRoot); err != nil {
		return fmt.Errorf("clear aligner scratch: %w", err)
	}
	scratch := filepath.Join(scratchRoot, uuid.NewString())
	if err := os.MkdirAll(scratch, 0o755); err != nil {
		return fmt.Errorf("create aligner scratch: %w", err)
	}

	acoustic := filepath.Join(scratch, "acoustic.zip")
	if err := os.Symlink(filepath.Join(a.ModelsDir, "acoustic", a.AcousticName), acoustic); err != nil {
		return fmt.Errorf("link acoustic model: %w", err)
	}
	dictionary := filepath.Join(scratch, "dict")
	if err := os.Symlink(filepath.Join(a.ModelsDir, "dictionary", a.DictionaryName), dictionary); err != nil {
		return fmt.Errorf("link dictionary: %w", err)
	}

	cmd := exec.CommandContext(ctx, a.Command, "align",
		filepath.Join(logdir, WavsDirName),
		dictionary,
		acoustic,
		filepath.Join(logdir, AlignDirName),
		"--clean", "--overwrite",
		"--temporary_directory", scratch,
	)
	logger.Infof("aligning target transcripts with speech: %s", strings.Join(cmd.Args, " "))
	if err := a.Run(cmd); err != nil {
		return fmt.Errorf("forced alignment failed: %w", err)
	}
	return nil
}
