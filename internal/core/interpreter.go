package core

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

const (
	DefaultMaxAttempts = 3

	maxCommandLineSize = 1 << 20
)

type InterpreterOptions struct {
	// MaxAttempts bounds retryable failures; the attempt that reaches it
	// fails terminally.
	MaxAttempts int
	// SkipUnresolvedText makes a text job whose printer cannot be resolved
	// succeed without printing instead of failing retryably.
	SkipUnresolvedText bool
}

// Interpreter executes job attempts. It keeps no state between calls to Run,
// so one Interpreter can serve any number of concurrent jobs.
type Interpreter struct {
	resolver Resolver
	opts     InterpreterOptions
	log      zerolog.Logger
}

func NewInterpreter(resolver Resolver, opts InterpreterOptions, log zerolog.Logger) *Interpreter {
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	return &Interpreter{
		resolver: resolver,
		opts:     opts,
		log:      log.With().Str("component", "interpreter").Logger(),
	}
}

// Run executes one attempt of the job described by input. attempt is
// 1-indexed and counts every run of the job, including this one.
func (in *Interpreter) Run(ctx context.Context, input Data, attempt int) Outcome {
	progress := input.Clone()
	log := in.log.With().
		Str("job_id", input.String(KeyJobID)).
		Int("attempt", attempt).
		Logger()

	desc, err := DescriptorFromData(input)
	if err != nil {
		return in.outcome(progress, Terminal(err), attempt, log)
	}

	log = log.With().Str("mode", desc.Mode.String()).Logger()
	switch desc.Mode {
	case ModeText:
		err = in.runText(ctx, desc, log)
	case ModeFile:
		err = in.runFile(ctx, desc, log)
	}

	return in.outcome(progress, err, attempt, log)
}

func (in *Interpreter) outcome(progress Data, err error, attempt int, log zerolog.Logger) Outcome {
	if err == nil {
		log.Info().Msg("job completed")
		return Success(progress)
	}

	if IsRetryable(err) && attempt < in.opts.MaxAttempts {
		log.Warn().Err(err).Msg("job attempt failed, scheduling retry")
		return Retry()
	}

	log.Error().Err(err).Msg("job failed")
	return Fail(progress, err.Error())
}

func (in *Interpreter) runText(ctx context.Context, desc Descriptor, log zerolog.Logger) error {
	h, err := in.resolver.Resolve(desc.Selector)
	if err != nil {
		if in.opts.SkipUnresolvedText {
			log.Warn().Err(err).Str("printer", desc.Selector.String()).Msg("printer not resolved, skipping text job")
			return nil
		}
		return Retryable(err)
	}
	defer closeHandle(h, log)

	if err := ctx.Err(); err != nil {
		return Retryable(err)
	}

	if err := h.PrintFormattedText(desc.Text); err != nil {
		return Retryable(fmt.Errorf("failed to print text: %w", err))
	}
	if desc.CutPaper {
		if err := h.CutPaper(); err != nil {
			return Retryable(fmt.Errorf("failed to cut paper: %w", err))
		}
	}
	if desc.OpenCashBox {
		if err := h.OpenCashBox(); err != nil {
			return Retryable(fmt.Errorf("failed to open cash box: %w", err))
		}
	}
	return nil
}

// Every failure in a command file is terminal: a blind retry could reprint
// partial output or open the cash box twice.
func (in *Interpreter) runFile(ctx context.Context, desc Descriptor, log zerolog.Logger) error {
	f, err := os.Open(desc.File)
	if err != nil {
		return Terminal(fmt.Errorf("failed to open command file: %w", err))
	}
	defer f.Close()

	st := &fileState{resolver: in.resolver, log: log}
	defer st.release()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxCommandLineSize)

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		if err := ctx.Err(); err != nil {
			return Terminal(err)
		}

		line := scanner.Text()
		if st.phase == phaseNoPrinter && !strings.HasPrefix(line, PrefixSelectPrinter) {
			continue
		}

		cmd, ok, err := ParseCommand(line)
		if err != nil {
			return Terminal(fmt.Errorf("line %d: %w", lineNo, err))
		}
		if !ok {
			continue
		}

		if err := st.exec(cmd); err != nil {
			return Terminal(fmt.Errorf("line %d: %s: %w", lineNo, cmd.Kind, err))
		}
	}
	if err := scanner.Err(); err != nil {
		return Terminal(fmt.Errorf("failed to read command file: %w", err))
	}

	return nil
}

type printerPhase int

const (
	phaseNoPrinter printerPhase = iota
	phaseResolved
	phaseUnresolved
)

// fileState is the printer selection threaded through a command file.
type fileState struct {
	resolver Resolver
	log      zerolog.Logger

	phase      printerPhase
	handle     Handle
	resolveErr error
}

func (s *fileState) exec(cmd Command) error {
	switch cmd.Kind {
	case CommandSelectPrinter:
		s.selectPrinter(cmd.Selector)
		return nil
	case CommandPrint:
		return s.with(func(h Handle) error { return h.PrintFormattedText(cmd.Text) })
	case CommandFeedPaper:
		return s.with(func(h Handle) error { return h.FeedPaper(h.MmToPx(cmd.FeedMM)) })
	case CommandCutPaper:
		return s.with(Handle.CutPaper)
	case CommandOpenCashBox:
		return s.with(Handle.OpenCashBox)
	default:
		return fmt.Errorf("%w: kind %d", ErrInvalidCommand, cmd.Kind)
	}
}

// with runs fn against the current printer. Without a selection the command
// is skipped; after a failed selection it fails with the resolution error.
func (s *fileState) with(fn func(Handle) error) error {
	switch s.phase {
	case phaseResolved:
		return fn(s.handle)
	case phaseUnresolved:
		return s.resolveErr
	default:
		return nil
	}
}

func (s *fileState) selectPrinter(sel Selector) {
	s.release()

	h, err := s.resolver.Resolve(sel)
	if err != nil {
		s.log.Warn().Err(err).Str("printer", sel.String()).Msg("printer not resolved")
		s.phase = phaseUnresolved
		s.resolveErr = err
		return
	}

	s.phase = phaseResolved
	s.handle = h
	s.resolveErr = nil
}

func (s *fileState) release() {
	if s.handle != nil {
		closeHandle(s.handle, s.log)
		s.handle = nil
	}
}

func closeHandle(h Handle, log zerolog.Logger) {
	if err := h.Close(); err != nil {
		log.Warn().Err(err).Msg("failed to close printer")
	}
}
