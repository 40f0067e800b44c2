package core

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/orrn/thermal-spool/internal/escpos"
)

// Command-file line prefixes.
const (
	PrefixSelectPrinter = "SELECT_PRINTER:"
	PrefixPrint         = "PRINT:"
	PrefixFeedPaper     = "FEED_PAPER:"
	PrefixCutPaper      = "CUT_PAPER:"
	PrefixOpenCashBox   = "OPEN_CASHBOX:"
)

var ErrInvalidCommand = errors.New("invalid command")

type CommandKind int

const (
	CommandSelectPrinter CommandKind = iota + 1
	CommandPrint
	CommandFeedPaper
	CommandCutPaper
	CommandOpenCashBox
)

func (k CommandKind) String() string {
	switch k {
	case CommandSelectPrinter:
		return "SELECT_PRINTER"
	case CommandPrint:
		return "PRINT"
	case CommandFeedPaper:
		return "FEED_PAPER"
	case CommandCutPaper:
		return "CUT_PAPER"
	case CommandOpenCashBox:
		return "OPEN_CASHBOX"
	default:
		return "UNKNOWN"
	}
}

// Command is one parsed line of a command file. Only the field that belongs
// to Kind is set.
type Command struct {
	Kind     CommandKind
	Selector Selector
	Text     string
	FeedMM   float64
}

// ParseCommand parses one command-file line. ok is false for lines that carry
// no recognised prefix; those are ignored by the interpreter.
func ParseCommand(line string) (cmd Command, ok bool, err error) {
	line = strings.TrimSuffix(line, "\r")

	switch {
	case strings.HasPrefix(line, PrefixSelectPrinter):
		sel, err := ParseSelector(line[len(PrefixSelectPrinter):])
		if err != nil {
			return Command{}, true, fmt.Errorf("%w: %v", ErrInvalidCommand, err)
		}
		return Command{Kind: CommandSelectPrinter, Selector: sel}, true, nil

	case strings.HasPrefix(line, PrefixPrint):
		return Command{Kind: CommandPrint, Text: line[len(PrefixPrint):]}, true, nil

	case strings.HasPrefix(line, PrefixFeedPaper):
		arg := strings.TrimSpace(line[len(PrefixFeedPaper):])
		mm, err := strconv.ParseFloat(arg, 64)
		if err != nil {
			return Command{}, true, fmt.Errorf("%w: feed length %q: %v", ErrInvalidCommand, arg, err)
		}
		if err := ValidateFeedMM(mm); err != nil {
			return Command{}, true, err
		}
		return Command{Kind: CommandFeedPaper, FeedMM: mm}, true, nil

	case strings.HasPrefix(line, PrefixCutPaper):
		return Command{Kind: CommandCutPaper}, true, nil

	case strings.HasPrefix(line, PrefixOpenCashBox):
		return Command{Kind: CommandOpenCashBox}, true, nil
	}

	return Command{}, false, nil
}

// ValidateFeedMM accepts finite feed lengths between 0 and escpos.MaxFeedMM.
func ValidateFeedMM(mm float64) error {
	switch {
	case math.IsNaN(mm) || math.IsInf(mm, 0):
		return fmt.Errorf("%w: feed length %v is not a number", ErrInvalidCommand, mm)
	case mm < 0:
		return fmt.Errorf("%w: negative feed length %v", ErrInvalidCommand, mm)
	case mm > escpos.MaxFeedMM:
		return fmt.Errorf("%w: feed length %vmm exceeds %vmm", ErrInvalidCommand, mm, escpos.MaxFeedMM)
	}
	return nil
}

// Line renders the command back to its command-file form.
func (c Command) Line() (string, error) {
	switch c.Kind {
	case CommandSelectPrinter:
		s, err := c.Selector.JSON()
		if err != nil {
			return "", err
		}
		return PrefixSelectPrinter + s, nil
	case CommandPrint:
		if strings.ContainsAny(c.Text, "\r\n") {
			return "", fmt.Errorf("%w: print text spans multiple lines", ErrInvalidCommand)
		}
		return PrefixPrint + c.Text, nil
	case CommandFeedPaper:
		if err := ValidateFeedMM(c.FeedMM); err != nil {
			return "", err
		}
		return PrefixFeedPaper + strconv.FormatFloat(c.FeedMM, 'f', -1, 64), nil
	case CommandCutPaper:
		return PrefixCutPaper, nil
	case CommandOpenCashBox:
		return PrefixOpenCashBox, nil
	default:
		return "", fmt.Errorf("%w: unknown kind %d", ErrInvalidCommand, c.Kind)
	}
}

// Builder assembles a command file. Multi-line print text is split into one
// PRINT line per text line.
type Builder struct {
	commands []Command
}

func NewBuilder() *Builder {
	return &Builder{}
}

func (b *Builder) SelectPrinter(sel Selector) *Builder {
	b.commands = append(b.commands, Command{Kind: CommandSelectPrinter, Selector: sel})
	return b
}

func (b *Builder) Print(text string) *Builder {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	for _, line := range strings.Split(text, "\n") {
		b.commands = append(b.commands, Command{Kind: CommandPrint, Text: line})
	}
	return b
}

func (b *Builder) FeedPaper(mm float64) *Builder {
	b.commands = append(b.commands, Command{Kind: CommandFeedPaper, FeedMM: mm})
	return b
}

func (b *Builder) CutPaper() *Builder {
	b.commands = append(b.commands, Command{Kind: CommandCutPaper})
	return b
}

func (b *Builder) OpenCashBox() *Builder {
	b.commands = append(b.commands, Command{Kind: CommandOpenCashBox})
	return b
}

func (b *Builder) Add(cmd Command) *Builder {
	if cmd.Kind == CommandPrint {
		return b.Print(cmd.Text)
	}
	b.commands = append(b.commands, cmd)
	return b
}

func (b *Builder) Commands() []Command {
	return append([]Command(nil), b.commands...)
}

func (b *Builder) WriteTo(w io.Writer) (int64, error) {
	bw := bufio.NewWriter(w)
	var total int64
	for _, cmd := range b.commands {
		line, err := cmd.Line()
		if err != nil {
			return total, err
		}
		n, err := bw.WriteString(line + "\n")
		total += int64(n)
		if err != nil {
			return total, fmt.Errorf("failed to write command file: %w", err)
		}
	}
	if err := bw.Flush(); err != nil {
		return total, fmt.Errorf("failed to write command file: %w", err)
	}
	return total, nil
}

// Save writes the command file to path, replacing any existing file.
func (b *Builder) Save(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create command file: %w", err)
	}
	if _, err := b.WriteTo(f); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close command file: %w", err)
	}
	return nil
}
