package core

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCommand(t *testing.T) {
	tests := []struct {
		line    string
		want    Command
		ok      bool
		wantErr bool
	}{
		{
			line: `SELECT_PRINTER:{"connection":"BLUETOOTH","address":"00:11:22:33:44:55","dpi":203}`,
			want: Command{Kind: CommandSelectPrinter, Selector: Selector{
				Connection: ConnectionBluetooth, Address: "00:11:22:33:44:55", DPI: 203,
			}},
			ok: true,
		},
		{line: "PRINT:[C]<b>Total</b>", want: Command{Kind: CommandPrint, Text: "[C]<b>Total</b>"}, ok: true},
		{line: "PRINT:", want: Command{Kind: CommandPrint}, ok: true},
		{line: "PRINT:trailing cr\r", want: Command{Kind: CommandPrint, Text: "trailing cr"}, ok: true},
		{line: "FEED_PAPER:10.5", want: Command{Kind: CommandFeedPaper, FeedMM: 10.5}, ok: true},
		{line: "FEED_PAPER: 3 ", want: Command{Kind: CommandFeedPaper, FeedMM: 3}, ok: true},
		{line: "CUT_PAPER:", want: Command{Kind: CommandCutPaper}, ok: true},
		{line: "OPEN_CASHBOX:", want: Command{Kind: CommandOpenCashBox}, ok: true},
		{line: "", ok: false},
		{line: "BEEP:", ok: false},
		{line: "print:lowercase", ok: false},
		{line: "FEED_PAPER:ten", ok: true, wantErr: true},
		{line: "FEED_PAPER:-1", ok: true, wantErr: true},
		{line: "FEED_PAPER:NaN", ok: true, wantErr: true},
		{line: "FEED_PAPER:Inf", ok: true, wantErr: true},
		{line: "FEED_PAPER:-Inf", ok: true, wantErr: true},
		{line: "FEED_PAPER:1e12", ok: true, wantErr: true},
		{line: "FEED_PAPER:1000.5", ok: true, wantErr: true},
		{line: "FEED_PAPER:1000", want: Command{Kind: CommandFeedPaper, FeedMM: 1000}, ok: true},
		{line: "SELECT_PRINTER:{}garbage", ok: true, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			cmd, ok, err := ParseCommand(tt.line)
			assert.Equal(t, tt.ok, ok)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidCommand)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, cmd)
		})
	}
}

func TestBuilderRoundTrip(t *testing.T) {
	sel := Selector{Connection: ConnectionNetwork, Address: "10.0.0.5", Port: 9100}
	b := NewBuilder().
		SelectPrinter(sel).
		Print("[C]Shop\n[L]Item[R]1.00").
		FeedPaper(10.5).
		CutPaper().
		OpenCashBox()

	var buf bytes.Buffer
	_, err := b.WriteTo(&buf)
	require.NoError(t, err)

	assert.Equal(t,
		`SELECT_PRINTER:{"connection":"NETWORK","address":"10.0.0.5","port":9100}`+"\n"+
			"PRINT:[C]Shop\n"+
			"PRINT:[L]Item[R]1.00\n"+
			"FEED_PAPER:10.5\n"+
			"CUT_PAPER:\n"+
			"OPEN_CASHBOX:\n",
		buf.String())

	var parsed []Command
	for _, line := range bytes.Split(bytes.TrimSuffix(buf.Bytes(), []byte("\n")), []byte("\n")) {
		cmd, ok, err := ParseCommand(string(line))
		require.NoError(t, err)
		require.True(t, ok)
		parsed = append(parsed, cmd)
	}
	assert.Equal(t, b.Commands(), parsed)
}

func TestBuilderSave(t *testing.T) {
	path := filepath.Join(t.TempDir(), "job.txt")

	require.NoError(t, NewBuilder().Add(Command{Kind: CommandPrint, Text: "a\r\nb"}).CutPaper().Save(path))

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "PRINT:a\nPRINT:b\nCUT_PAPER:\n", string(content))
}

func TestCommandLineRejectsUnknownKind(t *testing.T) {
	_, err := Command{}.Line()
	assert.ErrorIs(t, err, ErrInvalidCommand)
}
