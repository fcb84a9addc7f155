package channel

import (
	"bytes"
	"errors"
	"io"
	"net"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskmgr818/phpscan/internal/model"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	line := 7
	sent := []model.Message{
		model.Hello{Identifier: "w-1"},
		model.Analyse{Files: []string{"a.php", "b.php"}},
		model.AnalysisResult{
			Errors:              []model.Diagnostic{{Message: "m", File: "a.php", Line: &line, IsFileSpecific: true}},
			FilesCount:          2,
			InternalErrorsCount: 0,
		},
	}

	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	for _, m := range sent {
		require.NoError(t, enc.Send(m))
	}
	assert.Equal(t, len(sent), strings.Count(buf.String(), "\n"))

	var got []model.Message
	for m, err := range NewDecoder(&buf).Messages() {
		require.NoError(t, err)
		got = append(got, m)
	}
	assert.Equal(t, sent, got)
}

func TestDecoderEndsCleanlyOnEOF(t *testing.T) {
	dec := NewDecoder(strings.NewReader(""))

	_, err := dec.Next()
	assert.Equal(t, io.EOF, err)
}

func TestDecoderSkipsBlankLines(t *testing.T) {
	dec := NewDecoder(strings.NewReader("\n\r\n{\"action\":\"hello\",\"payload\":{\"identifier\":\"x\"}}\r\n\n"))

	m, err := dec.Next()
	require.NoError(t, err)
	assert.Equal(t, model.Hello{Identifier: "x"}, m)

	_, err = dec.Next()
	assert.Equal(t, io.EOF, err)
}

func TestDecoderMalformedLineIsTerminal(t *testing.T) {
	input := "{\"action\":\"hello\",\"payload\":{\"identifier\":\"x\"}}\n" +
		"{not json}\n" +
		"{\"action\":\"analyse\",\"payload\":{\"files\":[\"a.php\"]}}\n"

	var msgs []model.Message
	var errs []error
	for m, err := range NewDecoder(strings.NewReader(input)).Messages() {
		if err != nil {
			errs = append(errs, err)
			continue
		}
		msgs = append(msgs, m)
	}

	assert.Len(t, msgs, 1)
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], ErrMalformedMessage)
	assert.ErrorIs(t, errs[0], model.ErrInvalidMessage)
}

func TestDecoderOversizedLineIsTerminal(t *testing.T) {
	huge := `{"action":"analyse","payload":{"files":["` + strings.Repeat("a", MaxMessageSize) + `"]}}`
	valid := `{"action":"hello","payload":{"identifier":"x"}}`
	input := huge + "\n" + valid + "\n" + valid + "\n"

	dec := NewDecoder(strings.NewReader(input))
	var yielded, failures int
	var last error
	for m, err := range dec.Messages() {
		if err != nil {
			failures++
			last = err
			continue
		}
		if m != nil {
			yielded++
		}
	}

	assert.Equal(t, 0, yielded)
	assert.Equal(t, 1, failures)
	assert.ErrorIs(t, last, ErrMessageTooLarge)

	_, err := dec.Next()
	assert.Equal(t, io.EOF, err)
}

func TestDecoderAcceptsMessageAtCeiling(t *testing.T) {
	prefix := `{"action":"analyse","payload":{"files":["`
	suffix := `"]}}`
	msg := prefix + strings.Repeat("a", MaxMessageSize-len(prefix)-len(suffix)) + suffix
	require.Len(t, msg, MaxMessageSize)

	m, err := NewDecoder(strings.NewReader(msg + "\n")).Next()
	require.NoError(t, err)
	assert.Len(t, m.(model.Analyse).Files[0], MaxMessageSize-len(prefix)-len(suffix))
}

func TestEncodeRejectsOversizedMessage(t *testing.T) {
	_, err := Encode(model.Analyse{Files: []string{strings.Repeat("x", MaxMessageSize)}})
	assert.ErrorIs(t, err, ErrMessageTooLarge)
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("connection reset by peer") }

func TestDecoderTransportError(t *testing.T) {
	dec := NewDecoder(failingReader{})

	_, err := dec.Next()
	require.Error(t, err)
	assert.NotEqual(t, io.EOF, err)
	assert.Contains(t, err.Error(), "connection reset by peer")

	_, err = dec.Next()
	assert.Equal(t, io.EOF, err)
}

func TestConnOverPipe(t *testing.T) {
	a, b := net.Pipe()
	left, right := NewConn(a), NewConn(b)
	defer left.Close()
	defer right.Close()

	go func() {
		_ = left.Send(model.Hello{Identifier: "pipe"})
	}()

	m, err := right.Next()
	require.NoError(t, err)
	assert.Equal(t, model.Hello{Identifier: "pipe"}, m)
}
