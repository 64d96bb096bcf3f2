package protocol

import (
	"encoding/json"
	"testing"

	"github.com/entl/termhub/internal/history"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseJoin(t *testing.T) {
	t.Run("bare string", func(t *testing.T) {
		req, err := ParseJoin(json.RawMessage(`"tab-1"`))
		require.NoError(t, err)
		assert.Equal(t, JoinRequest{SessionID: "tab-1"}, req)
	})

	t.Run("object with geometry", func(t *testing.T) {
		req, err := ParseJoin(json.RawMessage(`{"sessionId":"tab-2","cols":120,"rows":40}`))
		require.NoError(t, err)
		assert.Equal(t, JoinRequest{SessionID: "tab-2", Cols: 120, Rows: 40}, req)
	})

	t.Run("negative geometry falls back to defaults", func(t *testing.T) {
		req, err := ParseJoin(json.RawMessage(`{"sessionId":"tab-2","cols":-1,"rows":-5}`))
		require.NoError(t, err)
		assert.Zero(t, req.Cols)
		assert.Zero(t, req.Rows)
	})

	t.Run("missing session id", func(t *testing.T) {
		for _, raw := range []string{``, `null`, `""`, `"   "`, `{}`, `{"cols":80}`} {
			_, err := ParseJoin(json.RawMessage(raw))
			assert.ErrorIs(t, err, ErrMissingSessionID, raw)
		}
	})

	t.Run("wrong shape", func(t *testing.T) {
		_, err := ParseJoin(json.RawMessage(`42`))
		assert.ErrorIs(t, err, ErrMalformed)

		_, err = ParseJoin(json.RawMessage(`{"sessionId":7}`))
		assert.ErrorIs(t, err, ErrMalformed)
	})
}

func TestParseResize(t *testing.T) {
	req, err := ParseResize(json.RawMessage(`{"cols":100,"rows":30}`))
	require.NoError(t, err)
	assert.Equal(t, ResizeRequest{Cols: 100, Rows: 30}, req)

	_, err = ParseResize(json.RawMessage(`{"cols":0,"rows":30}`))
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = ParseResize(json.RawMessage(`"nope"`))
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestEncode(t *testing.T) {
	t.Run("output is a bare string", func(t *testing.T) {
		msg, err := Encode(Output("hi\r\n"))
		require.NoError(t, err)
		assert.JSONEq(t, `{"event":"output","data":"hi\r\n"}`, string(msg))
	})

	t.Run("live history has empty arrays", func(t *testing.T) {
		msg, err := Encode(LiveHistory([]byte("$ ")))
		require.NoError(t, err)
		assert.JSONEq(t, `{"event":"history","data":{"raw":"$ ","lines":[],"commands":[]}}`, string(msg))
	})

	t.Run("exit", func(t *testing.T) {
		msg, err := Encode(Exit{ExitCode: 130, Signal: 2})
		require.NoError(t, err)
		assert.JSONEq(t, `{"event":"exit","data":{"exitCode":130,"signal":2}}`, string(msg))
	})
}

func TestDecode(t *testing.T) {
	env, err := Decode([]byte(`{"event":"input","data":"ls\r"}`))
	require.NoError(t, err)
	assert.Equal(t, EventInput, env.Event)

	s, err := ParseString(env.Data)
	require.NoError(t, err)
	assert.Equal(t, "ls\r", s)

	_, err = Decode([]byte(`{"data":1}`))
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = Decode([]byte(`not json`))
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestHistoryFromRecord(t *testing.T) {
	h := HistoryFromRecord(nil, 99)
	assert.Equal(t, int64(99), h.Timestamp)
	assert.NotNil(t, h.Lines)
	assert.NotNil(t, h.Commands)

	rec := &history.Record{Raw: "x\n", Lines: []string{"x"}, Timestamp: 5, Cleared: true}
	h = HistoryFromRecord(rec, 99)
	assert.Equal(t, "x\n", h.Raw)
	assert.Equal(t, []string{"x"}, h.Lines)
	assert.Equal(t, int64(5), h.Timestamp)
	assert.True(t, h.Cleared)
	assert.NotNil(t, h.Commands)
}
