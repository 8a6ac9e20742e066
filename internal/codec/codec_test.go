package codec

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type weekday int

func TestRoundTripShapes(t *testing.T) {
	sent := time.Date(2026, 3, 14, 15, 9, 26, 535897932, time.UTC)

	cases := map[string]Args{
		"empty": {},
		"primitives": {
			"to":      "a@b.com",
			"subject": "hi",
			"retries": 3,
			"ratio":   0.25,
			"urgent":  true,
			"nothing": nil,
		},
		"nested": {
			"user": map[string]any{
				"id":    int64(7),
				"tags":  []any{"a", "b"},
				"prefs": map[string]any{"digest": false},
			},
			"matrix": []any{[]any{int64(1), int64(2)}, []any{}},
		},
		"dates": {
			"sent_at": sent,
			"window":  []any{sent, sent.Add(time.Hour)},
		},
		"bytes": {"blob": []byte{0x00, 0xff, 0x10}},
	}

	for name, args := range cases {
		t.Run(name, func(t *testing.T) {
			payload, err := Encode("SendEmail", args)
			require.NoError(t, err)

			jobType, got, err := Decode(payload)
			require.NoError(t, err)
			assert.Equal(t, "SendEmail", jobType)

			want, err := Normalize(args)
			require.NoError(t, err)
			assert.Equal(t, want, got)
		})
	}
}

func TestBytesAndIntegersKeepTheirTypes(t *testing.T) {
	payload, err := Encode("Upload", Args{
		"blob":   []byte{0x00, 0xff},
		"text":   "\x00\xff",
		"small":  7,
		"neg":    -3,
		"big":    int64(1) << 40,
		"nested": []any{[]byte("raw"), uint16(500)},
	})
	require.NoError(t, err)

	_, got, err := Decode(payload)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x00, 0xff}, got["blob"])
	assert.Equal(t, "\x00\xff", got["text"])
	assert.Equal(t, int64(7), got["small"])
	assert.Equal(t, int64(-3), got["neg"])
	assert.Equal(t, int64(1)<<40, got["big"])
	assert.Equal(t, []any{[]byte("raw"), int64(500)}, got["nested"])
}

func TestRoundTripNilArgs(t *testing.T) {
	payload, err := Encode("Ping", nil)
	require.NoError(t, err)

	jobType, got, err := Decode(payload)
	require.NoError(t, err)
	assert.Equal(t, "Ping", jobType)
	assert.Empty(t, got)
	assert.NotNil(t, got)
}

func TestNormalizeCanonicalForms(t *testing.T) {
	local := time.Date(2026, 1, 2, 3, 4, 5, 0, time.FixedZone("CET", 3600))

	got, err := Normalize(Args{
		"int":      42,
		"uint8":    uint8(9),
		"float32":  float32(1.5),
		"named":    weekday(3),
		"strings":  []string{"x", "y"},
		"counts":   map[string]int{"a": 1},
		"when":     local,
		"pointer":  func() *int { v := 5; return &v }(),
		"nilslice": []string(nil),
	})
	require.NoError(t, err)

	assert.Equal(t, int64(42), got["int"])
	assert.Equal(t, int64(9), got["uint8"])
	assert.Equal(t, float64(1.5), got["float32"])
	assert.Equal(t, int64(3), got["named"])
	assert.Equal(t, []any{"x", "y"}, got["strings"])
	assert.Equal(t, map[string]any{"a": int64(1)}, got["counts"])
	assert.Equal(t, time.UTC, got["when"].(time.Time).Location())
	assert.True(t, local.Equal(got["when"].(time.Time)))
	assert.Equal(t, int64(5), got["pointer"])
	assert.Nil(t, got["nilslice"])
}

func TestEncodeUnsupportedArgument(t *testing.T) {
	cases := map[string]Args{
		"func":     {"cb": func() {}},
		"chan":     {"ch": make(chan int)},
		"complex":  {"z": complex(1, 2)},
		"struct":   {"s": struct{ A int }{A: 1}},
		"intKeys":  {"m": map[int]string{1: "a"}},
		"overflow": {"n": uint64(1 << 63)},
		"deep":     {"outer": map[string]any{"inner": []any{func() {}}}},
	}
	for name, args := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Encode("Bad", args)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrUnsupportedArgumentType))
			assert.True(t, errors.Is(err, ErrSerialization))
		})
	}
}

func TestEncodeRequiresJobType(t *testing.T) {
	_, err := Encode("", Args{"a": 1})
	assert.ErrorIs(t, err, ErrSerialization)
}

func TestDecodeInvalidPayloads(t *testing.T) {
	noType, err := Encode("X", nil)
	require.NoError(t, err)
	// Truncating the envelope leaves a structurally broken document.
	truncated := noType[:len(noType)-2]

	cases := map[string][]byte{
		"empty":     nil,
		"garbage":   []byte("not a payload"),
		"truncated": truncated,
	}
	for name, payload := range cases {
		t.Run(name, func(t *testing.T) {
			_, _, err := Decode(payload)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrDecode)
			assert.ErrorIs(t, err, ErrSerialization)
		})
	}
}
