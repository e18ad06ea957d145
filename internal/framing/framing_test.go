package framing_test

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/srg/blecentral/internal/framing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quiet() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func TestPush(t *testing.T) {
	frame := framing.Encode([]byte("hello"))

	tests := []struct {
		name   string
		pushes [][]byte
		want   [][]byte
	}{
		{
			name:   "single push",
			pushes: [][]byte{frame},
			want:   [][]byte{[]byte("hello")},
		},
		{
			name:   "split header",
			pushes: [][]byte{frame[:1], frame[1:4], frame[4:]},
			want:   [][]byte{nil, nil, []byte("hello")},
		},
		{
			name:   "empty payload skipped",
			pushes: [][]byte{framing.Encode(nil)},
			want:   [][]byte{nil},
		},
		{
			name:   "empty payload before a frame",
			pushes: [][]byte{append(framing.Encode(nil), framing.Encode([]byte{0x07})...)},
			want:   [][]byte{{0x07}},
		},
		{
			name:   "two frames in one push",
			pushes: [][]byte{append(framing.Encode([]byte{0x01}), framing.Encode([]byte{0x02, 0x03})...), nil},
			want:   [][]byte{{0x01}, {0x02, 0x03}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := framing.New(64, quiet())
			pre := r.Preprocessor()
			for i, p := range tt.pushes {
				got := pre(p)
				if tt.want[i] == nil {
					assert.Nil(t, got, "push %d MUST NOT complete a frame", i)
					continue
				}
				require.NotNil(t, got, "push %d MUST complete a frame", i)
				assert.Equal(t, tt.want[i], got)
			}
			assert.Zero(t, r.Pending(), "all bytes MUST be consumed")
		})
	}
}

func TestPush_Overflow(t *testing.T) {
	r := framing.New(8, quiet())

	assert.Nil(t, r.Push([]byte{0x20, 0x00, 0x01}), "frame longer than the buffer MUST be discarded")
	assert.Zero(t, r.Pending())

	assert.Nil(t, r.Push(make([]byte, 16)), "push larger than the buffer MUST be discarded")
	assert.Zero(t, r.Pending())

	assert.Equal(t, []byte{0xAA}, r.Push(framing.Encode([]byte{0xAA})), "reassembly MUST recover after overflow")
}

func TestReset(t *testing.T) {
	r := framing.New(64, quiet())
	assert.Nil(t, r.Push([]byte{0x04, 0x00, 0x01}))
	assert.Equal(t, 3, r.Pending())

	r.Reset()
	assert.Zero(t, r.Pending())
	assert.Equal(t, []byte{0x09}, r.Push(framing.Encode([]byte{0x09})))
}
