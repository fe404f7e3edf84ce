package usbcan

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewFrame(t *testing.T) {
	tests := []struct {
		name    string
		id      uint32
		data    []byte
		opts    []FrameOpt
		wantErr bool
	}{
		{name: "empty", id: 0},
		{name: "eight bytes", id: 0x7FF, data: []byte("23333333")},
		{name: "nine bytes", id: 1, data: make([]byte, 9), wantErr: true},
		{name: "standard id too large", id: 0x800, wantErr: true},
		{name: "extended id", id: 0x1FFFFFFF, opts: []FrameOpt{WithExtended()}},
		{name: "extended id too large", id: 0x20000000, opts: []FrameOpt{WithExtended()}, wantErr: true},
		{name: "remote", id: 0x123, opts: []FrameOpt{WithRemote()}},
		{name: "remote with data", id: 0x123, data: []byte{1}, opts: []FrameOpt{WithRemote()}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := NewFrame(tt.id, tt.data, tt.opts...)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidFrame)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.id, f.ID())
			assert.Equal(t, len(tt.data), f.Length())
			assert.LessOrEqual(t, f.Length(), MaxDataLength)
			if len(tt.data) > 0 {
				assert.Equal(t, tt.data, f.Data())
			}
		})
	}
}

func TestFrameDefaults(t *testing.T) {
	f := MustFrame(0, []byte("23333333"))
	assert.True(t, f.SendOnce())
	assert.False(t, f.Remote())
	assert.False(t, f.Extended())
	_, ok := f.Timestamp()
	assert.False(t, ok)

	f = MustFrame(0, nil, WithSendOnce(false), WithTimestamp(42))
	assert.False(t, f.SendOnce())
	ts, ok := f.Timestamp()
	assert.True(t, ok)
	assert.Equal(t, uint32(42), ts)
}

func TestFrameDataIsCopied(t *testing.T) {
	data := []byte{1, 2, 3}
	f := MustFrame(1, data)
	data[0] = 9
	assert.Equal(t, []byte{1, 2, 3}, f.Data())

	out := f.Data()
	out[1] = 9
	assert.Equal(t, []byte{1, 2, 3}, f.Data())
}

func TestFrameString(t *testing.T) {
	assert.Equal(t, "0x123 || std || 2 || 01 FF", MustFrame(0x123, []byte{0x01, 0xFF}).String())
	assert.Equal(t, "0x00000456 || ext,rtr || 0 || ", MustFrame(0x456, nil, WithExtended(), WithRemote()).String())
	assert.Equal(t, "0x001 || std || 1 || AA || t=10", MustFrame(1, []byte{0xAA}, WithTimestamp(10)).String())
}

func TestFramesCompare(t *testing.T) {
	a := MustFrame(0x10, []byte{1, 2})
	b := MustFrame(0x10, []byte{1, 2})
	assert.True(t, a == b)
	assert.NotEqual(t, a, MustFrame(0x10, []byte{1, 2, 0}))
}

func TestOnlyPrintable(t *testing.T) {
	assert.Equal(t, "a.b", onlyPrintable([]byte{'a', 0x01, 'b'}))
}
