package timecode

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		in      string
		want    Timecode
		wantErr error
	}{
		{in: "01:02:03:04", want: Timecode{Hours: 1, Minutes: 2, Seconds: 3, Frames: 4}},
		{in: "00:00:00:00", want: Timecode{}},
		{in: "23:59:59;29", want: Timecode{Hours: 23, Minutes: 59, Seconds: 59, Frames: 29, DropFrame: true}},
		{in: "1:02:03:04", wantErr: ErrMalformed},
		{in: "01-02-03-04", wantErr: ErrMalformed},
		{in: "01:02:03:0a", wantErr: ErrMalformed},
		{in: "01:60:03:04", wantErr: ErrOutOfRange},
		{in: "01:02:60:04", wantErr: ErrOutOfRange},
		{in: "", wantErr: ErrMalformed},
		{in: "01:02:03:04 ", wantErr: ErrMalformed},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := Parse(tt.in)
			if tt.wantErr != nil {
				require.Error(t, err)
				assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.in, got.String())
		})
	}
}

func TestFrameCount(t *testing.T) {
	tc := MustParse("01:00:01:05")
	n, err := tc.FrameCount(30)
	require.NoError(t, err)
	assert.Equal(t, int64(3600*30+30+5), n)

	back, err := FromFrameCount(n, 30)
	require.NoError(t, err)
	assert.Equal(t, tc, back)

	_, err = tc.FrameCount(0)
	assert.ErrorIs(t, err, ErrFrameRate)

	_, err = FromFrameCount(-1, 30)
	assert.ErrorIs(t, err, ErrOutOfRange)
}
