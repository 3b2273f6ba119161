package device

import (
	"bytes"
	"encoding/binary"
	"io"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dkeye/voicemesh/internal/core"
	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeIVF(t *testing.T, fourcc string, frames ...[]byte) string {
	t.Helper()
	var b bytes.Buffer
	b.WriteString("DKIF")
	_ = binary.Write(&b, binary.LittleEndian, uint16(0))  // version
	_ = binary.Write(&b, binary.LittleEndian, uint16(32)) // header size
	b.WriteString(fourcc)
	_ = binary.Write(&b, binary.LittleEndian, uint16(320))
	_ = binary.Write(&b, binary.LittleEndian, uint16(240))
	_ = binary.Write(&b, binary.LittleEndian, uint32(25)) // timebase denominator
	_ = binary.Write(&b, binary.LittleEndian, uint32(1))  // timebase numerator
	_ = binary.Write(&b, binary.LittleEndian, uint32(len(frames)))
	_ = binary.Write(&b, binary.LittleEndian, uint32(0))
	for i, f := range frames {
		_ = binary.Write(&b, binary.LittleEndian, uint32(len(f)))
		_ = binary.Write(&b, binary.LittleEndian, uint64(i))
		b.Write(f)
	}
	path := filepath.Join(t.TempDir(), "camera.ivf")
	require.NoError(t, os.WriteFile(path, b.Bytes(), 0o600))
	return path
}

func TestFileCameraLoops(t *testing.T) {
	clk := clock.NewMock()
	path := writeIVF(t, "VP80", []byte{1, 1}, []byte{2, 2, 2})

	cam, err := newFileCamera(path, core.VideoConstraints{Width: 640, Height: 480}, clk)
	require.NoError(t, err)
	defer cam.Close()

	assert.Equal(t, webrtc.RTPCodecTypeVideo, cam.Kind())
	assert.Equal(t, webrtc.MimeTypeVP8, cam.Codec().MimeType)
	assert.Equal(t, 40*time.Millisecond, cam.interval)

	read := func() core.Frame {
		got := make(chan core.Frame, 1)
		go func() {
			f, err := cam.Read()
			assert.NoError(t, err)
			got <- f
		}()
		var f core.Frame
		require.Eventually(t, func() bool {
			clk.Add(40 * time.Millisecond)
			select {
			case f = <-got:
				return true
			default:
				return false
			}
		}, time.Second, 5*time.Millisecond)
		return f
	}

	assert.Equal(t, []byte{1, 1}, read().Data)
	assert.Equal(t, []byte{2, 2, 2}, read().Data)
	assert.Equal(t, []byte{1, 1}, read().Data, "rewinds at end of file")

	require.NoError(t, cam.Close())
	_, err = cam.Read()
	assert.ErrorIs(t, err, io.EOF)
}

func TestFileCameraRejectsUnknownCodec(t *testing.T) {
	path := writeIVF(t, "AV01", []byte{1})
	_, err := newFileCamera(path, core.VideoConstraints{}, clock.NewMock())
	assert.Error(t, err)
}

func TestMixIntoSumsAndConsumes(t *testing.T) {
	buffers := map[domain.PlayerID][]int16{
		1: {100, 200, 300},
		2: {1, 2},
	}
	mix := mixInto(make([]int32, 2), buffers)
	assert.Equal(t, []int32{101, 202}, mix)
	assert.Equal(t, []int16{300}, buffers[1])
	assert.Empty(t, buffers[2])
}

func TestClip(t *testing.T) {
	assert.Equal(t, int16(math.MaxInt16), clip(40000))
	assert.Equal(t, int16(math.MinInt16), clip(-40000))
	assert.Equal(t, int16(-5), clip(-5))
}
