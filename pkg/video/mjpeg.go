package video

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
)

const (
	ContentType = "video/x-msvideo"
	Extension   = ".avi"

	avifHasIndex  = 0x10
	aviifKeyframe = 0x10
	frameChunkID  = "00dc"
)

var (
	ErrNoFrames       = errors.New("video has no frames")
	ErrFrameSize      = errors.New("frame dimensions do not match the video")
	ErrFinished       = errors.New("video already finished")
	ErrInvalidRIFF    = errors.New("data is not an AVI file")
	ErrTruncatedChunk = errors.New("truncated AVI chunk")
)

type mainHeader struct {
	MicroSecPerFrame    uint32
	MaxBytesPerSec      uint32
	PaddingGranularity  uint32
	Flags               uint32
	TotalFrames         uint32
	InitialFrames       uint32
	Streams             uint32
	SuggestedBufferSize uint32
	Width               uint32
	Height              uint32
	Reserved            [4]uint32
}

type streamHeader struct {
	Type                [4]byte
	Handler             [4]byte
	Flags               uint32
	Priority            uint16
	Language            uint16
	InitialFrames       uint32
	Scale               uint32
	Rate                uint32
	Start               uint32
	Length              uint32
	SuggestedBufferSize uint32
	Quality             uint32
	SampleSize          uint32
	Frame               [4]int16
}

type bitmapInfoHeader struct {
	Size          uint32
	Width         int32
	Height        int32
	Planes        uint16
	BitCount      uint16
	Compression   [4]byte
	SizeImage     uint32
	XPelsPerMeter int32
	YPelsPerMeter int32
	ClrUsed       uint32
	ClrImportant  uint32
}

type indexEntry struct {
	ChunkID [4]byte
	Flags   uint32
	Offset  uint32
	Size    uint32
}

// MJPEGWriter assembles frames into a Motion-JPEG AVI held in memory.
// Frames keep the order in which AddFrame is called.
type MJPEGWriter struct {
	width    int
	height   int
	fps      int
	quality  int
	movi     bytes.Buffer
	index    []indexEntry
	maxFrame int
	finished bool
}

func NewMJPEGWriter(width, height, fps, quality int) (*MJPEGWriter, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid frame dimensions %dx%d", width, height)
	}
	if fps <= 0 {
		return nil, fmt.Errorf("invalid frame rate %d", fps)
	}
	if quality <= 0 || quality > 100 {
		quality = jpeg.DefaultQuality
	}
	return &MJPEGWriter{
		width:   width,
		height:  height,
		fps:     fps,
		quality: quality,
	}, nil
}

func (w *MJPEGWriter) Frames() int {
	return len(w.index)
}

func (w *MJPEGWriter) AddFrame(img image.Image) error {
	if w.finished {
		return ErrFinished
	}
	b := img.Bounds()
	if b.Dx() != w.width || b.Dy() != w.height {
		return fmt.Errorf("%w: got %dx%d, expected %dx%d", ErrFrameSize, b.Dx(), b.Dy(), w.width, w.height)
	}

	var frame bytes.Buffer
	if err := jpeg.Encode(&frame, img, &jpeg.Options{Quality: w.quality}); err != nil {
		return fmt.Errorf("encode frame %d: %w", len(w.index), err)
	}
	data := frame.Bytes()

	// Offsets in idx1 are relative to the 'movi' fourcc.
	offset := uint32(4 + w.movi.Len())
	w.movi.WriteString(frameChunkID)
	writeLE(&w.movi, uint32(len(data)))
	w.movi.Write(data)
	if len(data)%2 == 1 {
		w.movi.WriteByte(0)
	}

	w.index = append(w.index, indexEntry{
		ChunkID: fourCC(frameChunkID),
		Flags:   aviifKeyframe,
		Offset:  offset,
		Size:    uint32(len(data)),
	})
	if len(data) > w.maxFrame {
		w.maxFrame = len(data)
	}
	return nil
}

// Finish writes the container and returns its bytes. The writer cannot be
// reused afterwards.
func (w *MJPEGWriter) Finish() ([]byte, error) {
	if w.finished {
		return nil, ErrFinished
	}
	if len(w.index) == 0 {
		return nil, ErrNoFrames
	}
	w.finished = true

	frames := uint32(len(w.index))
	avih := mainHeader{
		MicroSecPerFrame:    uint32(1_000_000 / w.fps),
		MaxBytesPerSec:      uint32(w.maxFrame * w.fps),
		Flags:               avifHasIndex,
		TotalFrames:         frames,
		Streams:             1,
		SuggestedBufferSize: uint32(w.maxFrame),
		Width:               uint32(w.width),
		Height:              uint32(w.height),
	}
	strh := streamHeader{
		Type:                fourCC("vids"),
		Handler:             fourCC("MJPG"),
		Scale:               1,
		Rate:                uint32(w.fps),
		Length:              frames,
		SuggestedBufferSize: uint32(w.maxFrame),
		Quality:             0xFFFFFFFF,
		Frame:               [4]int16{0, 0, int16(w.width), int16(w.height)},
	}
	strf := bitmapInfoHeader{
		Size:        40,
		Width:       int32(w.width),
		Height:      int32(w.height),
		Planes:      1,
		BitCount:    24,
		Compression: fourCC("MJPG"),
		SizeImage:   uint32(w.width * w.height * 3),
	}

	var strl bytes.Buffer
	writeChunk(&strl, "strh", structBytes(strh))
	writeChunk(&strl, "strf", structBytes(strf))

	var hdrl bytes.Buffer
	writeChunk(&hdrl, "avih", structBytes(avih))
	writeList(&hdrl, "strl", strl.Bytes())

	var idx bytes.Buffer
	for _, entry := range w.index {
		writeLE(&idx, entry)
	}

	var body bytes.Buffer
	body.WriteString("AVI ")
	writeList(&body, "hdrl", hdrl.Bytes())
	writeList(&body, "movi", w.movi.Bytes())
	writeChunk(&body, "idx1", idx.Bytes())

	var out bytes.Buffer
	out.Grow(body.Len() + 8)
	out.WriteString("RIFF")
	writeLE(&out, uint32(body.Len()))
	out.Write(body.Bytes())

	w.movi.Reset()
	return out.Bytes(), nil
}

// ReadFrames returns the JPEG payload of every video frame in data, in
// stream order.
func ReadFrames(data []byte) ([][]byte, error) {
	if len(data) < 12 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "AVI " {
		return nil, ErrInvalidRIFF
	}

	size := int(binary.LittleEndian.Uint32(data[4:8]))
	end := 8 + size
	if end > len(data) {
		return nil, ErrTruncatedChunk
	}

	movi, err := findList(data[12:end], "movi")
	if err != nil {
		return nil, err
	}

	var frames [][]byte
	err = walkChunks(movi, func(id string, payload []byte) error {
		if id == frameChunkID {
			frames = append(frames, payload)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return frames, nil
}

func findList(data []byte, listType string) ([]byte, error) {
	var found []byte
	err := walkChunks(data, func(id string, payload []byte) error {
		if id == "LIST" && len(payload) >= 4 && string(payload[:4]) == listType && found == nil {
			found = payload[4:]
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, fmt.Errorf("%w: missing %s list", ErrInvalidRIFF, listType)
	}
	return found, nil
}

func walkChunks(data []byte, fn func(id string, payload []byte) error) error {
	for pos := 0; pos+8 <= len(data); {
		id := string(data[pos : pos+4])
		size := int(binary.LittleEndian.Uint32(data[pos+4 : pos+8]))
		start := pos + 8
		if start+size > len(data) {
			return fmt.Errorf("%w: %s at %d", ErrTruncatedChunk, id, pos)
		}
		if err := fn(id, data[start:start+size]); err != nil {
			return err
		}
		pos = start + size + size%2
	}
	return nil
}

func writeChunk(buf *bytes.Buffer, id string, payload []byte) {
	buf.WriteString(id)
	writeLE(buf, uint32(len(payload)))
	buf.Write(payload)
	if len(payload)%2 == 1 {
		buf.WriteByte(0)
	}
}

func writeList(buf *bytes.Buffer, listType string, payload []byte) {
	buf.WriteString("LIST")
	writeLE(buf, uint32(len(payload)+4))
	buf.WriteString(listType)
	buf.Write(payload)
}

func structBytes(v any) []byte {
	var buf bytes.Buffer
	writeLE(&buf, v)
	return buf.Bytes()
}

// writeLE only receives fixed-size values, for which binary.Write cannot fail
// on a bytes.Buffer.
func writeLE(buf *bytes.Buffer, v any) {
	_ = binary.Write(buf, binary.LittleEndian, v)
}

func fourCC(s string) [4]byte {
	var out [4]byte
	copy(out[:], s)
	return out
}
