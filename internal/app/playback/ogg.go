package playback

import (
	"bufio"
	"bytes"
	"io"

	"github.com/cockroachdb/errors"
)

const (
	oggPageHeaderLen = 27
	oggMaxSegments   = 255
)

var oggCapture = []byte("OggS")

// OggReader yields Opus packets from an Ogg stream, skipping the OpusHead
// and OpusTags header packets.
type OggReader struct {
	r       *bufio.Reader
	header  [oggPageHeaderLen]byte
	segs    [oggMaxSegments]byte
	partial bytes.Buffer
	queue   [][]byte
}

// NewOggReader wraps r.
func NewOggReader(r io.Reader) *OggReader {
	return &OggReader{r: bufio.NewReaderSize(r, 16384)}
}

// Next returns the next Opus packet, or io.EOF at the end of the stream.
func (o *OggReader) Next() ([]byte, error) {
	for len(o.queue) == 0 {
		if err := o.readPage(); err != nil {
			return nil, err
		}
	}
	p := o.queue[0]
	o.queue = o.queue[1:]
	return p, nil
}

// Skip discards n packets.
func (o *OggReader) Skip(n int64) error {
	for ; n > 0; n-- {
		if _, err := o.Next(); err != nil {
			return err
		}
	}
	return nil
}

func (o *OggReader) readPage() error {
	// resync on the capture pattern
	for {
		sig, err := o.r.Peek(len(oggCapture))
		if err != nil {
			if errors.Is(err, io.EOF) && len(sig) == 0 {
				return io.EOF
			}
			if errors.Is(err, io.EOF) {
				return io.ErrUnexpectedEOF
			}
			return err
		}
		if bytes.Equal(sig, oggCapture) {
			break
		}
		if _, err := o.r.Discard(1); err != nil {
			return err
		}
	}

	if _, err := io.ReadFull(o.r, o.header[:]); err != nil {
		return errors.Wrap(err, "ogg: short page header")
	}
	if o.header[4] != 0 {
		return errors.Newf("ogg: unsupported stream structure version %d", o.header[4])
	}
	n := int(o.header[26])
	segs := o.segs[:n]
	if _, err := io.ReadFull(o.r, segs); err != nil {
		return errors.Wrap(err, "ogg: short segment table")
	}

	for _, l := range segs {
		if _, err := io.CopyN(&o.partial, o.r, int64(l)); err != nil {
			return errors.Wrap(err, "ogg: short segment")
		}
		// a lacing value below 255 terminates the packet
		if l < oggMaxSegments {
			packet := bytes.Clone(o.partial.Bytes())
			o.partial.Reset()
			if isOpusHeader(packet) {
				continue
			}
			o.queue = append(o.queue, packet)
		}
	}
	return nil
}

func isOpusHeader(p []byte) bool {
	return len(p) >= 8 && (string(p[:8]) == "OpusHead" || string(p[:8]) == "OpusTags")
}
