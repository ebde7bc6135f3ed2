package broker

// Audio-only WebM writer for call recordings. Each remote Opus RTP payload
// becomes one SimpleBlock; clusters are cut every second.

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"io"
	"math"

	"github.com/pion/rtp"
)

func ebmlVint(v uint64) []byte {
	switch {
	case v < 0x7F:
		return []byte{byte(0x80 | v)}
	case v < 0x3FFF:
		return []byte{byte(0x40 | (v >> 8)), byte(v)}
	case v < 0x1FFFFF:
		return []byte{byte(0x20 | (v >> 16)), byte(v >> 8), byte(v)}
	default:
		return []byte{byte(0x10 | (v >> 24)), byte(v >> 16), byte(v >> 8), byte(v)}
	}
}

// unknown-size marker for the streaming Segment element
var ebmlUnknownSize = []byte{0x01, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}

func ebmlElem(id []byte, parts ...[]byte) []byte {
	n := 0
	for _, p := range parts {
		n += len(p)
	}
	b := make([]byte, 0, len(id)+8+n)
	b = append(b, id...)
	b = append(b, ebmlVint(uint64(n))...)
	for _, p := range parts {
		b = append(b, p...)
	}
	return b
}

func ebmlUint(v uint64) []byte {
	if v == 0 {
		return []byte{0}
	}
	n := 0
	for x := v; x > 0; x >>= 8 {
		n++
	}
	b := make([]byte, n)
	for i := n - 1; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
	return b
}

var (
	idEBML         = []byte{0x1A, 0x45, 0xDF, 0xA3}
	idEBMLVersion  = []byte{0x42, 0x86}
	idEBMLReadVer  = []byte{0x42, 0xF7}
	idEBMLMaxIDLen = []byte{0x42, 0xF2}
	idEBMLMaxSzLen = []byte{0x42, 0xF3}
	idDocType      = []byte{0x42, 0x82}
	idDocTypeVer   = []byte{0x42, 0x87}
	idDocTypeRdVer = []byte{0x42, 0x85}
	idSegment      = []byte{0x18, 0x53, 0x80, 0x67}
	idInfo         = []byte{0x15, 0x49, 0xA9, 0x66}
	idTcScale      = []byte{0x2A, 0xD7, 0xB1}
	idMuxApp       = []byte{0x4D, 0x80}
	idWrtApp       = []byte{0x57, 0x41}
	idTracks       = []byte{0x16, 0x54, 0xAE, 0x6B}
	idTrackEntry   = []byte{0xAE}
	idTrackNum     = []byte{0xD7}
	idTrackUID     = []byte{0x73, 0xC5}
	idTrackType    = []byte{0x83}
	idCodecID      = []byte{0x86}
	idCodecPrv     = []byte{0x63, 0xA2}
	idAudio        = []byte{0xE1}
	idSampFreq     = []byte{0xB5}
	idChannels     = []byte{0x9F}
	idCluster      = []byte{0x1F, 0x43, 0xB6, 0x75}
	idTimecode     = []byte{0xE7}
	idSimpleBlock  = []byte{0xA3}
)

// OpusHead for 48 kHz stereo, pre-skip 312.
var opusHead = []byte{
	'O', 'p', 'u', 's', 'H', 'e', 'a', 'd',
	0x01,
	0x02,
	0x38, 0x01,
	0x80, 0xBB, 0x00, 0x00,
	0x00, 0x00,
	0x00,
}

const (
	opusClockPerMs  = 48
	clusterSpanMs   = 1000
	recordTrackNum  = 1
	simpleBlockFlag = 0x80 // every Opus frame is a keyframe
)

func webmHeader() []byte {
	var buf bytes.Buffer
	buf.Write(ebmlElem(idEBML,
		ebmlElem(idEBMLVersion, ebmlUint(1)),
		ebmlElem(idEBMLReadVer, ebmlUint(1)),
		ebmlElem(idEBMLMaxIDLen, ebmlUint(4)),
		ebmlElem(idEBMLMaxSzLen, ebmlUint(8)),
		ebmlElem(idDocType, []byte("webm")),
		ebmlElem(idDocTypeVer, ebmlUint(2)),
		ebmlElem(idDocTypeRdVer, ebmlUint(2)),
	))
	buf.Write(idSegment)
	buf.Write(ebmlUnknownSize)
	buf.Write(ebmlElem(idInfo,
		ebmlElem(idTcScale, ebmlUint(1000000)),
		ebmlElem(idMuxApp, []byte("huddle")),
		ebmlElem(idWrtApp, []byte("huddle")),
	))

	freq := make([]byte, 4)
	binary.BigEndian.PutUint32(freq, math.Float32bits(48000.0))
	buf.Write(ebmlElem(idTracks, ebmlElem(idTrackEntry,
		ebmlElem(idTrackNum, ebmlUint(recordTrackNum)),
		ebmlElem(idTrackUID, ebmlUint(recordTrackNum)),
		ebmlElem(idTrackType, ebmlUint(2)),
		ebmlElem(idCodecID, []byte("A_OPUS")),
		ebmlElem(idCodecPrv, opusHead),
		ebmlElem(idAudio,
			ebmlElem(idSampFreq, freq),
			ebmlElem(idChannels, ebmlUint(2)),
		),
	)))
	return buf.Bytes()
}

func simpleBlock(relMs int16, data []byte) []byte {
	track := ebmlVint(recordTrackNum)
	content := make([]byte, len(track)+3+len(data))
	copy(content, track)
	binary.BigEndian.PutUint16(content[len(track):], uint16(relMs))
	content[len(track)+2] = simpleBlockFlag
	copy(content[len(track)+3:], data)
	return ebmlElem(idSimpleBlock, content)
}

// recorder writes remote Opus packets into a WebM file. Not safe for
// concurrent use; one drain goroutine owns it.
type recorder struct {
	dst io.WriteCloser
	w   *bufio.Writer

	base    uint32
	started bool

	clusterMs int64
	blocks    bytes.Buffer
	open      bool
}

func newRecorder(dst io.WriteCloser) (*recorder, error) {
	r := &recorder{dst: dst, w: bufio.NewWriter(dst)}
	if _, err := r.w.Write(webmHeader()); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *recorder) write(pkt *rtp.Packet) error {
	if len(pkt.Payload) == 0 {
		return nil
	}
	if !r.started {
		r.base = pkt.Timestamp
		r.started = true
	}
	ms := int64(pkt.Timestamp-r.base) / opusClockPerMs

	if r.open && (ms-r.clusterMs >= clusterSpanMs || ms < r.clusterMs) {
		if err := r.flush(); err != nil {
			return err
		}
	}
	if !r.open {
		r.clusterMs = ms
		r.open = true
	}
	r.blocks.Write(simpleBlock(int16(ms-r.clusterMs), pkt.Payload))
	return nil
}

func (r *recorder) flush() error {
	if !r.open {
		return nil
	}
	r.open = false
	cluster := ebmlElem(idCluster, ebmlElem(idTimecode, ebmlUint(uint64(r.clusterMs))), r.blocks.Bytes())
	r.blocks.Reset()
	_, err := r.w.Write(cluster)
	return err
}

func (r *recorder) Close() error {
	ferr := r.flush()
	if err := r.w.Flush(); ferr == nil {
		ferr = err
	}
	if err := r.dst.Close(); ferr == nil {
		ferr = err
	}
	return ferr
}
