// Package webm incrementally demultiplexes the WebM (Matroska) streams
// produced by browser MediaRecorder implementations and extracts the Opus
// packets of the first supported audio track.
//
// The parser is fed arbitrary byte fragments; container element boundaries
// never have to line up with fragment boundaries. Incomplete elements are
// buffered and re-parsed from buffer offsets on the next Feed call.
package webm

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"
)

// Element IDs, stored with their marker bits as they appear on the wire.
const (
	idEBML        = 0x1A45DFA3
	idSegment     = 0x18538067
	idSeekHead    = 0x114D9B74
	idInfo        = 0x1549A966
	idTracks      = 0x1654AE6B
	idCluster     = 0x1F43B675
	idCues        = 0x1C53BB6B
	idChapters    = 0x1043A770
	idTags        = 0x1254C367
	idAttachments = 0x1941A469

	idTimestampScale = 0x2AD7B1
	idTrackEntry     = 0xAE
	idTrackNumber    = 0xD7
	idTrackType      = 0x83
	idCodecID        = 0x86
	idAudio          = 0xE1
	idSamplingFreq   = 0xB5
	idChannels       = 0x9F

	idClusterTime = 0xE7
	idSimpleBlock = 0xA3
	idBlockGroup  = 0xA0
	idBlock       = 0xA1

	idVoid  = 0xEC
	idCRC32 = 0xBF
)

const (
	trackTypeAudio = 2
	codecOpus      = "A_OPUS"

	// Upper bound on any element we buffer whole. Clusters and the segment
	// are parsed incrementally and are exempt.
	maxBufferedElement = 1 << 26
)

// ErrUnsupportedTrack reports a stream whose track table carries no Opus
// audio track. Browsers encode MediaRecorder audio as Opus; Vorbis and
// video-only streams end up here.
var ErrUnsupportedTrack = errors.New("webm: no supported audio track")

// ParseError reports malformed or out-of-contract container data. Once a
// Demuxer returns one, it produces no further packets.
type ParseError struct {
	Reason string
	Offset int64
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("webm: parse error at byte %d: %s", e.Offset, e.Reason)
}

// Packet is one codec-encoded audio packet with its presentation timestamp.
// Data is always a copy; the demuxer's internal buffer is never aliased.
type Packet struct {
	Data      []byte
	Timestamp time.Duration
}

// TrackInfo carries the codec parameters of the selected audio track,
// resolved from the container header before any packet is produced.
type TrackInfo struct {
	Number     uint64
	CodecID    string
	SampleRate float64
	Channels   int
}

type parseStage int

const (
	stageHeader parseStage = iota
	stageSegment
	stageBody
)

// Demuxer is a single-session incremental WebM parser. It is not safe for
// concurrent use and is not restartable after a parse failure.
type Demuxer struct {
	buf      []byte
	off      int
	consumed int64 // bytes fully consumed before buf[0]
	skip     int64

	stage   parseStage
	tsScale uint64 // nanoseconds per timestamp tick

	track           *TrackInfo
	inCluster       bool
	clusterLeft     int64 // -1 when the cluster size is unknown
	clusterTime     int64
	haveClusterTime bool
	lastTS          int64

	err error
}

func NewDemuxer() *Demuxer {
	return &Demuxer{
		tsScale:     1_000_000, // Matroska default: 1ms ticks
		clusterLeft: -1,
		lastTS:      math.MinInt64,
	}
}

// Track returns the selected audio track, or nil while the container header
// has not been fully parsed yet.
func (d *Demuxer) Track() *TrackInfo {
	return d.track
}

// Feed appends a fragment of the container stream and returns every packet
// that became complete. After the first error the demuxer is dead: all
// further calls return the same error and no packets.
func (d *Demuxer) Feed(data []byte) ([]Packet, error) {
	if d.err != nil {
		return nil, d.err
	}
	d.buf = append(d.buf, data...)

	var packets []Packet
	for {
		pkts, progress, err := d.step()
		packets = append(packets, pkts...)
		if err != nil {
			d.err = err
			d.buf = nil
			return packets, err
		}
		if !progress {
			break
		}
	}

	// Drop the consumed prefix so the buffer stays bounded by the largest
	// in-flight element rather than the whole stream.
	if d.off > 0 {
		d.consumed += int64(d.off)
		d.buf = append(d.buf[:0], d.buf[d.off:]...)
		d.off = 0
	}
	return packets, nil
}

// step attempts to parse one element at the current offset. It reports
// whether any input was consumed.
func (d *Demuxer) step() ([]Packet, bool, error) {
	if d.skip > 0 {
		avail := int64(len(d.buf) - d.off)
		n := min(d.skip, avail)
		d.off += int(n)
		d.skip -= n
		d.noteClusterBytes(n)
		return nil, n > 0 && d.skip == 0, nil
	}

	if d.inCluster && d.clusterLeft == 0 {
		d.inCluster = false
		d.clusterLeft = -1
	}

	rest := d.buf[d.off:]
	if len(rest) == 0 {
		return nil, false, nil
	}

	id, size, unknown, hdrLen, err := d.readElementHeader(rest)
	if err != nil {
		return nil, false, err
	}
	if hdrLen == 0 {
		return nil, false, nil // need more bytes
	}

	if d.inCluster {
		return d.stepCluster(id, size, unknown, hdrLen)
	}

	switch d.stage {
	case stageHeader:
		if id != idEBML {
			return nil, false, d.parseErr("stream does not start with an EBML header")
		}
		if unknown {
			return nil, false, d.parseErr("EBML header with unknown size")
		}
		d.advance(hdrLen)
		d.skip = size
		d.stage = stageSegment
		return nil, true, nil

	case stageSegment:
		if id != idSegment {
			return nil, false, d.parseErr("expected segment element")
		}
		// MediaRecorder writes the segment with an unknown size; a known
		// size is fine too, we simply never leave it.
		d.advance(hdrLen)
		d.stage = stageBody
		return nil, true, nil

	default:
		return d.stepBody(id, size, unknown, hdrLen)
	}
}

func (d *Demuxer) stepBody(id uint32, size int64, unknown bool, hdrLen int) ([]Packet, bool, error) {
	switch id {
	case idCluster:
		d.advance(hdrLen)
		d.inCluster = true
		d.haveClusterTime = false
		if unknown {
			d.clusterLeft = -1
		} else {
			d.clusterLeft = size
		}
		return nil, true, nil

	case idInfo:
		payload, ok, err := d.wholeElement(size, unknown, hdrLen)
		if err != nil || !ok {
			return nil, false, err
		}
		if err := d.parseInfo(payload); err != nil {
			return nil, false, err
		}
		return nil, true, nil

	case idTracks:
		payload, ok, err := d.wholeElement(size, unknown, hdrLen)
		if err != nil || !ok {
			return nil, false, err
		}
		if err := d.parseTracks(payload); err != nil {
			return nil, false, err
		}
		return nil, true, nil

	case idSeekHead, idCues, idChapters, idTags, idAttachments, idVoid, idCRC32:
		if unknown {
			return nil, false, d.parseErr("unknown-size element outside cluster")
		}
		d.advance(hdrLen)
		d.skip = size
		return nil, true, nil

	default:
		return nil, false, d.parseErr(fmt.Sprintf("unexpected element 0x%X in segment", id))
	}
}

func (d *Demuxer) stepCluster(id uint32, size int64, unknown bool, hdrLen int) ([]Packet, bool, error) {
	switch id {
	case idClusterTime:
		payload, ok, err := d.clusterElement(size, unknown, hdrLen)
		if err != nil || !ok {
			return nil, false, err
		}
		d.clusterTime = int64(parseUint(payload))
		d.haveClusterTime = true
		return nil, true, nil

	case idSimpleBlock:
		payload, ok, err := d.clusterElement(size, unknown, hdrLen)
		if err != nil || !ok {
			return nil, false, err
		}
		pkt, err := d.parseBlock(payload)
		if err != nil {
			return nil, false, err
		}
		if pkt == nil {
			return nil, true, nil
		}
		return []Packet{*pkt}, true, nil

	case idBlockGroup:
		payload, ok, err := d.clusterElement(size, unknown, hdrLen)
		if err != nil || !ok {
			return nil, false, err
		}
		pkt, err := d.parseBlockGroup(payload)
		if err != nil {
			return nil, false, err
		}
		if pkt == nil {
			return nil, true, nil
		}
		return []Packet{*pkt}, true, nil

	case idVoid, idCRC32:
		payload, ok, err := d.clusterElement(size, unknown, hdrLen)
		if err != nil || !ok {
			return nil, false, err
		}
		_ = payload
		return nil, true, nil

	case idCluster, idInfo, idTracks, idSeekHead, idCues, idChapters, idTags, idAttachments:
		// An unknown-size cluster ends at the next segment-level element.
		d.inCluster = false
		d.clusterLeft = -1
		return d.stepBody(id, size, unknown, hdrLen)

	default:
		return nil, false, d.parseErr(fmt.Sprintf("unexpected element 0x%X in cluster", id))
	}
}

// wholeElement waits until an element's full payload is buffered and
// consumes it. ok=false means more input is needed.
func (d *Demuxer) wholeElement(size int64, unknown bool, hdrLen int) ([]byte, bool, error) {
	if unknown {
		return nil, false, d.parseErr("unknown-size element must be a segment or cluster")
	}
	if size > maxBufferedElement {
		return nil, false, d.parseErr(fmt.Sprintf("element of %d bytes exceeds buffer bound", size))
	}
	total := hdrLen + int(size)
	if len(d.buf)-d.off < total {
		return nil, false, nil
	}
	payload := d.buf[d.off+hdrLen : d.off+total]
	d.advance(total)
	return payload, true, nil
}

func (d *Demuxer) clusterElement(size int64, unknown bool, hdrLen int) ([]byte, bool, error) {
	payload, ok, err := d.wholeElement(size, unknown, hdrLen)
	if err != nil || !ok {
		return payload, ok, err
	}
	d.noteClusterBytes(int64(hdrLen) + size)
	return payload, true, nil
}

func (d *Demuxer) advance(n int) {
	d.off += n
}

func (d *Demuxer) noteClusterBytes(n int64) {
	if d.inCluster && d.clusterLeft > 0 {
		d.clusterLeft -= n
		if d.clusterLeft < 0 {
			d.clusterLeft = 0
		}
	}
}

func (d *Demuxer) parseErr(reason string) error {
	return &ParseError{Reason: reason, Offset: d.consumed + int64(d.off)}
}

// readElementHeader decodes an element ID and size vint. hdrLen==0 with a
// nil error means the header itself is not fully buffered yet.
func (d *Demuxer) readElementHeader(b []byte) (id uint32, size int64, unknown bool, hdrLen int, err error) {
	idLen := vintLength(b[0], 4)
	if idLen == 0 {
		return 0, 0, false, 0, d.parseErr("invalid element id")
	}
	if len(b) < idLen {
		return 0, 0, false, 0, nil
	}
	for i := 0; i < idLen; i++ {
		id = id<<8 | uint32(b[i])
	}

	rest := b[idLen:]
	if len(rest) == 0 {
		return 0, 0, false, 0, nil
	}
	sizeLen := vintLength(rest[0], 8)
	if sizeLen == 0 {
		return 0, 0, false, 0, d.parseErr("invalid element size")
	}
	if len(rest) < sizeLen {
		return 0, 0, false, 0, nil
	}
	var value uint64
	mask := uint64(1)<<(7*sizeLen) - 1
	value = uint64(rest[0]) &^ (0x80 >> (sizeLen - 1))
	for i := 1; i < sizeLen; i++ {
		value = value<<8 | uint64(rest[i])
	}
	if value == mask {
		return id, 0, true, idLen + sizeLen, nil
	}
	return id, int64(value), false, idLen + sizeLen, nil
}

// vintLength returns the total byte length encoded by a vint's first byte,
// or 0 when the marker is invalid or longer than max.
func vintLength(first byte, max int) int {
	for i := 0; i < max; i++ {
		if first&(0x80>>i) != 0 {
			return i + 1
		}
	}
	return 0
}

func (d *Demuxer) parseInfo(payload []byte) error {
	return walkChildren(payload, func(id uint32, data []byte) error {
		if id == idTimestampScale {
			scale := parseUint(data)
			if scale == 0 {
				return d.parseErr("zero timestamp scale")
			}
			d.tsScale = scale
		}
		return nil
	})
}

func (d *Demuxer) parseTracks(payload []byte) error {
	err := walkChildren(payload, func(id uint32, data []byte) error {
		if id != idTrackEntry || d.track != nil {
			return nil
		}
		entry, err := parseTrackEntry(data)
		if err != nil {
			return d.parseErr(err.Error())
		}
		if entry != nil && entry.CodecID == codecOpus {
			d.track = entry
		}
		return nil
	})
	if err != nil {
		return err
	}
	if d.track == nil {
		return ErrUnsupportedTrack
	}
	return nil
}

// parseTrackEntry returns nil for non-audio tracks.
func parseTrackEntry(payload []byte) (*TrackInfo, error) {
	entry := &TrackInfo{Channels: 1}
	var trackType uint64
	err := walkChildren(payload, func(id uint32, data []byte) error {
		switch id {
		case idTrackNumber:
			entry.Number = parseUint(data)
		case idTrackType:
			trackType = parseUint(data)
		case idCodecID:
			entry.CodecID = string(data)
		case idAudio:
			return walkChildren(data, func(id uint32, data []byte) error {
				switch id {
				case idSamplingFreq:
					entry.SampleRate = parseFloat(data)
				case idChannels:
					entry.Channels = int(parseUint(data))
				}
				return nil
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if trackType != trackTypeAudio {
		return nil, nil
	}
	return entry, nil
}

func (d *Demuxer) parseBlockGroup(payload []byte) (*Packet, error) {
	var pkt *Packet
	err := walkChildren(payload, func(id uint32, data []byte) error {
		if id == idBlock && pkt == nil {
			p, err := d.parseBlock(data)
			if err != nil {
				return err
			}
			pkt = p
		}
		return nil
	})
	return pkt, err
}

// parseBlock decodes a (Simple)Block payload. Blocks of unselected tracks
// are silently dropped, matching how players pick one track.
func (d *Demuxer) parseBlock(payload []byte) (*Packet, error) {
	if d.track == nil {
		return nil, d.parseErr("block before track table")
	}
	if !d.haveClusterTime {
		// Without the cluster Timestamp the block would silently
		// inherit the previous cluster's time base.
		return nil, d.parseErr("block before cluster timestamp")
	}
	if len(payload) < 1 {
		return nil, d.parseErr("truncated block")
	}
	n := vintLength(payload[0], 8)
	if n == 0 || len(payload) < n+3 {
		return nil, d.parseErr("truncated block header")
	}
	trackNum := uint64(payload[0]) &^ (0x80 >> (n - 1))
	for i := 1; i < n; i++ {
		trackNum = trackNum<<8 | uint64(payload[i])
	}
	rel := int64(int16(binary.BigEndian.Uint16(payload[n : n+2])))
	flags := payload[n+2]
	data := payload[n+3:]

	if trackNum != d.track.Number {
		return nil, nil
	}
	if flags&0x06 != 0 {
		return nil, d.parseErr("laced blocks are not supported")
	}

	ticks := d.clusterTime + rel
	if ticks <= d.lastTS {
		return nil, d.parseErr("timestamps out of presentation order")
	}
	d.lastTS = ticks

	buf := make([]byte, len(data))
	copy(buf, data)
	return &Packet{
		Data:      buf,
		Timestamp: time.Duration(ticks) * time.Duration(d.tsScale),
	}, nil
}

// walkChildren iterates fully-buffered child elements of a master element.
func walkChildren(payload []byte, fn func(id uint32, data []byte) error) error {
	off := 0
	for off < len(payload) {
		b := payload[off:]
		idLen := vintLength(b[0], 4)
		if idLen == 0 || len(b) < idLen+1 {
			return errors.New("truncated child element")
		}
		var id uint32
		for i := 0; i < idLen; i++ {
			id = id<<8 | uint32(b[i])
		}
		rest := b[idLen:]
		sizeLen := vintLength(rest[0], 8)
		if sizeLen == 0 || len(rest) < sizeLen {
			return errors.New("truncated child size")
		}
		size := uint64(rest[0]) &^ (0x80 >> (sizeLen - 1))
		for i := 1; i < sizeLen; i++ {
			size = size<<8 | uint64(rest[i])
		}
		total := idLen + sizeLen + int(size)
		if len(b) < total {
			return errors.New("child element exceeds parent")
		}
		if err := fn(id, b[idLen+sizeLen:total]); err != nil {
			return err
		}
		off += total
	}
	return nil
}

func parseUint(data []byte) uint64 {
	var v uint64
	for _, b := range data {
		v = v<<8 | uint64(b)
	}
	return v
}

func parseFloat(data []byte) float64 {
	switch len(data) {
	case 4:
		return float64(math.Float32frombits(binary.BigEndian.Uint32(data)))
	case 8:
		return math.Float64frombits(binary.BigEndian.Uint64(data))
	default:
		return 0
	}
}
