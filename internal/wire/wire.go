// Package wire implements the two fixed-layout binary frames exchanged
// with physics-simulator workers, plus the session-layer length framing
// that carries them over TCP. Field values inside a frame are
// little-endian (host order); the length prefix in front of each frame
// is big-endian, per spec §4.6/§4.7.
package wire

import (
	"crypto/md5"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"strings"
)

const tagSize = 16

// Command tags, exactly 8 ASCII characters, NUL-padded to 16 bytes.
const (
	CmdRequestXML    = "req_xml_"
	CmdRequestGenome = "req_gen_"
	CmdScore         = "score___"
)

// Data-frame tags, NUL-padded to 16 bytes.
const (
	TagXML    = "xml"
	TagGenome = "genome"
)

func makeTag(s string) [tagSize]byte {
	var t [tagSize]byte
	copy(t[:], s)
	return t
}

func tagString(t [tagSize]byte) string {
	return strings.TrimRight(string(t[:]), "\x00")
}

// RequestFrameSize is the fixed wire size of every RequestMessage,
// per spec §8's decode∘encode invariant ("frame length == 96 for
// requests"). The named fields below account for 44 bytes; the
// remainder is reserved, unused padding kept so the frame always has
// this fixed size regardless of command.
const RequestFrameSize = 96

// RequestMessage is sent by a worker: a command tag plus, depending on
// the tag, an identifying runID (req_gen_/score___) or nothing beyond
// the header (req_xml_), and a score (score___ only).
type RequestMessage struct {
	Text             [tagSize]byte
	EvolveIdentifier uint64
	SenderIP         uint32
	SenderPort       uint32
	RunID            uint32
	Score            float64
}

// Command returns the NUL-trimmed command string.
func (m *RequestMessage) Command() string { return tagString(m.Text) }

// NewRequest builds a RequestMessage with the given command tag.
func NewRequest(command string, evolveIdentifier uint64, senderIP, senderPort, runID uint32, score float64) *RequestMessage {
	return &RequestMessage{
		Text:             makeTag(command),
		EvolveIdentifier: evolveIdentifier,
		SenderIP:         senderIP,
		SenderPort:       senderPort,
		RunID:            runID,
		Score:            score,
	}
}

// EncodeRequest serialises m into a fixed RequestFrameSize buffer.
func EncodeRequest(m *RequestMessage) []byte {
	b := make([]byte, RequestFrameSize)
	copy(b[0:16], m.Text[:])
	binary.LittleEndian.PutUint64(b[16:24], m.EvolveIdentifier)
	binary.LittleEndian.PutUint32(b[24:28], m.SenderIP)
	binary.LittleEndian.PutUint32(b[28:32], m.SenderPort)
	binary.LittleEndian.PutUint32(b[32:36], m.RunID)
	binary.LittleEndian.PutUint64(b[36:44], math.Float64bits(m.Score))
	return b
}

// DecodeRequest parses a RequestMessage from a frame of exactly
// RequestFrameSize bytes.
func DecodeRequest(b []byte) (*RequestMessage, error) {
	if len(b) != RequestFrameSize {
		return nil, fmt.Errorf("request frame: want %d bytes, got %d", RequestFrameSize, len(b))
	}
	m := &RequestMessage{}
	copy(m.Text[:], b[0:16])
	m.EvolveIdentifier = binary.LittleEndian.Uint64(b[16:24])
	m.SenderIP = binary.LittleEndian.Uint32(b[24:28])
	m.SenderPort = binary.LittleEndian.Uint32(b[28:32])
	m.RunID = binary.LittleEndian.Uint32(b[32:36])
	m.Score = math.Float64frombits(binary.LittleEndian.Uint64(b[36:44]))
	return m, nil
}

// DataHeaderSize is the fixed header size preceding every data-frame
// payload, per spec §8 ("== 56 + 8·genomeLength" / "== 56 + xmlLength").
// genomeLength and xmlLength share one wire field (Length below); which
// one it means is determined by Text.
const DataHeaderSize = 56

// DataMessage is sent by the server: either the shared XML model blob
// (Text == TagXML) or a dispatched genome (Text == TagGenome).
type DataMessage struct {
	Text             [tagSize]byte
	EvolveIdentifier uint64
	SenderIP         uint32
	SenderPort       uint32
	RunID            uint32
	Length           uint32 // element count: doubles for genome, bytes for xml
	MD5              [4]uint32
	Payload          []byte
}

// Command returns the NUL-trimmed command string.
func (m *DataMessage) Command() string { return tagString(m.Text) }

// MD5Tag computes the four-word MD5 digest of data, as carried in
// every outgoing data frame (spec §4.6).
func MD5Tag(data []byte) [4]uint32 {
	sum := md5.Sum(data)
	var tag [4]uint32
	for i := 0; i < 4; i++ {
		tag[i] = binary.LittleEndian.Uint32(sum[i*4 : i*4+4])
	}
	return tag
}

// NewGenomeFrame builds a DataMessage carrying a genome's gene values
// as a flat slice of doubles.
func NewGenomeFrame(evolveIdentifier uint64, senderIP, senderPort, runID uint32, genes []float64, md5Tag [4]uint32) *DataMessage {
	payload := make([]byte, len(genes)*8)
	for i, v := range genes {
		binary.LittleEndian.PutUint64(payload[i*8:i*8+8], math.Float64bits(v))
	}
	return &DataMessage{
		Text:             makeTag(TagGenome),
		EvolveIdentifier: evolveIdentifier,
		SenderIP:         senderIP,
		SenderPort:       senderPort,
		RunID:            runID,
		Length:           uint32(len(genes)),
		MD5:              md5Tag,
		Payload:          payload,
	}
}

// NewXMLFrame builds a DataMessage carrying the raw XML model blob.
func NewXMLFrame(evolveIdentifier uint64, senderIP, senderPort uint32, xml []byte, md5Tag [4]uint32) *DataMessage {
	return &DataMessage{
		Text:             makeTag(TagXML),
		EvolveIdentifier: evolveIdentifier,
		SenderIP:         senderIP,
		SenderPort:       senderPort,
		RunID:            0,
		Length:           uint32(len(xml)),
		MD5:              md5Tag,
		Payload:          append([]byte(nil), xml...),
	}
}

// Genes decodes the payload as a flat slice of little-endian doubles;
// only meaningful when Command() == TagGenome.
func (m *DataMessage) Genes() []float64 {
	genes := make([]float64, m.Length)
	for i := range genes {
		genes[i] = math.Float64frombits(binary.LittleEndian.Uint64(m.Payload[i*8 : i*8+8]))
	}
	return genes
}

// Encode serialises m to its wire representation: a DataHeaderSize
// header followed by Payload verbatim.
func (m *DataMessage) Encode() []byte {
	b := make([]byte, DataHeaderSize+len(m.Payload))
	copy(b[0:16], m.Text[:])
	binary.LittleEndian.PutUint64(b[16:24], m.EvolveIdentifier)
	binary.LittleEndian.PutUint32(b[24:28], m.SenderIP)
	binary.LittleEndian.PutUint32(b[28:32], m.SenderPort)
	binary.LittleEndian.PutUint32(b[32:36], m.RunID)
	binary.LittleEndian.PutUint32(b[36:40], m.Length)
	for i := 0; i < 4; i++ {
		binary.LittleEndian.PutUint32(b[40+i*4:44+i*4], m.MD5[i])
	}
	copy(b[DataHeaderSize:], m.Payload)
	return b
}

// DecodeDataFrame parses a DataMessage from a complete frame buffer.
func DecodeDataFrame(b []byte) (*DataMessage, error) {
	if len(b) < DataHeaderSize {
		return nil, fmt.Errorf("data frame: short header, want >= %d bytes, got %d", DataHeaderSize, len(b))
	}
	m := &DataMessage{}
	copy(m.Text[:], b[0:16])
	m.EvolveIdentifier = binary.LittleEndian.Uint64(b[16:24])
	m.SenderIP = binary.LittleEndian.Uint32(b[24:28])
	m.SenderPort = binary.LittleEndian.Uint32(b[28:32])
	m.RunID = binary.LittleEndian.Uint32(b[32:36])
	m.Length = binary.LittleEndian.Uint32(b[36:40])
	for i := 0; i < 4; i++ {
		m.MD5[i] = binary.LittleEndian.Uint32(b[40+i*4 : 44+i*4])
	}
	m.Payload = append([]byte(nil), b[DataHeaderSize:]...)

	switch tagString(m.Text) {
	case TagGenome:
		if want := DataHeaderSize + int(m.Length)*8; len(b) != want {
			return nil, fmt.Errorf("genome frame: want %d bytes, got %d", want, len(b))
		}
	case TagXML:
		if want := DataHeaderSize + int(m.Length); len(b) != want {
			return nil, fmt.Errorf("xml frame: want %d bytes, got %d", want, len(b))
		}
	default:
		return nil, fmt.Errorf("data frame: unrecognised command %q", tagString(m.Text))
	}
	return m, nil
}

// WriteFrame writes a 4-byte big-endian length prefix followed by
// payload, per the session framing of spec §4.7.
func WriteFrame(w io.Writer, payload []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// ReadFrame reads one big-endian length-prefixed frame from r.
func ReadFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
