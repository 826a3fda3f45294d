package telemetry

import (
	"encoding/binary"
	"errors"
)

var (
	ErrEmptyBatch     = errors.New("telemetry: empty batch")
	ErrAllMasksZero   = errors.New("telemetry: every reading mask is zero")
	ErrBufferTooSmall = errors.New("telemetry: destination buffer too small")
	ErrBatchFull      = errors.New("telemetry: batch is full")

	ErrVersion     = errors.New("telemetry: unsupported payload version")
	ErrUnknownFlag = errors.New("telemetry: unknown presence bit")
	ErrTruncated   = errors.New("telemetry: payload truncated")
)

// EncodeTo writes the batch into dst and returns the number of bytes
// written. dst is not touched before the full pre-computed size check.
func (b *Batch) EncodeTo(dst []byte) (int, error) {
	if len(b.Readings) == 0 {
		return 0, ErrEmptyBatch
	}
	zero := true
	for i := range b.Readings {
		if b.Readings[i].Mask != 0 {
			zero = false
			break
		}
	}
	if zero {
		return 0, ErrAllMasksZero
	}
	total := b.TotalSize()
	if len(dst) < total {
		return 0, ErrBufferTooSmall
	}

	sharedMask, shared := b.SharedMask()
	metadata := byte(Version & metadataVersionMask)
	if shared {
		metadata |= 1 << metadataSharedBit
	}
	dst[0] = metadata
	dst[1] = b.Interval
	offset := headerSize

	if shared {
		binary.LittleEndian.PutUint64(dst[offset:], sharedMask)
		offset += presenceMaskWireSize
	}
	for i := range b.Readings {
		r := &b.Readings[i]
		if !shared {
			binary.LittleEndian.PutUint64(dst[offset:], r.Mask)
			offset += presenceMaskWireSize
		}
		offset += r.encodeSensorData(dst[offset:])
	}
	return offset, nil
}

// Encode allocates the exact buffer and encodes into it.
func (b *Batch) Encode() ([]byte, error) {
	dst := make([]byte, b.TotalSize())
	n, err := b.EncodeTo(dst)
	if err != nil {
		return nil, err
	}
	return dst[:n], nil
}

// encodeSensorData assumes dst is large enough, fields in ascending bit order.
func (r *Reading) encodeSensorData(dst []byte) int {
	offset := 0
	for f := Flag(0); f < flagCount; f++ {
		if !r.Has(f) {
			continue
		}
		switch f {
		case FlagTemp:
			binary.LittleEndian.PutUint16(dst[offset:], uint16(r.Temp))
		case FlagHum:
			binary.LittleEndian.PutUint16(dst[offset:], r.Hum)
		case FlagCO2:
			binary.LittleEndian.PutUint16(dst[offset:], r.CO2)
		case FlagTVOC:
			binary.LittleEndian.PutUint16(dst[offset:], r.TVOC)
		case FlagTVOCRaw:
			binary.LittleEndian.PutUint16(dst[offset:], r.TVOCRaw)
		case FlagNOx:
			binary.LittleEndian.PutUint16(dst[offset:], r.NOx)
		case FlagNOxRaw:
			binary.LittleEndian.PutUint16(dst[offset:], r.NOxRaw)
		case FlagPM01:
			binary.LittleEndian.PutUint16(dst[offset:], r.PM01)
		case FlagPM25Ch1:
			binary.LittleEndian.PutUint16(dst[offset:], r.PM25[0])
		case FlagPM25Ch2:
			binary.LittleEndian.PutUint16(dst[offset:], r.PM25[1])
		case FlagPM10:
			binary.LittleEndian.PutUint16(dst[offset:], r.PM10)
		case FlagPM01SP:
			binary.LittleEndian.PutUint16(dst[offset:], r.PM01SP)
		case FlagPM25SPCh1:
			binary.LittleEndian.PutUint16(dst[offset:], r.PM25SP[0])
		case FlagPM25SPCh2:
			binary.LittleEndian.PutUint16(dst[offset:], r.PM25SP[1])
		case FlagPM10SP:
			binary.LittleEndian.PutUint16(dst[offset:], r.PM10SP)
		case FlagPM03PcCh1:
			binary.LittleEndian.PutUint16(dst[offset:], r.PM03Pc[0])
		case FlagPM03PcCh2:
			binary.LittleEndian.PutUint16(dst[offset:], r.PM03Pc[1])
		case FlagPM05Pc:
			binary.LittleEndian.PutUint16(dst[offset:], r.PM05Pc)
		case FlagPM01Pc:
			binary.LittleEndian.PutUint16(dst[offset:], r.PM01Pc)
		case FlagPM25Pc:
			binary.LittleEndian.PutUint16(dst[offset:], r.PM25Pc)
		case FlagPM5Pc:
			binary.LittleEndian.PutUint16(dst[offset:], r.PM5Pc)
		case FlagPM10Pc:
			binary.LittleEndian.PutUint16(dst[offset:], r.PM10Pc)
		case FlagVBat:
			binary.LittleEndian.PutUint16(dst[offset:], r.VBat)
		case FlagVPanel:
			binary.LittleEndian.PutUint16(dst[offset:], r.VPanel)
		case FlagO3WE:
			binary.LittleEndian.PutUint32(dst[offset:], r.O3WE)
		case FlagO3AE:
			binary.LittleEndian.PutUint32(dst[offset:], r.O3AE)
		case FlagNO2WE:
			binary.LittleEndian.PutUint32(dst[offset:], r.NO2WE)
		case FlagNO2AE:
			binary.LittleEndian.PutUint32(dst[offset:], r.NO2AE)
		case FlagAFETemp:
			binary.LittleEndian.PutUint16(dst[offset:], r.AFETemp)
		case FlagSignal:
			dst[offset] = byte(r.Signal)
		}
		offset += flagWidth(f)
	}
	return offset
}

// Decode reconstructs a batch from wire bytes. Reference decoder for the
// ingestion side and for roundtrip tests.
func Decode(src []byte) (*Batch, error) {
	if len(src) < headerSize {
		return nil, ErrTruncated
	}
	metadata := src[0]
	if metadata&metadataVersionMask != Version {
		return nil, ErrVersion
	}
	shared := metadata&(1<<metadataSharedBit) != 0
	b := &Batch{Interval: src[1]}
	offset := headerSize

	var sharedMask uint64
	if shared {
		if len(src) < offset+presenceMaskWireSize {
			return nil, ErrTruncated
		}
		sharedMask = binary.LittleEndian.Uint64(src[offset:])
		offset += presenceMaskWireSize
		if err := checkMask(sharedMask); err != nil {
			return nil, err
		}
		if sharedMask == 0 {
			// the encoder never sets the shared bit for an all-zero mask
			return nil, ErrAllMasksZero
		}
	}

	for offset < len(src) {
		mask := sharedMask
		if !shared {
			if len(src) < offset+presenceMaskWireSize {
				return nil, ErrTruncated
			}
			mask = binary.LittleEndian.Uint64(src[offset:])
			offset += presenceMaskWireSize
			if err := checkMask(mask); err != nil {
				return nil, err
			}
		}
		need := SensorDataSize(mask)
		if len(src) < offset+need {
			return nil, ErrTruncated
		}
		r := Reading{Mask: mask}
		r.decodeSensorData(src[offset : offset+need])
		offset += need
		if err := b.Add(r); err != nil {
			return nil, err
		}
	}
	if len(b.Readings) == 0 {
		return nil, ErrEmptyBatch
	}
	return b, nil
}

func checkMask(mask uint64) error {
	if mask>>uint(flagCount) != 0 {
		return ErrUnknownFlag
	}
	return nil
}

func (r *Reading) decodeSensorData(src []byte) {
	offset := 0
	for f := Flag(0); f < flagCount; f++ {
		if !r.Has(f) {
			continue
		}
		switch f {
		case FlagTemp:
			r.Temp = int16(binary.LittleEndian.Uint16(src[offset:]))
		case FlagHum:
			r.Hum = binary.LittleEndian.Uint16(src[offset:])
		case FlagCO2:
			r.CO2 = binary.LittleEndian.Uint16(src[offset:])
		case FlagTVOC:
			r.TVOC = binary.LittleEndian.Uint16(src[offset:])
		case FlagTVOCRaw:
			r.TVOCRaw = binary.LittleEndian.Uint16(src[offset:])
		case FlagNOx:
			r.NOx = binary.LittleEndian.Uint16(src[offset:])
		case FlagNOxRaw:
			r.NOxRaw = binary.LittleEndian.Uint16(src[offset:])
		case FlagPM01:
			r.PM01 = binary.LittleEndian.Uint16(src[offset:])
		case FlagPM25Ch1:
			r.PM25[0] = binary.LittleEndian.Uint16(src[offset:])
		case FlagPM25Ch2:
			r.PM25[1] = binary.LittleEndian.Uint16(src[offset:])
		case FlagPM10:
			r.PM10 = binary.LittleEndian.Uint16(src[offset:])
		case FlagPM01SP:
			r.PM01SP = binary.LittleEndian.Uint16(src[offset:])
		case FlagPM25SPCh1:
			r.PM25SP[0] = binary.LittleEndian.Uint16(src[offset:])
		case FlagPM25SPCh2:
			r.PM25SP[1] = binary.LittleEndian.Uint16(src[offset:])
		case FlagPM10SP:
			r.PM10SP = binary.LittleEndian.Uint16(src[offset:])
		case FlagPM03PcCh1:
			r.PM03Pc[0] = binary.LittleEndian.Uint16(src[offset:])
		case FlagPM03PcCh2:
			r.PM03Pc[1] = binary.LittleEndian.Uint16(src[offset:])
		case FlagPM05Pc:
			r.PM05Pc = binary.LittleEndian.Uint16(src[offset:])
		case FlagPM01Pc:
			r.PM01Pc = binary.LittleEndian.Uint16(src[offset:])
		case FlagPM25Pc:
			r.PM25Pc = binary.LittleEndian.Uint16(src[offset:])
		case FlagPM5Pc:
			r.PM5Pc = binary.LittleEndian.Uint16(src[offset:])
		case FlagPM10Pc:
			r.PM10Pc = binary.LittleEndian.Uint16(src[offset:])
		case FlagVBat:
			r.VBat = binary.LittleEndian.Uint16(src[offset:])
		case FlagVPanel:
			r.VPanel = binary.LittleEndian.Uint16(src[offset:])
		case FlagO3WE:
			r.O3WE = binary.LittleEndian.Uint32(src[offset:])
		case FlagO3AE:
			r.O3AE = binary.LittleEndian.Uint32(src[offset:])
		case FlagNO2WE:
			r.NO2WE = binary.LittleEndian.Uint32(src[offset:])
		case FlagNO2AE:
			r.NO2AE = binary.LittleEndian.Uint32(src[offset:])
		case FlagAFETemp:
			r.AFETemp = binary.LittleEndian.Uint16(src[offset:])
		case FlagSignal:
			r.Signal = int8(src[offset])
		}
		offset += flagWidth(f)
	}
}
