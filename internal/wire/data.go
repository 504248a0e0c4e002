package wire

// FECBlock is the optional FEC annotation on a DATA frame.
type FECBlock struct {
	GroupID    uint32
	EncodedLen uint16
	GroupIndex uint8
	NumSource  uint8
	Round      uint8
	PktType    FECPktType
}

// DataHeader is the decoded form of a DATA frame (§6). Payload is a
// sub-slice of the buffer passed to Decode, not a copy.
type DataHeader struct {
	Flags           byte
	CCID            uint8
	StreamID        uint8
	RetransmitCount uint8
	SeqNum          uint32
	Timestamp       uint32
	TimestampDelta  uint32
	MoveForwardSeq  uint32 // valid iff Flags&FlagMoveFwd
	FEC             FECBlock
	TTG             []float64 // time-to-go seconds, valid iff Flags&FlagHasTTG
	Payload         []byte
}

func (h *DataHeader) HasFEC() bool      { return h.Flags&FlagHasFEC != 0 }
func (h *DataHeader) HasTTG() bool      { return h.Flags&FlagHasTTG != 0 }
func (h *DataHeader) HasMoveFwd() bool  { return h.Flags&FlagMoveFwd != 0 }
func (h *DataHeader) IsFin() bool       { return h.Flags&FlagFin != 0 }
func (h *DataHeader) IsPersist() bool   { return h.Flags&FlagPersist != 0 }

// EncodedLen returns the number of bytes EncodeData will write for h,
// excluding the payload.
func EncodedLen(h *DataHeader) int {
	n := dataHeaderMinLen
	if h.Flags&FlagMoveFwd != 0 {
		n += 4
	}
	if h.Flags&FlagHasFEC != 0 {
		n += fecBlockLen
	}
	if h.Flags&FlagHasTTG != 0 {
		n += 1 + 2*len(h.TTG)
	}
	return n
}

// EncodeData writes a DATA frame into dst, which must be at least
// EncodedLen(h)+len(h.Payload) bytes. Returns the number of bytes written.
func EncodeData(dst []byte, h *DataHeader) (int, error) {
	if h.StreamID == 0 || h.StreamID > maxStreamID {
		return 0, ErrMalformed
	}
	if len(h.TTG) > maxTTGCount {
		return 0, ErrMalformed
	}
	need := EncodedLen(h) + len(h.Payload)
	if len(dst) < need {
		return 0, ErrShort
	}
	dst[0] = byte(Data)
	dst[1] = h.Flags &^ reservedMask
	dst[2] = h.CCID
	dst[3] = h.StreamID
	dst[4] = h.RetransmitCount
	dst[5] = 0 // reserved
	putUint16(dst[6:8], uint16(len(h.Payload)))
	putUint32(dst[8:12], h.SeqNum)
	putUint32(dst[12:16], h.Timestamp)
	putUint32(dst[16:20], h.TimestampDelta)
	off := dataHeaderMinLen
	if h.Flags&FlagMoveFwd != 0 {
		putUint32(dst[off:off+4], h.MoveForwardSeq)
		off += 4
	}
	if h.Flags&FlagHasFEC != 0 {
		putUint32(dst[off:off+4], h.FEC.GroupID)
		putUint16(dst[off+4:off+6], h.FEC.EncodedLen)
		dst[off+6] = h.FEC.GroupIndex
		dst[off+7] = h.FEC.NumSource
		dst[off+8] = h.FEC.Round
		dst[off+9] = byte(h.FEC.PktType)
		off += fecBlockLen
	}
	if h.Flags&FlagHasTTG != 0 {
		dst[off] = byte(len(h.TTG))
		off++
		for _, ttg := range h.TTG {
			putUint16(dst[off:off+2], encodeHalfSeconds(ttg))
			off += 2
		}
	}
	copy(dst[off:off+len(h.Payload)], h.Payload)
	return off + len(h.Payload), nil
}

// DecodeData validates and parses a DATA frame. buf[0] must already be
// Data; callers dispatch on PeekType first.
func DecodeData(buf []byte) (*DataHeader, error) {
	if len(buf) < dataHeaderMinLen {
		return nil, ErrMalformed
	}
	if buf[1]&reservedMask != 0 {
		return nil, ErrMalformed
	}
	h := &DataHeader{
		Flags:           buf[1],
		CCID:            buf[2],
		StreamID:        buf[3],
		RetransmitCount: buf[4],
	}
	if h.StreamID == 0 || h.StreamID > maxStreamID {
		return nil, ErrMalformed
	}
	payloadLen := int(getUint16(buf[6:8]))
	h.SeqNum = getUint32(buf[8:12])
	h.Timestamp = getUint32(buf[12:16])
	h.TimestampDelta = getUint32(buf[16:20])
	off := dataHeaderMinLen

	if h.Flags&FlagMoveFwd != 0 {
		if len(buf) < off+4 {
			return nil, ErrMalformed
		}
		h.MoveForwardSeq = getUint32(buf[off : off+4])
		off += 4
	}
	if h.Flags&FlagHasFEC != 0 {
		if len(buf) < off+fecBlockLen {
			return nil, ErrMalformed
		}
		h.FEC.GroupID = getUint32(buf[off : off+4])
		h.FEC.EncodedLen = getUint16(buf[off+4 : off+6])
		h.FEC.GroupIndex = buf[off+6]
		h.FEC.NumSource = buf[off+7]
		h.FEC.Round = buf[off+8]
		h.FEC.PktType = FECPktType(buf[off+9])
		off += fecBlockLen
	}
	if h.Flags&FlagHasTTG != 0 {
		if len(buf) < off+1 {
			return nil, ErrMalformed
		}
		count := int(buf[off])
		off++
		if count > maxTTGCount || len(buf) < off+2*count {
			return nil, ErrMalformed
		}
		h.TTG = make([]float64, count)
		for i := 0; i < count; i++ {
			h.TTG[i] = decodeHalfSeconds(getUint16(buf[off : off+2]))
			off += 2
		}
	}
	if len(buf) < off+payloadLen {
		return nil, ErrMalformed
	}
	h.Payload = buf[off : off+payloadLen]
	return h, nil
}
