package wire

// HelloHeader is CONN_HELLO / CONN_HELLO_ACK. For CONN_HELLO, Timestamp is
// the sender's clock at send time and CCAlgs is the list of CC-ids the
// client is willing to run. For CONN_HELLO_ACK, Timestamp is the echoed
// CONN_HELLO timestamp and RecvTimestamp is the server's local receive time.
// The client's Connection seeds the handshake RTT from the echoed Timestamp
// and its own receive time (§4.10); it does not read RecvTimestamp.
type HelloHeader struct {
	Ack            bool
	Timestamp      uint32
	RecvTimestamp  uint32 // CONN_HELLO_ACK only
	CCAlgs         []uint8
}

const helloHeaderMinLen = 1 + 1 + 4 + 4 + 1

func EncodeHello(dst []byte, h *HelloHeader) (int, error) {
	need := helloHeaderMinLen + len(h.CCAlgs)
	if len(dst) < need {
		return 0, ErrShort
	}
	if h.Ack {
		dst[0] = byte(ConnHelloAck)
	} else {
		dst[0] = byte(ConnHello)
	}
	dst[1] = 0
	putUint32(dst[2:6], h.Timestamp)
	putUint32(dst[6:10], h.RecvTimestamp)
	dst[10] = byte(len(h.CCAlgs))
	copy(dst[11:11+len(h.CCAlgs)], h.CCAlgs)
	return 11 + len(h.CCAlgs), nil
}

func DecodeHello(buf []byte) (*HelloHeader, error) {
	if len(buf) < helloHeaderMinLen {
		return nil, ErrMalformed
	}
	h := &HelloHeader{Ack: FrameType(buf[0]) == ConnHelloAck}
	h.Timestamp = getUint32(buf[2:6])
	h.RecvTimestamp = getUint32(buf[6:10])
	n := int(buf[10])
	if len(buf) < 11+n {
		return nil, ErrMalformed
	}
	h.CCAlgs = append([]uint8(nil), buf[11:11+n]...)
	return h, nil
}

// ConnCtrlHeader covers RESET_CONN and CLOSE_CONN, which share a shape.
type ConnCtrlHeader struct {
	Reset  bool
	Reason uint8
}

func EncodeConnCtrl(dst []byte, h *ConnCtrlHeader) (int, error) {
	if len(dst) < 2 {
		return 0, ErrShort
	}
	if h.Reset {
		dst[0] = byte(ResetConn)
	} else {
		dst[0] = byte(CloseConn)
	}
	dst[1] = h.Reason
	return 2, nil
}

func DecodeConnCtrl(buf []byte) (*ConnCtrlHeader, error) {
	if len(buf) < 2 {
		return nil, ErrMalformed
	}
	return &ConnCtrlHeader{Reset: FrameType(buf[0]) == ResetConn, Reason: buf[1]}, nil
}

// CreateStreamHeader requests opening a new stream (§3 reliability spec).
type CreateStreamHeader struct {
	StreamID          uint8
	Priority          uint8
	ReliabilityMode   uint8
	DeliveryOrdered   bool
	RexmitLimit       uint8
	TargetRecvProbPct uint8 // target_pkt_recv_prob * 100, 95..99
	HasTargetRounds   bool
	TargetRounds      uint8
	TargetTimeSecX100 uint16 // target_time_sec * 100, valid iff !HasTargetRounds
	FECGroupSize      uint8  // k
}

const createStreamLen = 1 + 1 + 1 + 1 + 1 + 1 + 1 + 1 + 2 + 1

func EncodeCreateStream(dst []byte, h *CreateStreamHeader) (int, error) {
	if len(dst) < createStreamLen {
		return 0, ErrShort
	}
	if h.StreamID == 0 || h.StreamID > maxStreamID {
		return 0, ErrMalformed
	}
	dst[0] = byte(CreateStream)
	dst[1] = h.StreamID
	dst[2] = h.Priority
	dst[3] = h.ReliabilityMode
	ordered := byte(0)
	if h.DeliveryOrdered {
		ordered = 1
	}
	dst[4] = ordered
	dst[5] = h.RexmitLimit
	dst[6] = h.TargetRecvProbPct
	hasRounds := byte(0)
	if h.HasTargetRounds {
		hasRounds = 1
	}
	dst[7] = hasRounds
	dst[8] = h.TargetRounds
	putUint16(dst[9:11], h.TargetTimeSecX100)
	dst[11] = h.FECGroupSize
	return createStreamLen, nil
}

func DecodeCreateStream(buf []byte) (*CreateStreamHeader, error) {
	if len(buf) < createStreamLen {
		return nil, ErrMalformed
	}
	h := &CreateStreamHeader{
		StreamID:          buf[1],
		Priority:          buf[2],
		ReliabilityMode:   buf[3],
		DeliveryOrdered:   buf[4] != 0,
		RexmitLimit:       buf[5],
		TargetRecvProbPct: buf[6],
		HasTargetRounds:   buf[7] != 0,
		TargetRounds:      buf[8],
		TargetTimeSecX100: getUint16(buf[9:11]),
		FECGroupSize:      buf[11],
	}
	if h.StreamID == 0 || h.StreamID > maxStreamID {
		return nil, ErrMalformed
	}
	if h.Priority > 7 {
		return nil, ErrMalformed
	}
	return h, nil
}

// ResetStreamHeader is RESET_STREAM.
type ResetStreamHeader struct {
	StreamID uint8
	Reason   uint8
}

func EncodeResetStream(dst []byte, h *ResetStreamHeader) (int, error) {
	if len(dst) < 3 {
		return 0, ErrShort
	}
	dst[0] = byte(ResetStream)
	dst[1] = h.StreamID
	dst[2] = h.Reason
	return 3, nil
}

func DecodeResetStream(buf []byte) (*ResetStreamHeader, error) {
	if len(buf) < 3 {
		return nil, ErrMalformed
	}
	return &ResetStreamHeader{StreamID: buf[1], Reason: buf[2]}, nil
}

// CCSyncHeader carries one algorithm-specific sync payload with a
// wraparound-comparable 16-bit sequence number (§4.8).
type CCSyncHeader struct {
	CCID    uint8
	Seq     uint16
	Payload uint32
}

func EncodeCCSync(dst []byte, h *CCSyncHeader) (int, error) {
	if len(dst) < 8 {
		return 0, ErrShort
	}
	dst[0] = byte(CcSync)
	dst[1] = h.CCID
	putUint16(dst[2:4], h.Seq)
	putUint32(dst[4:8], h.Payload)
	return 8, nil
}

func DecodeCCSync(buf []byte) (*CCSyncHeader, error) {
	if len(buf) < 8 {
		return nil, ErrMalformed
	}
	return &CCSyncHeader{CCID: buf[1], Seq: getUint16(buf[2:4]), Payload: getUint32(buf[4:8])}, nil
}

// RcvdPktCntHeader feeds the receive-rate half of the Capacity Estimator.
type RcvdPktCntHeader struct {
	StreamID uint8
	Count    uint32
}

func EncodeRcvdPktCnt(dst []byte, h *RcvdPktCntHeader) (int, error) {
	if len(dst) < 6 {
		return 0, ErrShort
	}
	dst[0] = byte(RcvdPktCnt)
	dst[1] = h.StreamID
	putUint32(dst[2:6], h.Count)
	return 6, nil
}

func DecodeRcvdPktCnt(buf []byte) (*RcvdPktCntHeader, error) {
	if len(buf) < 6 {
		return nil, ErrMalformed
	}
	return &RcvdPktCntHeader{StreamID: buf[1], Count: getUint32(buf[2:6])}, nil
}

// CCPktTrainHeader is one leg of a packet-pair/train probe used by
// Copa2/Copa3 for bottleneck-rate estimation.
type CCPktTrainHeader struct {
	CCID     uint8
	TrainID  uint16
	PktIndex uint8
	PktCount uint8
	SendTS   uint32
	RecvTS   uint32
}

func EncodeCCPktTrain(dst []byte, h *CCPktTrainHeader) (int, error) {
	if len(dst) < 14 {
		return 0, ErrShort
	}
	dst[0] = byte(CcPktTrain)
	dst[1] = h.CCID
	putUint16(dst[2:4], h.TrainID)
	dst[4] = h.PktIndex
	dst[5] = h.PktCount
	putUint32(dst[6:10], h.SendTS)
	putUint32(dst[10:14], h.RecvTS)
	return 14, nil
}

func DecodeCCPktTrain(buf []byte) (*CCPktTrainHeader, error) {
	if len(buf) < 14 {
		return nil, ErrMalformed
	}
	return &CCPktTrainHeader{
		CCID: buf[1], TrainID: getUint16(buf[2:4]), PktIndex: buf[4], PktCount: buf[5],
		SendTS: getUint32(buf[6:10]), RecvTS: getUint32(buf[10:14]),
	}, nil
}

// SeqGreater implements the wraparound-aware 16-bit sequence comparison
// required by §4.8: new>old iff ((new-old) mod 2^16) < 2^15.
func SeqGreater(newSeq, old uint16) bool {
	return uint16(newSeq-old) < 1<<15 && newSeq != old
}
