package webrtc

const (
	naluSTAPA = 24
	naluFUA   = 28

	fuStart = 0x80
	fuEnd   = 0x40
)

var startCode = []byte{0x00, 0x00, 0x00, 0x01}

// annexB converts RTP H264 payloads (single NAL, STAP-A and FU-A) into an
// Annex-B byte stream. Each track reader owns one; FU-A reassembly state is
// not shared.
type annexB struct {
	fu      []byte
	inFU    bool
	lastSeq uint16
}

// append adds every NAL unit completed by payload to dst, each behind a
// start code. A sequence gap inside an FU-A chain drops the partial unit.
func (a *annexB) append(dst []byte, seq uint16, payload []byte) []byte {
	if len(payload) == 0 {
		return dst
	}

	switch t := payload[0] & 0x1f; {
	case t >= 1 && t <= 23:
		return appendNALU(dst, payload)
	case t == naluSTAPA:
		return appendSTAPA(dst, payload[1:])
	case t == naluFUA:
		return a.appendFUA(dst, seq, payload)
	}
	return dst
}

func appendNALU(dst, nalu []byte) []byte {
	if len(nalu) == 0 {
		return dst
	}
	dst = append(dst, startCode...)
	return append(dst, nalu...)
}

// appendSTAPA walks the 16-bit length prefixed units of an aggregation
// packet and stops at the first malformed one.
func appendSTAPA(dst, body []byte) []byte {
	for len(body) >= 2 {
		size := int(body[0])<<8 | int(body[1])
		body = body[2:]
		if size == 0 || size > len(body) {
			break
		}
		dst = appendNALU(dst, body[:size])
		body = body[size:]
	}
	return dst
}

func (a *annexB) appendFUA(dst []byte, seq uint16, payload []byte) []byte {
	if len(payload) < 2 {
		return dst
	}
	header := payload[1]

	switch {
	case header&fuStart != 0:
		// Rebuild the NAL header from the indicator's F/NRI bits and the
		// fragment's type.
		a.fu = append(a.fu[:0], payload[0]&0xe0|header&0x1f)
		a.inFU = true
	case !a.inFU:
		return dst
	case seq != a.lastSeq+1:
		a.reset()
		return dst
	}
	a.fu = append(a.fu, payload[2:]...)
	a.lastSeq = seq

	if header&fuEnd == 0 {
		return dst
	}
	dst = appendNALU(dst, a.fu)
	a.reset()
	return dst
}

func (a *annexB) reset() {
	a.fu = a.fu[:0]
	a.inFU = false
}
