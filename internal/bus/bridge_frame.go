package bus

// Serial register bridge protocol: a USB CDC microcontroller forwards single
// register transactions to the sensor and answers each request with one frame.
//
// request:  sig(1) op(1) addr(1) reg(1) len(1) payload(len) crc8(1)
// response: sig(1) op|0x80(1) status(1) len(1) data(len) crc8(1)
//
// For reads, len is the number of bytes requested and the payload is empty.
// The CRC covers everything after the signature.

import "fmt"

const (
	bridgeSig        = 0xA5
	bridgeHeaderSize = 5 // sig + op + addr + reg + len
	bridgeRespHeader = 4 // sig + op + status + len
	bridgeMaxData    = 32
)

const (
	bridgeOpRead  uint8 = 0x01
	bridgeOpWrite uint8 = 0x02
	bridgeOpResp  uint8 = 0x80
)

// Bridge response status codes.
const (
	bridgeStatusOK      uint8 = 0x00
	bridgeStatusNACK    uint8 = 0x01
	bridgeStatusTimeout uint8 = 0x02
	bridgeStatusBadReq  uint8 = 0x03
)

func bridgeStatusName(s uint8) string {
	switch s {
	case bridgeStatusOK:
		return "OK"
	case bridgeStatusNACK:
		return "NACK"
	case bridgeStatusTimeout:
		return "BUS_TIMEOUT"
	case bridgeStatusBadReq:
		return "BAD_REQUEST"
	default:
		return fmt.Sprintf("UNKNOWN(0x%02X)", s)
	}
}

// --- CRC-8/KOOP (reflected poly=0xB2, init=0xFF, xorout=0xFF) ---

var crc8Table [256]uint8

func init() {
	const poly = 0xB2
	for i := 0; i < 256; i++ {
		crc := uint8(i)
		for bit := 0; bit < 8; bit++ {
			if crc&1 != 0 {
				crc = (crc >> 1) ^ poly
			} else {
				crc >>= 1
			}
		}
		crc8Table[i] = crc
	}
}

func bridgeCRC8(data []byte) uint8 {
	crc := uint8(0xFF)
	for _, b := range data {
		crc = crc8Table[crc^b]
	}
	return crc ^ 0xFF
}

// bridgeEncodeRead builds a read request for n bytes at reg.
func bridgeEncodeRead(addr, reg uint8, n int) []byte {
	frame := []byte{bridgeSig, bridgeOpRead, addr, reg, uint8(n), 0}
	frame[5] = bridgeCRC8(frame[1:5])
	return frame
}

// bridgeEncodeWrite builds a write request carrying payload.
func bridgeEncodeWrite(addr, reg uint8, payload []byte) []byte {
	frame := make([]byte, bridgeHeaderSize+len(payload)+1)
	frame[0] = bridgeSig
	frame[1] = bridgeOpWrite
	frame[2] = addr
	frame[3] = reg
	frame[4] = uint8(len(payload))
	copy(frame[bridgeHeaderSize:], payload)
	frame[len(frame)-1] = bridgeCRC8(frame[1 : len(frame)-1])
	return frame
}

// bridgeResponse is a decoded response frame.
type bridgeResponse struct {
	Op     uint8
	Status uint8
	Data   []byte
}

// bridgeDecodeResponse parses a complete response frame including signature and CRC.
func bridgeDecodeResponse(frame []byte) (*bridgeResponse, error) {
	if len(frame) < bridgeRespHeader+1 {
		return nil, fmt.Errorf("bridge: frame too short: %d bytes", len(frame))
	}
	if frame[0] != bridgeSig {
		return nil, fmt.Errorf("bridge: bad signature: 0x%02X", frame[0])
	}
	n := int(frame[3])
	if len(frame) != bridgeRespHeader+n+1 {
		return nil, fmt.Errorf("bridge: length mismatch: header says %d, frame has %d", n, len(frame)-bridgeRespHeader-1)
	}
	want := bridgeCRC8(frame[1 : len(frame)-1])
	if got := frame[len(frame)-1]; got != want {
		return nil, fmt.Errorf("bridge: CRC8 mismatch: got 0x%02X, want 0x%02X", got, want)
	}
	if frame[1]&bridgeOpResp == 0 {
		return nil, fmt.Errorf("bridge: not a response: op 0x%02X", frame[1])
	}
	resp := &bridgeResponse{
		Op:     frame[1] &^ bridgeOpResp,
		Status: frame[2],
	}
	if n > 0 {
		resp.Data = make([]byte, n)
		copy(resp.Data, frame[bridgeRespHeader:bridgeRespHeader+n])
	}
	return resp, nil
}
